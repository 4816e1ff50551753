package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "formbot",
		Short:        "Multilingual form-filling conversations over messaging webhooks",
		SilenceUsage: true,
	}
	root.AddCommand(
		newLambdaCmd(),
		newServeCmd(),
		newCheckCmd(),
		newChatCmd(),
	)
	return root
}
