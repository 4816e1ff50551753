package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"formbot/internal/config"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate form definitions and locale bundles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadLocal()
			logger := newLogger(os.Stderr, cfg.LogLevel, false)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger)
			if err != nil {
				for _, line := range strings.Split(err.Error(), "\n") {
					fmt.Fprintln(cmd.ErrOrStderr(), "error:", line)
				}
				return fmt.Errorf("configuration is invalid")
			}

			out := cmd.OutOrStdout()
			for _, f := range a.catalog.Forms() {
				fmt.Fprintf(out, "form %s: %d fields\n", f.ID, len(f.Fields))
			}
			fmt.Fprintf(out, "languages: %s (default %s)\n", strings.Join(a.resolver.Languages(), ", "), a.resolver.Default())
			fmt.Fprintln(out, "ok")
			return nil
		},
	}
}
