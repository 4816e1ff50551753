package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"formbot/handler"
	"formbot/internal/config"
	"formbot/internal/domain"
)

func newChatCmd() *cobra.Command {
	var sender, lang string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the bot in the terminal with an in-memory session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.LoadLocal()
			logger := newLogger(os.Stderr, cfg.LogLevel, false)
			if err != nil {
				return err
			}
			// Submissions are only printed locally.
			cfg.SubmitURL = ""
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			svc, closeStore, err := a.service(ctx, nil, nil)
			if err != nil {
				return err
			}
			defer closeStore()
			h, err := handler.NewHandler(svc, handler.WithDetector(a.resolver), handler.WithLogger(logger))
			if err != nil {
				return err
			}

			line := liner.NewLiner()
			defer line.Close()
			line.SetCtrlCAborts(true)

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Type a message. /reset starts over, /quit exits.")
			for {
				text, err := line.Prompt("> ")
				if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				text = strings.TrimSpace(text)
				if text == "" {
					continue
				}
				line.AppendHistory(text)

				switch text {
				case "/quit":
					return nil
				case "/reset":
					if err := svc.Reset(ctx, sender); err != nil {
						fmt.Fprintln(out, "error:", err)
					}
					continue
				}

				reply, err := h.HandleInbound(ctx, domain.Inbound{SenderID: sender, Text: text, LocaleHint: lang})
				if err != nil {
					fmt.Fprintln(out, "error:", err)
					continue
				}
				for _, m := range reply.Messages {
					fmt.Fprintln(out, m.Text)
				}
				if reply.State.Terminal() {
					fmt.Fprintf(out, "[session %s]\n", reply.State)
				}
			}
		},
	}
	cmd.Flags().StringVar(&sender, "sender", "cli:local", "sender address of the chat session")
	cmd.Flags().StringVar(&lang, "lang", "", "locale hint sent with every message")
	return cmd
}
