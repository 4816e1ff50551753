package main

import (
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"formbot/handler"
	"formbot/internal/config"
)

func newLambdaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Serve the webhooks as an AWS Lambda behind API Gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			// ---- Configuration (read only here) ----
			cfg, err := config.Load()
			logger := newLogger(os.Stderr, cfg.LogLevel, true)
			if err != nil {
				logger.Error("invalid configuration", "err", err)
				return err
			}

			a, err := newApp(cfg, logger)
			if err != nil {
				logger.Error("failed to load forms and locales", "err", err)
				return err
			}

			// ---- Clients ----
			secrets, err := a.secrets(ctx)
			if err != nil {
				logger.Error("failed to create SSM client", "err", err)
				return err
			}
			svc, closeStore, err := a.service(ctx, secrets, nil)
			if err != nil {
				logger.Error("failed to create conversation service", "err", err)
				return err
			}
			defer closeStore()

			// ---- Handler ----
			opts := []handler.Option{handler.WithDetector(a.resolver), handler.WithLogger(logger)}
			if a.hasSecret(verifyTokenParam) {
				opts = append(opts, handler.WithVerifyToken(secrets, verifyTokenParam))
			}
			h, err := handler.NewHandler(svc, opts...)
			if err != nil {
				logger.Error("failed to create handler", "err", err)
				return err
			}

			lambda.StartWithOptions(h.Handle, lambda.WithContext(ctx))
			return nil
		},
	}
}
