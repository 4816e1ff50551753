package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"formbot/handler"
	"formbot/internal/config"
	"formbot/internal/httpapi"
	"formbot/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhooks over HTTP and run the expiry sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

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
			secrets, err := a.secrets(ctx)
			if err != nil {
				logger.Error("failed to create SSM client", "err", err)
				return err
			}

			rec := metrics.New()
			svc, closeStore, err := a.service(ctx, secrets, rec)
			if err != nil {
				logger.Error("failed to create conversation service", "err", err)
				return err
			}
			defer closeStore()

			opts := []handler.Option{handler.WithDetector(a.resolver), handler.WithLogger(logger)}
			routerCfg := httpapi.Config{
				Limiter:  httpapi.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
				Observer: rec,
				Metrics:  rec.Handler(),
				Logger:   logger,
			}
			if a.hasSecret(verifyTokenParam) {
				opts = append(opts, handler.WithVerifyToken(secrets, verifyTokenParam))
				routerCfg.VerifyToken = secrets
				routerCfg.VerifyParam = verifyTokenParam
			}
			h, err := handler.NewHandler(svc, opts...)
			if err != nil {
				logger.Error("failed to create handler", "err", err)
				return err
			}
			routerCfg.Turner = h

			sched := cron.New()
			if _, err := sched.AddFunc(cfg.SweepSchedule, func() {
				n, err := svc.Sweep(ctx)
				if err != nil {
					logger.Error("session sweep failed", "err", err)
					return
				}
				pruned := routerCfg.Limiter.Prune(cfg.SessionTimeout)
				logger.Info("session sweep done", "abandoned", n, "limiters_pruned", pruned)
			}); err != nil {
				logger.Error("invalid sweep schedule", "schedule", cfg.SweepSchedule, "err", err)
				return err
			}
			sched.Start()
			defer func() { <-sched.Stop().Done() }()

			srv := &http.Server{
				Addr:              cfg.Addr(),
				Handler:           httpapi.NewRouter(routerCfg),
				ReadHeaderTimeout: 5 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", "addr", srv.Addr, "backend", cfg.SessionBackend)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", "err", err)
					return err
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}
