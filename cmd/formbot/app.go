package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"formbot/internal/assets"
	"formbot/internal/config"
	"formbot/internal/form"
	"formbot/internal/integrations/forwarder"
	"formbot/internal/integrations/paramstore"
	"formbot/internal/locale"
	"formbot/internal/orchestrator"
	"formbot/internal/repository"
	"formbot/internal/usecase"
	"formbot/internal/validate"
)

const (
	verifyTokenParam = "verify-token"
	submitTokenParam = "submit-token"
	secretCacheTTL   = 5 * time.Minute
)

// app holds what every command builds from the configuration.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	catalog  *form.Catalog
	resolver *locale.Resolver
	orch     *orchestrator.Orchestrator

	awsCfg *aws.Config
}

func newLogger(w io.Writer, level slog.Level, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if json {
		h = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// newApp loads forms and locale bundles and builds the orchestrator. The
// returned error joins every configuration problem found.
func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	registry := validate.NewRegistry()
	catalog, err := form.LoadFS(dirOr(cfg.FormsDir, assets.Forms()), registry)
	if err != nil {
		return nil, err
	}
	resolver, err := locale.LoadFS(dirOr(cfg.LocalesDir, assets.Locales()), cfg.DefaultLanguage, cfg.Languages)
	if err != nil {
		return nil, err
	}
	orch, err := orchestrator.New(catalog, resolver, registry, orchestrator.Config{MaxRetries: cfg.MaxRetries})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, catalog: catalog, resolver: resolver, orch: orch}, nil
}

func dirOr(dir string, embedded fs.FS) fs.FS {
	if dir == "" {
		return embedded
	}
	return os.DirFS(dir)
}

func (a *app) awsConfig(ctx context.Context) (aws.Config, error) {
	if a.awsCfg != nil {
		return *a.awsCfg, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	a.awsCfg = &cfg
	return cfg, nil
}

// secrets reads tokens from SSM below PARAM_PREFIX, or from the environment
// when no prefix is configured.
func (a *app) secrets(ctx context.Context) (paramstore.Getter, error) {
	if a.cfg.ParamPrefix == "" {
		static := paramstore.Static{}
		if a.cfg.VerifyToken != "" {
			static[verifyTokenParam] = a.cfg.VerifyToken
		}
		if a.cfg.SubmitToken != "" {
			static[submitTokenParam] = a.cfg.SubmitToken
		}
		return static, nil
	}
	awsCfg, err := a.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	client, err := paramstore.New(awsssm.NewFromConfig(awsCfg), a.cfg.ParamPrefix)
	if err != nil {
		return nil, err
	}
	return paramstore.NewCached(client, secretCacheTTL), nil
}

func (a *app) hasSecret(name string) bool {
	if a.cfg.ParamPrefix != "" {
		return true
	}
	switch name {
	case verifyTokenParam:
		return a.cfg.VerifyToken != ""
	case submitTokenParam:
		return a.cfg.SubmitToken != ""
	}
	return false
}

// store opens the configured session backend. The returned func releases it.
func (a *app) store(ctx context.Context) (usecase.SessionStore, func(), error) {
	switch a.cfg.SessionBackend {
	case config.BackendDynamoDB:
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, nil, err
		}
		s, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), a.cfg.StateTable, 0)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case config.BackendRedis:
		s, err := repository.NewRedisStore(ctx, repository.RedisConfig{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
			Prefix:   a.cfg.RedisPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return repository.NewMemoryStore(), func() {}, nil
	}
}

func (a *app) submitForwarder(secrets paramstore.Getter) (usecase.Forwarder, error) {
	if a.cfg.SubmitURL == "" {
		return nil, nil
	}
	var opts []forwarder.Option
	if a.hasSecret(submitTokenParam) {
		opts = append(opts, forwarder.WithToken(secrets, submitTokenParam))
	}
	c, err := forwarder.NewClient(a.cfg.SubmitURL, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// service wires the conversation service on the configured backend.
func (a *app) service(ctx context.Context, secrets paramstore.Getter, metrics usecase.Recorder) (*usecase.ConversationService, func(), error) {
	store, closeFn, err := a.store(ctx)
	if err != nil {
		return nil, nil, err
	}
	fwd, err := a.submitForwarder(secrets)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	svc, err := usecase.NewConversationService(a.orch, store, usecase.Options{
		Forwarder:      fwd,
		Metrics:        metrics,
		SessionTimeout: a.cfg.SessionTimeout,
		Logger:         a.logger,
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return svc, closeFn, nil
}
