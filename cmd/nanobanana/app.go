package main

import (
	"context"
	"log/slog"
	"net/http"

	"nanobanana-cli/internal/config"
	"nanobanana-cli/internal/lib/sl"
	"nanobanana-cli/internal/ports"
	"nanobanana-cli/internal/prompt"
	"nanobanana-cli/internal/provider"
	"nanobanana-cli/internal/service"
	"nanobanana-cli/internal/storage"
)

// app holds the adapters built from the resolved config.
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	httpClient *http.Client
	client     *provider.APIClient
	host       *provider.ImgBBClient
	credits    *service.CreditService
	prompts    *prompt.Builder
	store      ports.GenerationStore
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) *app {
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	client := provider.NewAPIClient(cfg.NanoBanana.APIKey, httpClient,
		provider.WithBaseURL(cfg.NanoBanana.BaseURL),
		provider.WithLogger(log),
	)
	log.Debug("clients ready",
		slog.String("base_url", cfg.NanoBanana.BaseURL),
		sl.Secret(cfg.NanoBanana.APIKey),
	)
	return &app{
		cfg:        cfg,
		log:        log,
		httpClient: httpClient,
		client:     client,
		host:       provider.NewImgBBClient(cfg.ImgBB.APIKey, cfg.ImgBB.UploadURL, httpClient, log),
		credits:    service.NewCreditService(client, cfg.Credits.CacheTTL, log),
		prompts:    prompt.NewBuilder(cfg.Generation.Template, cfg.Generation.Templates),
		store: storage.New(ctx, storage.Options{
			Driver:        cfg.Storage.Driver,
			MongoURI:      cfg.Storage.Mongo.URI,
			MongoDatabase: cfg.Storage.Mongo.Database,
			RedisAddr:     cfg.Storage.Redis.Addr,
			RedisPassword: cfg.Storage.Redis.Password,
			RedisDB:       cfg.Storage.Redis.DB,
		}, log),
	}
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing history store", sl.Err(err))
	}
}

func defaultsFrom(cfg *config.Config) service.Defaults {
	return service.Defaults{
		AspectRatio: cfg.Generation.AspectRatio,
		NumImages:   cfg.Generation.NumImages,
		CallbackURL: cfg.Generation.CallbackURL,
		Watermark:   cfg.Generation.Watermark,
		Prompt:      cfg.Generation.DefaultPrompt,
		Template:    cfg.Generation.Template,
		Poll: service.PollOptions{
			MaxAttempts: cfg.Poll.MaxAttempts,
			Interval:    cfg.Poll.Interval,
		},
		UploadConcurrency: cfg.Upload.Concurrency,
		UploadInterval:    cfg.Upload.Interval,
	}
}

func (a *app) orchestrator(observer ports.Observer) (*service.Orchestrator, error) {
	return service.NewOrchestrator(service.OrchestratorArgs{
		Client:   a.client,
		Host:     a.host,
		Prompts:  a.prompts,
		Credits:  a.credits,
		Store:    a.store,
		Observer: observer,
		Logger:   a.log,
		Defaults: defaultsFrom(a.cfg),
	})
}
