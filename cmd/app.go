package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Techy2419/DocuGuide/internal/cache"
	"github.com/Techy2419/DocuGuide/internal/capability"
	"github.com/Techy2419/DocuGuide/internal/config"
	"github.com/Techy2419/DocuGuide/internal/dispatch"
	"github.com/Techy2419/DocuGuide/internal/logging"
	"github.com/Techy2419/DocuGuide/internal/metrics"
	"github.com/Techy2419/DocuGuide/internal/ondevice"
	"github.com/Techy2419/DocuGuide/internal/session"
)

// app is everything a command needs, wired from config.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	registry   *capability.Registry
	pool       *session.Pool
	dispatcher *dispatch.Dispatcher
	progress   *capability.ChannelSink
}

func newApp() (*app, error) {
	cfg, err := initConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, err
	}

	models, err := onDeviceModels(cfg.OnDevice.Models)
	if err != nil {
		return nil, err
	}
	var providers []capability.Provider
	if cfg.OnDevice.Enabled {
		host := ondevice.New(ondevice.Options{
			BaseURL:       cfg.OnDevice.BaseURL,
			Models:        models,
			ContextWindow: cfg.OnDevice.ContextWindow,
			Logger:        logger,
		})
		providers = host.Providers()
	}

	progress := capability.NewChannelSink(0)
	registry := capability.NewRegistry(logger, progress, providers...)
	pool := session.NewPool(registry, session.Options{
		IdleTimeout:       cfg.Session.IdleTimeout.Std(),
		RotationThreshold: cfg.Session.RotationThreshold,
		Logger:            logger,
	})

	cloud, err := buildCloud(cfg, logger)
	if err != nil {
		return nil, err
	}

	var results *cache.Cache[dispatch.Result]
	if !cfg.Cache.Disabled {
		results = cache.New[dispatch.Result](cache.WithTTL(cfg.Cache.TTL.Std()))
	}

	pricing := make(map[string]metrics.ModelPricing, len(cfg.CostPricing))
	for model, p := range cfg.CostPricing {
		pricing[model] = metrics.ModelPricing{InputPerMillion: p.InputPerMillion, OutputPerMillion: p.OutputPerMillion}
	}

	d := dispatch.New(pool, dispatch.Options{
		Concurrency: cfg.Dispatch.Concurrency,
		ChunkSize:   cfg.Dispatch.ChunkSize,
		Enrich:      cfg.Dispatch.Enrich,
		Cloud:       cloud,
		Cache:       results,
		Metrics:     metrics.NewTracker(pricing),
		Logger:      logger,
	})

	logger.Debug("dispatcher ready",
		"ondevice", cfg.OnDevice.Enabled,
		"cloud", cfg.CloudEnabled(),
		"cache", !cfg.Cache.Disabled)

	return &app{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		pool:       pool,
		dispatcher: d,
		progress:   progress,
	}, nil
}

// close releases every session and prints metrics when asked to.
func (a *app) close() {
	a.pool.ReleaseAll()
	if showMetrics {
		fmt.Fprintln(os.Stderr, a.dispatcher.Metrics().Summary())
	}
}

// onDeviceModels maps configured capability names onto kinds.
func onDeviceModels(names map[string]string) (map[capability.Kind]string, error) {
	models := make(map[capability.Kind]string, len(names))
	for name, model := range names {
		kind, err := capability.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("ondevice.models: %w", err)
		}
		models[kind] = model
	}
	return models, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
