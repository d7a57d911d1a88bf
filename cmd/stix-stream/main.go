// Package main is the entry point for the stix-stream matching service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"stix-stream/internal/access"
	"stix-stream/internal/cache"
	"stix-stream/internal/config"
	"stix-stream/internal/entitystore"
	"stix-stream/internal/filtering"
	"stix-stream/internal/hierarchy"
	"stix-stream/internal/invalidation"
	"stix-stream/internal/queue"
	"stix-stream/internal/schema"
	"stix-stream/internal/stream"
)

var version = "dev"

func main() {
	var (
		showVersion bool
		configPath  string
	)
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&showVersion, "v", false, "Show version and exit (shorthand)")
	flag.StringVar(&configPath, "config", "", "Path to the configuration file")
	flag.Parse()

	if showVersion {
		fmt.Printf("stix-stream %s\n", version)
		os.Exit(0)
	}

	// Load configuration
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"queue_size", cfg.Queue.Size,
		"stream_topic", cfg.Stream.Topic,
		"entity_store_enabled", cfg.EntityStore.Enabled,
		"invalidation_enabled", cfg.Invalidation.Enabled,
	)

	// Initialize components
	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{
		MaxAge:    cfg.Validation.MaxEventAge,
		MaxFuture: cfg.Validation.MaxFuture,
	})

	store := cache.New(cache.StoreConfig{PollInterval: cfg.Cache.PollInterval})

	gate := access.NewMarkingGate(cfg.Access.PlatformOrganization, cfg.Access.EnforceOrganizations)
	evaluator := filtering.NewEvaluator(gate, store, hierarchy.NewResolver())

	eventQueue := queue.NewRingBuffer(cfg.Queue.Size)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wire the entity store loaders if enabled
	var chClient *entitystore.Client
	if cfg.EntityStore.Enabled {
		slog.Info("initializing entity store",
			"hosts", cfg.EntityStore.Hosts,
			"database", cfg.EntityStore.Database,
		)
		chClient, err = entitystore.NewClient(entitystore.Config{
			Hosts:           cfg.EntityStore.Hosts,
			Database:        cfg.EntityStore.Database,
			Username:        cfg.EntityStore.Username,
			Password:        cfg.EntityStore.Password,
			MaxOpenConns:    cfg.EntityStore.MaxOpenConns,
			MaxIdleConns:    cfg.EntityStore.MaxIdleConns,
			ConnMaxLifetime: cfg.EntityStore.ConnMaxLifetime,
			TLSEnabled:      cfg.EntityStore.TLSEnabled,
			DialTimeout:     cfg.EntityStore.DialTimeout,
		})
		if err != nil {
			slog.Error("failed to connect to entity store", "error", err)
			os.Exit(1)
		}
		entitystore.NewLoaders(chClient, logger).RegisterAll(store)
	}

	// Wire the cross-node invalidation bus if enabled
	var bus *invalidation.Bus
	var publisher stream.InvalidationPublisher
	if cfg.Invalidation.Enabled {
		bus, err = invalidation.NewBus(invalidation.Config{
			Addr:         cfg.Invalidation.Addr,
			Password:     cfg.Invalidation.Password,
			DB:           cfg.Invalidation.DB,
			Channel:      cfg.Invalidation.Channel,
			DialTimeout:  cfg.Invalidation.DialTimeout,
			ReadTimeout:  cfg.Invalidation.ReadTimeout,
			WriteTimeout: cfg.Invalidation.WriteTimeout,
			TLSEnabled:   cfg.Invalidation.TLSEnabled,
		}, store, logger)
		if err != nil {
			slog.Error("failed to connect to invalidation bus", "error", err)
			os.Exit(1)
		}
		bus.Start()
		publisher = bus
	}

	// Matching engine over the queue
	engine := stream.NewEngine(
		stream.EngineConfig{WorkerCount: cfg.Engine.Workers},
		evaluator, store, eventQueue, publisher, logger,
	)
	if err := engine.Start(ctx); err != nil {
		slog.Error("failed to start matching engine", "error", err)
		os.Exit(1)
	}

	// Change-stream reader feeding the queue
	reader, err := stream.NewReader(stream.ReaderConfig{
		Brokers:        cfg.Stream.Brokers,
		Topic:          cfg.Stream.Topic,
		ConsumerGroup:  cfg.Stream.ConsumerGroup,
		MinBytes:       cfg.Stream.MinBytes,
		MaxBytes:       cfg.Stream.MaxBytes,
		MaxWait:        cfg.Stream.MaxWait,
		CommitInterval: cfg.Stream.CommitInterval,
	}, validator, eventQueue, logger)
	if err != nil {
		slog.Error("failed to create change-stream reader", "error", err)
		os.Exit(1)
	}
	if err := reader.Start(); err != nil {
		slog.Error("failed to start change-stream reader", "error", err)
		os.Exit(1)
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown: stop the inflow first, then drain the workers.
	if err := reader.Stop(); err != nil {
		slog.Error("reader shutdown error", "error", err)
	}
	engine.Stop()
	cancel()

	if bus != nil {
		if err := bus.Stop(); err != nil {
			slog.Error("invalidation bus shutdown error", "error", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("entity store close error", "error", err)
		}
	}

	queueMetrics := eventQueue.Metrics()
	slog.Info("shutdown complete",
		"events_pushed", queueMetrics.Pushed,
		"events_popped", queueMetrics.Popped,
		"events_dropped", queueMetrics.Dropped,
	)
}

// newLogger builds the process logger from the logging configuration.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
