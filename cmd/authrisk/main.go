package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authrisk/internal/api"
	"authrisk/internal/assessments"
	"authrisk/internal/config"
	"authrisk/internal/engine"
	"authrisk/internal/ingest"
	"authrisk/internal/logging"
	"authrisk/internal/metrics"
	"authrisk/internal/model"
	"authrisk/internal/publish"
	"authrisk/internal/storage"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	config.LoadDotEnv()
	cfgManager, err := loadConfig(config.PathFromEnv(""))
	if err != nil {
		logging.NewLogger("info").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting authrisk", "version", Version, "config", cfgManager.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	if store != nil {
		defer store.Close()
		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := store.Init(initCtx)
		cancel()
		if err != nil {
			logger.Error("failed to migrate storage", "driver", cfg.Storage.Driver, "error", err)
			os.Exit(1)
		}
		logger.Info("storage ready", "driver", cfg.Storage.Driver)
	}

	entities := metrics.NewStore(cfg.Metrics.EntityLimit)
	recent := assessments.NewStore(cfg.Assessments.StoreLimit)
	eng, err := engine.NewEngine(cfg, logger, entities, recent, store)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	pub, err := publish.NewKafka(cfg.Publish.Kafka, logger)
	if err != nil {
		logger.Error("failed to build publisher", "error", err)
		os.Exit(1)
	}
	if pub != nil {
		defer pub.Close()
		eng.SetPublisher(pub)
	}

	attempts := make(chan model.AttemptInput, cfg.Ingest.ChannelBuffer)
	pipeline := ingest.NewPipeline(cfgManager, attempts, logger)
	eng.Start(ctx, attempts)

	ingest.StartREST(ctx, cfgManager, eng, logger)
	ingest.StartKafka(ctx, cfgManager, pipeline, logger)
	ingest.StartFileTail(ctx, cfgManager, pipeline, logger)
	ingest.StartTCPStream(ctx, cfgManager, pipeline, logger)
	api.Start(ctx, cfgManager, entities, recent, eng, logger, Version)

	go cfgManager.Watch(3*time.Second, func(next *config.Config) {
		if err := eng.UpdateConfig(next); err != nil {
			logger.Error("config reload rejected", "error", err)
			return
		}
		logger.Info("config reloaded")
	}, func(err error) {
		logger.Warn("config watch failed", "error", err)
	}, ctx.Done())

	<-ctx.Done()
	logger.Info("shutdown signal received")
	// let the http servers drain
	time.Sleep(500 * time.Millisecond)
}

// loadConfig falls back to defaults plus environment overrides when the
// config file does not exist.
func loadConfig(path string) (*config.Manager, error) {
	m, err := config.NewManager(path)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	cfg := config.DefaultConfig()
	config.ApplyEnv(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return config.NewStaticManager(cfg), nil
}
