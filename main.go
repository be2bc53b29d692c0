package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"retailforecast/artifact"
	"retailforecast/config"
	"retailforecast/db"
	fhttp "retailforecast/http"
	"retailforecast/logging"
	"retailforecast/ml"
	"retailforecast/monitoring"
	"retailforecast/service"
)

func main() {
	// 1. Load config
	path := config.Path()
	cfg, cfgErr := config.Load(path)
	if cfgErr != nil {
		cfg = config.Default()
	}

	// 2. Logger
	logger, syncLogs := logging.New(cfg.Log)
	defer syncLogs()
	if cfgErr != nil {
		logger.Warn("config unavailable, using defaults", zap.String("path", path), zap.Error(cfgErr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Artifacts
	fetcher := artifact.NewFetcher(cfg.S3, cfg.TmpDir, logger)
	model := ml.LoadModel(ctx, cfg, fetcher, logger)
	scalers := ml.LoadScalers(ctx, cfg, fetcher, logger)

	metrics := monitoring.NewMetrics()
	metrics.SetFallback("model", ml.IsFallback(model))
	metrics.SetFallback("scalers", scalers.Fallback)

	hub := monitoring.NewHub(logger)
	go hub.Run(ctx)

	sinks := []service.PredictionSink{hub}
	var journal *db.Journal
	if cfg.PredictionLog.Path != "" {
		j, err := db.Open(cfg.PredictionLog.Path, cfg.PredictionLog.QueueSize, logger)
		if err != nil {
			logger.Warn("prediction journal disabled", zap.Error(err))
		} else {
			journal = j
			sinks = append(sinks, journal)
		}
	}

	// 4. Inference service
	svc, err := service.New(model, scalers, service.Options{
		CacheSize:   cfg.PredictionCacheSize,
		Sinks:       sinks,
		Instruments: metrics,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("failed to build inference service", zap.Error(err))
	}
	meta := svc.ModelMetadata()
	degraded := svc.Degraded()
	logger.Info("inference service ready",
		zap.String("model", meta.Name),
		zap.String("version", meta.Version),
		zap.Bool("fallback_model", degraded.Model),
		zap.Bool("fallback_scalers", degraded.Scalers))

	if cfg.WatchArtifacts {
		startWatcher(ctx, cfg, logger)
	}

	// 5. HTTP server
	server := fhttp.NewServer(fhttp.ServerConfig{
		Port:           cfg.HTTP.Port,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, fhttp.Dependencies{
		Inference: svc,
		Metrics:   metrics,
		Hub:       hub,
		Logger:    logger,
	})
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	// 6. Graceful shutdown
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}

	if err := server.Stop(); err != nil {
		logger.Error("server stop", zap.Error(err))
	}
	if journal != nil {
		if err := journal.Close(); err != nil {
			logger.Error("close prediction journal", zap.Error(err))
		}
	}
	logger.Info("exiting")
}

// startWatcher logs edits to local artifacts. Remote artifacts are not watched.
func startWatcher(ctx context.Context, cfg *config.Config, logger *zap.Logger) {
	xPath, yPath := ml.ScalerPaths(cfg)
	var paths []string
	for _, p := range []string{cfg.ModelPath, xPath, yPath} {
		if strings.HasPrefix(p, "s3://") {
			continue
		}
		paths = append(paths, strings.TrimPrefix(p, "file://"))
	}
	if len(paths) == 0 {
		return
	}

	watcher, err := artifact.NewWatcher(paths, logger, nil)
	if err != nil {
		logger.Warn("artifact watcher disabled", zap.Error(err))
		return
	}
	go func() {
		defer watcher.Close()
		watcher.Run(ctx)
	}()
}
