package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetsight/fleet-anomaly/internal/config"
	"github.com/fleetsight/fleet-anomaly/internal/detect"
	"github.com/fleetsight/fleet-anomaly/internal/engine"
	"github.com/fleetsight/fleet-anomaly/internal/incidents"
	"github.com/fleetsight/fleet-anomaly/internal/metrics"
	"github.com/fleetsight/fleet-anomaly/internal/repo"
	"github.com/fleetsight/fleet-anomaly/internal/services"
	"github.com/fleetsight/fleet-anomaly/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting anomaly engine",
		slog.String("stats_base_url", cfg.Stats.BaseURL),
		slog.Duration("cycle_interval", cfg.Engine.CycleInterval))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	statsClient := repo.NewStatsClient(
		cfg.Stats.BaseURL,
		cfg.Stats.ContainersPath,
		cfg.Stats.MetricsPath,
		cfg.Stats.Timeout,
	)

	statistical := detect.NewStatisticalDetector(detect.StatisticalConfig{
		Strategy:   detect.Strategy(cfg.Detector.Method),
		Threshold:  cfg.Detector.Threshold,
		WindowSize: cfg.Detector.WindowSize,
		MinSamples: cfg.Detector.MinSamples,
		Cooldown:   cfg.Detector.Cooldown,
	}, logger)

	forest := detect.NewForestDetector(detect.ForestDetectorConfig{
		TreeCount:          cfg.Forest.TreeCount,
		SampleSize:         cfg.Forest.SampleSize,
		Contamination:      cfg.Forest.Contamination,
		RetrainInterval:    cfg.Forest.RetrainInterval,
		TrainingWindow:     cfg.Forest.TrainingWindow,
		MinTrainingSamples: cfg.Forest.MinTrainingSamples,
		Seed:               cfg.Forest.Seed,
	}, statsClient, logger)

	grouper := incidents.NewGrouper(incidents.Config{
		SimilarityThreshold: cfg.Incidents.SimilarityThreshold,
		RecentWindow:        cfg.Incidents.RecentWindow,
	}, logger)

	pipeline := engine.NewPipeline(engine.Config{
		Concurrency: cfg.Engine.Concurrency,
	}, logger, statsClient, statistical, forest, grouper)

	service := services.NewDetectionService(logger, pipeline)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Engine.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Engine.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Engine.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	// The engine core owns no schedule; this loop is the external caller
	// driving one cycle per interval.
	ticker := time.NewTicker(cfg.Engine.CycleInterval)
	defer ticker.Stop()

	runCycle(ctx, logger, statsClient, service)
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			if metricsServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Warn("metrics server shutdown", slog.Any("error", err))
				}
				cancel()
			}
			logger.Info("anomaly engine stopped")
			return
		case <-ticker.C:
			runCycle(ctx, logger, statsClient, service)
		}
	}
}

func runCycle(ctx context.Context, logger *slog.Logger, statsClient *repo.StatsClient, service *services.DetectionService) {
	containers, err := statsClient.ListContainers(ctx)
	if err != nil {
		logger.Warn("container listing failed, skipping cycle", slog.Any("error", err))
		return
	}

	result, err := service.RunCycle(ctx, containers)
	if err != nil {
		return
	}

	for _, incident := range result.Incidents {
		logger.Info("incident touched",
			slog.String("incident_id", incident.ID),
			slog.String("severity", string(incident.Severity)),
			slog.String("correlation_type", incident.CorrelationType),
			slog.Int("insight_count", incident.InsightCount))
	}
}
