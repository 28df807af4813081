package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetsight/fleet-anomaly/internal/engine"
	"github.com/fleetsight/fleet-anomaly/internal/metrics"
	"github.com/fleetsight/fleet-anomaly/internal/repo"
	"github.com/fleetsight/fleet-anomaly/internal/utils"
)

// DetectionService is the facade callers drive once per scheduled cycle. It
// wraps the pipeline with latency tracking and metric observation.
type DetectionService struct {
	logger    *slog.Logger
	pipeline  *engine.Pipeline
	latencies *utils.LatencyTracker
}

// NewDetectionService constructs the service facade.
func NewDetectionService(logger *slog.Logger, pipeline *engine.Pipeline) *DetectionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DetectionService{
		logger:    logger,
		pipeline:  pipeline,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// RunCycle executes one detection cycle over the supplied containers.
func (s *DetectionService) RunCycle(ctx context.Context, containers []repo.ContainerRef) (engine.CycleResult, error) {
	if s.pipeline == nil {
		return engine.CycleResult{}, fmt.Errorf("pipeline not configured")
	}

	start := time.Now()
	result, err := s.pipeline.RunCycle(ctx, containers)
	duration := time.Since(start)
	if err != nil {
		metrics.ObserveCycle(duration, metrics.OutcomeError)
		s.logger.Error("detection cycle failed", slog.Any("error", err))
		return engine.CycleResult{}, err
	}

	s.latencies.Observe(duration)
	metrics.ObserveCycle(duration, metrics.OutcomeSuccess)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		p95 := s.latencies.Percentile(95)
		s.logger.Info("cycle latency", slog.Duration("p95", p95), slog.Int("samples", count))
	}

	s.logger.Debug("detection cycle complete",
		slog.Int("containers", len(containers)),
		slog.Int("detections", len(result.Detections)),
		slog.Int("insights", len(result.Insights)))
	return result, nil
}

// LatencyP95 returns the current p95 cycle latency.
func (s *DetectionService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}
