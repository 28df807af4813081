package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fleetsight/fleet-anomaly/internal/correlate"
	"github.com/fleetsight/fleet-anomaly/internal/detect"
	"github.com/fleetsight/fleet-anomaly/internal/incidents"
	"github.com/fleetsight/fleet-anomaly/internal/metrics"
	"github.com/fleetsight/fleet-anomaly/internal/models"
	"github.com/fleetsight/fleet-anomaly/internal/repo"
)

// statisticalMetrics are the series the windowed detector evaluates each cycle.
var statisticalMetrics = []models.MetricType{
	models.MetricCPU,
	models.MetricMemory,
	models.MetricMemoryBytes,
}

// Config tunes the per-cycle orchestration.
type Config struct {
	// Concurrency bounds parallel per-container evaluation; model training is
	// the CPU-heavy step this limit protects.
	Concurrency int
	// Lookback is how far back the statistical window reads reach.
	Lookback time.Duration
}

// CycleResult is everything one detection cycle produced.
type CycleResult struct {
	Detections []models.Detection
	Insights   []models.Insight
	Incidents  []models.Incident
}

// Pipeline orchestrates one detection cycle: read series, run both detectors
// independently, correlate per-container scores, and feed resulting insights
// to the incident grouper. It owns no schedule and persists nothing.
type Pipeline struct {
	cfg         Config
	logger      *slog.Logger
	reader      repo.SampleReader
	statistical *detect.StatisticalDetector
	forest      *detect.ForestDetector
	grouper     *incidents.Grouper
}

// NewPipeline constructs a detection pipeline.
func NewPipeline(
	cfg Config,
	logger *slog.Logger,
	reader repo.SampleReader,
	statistical *detect.StatisticalDetector,
	forest *detect.ForestDetector,
	grouper *incidents.Grouper,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 30 * time.Minute
	}
	return &Pipeline{
		cfg:         cfg,
		logger:      logger,
		reader:      reader,
		statistical: statistical,
		forest:      forest,
		grouper:     grouper,
	}
}

// RunCycle evaluates every container and returns the cycle's detections,
// insights, and touched incidents. Per-container trouble (missing data, a
// failed training) degrades that container's output and never aborts the
// cycle; the only fatal condition is context cancellation.
func (p *Pipeline) RunCycle(ctx context.Context, containers []repo.ContainerRef) (CycleResult, error) {
	if p.reader == nil {
		return CycleResult{}, fmt.Errorf("sample reader not configured")
	}

	outcomes := make([]containerOutcome, len(containers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for i, container := range containers {
		i, container := i, container
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcomes[i] = p.evaluateContainer(gctx, container)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CycleResult{}, err
	}

	var result CycleResult
	for _, outcome := range outcomes {
		result.Detections = append(result.Detections, outcome.detections...)
		if outcome.insight == nil {
			continue
		}
		result.Insights = append(result.Insights, *outcome.insight)
		if p.grouper != nil {
			result.Incidents = append(result.Incidents, p.grouper.Process(*outcome.insight))
		}
	}
	return result, nil
}

type containerOutcome struct {
	detections []models.Detection
	insight    *models.Insight
}

func (p *Pipeline) evaluateContainer(ctx context.Context, container repo.ContainerRef) containerOutcome {
	end := time.Now().UTC()
	start := end.Add(-p.cfg.Lookback)

	windows := make(map[models.MetricType][]models.MetricSample, len(statisticalMetrics))
	for _, metric := range statisticalMetrics {
		samples, err := p.reader.FetchMetricSeries(ctx, container.ID, metric, start, end)
		if err != nil {
			if errors.Is(err, repo.ErrNoData) {
				p.logger.Debug("metric window unavailable",
					slog.String("container_id", container.ID),
					slog.String("metric", string(metric)))
			} else {
				p.logger.Warn("metric read failed",
					slog.String("container_id", container.ID),
					slog.String("metric", string(metric)),
					slog.Any("error", err))
			}
			continue
		}
		windows[metric] = samples
	}

	var outcome containerOutcome
	var scores []models.MetricScore

	for _, metric := range statisticalMetrics {
		window, ok := windows[metric]
		if !ok {
			continue
		}
		detection := p.statistical.Evaluate(container.ID, container.Name, metric, window)
		if detection == nil {
			continue
		}
		metrics.CountDetection(string(detection.Method), detection.IsAnomalous)
		outcome.detections = append(outcome.detections, *detection)
		scores = append(scores, models.MetricScore{Metric: metric, Score: detection.DeviationScore})
	}

	forestDetection := p.evaluateForest(ctx, container, windows)
	if forestDetection != nil {
		metrics.CountDetection(string(forestDetection.Method), forestDetection.IsAnomalous)
		outcome.detections = append(outcome.detections, *forestDetection)
	}

	anomalous := false
	for _, d := range outcome.detections {
		if d.IsAnomalous {
			anomalous = true
			break
		}
	}
	if !anomalous {
		return outcome
	}

	summary := correlate.Summarize(scores, p.seriesCorrelation(windows))
	insight := p.buildInsight(container, outcome.detections, summary)
	outcome.insight = &insight
	return outcome
}

// evaluateForest runs the multivariate detector on the latest aligned
// (CPU, memory) pair. A missing model is a normal outcome.
func (p *Pipeline) evaluateForest(ctx context.Context, container repo.ContainerRef, windows map[models.MetricType][]models.MetricSample) *models.Detection {
	if p.forest == nil {
		return nil
	}
	cpuWindow := windows[models.MetricCPU]
	memWindow := windows[models.MetricMemory]
	if len(cpuWindow) == 0 || len(memWindow) == 0 {
		return nil
	}

	detection, err := p.forest.Evaluate(ctx, container.ID, container.Name,
		cpuWindow[len(cpuWindow)-1], memWindow[len(memWindow)-1])
	if err != nil {
		if errors.Is(err, detect.ErrNoModel) {
			p.logger.Debug("isolation forest has no model",
				slog.String("container_id", container.ID))
		} else {
			p.logger.Warn("isolation forest evaluation failed",
				slog.String("container_id", container.ID),
				slog.Any("error", err))
		}
		return nil
	}
	return detection
}

// seriesCorrelation measures how the raw CPU and memory windows move
// together over the aligned tail of both series.
func (p *Pipeline) seriesCorrelation(windows map[models.MetricType][]models.MetricSample) float64 {
	cpu := windows[models.MetricCPU]
	mem := windows[models.MetricMemory]
	n := len(cpu)
	if len(mem) < n {
		n = len(mem)
	}
	if n == 0 {
		return 0
	}

	a := make([]float64, 0, n)
	b := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		a = append(a, cpu[len(cpu)-n+i].Value)
		b = append(b, mem[len(mem)-n+i].Value)
	}
	return correlate.Pearson(a, b)
}

func (p *Pipeline) buildInsight(container repo.ContainerRef, detections []models.Detection, summary models.CorrelationSummary) models.Insight {
	name := container.Name
	if name == "" {
		name = container.ID
	}

	title := fmt.Sprintf("Anomalous behaviour on %s", name)
	if summary.Pattern != models.PatternNone {
		title = fmt.Sprintf("%s on %s", summary.Pattern, name)
	}

	parts := make([]string, 0, len(detections))
	for _, d := range detections {
		if !d.IsAnomalous {
			continue
		}
		if d.Method == models.MethodIsolationForest {
			parts = append(parts, fmt.Sprintf("%s score %.2f (cutoff %.2f)", d.Method, d.DeviationScore, d.Threshold))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s deviation %.2f (mean %.2f)", d.Metric, d.DeviationScore, d.Mean))
	}

	severity := summary.Severity
	if severityBelowMedium(severity) && forestFlagged(detections) {
		// The forest score lives on a 0..1 scale the composite buckets do
		// not cover; a confirmed multivariate anomaly is at least medium.
		severity = models.SeverityMedium
	}

	return models.Insight{
		ID:          uuid.NewString(),
		Severity:    severity,
		Category:    "anomaly",
		Title:       title,
		Description: fmt.Sprintf("composite score %.2f; %s", summary.CompositeScore, strings.Join(parts, "; ")),
		ContainerID: container.ID,
		EndpointID:  container.EndpointID,
		Pattern:     summary.Pattern,
		Composite:   summary.CompositeScore,
		Strength:    summary.Strength,
		CreatedAt:   time.Now().UTC(),
	}
}

func severityBelowMedium(s models.Severity) bool {
	return s != models.SeverityMedium && s != models.SeverityHigh && s != models.SeverityCritical
}

func forestFlagged(detections []models.Detection) bool {
	for _, d := range detections {
		if d.Method == models.MethodIsolationForest && d.IsAnomalous {
			return true
		}
	}
	return false
}
