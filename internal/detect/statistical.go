package detect

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/fleetsight/fleet-anomaly/internal/correlate"
	"github.com/fleetsight/fleet-anomaly/internal/models"
)

// Strategy selects how the statistical detector turns a deviation score into
// an anomaly flag.
type Strategy string

const (
	// StrategyZScore flags when |deviation score| exceeds the threshold.
	StrategyZScore Strategy = "zscore"
	// StrategyBand flags when the value leaves mean ± threshold·stddev.
	StrategyBand Strategy = "band"
	// StrategyAdaptive behaves like StrategyBand but widens the effective
	// threshold by (1+|r|) when the window shows a sustained trend
	// (|Pearson(index, value)| >= adaptiveTrendCorrelation), capped at twice
	// the configured threshold, so a slow expected ramp is not flagged.
	StrategyAdaptive Strategy = "adaptive"
)

// adaptiveTrendCorrelation is the trend strength at which the adaptive
// strategy starts widening the band.
const adaptiveTrendCorrelation = 0.75

// StatisticalConfig tunes the windowed detector.
type StatisticalConfig struct {
	Strategy   Strategy
	Threshold  float64
	WindowSize int
	MinSamples int
	Cooldown   time.Duration
}

// StatisticalDetector evaluates the latest sample of a (container, metric)
// series against its trailing window. The per-pair cooldown map is the only
// state; evaluation itself is pure and safe to run concurrently.
type StatisticalDetector struct {
	cfg    StatisticalConfig
	logger *slog.Logger

	mu       sync.Mutex
	lastFlag map[string]time.Time
}

// NewStatisticalDetector constructs a detector with the supplied tuning.
func NewStatisticalDetector(cfg StatisticalConfig, logger *slog.Logger) *StatisticalDetector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyZScore
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3.0
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	return &StatisticalDetector{
		cfg:      cfg,
		logger:   logger,
		lastFlag: make(map[string]time.Time),
	}
}

// Evaluate scores the most recent sample of window. It returns nil when the
// window holds fewer finite samples than the configured minimum; that is a
// normal outcome, not an error.
func (d *StatisticalDetector) Evaluate(containerID, containerName string, metric models.MetricType, window []models.MetricSample) *models.Detection {
	if len(window) == 0 {
		return nil
	}
	if d.cfg.WindowSize > 0 && len(window) > d.cfg.WindowSize {
		window = window[len(window)-d.cfg.WindowSize:]
	}

	values := make([]float64, 0, len(window))
	for _, s := range window {
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			continue
		}
		values = append(values, s.Value)
	}
	if len(values) < d.cfg.MinSamples {
		return nil
	}

	current := window[len(window)-1]
	if math.IsNaN(current.Value) || math.IsInf(current.Value, 0) {
		return nil
	}

	mean, stdDev := meanStdDev(values)
	score := deviationScore(current.Value, mean, stdDev)
	threshold := d.effectiveThreshold(values)

	detection := &models.Detection{
		ContainerID:    containerID,
		ContainerName:  containerName,
		Metric:         metric,
		Value:          current.Value,
		Mean:           mean,
		StdDev:         stdDev,
		DeviationScore: score,
		Threshold:      threshold,
		Timestamp:      current.Timestamp,
		Method:         models.DetectionMethod(d.cfg.Strategy),
	}

	switch d.cfg.Strategy {
	case StrategyZScore:
		detection.IsAnomalous = math.Abs(score) > threshold
	default:
		lower := mean - threshold*stdDev
		upper := mean + threshold*stdDev
		detection.IsAnomalous = current.Value < lower || current.Value > upper
	}

	if detection.IsAnomalous && d.inCooldown(containerID, metric, current.Timestamp) {
		d.logger.Debug("anomaly flag suppressed by cooldown",
			slog.String("container_id", containerID),
			slog.String("metric", string(metric)))
		detection.IsAnomalous = false
	}

	return detection
}

// effectiveThreshold widens the configured threshold for the adaptive
// strategy when the window trends steadily in one direction.
func (d *StatisticalDetector) effectiveThreshold(values []float64) float64 {
	if d.cfg.Strategy != StrategyAdaptive {
		return d.cfg.Threshold
	}

	index := make([]float64, len(values))
	for i := range values {
		index[i] = float64(i)
	}
	trend := math.Abs(correlate.Pearson(index, values))
	if trend < adaptiveTrendCorrelation {
		return d.cfg.Threshold
	}

	widened := d.cfg.Threshold * (1 + trend)
	if max := 2 * d.cfg.Threshold; widened > max {
		widened = max
	}
	return widened
}

// inCooldown reports whether a flag for the pair fired within the cooldown
// interval, recording the flag time when it did not.
func (d *StatisticalDetector) inCooldown(containerID string, metric models.MetricType, at time.Time) bool {
	if d.cfg.Cooldown <= 0 {
		return false
	}

	key := containerID + "/" + string(metric)
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastFlag[key]; ok && at.Sub(last) < d.cfg.Cooldown {
		return true
	}
	d.lastFlag[key] = at
	return false
}

// deviationScore applies the zero-stddev convention: a nonzero deviation
// over zero spread is a signed infinity, zero over zero is zero.
func deviationScore(value, mean, stdDev float64) float64 {
	if stdDev == 0 {
		switch {
		case value > mean:
			return math.Inf(1)
		case value < mean:
			return math.Inf(-1)
		default:
			return 0
		}
	}
	return (value - mean) / stdDev
}

func meanStdDev(values []float64) (float64, float64) {
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
