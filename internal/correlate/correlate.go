package correlate

import (
	"math"

	"github.com/fleetsight/fleet-anomaly/internal/models"
)

// Score thresholds for the pattern ladder. Both metrics elevated points at
// joint resource exhaustion; a single elevated metric names the metric-local
// pattern.
const (
	resourceExhaustionScore = 3.0
	elevatedScore           = 2.5
)

// Correlation strength bucket boundaries on |r|.
const (
	veryStrongCorrelation = 0.9
	strongCorrelation     = 0.7
	moderateCorrelation   = 0.4
)

// Severity bucket boundaries on the composite score, inclusive at the lower edge.
const (
	criticalComposite = 5.0
	highComposite     = 3.5
	mediumComposite   = 2.0
)

// minCorrelationPoints is the smallest series length with a meaningful
// correlation coefficient.
const minCorrelationPoints = 3

// Pearson returns the correlation coefficient of two equal-length series.
// Undersized or degenerate input (fewer than three points, mismatched
// lengths, zero variance) yields the neutral value 0.
func Pearson(a, b []float64) float64 {
	if len(a) != len(b) || len(a) < minCorrelationPoints {
		return 0
	}

	n := float64(len(a))
	meanA, meanB := 0.0, 0.0
	for i := range a {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= n
	meanB /= n

	cov, varA, varB := 0.0, 0.0, 0.0
	for i := range a {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}

	if varA == 0 || varB == 0 {
		return 0
	}
	r := cov / math.Sqrt(varA*varB)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return r
}

// CompositeScore combines per-metric deviation scores into one severity
// signal via root-mean-square. Empty input yields 0; a single score passes
// through unchanged. Non-finite scores are skipped so one degenerate window
// cannot swamp the composite.
func CompositeScore(scores []float64) float64 {
	sum := 0.0
	count := 0
	for _, s := range scores {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			continue
		}
		sum += s * s
		count++
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(count))
}

// IdentifyPattern maps a (CPU, memory) deviation score pair onto a named
// failure pattern, or PatternNone when neither ladder rule matches.
func IdentifyPattern(cpuScore, memScore float64) models.Pattern {
	switch {
	case cpuScore >= resourceExhaustionScore && memScore >= resourceExhaustionScore:
		return models.PatternResourceExhaustion
	case memScore >= elevatedScore && cpuScore < elevatedScore:
		return models.PatternMemoryLeak
	case cpuScore >= elevatedScore && memScore < elevatedScore:
		return models.PatternCPUSpike
	default:
		return models.PatternNone
	}
}

// Strength buckets the absolute correlation coefficient.
func Strength(r float64) models.CorrelationStrength {
	abs := math.Abs(r)
	switch {
	case abs >= veryStrongCorrelation:
		return models.StrengthVeryStrong
	case abs >= strongCorrelation:
		return models.StrengthStrong
	case abs >= moderateCorrelation:
		return models.StrengthModerate
	default:
		return models.StrengthWeak
	}
}

// ScoreSeverity buckets a composite score into an impact level.
func ScoreSeverity(composite float64) models.Severity {
	switch {
	case composite >= criticalComposite:
		return models.SeverityCritical
	case composite >= highComposite:
		return models.SeverityHigh
	case composite >= mediumComposite:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// Summarize combines one cycle's per-metric scores and the raw CPU/memory
// series correlation into a CorrelationSummary.
func Summarize(scores []models.MetricScore, seriesCorrelation float64) models.CorrelationSummary {
	values := make([]float64, 0, len(scores))
	cpuScore, memScore := 0.0, 0.0
	for _, s := range scores {
		values = append(values, s.Score)
		switch s.Metric {
		case models.MetricCPU:
			cpuScore = s.Score
		case models.MetricMemory:
			memScore = s.Score
		}
	}

	composite := CompositeScore(values)
	return models.CorrelationSummary{
		Scores:         scores,
		CompositeScore: composite,
		Pattern:        IdentifyPattern(cpuScore, memScore),
		Severity:       ScoreSeverity(composite),
		Strength:       Strength(seriesCorrelation),
	}
}
