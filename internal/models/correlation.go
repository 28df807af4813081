package models

// Pattern names a recognised cross-metric failure shape.
type Pattern string

const (
	PatternResourceExhaustion Pattern = "Resource Exhaustion"
	PatternMemoryLeak         Pattern = "Memory Leak"
	PatternCPUSpike           Pattern = "CPU Spike"
	// PatternNone means no named pattern matched the score pair.
	PatternNone Pattern = ""
)

// CorrelationStrength buckets the absolute correlation coefficient.
type CorrelationStrength string

const (
	StrengthVeryStrong CorrelationStrength = "very-strong"
	StrengthStrong     CorrelationStrength = "strong"
	StrengthModerate   CorrelationStrength = "moderate"
	StrengthWeak       CorrelationStrength = "weak"
)

// MetricScore pairs a metric with its deviation score for one cycle.
type MetricScore struct {
	Metric MetricType
	Score  float64
}

// CorrelationSummary is the per-container outcome of combining one cycle's
// per-metric deviation scores.
type CorrelationSummary struct {
	Scores         []MetricScore
	CompositeScore float64
	Pattern        Pattern
	Severity       Severity
	Strength       CorrelationStrength
}
