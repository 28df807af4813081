package models

import "time"

// MetricType enumerates the per-container metrics the engine evaluates.
type MetricType string

const (
	MetricCPU         MetricType = "cpu"
	MetricMemory      MetricType = "memory"
	MetricMemoryBytes MetricType = "memory-bytes"

	// MetricJointCPUMemory tags detections from the multivariate detector,
	// which evaluates the (CPU, memory) pair as one point.
	MetricJointCPUMemory MetricType = "cpu+memory"
)

// DetectionMethod identifies which detector produced a Detection.
type DetectionMethod string

const (
	MethodZScore          DetectionMethod = "zscore"
	MethodBand            DetectionMethod = "band"
	MethodAdaptive        DetectionMethod = "adaptive"
	MethodIsolationForest DetectionMethod = "isolation-forest"
)

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// MetricSample is one point of a container metric series, supplied in
// ascending timestamp order by the stats store.
type MetricSample struct {
	Timestamp time.Time
	Value     float64
}

// Detection is the transient output of a single detector evaluation. The
// Method field discriminates the payload: Mean and StdDev are only
// meaningful for the statistical methods and are zero for the isolation
// forest, whose raw anomaly score rides in DeviationScore with its derived
// cutoff in Threshold. For isolation-forest detections Value carries the CPU
// coordinate of the evaluated point.
type Detection struct {
	ContainerID    string
	ContainerName  string
	Metric         MetricType
	Value          float64
	Mean           float64
	StdDev         float64
	DeviationScore float64
	IsAnomalous    bool
	Threshold      float64
	Timestamp      time.Time
	Method         DetectionMethod
}
