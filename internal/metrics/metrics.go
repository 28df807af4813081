package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful cycles and trainings.
	OutcomeSuccess = "success"
	// OutcomeError labels failed cycles and trainings.
	OutcomeError = "error"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet_anomaly",
			Name:      "cycles_total",
			Help:      "Total number of detection cycles run, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fleet_anomaly",
			Name:      "cycle_seconds",
			Help:      "Detection cycle latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13, 21},
		},
	)

	detectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet_anomaly",
			Name:      "detections_total",
			Help:      "Detector evaluations, partitioned by method and whether they flagged.",
		},
		[]string{"method", "anomalous"},
	)

	modelTrainingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet_anomaly",
			Name:      "model_trainings_total",
			Help:      "Isolation forest trainings, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches the engine collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		cyclesTotal,
		cycleDurationSeconds,
		detectionsTotal,
		modelTrainingsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCycle records a detection cycle duration and outcome label.
func ObserveCycle(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	cyclesTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	cycleDurationSeconds.Observe(duration.Seconds())
}

// CountDetection records one detector evaluation.
func CountDetection(method string, anomalous bool) {
	label := "false"
	if anomalous {
		label = "true"
	}
	detectionsTotal.WithLabelValues(method, label).Inc()
}

// CountTraining records one isolation forest training attempt.
func CountTraining(outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	modelTrainingsTotal.WithLabelValues(label).Inc()
}
