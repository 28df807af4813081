package detect

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/fleetsight/fleet-anomaly/internal/models"
	"github.com/fleetsight/fleet-anomaly/internal/repo"
)

// fakeReader serves canned series per metric and counts reads.
type fakeReader struct {
	series map[models.MetricType][]models.MetricSample
	err    error
	reads  int
}

func (f *fakeReader) FetchMetricSeries(_ context.Context, _ string, metric models.MetricType, _, _ time.Time) ([]models.MetricSample, error) {
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	samples, ok := f.series[metric]
	if !ok {
		return nil, fmt.Errorf("no series: %w", repo.ErrNoData)
	}
	return samples, nil
}

// trainingSeries builds aligned CPU~N(20,2) and memory~N(30,3) series.
func trainingSeries(n int, seed int64) map[models.MetricType][]models.MetricSample {
	rng := rand.New(rand.NewSource(seed))
	start := time.Unix(1_700_000_000, 0)
	cpu := make([]models.MetricSample, 0, n)
	mem := make([]models.MetricSample, 0, n)
	for i := 0; i < n; i++ {
		ts := start.Add(time.Duration(i) * time.Minute)
		cpu = append(cpu, models.MetricSample{Timestamp: ts, Value: 20 + rng.NormFloat64()*2})
		mem = append(mem, models.MetricSample{Timestamp: ts, Value: 30 + rng.NormFloat64()*3})
	}
	return map[models.MetricType][]models.MetricSample{
		models.MetricCPU:    cpu,
		models.MetricMemory: mem,
	}
}

func testForestConfig() ForestDetectorConfig {
	return ForestDetectorConfig{
		TreeCount:          100,
		SampleSize:         64,
		Contamination:      0.1,
		RetrainInterval:    time.Hour,
		TrainingWindow:     7 * 24 * time.Hour,
		MinTrainingSamples: 50,
		Seed:               42,
	}
}

func TestForestScoresOutlierHigherThanInlier(t *testing.T) {
	reader := &fakeReader{series: trainingSeries(120, 9)}
	detector := NewForestDetector(testForestConfig(), reader, nil)

	model, err := detector.GetOrTrainModel(context.Background(), "ctr-1")
	if err != nil {
		t.Fatalf("unexpected training error: %v", err)
	}

	outlier := Point{95, 92}
	inlier := Point{20, 30}

	outlierScore := model.Forest.Score(outlier)
	inlierScore := model.Forest.Score(inlier)
	if outlierScore <= inlierScore {
		t.Fatalf("expected outlier score %f to exceed inlier score %f", outlierScore, inlierScore)
	}
	if outlierScore <= 0.5 {
		t.Fatalf("expected outlier score above the 0.5 center, got %f", outlierScore)
	}

	if !model.Forest.Predict(outlier) {
		t.Fatalf("expected predict(95, 92) to flag, score %f cutoff %f", outlierScore, model.Forest.Cutoff())
	}
	if model.Forest.Predict(inlier) {
		t.Fatalf("expected predict(20, 30) not to flag, score %f cutoff %f", inlierScore, model.Forest.Cutoff())
	}
}

func TestForestTrainingIsDeterministicForPinnedSeed(t *testing.T) {
	reader := &fakeReader{series: trainingSeries(120, 9)}

	first := NewForestDetector(testForestConfig(), reader, nil)
	second := NewForestDetector(testForestConfig(), reader, nil)

	ctx := context.Background()
	m1, err := first.GetOrTrainModel(ctx, "ctr-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m2, err := second.GetOrTrainModel(ctx, "ctr-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	point := Point{24, 36}
	if s1, s2 := m1.Forest.Score(point), m2.Forest.Score(point); s1 != s2 {
		t.Fatalf("expected identical scores for the same seed, got %f and %f", s1, s2)
	}
	if m1.Forest.Cutoff() != m2.Forest.Cutoff() {
		t.Fatalf("expected identical cutoffs for the same seed")
	}
}

func TestGetOrTrainModelReturnsCachedReference(t *testing.T) {
	reader := &fakeReader{series: trainingSeries(120, 9)}
	detector := NewForestDetector(testForestConfig(), reader, nil)

	ctx := context.Background()
	first, err := detector.GetOrTrainModel(ctx, "ctr-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	readsAfterTraining := reader.reads

	second, err := detector.GetOrTrainModel(ctx, "ctr-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("expected the identical cached model within the retrain interval")
	}
	if reader.reads != readsAfterTraining {
		t.Fatalf("expected no further reads for a cache hit, got %d extra", reader.reads-readsAfterTraining)
	}
}

func TestGetOrTrainModelInsufficientData(t *testing.T) {
	reader := &fakeReader{series: trainingSeries(10, 9)}
	detector := NewForestDetector(testForestConfig(), reader, nil)

	if _, err := detector.GetOrTrainModel(context.Background(), "ctr-1"); !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel for undersized training data, got %v", err)
	}
}

func TestGetOrTrainModelDegradesOnReadFailure(t *testing.T) {
	reader := &fakeReader{err: fmt.Errorf("read timed out: %w", repo.ErrNoData)}
	detector := NewForestDetector(testForestConfig(), reader, nil)

	if _, err := detector.GetOrTrainModel(context.Background(), "ctr-1"); !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel on read failure, got %v", err)
	}
}

func TestClearCacheForcesRetrain(t *testing.T) {
	reader := &fakeReader{series: trainingSeries(120, 9)}
	detector := NewForestDetector(testForestConfig(), reader, nil)

	ctx := context.Background()
	first, err := detector.GetOrTrainModel(ctx, "ctr-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	detector.ClearCache()

	second, err := detector.GetOrTrainModel(ctx, "ctr-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Fatalf("expected a fresh model after cache clear")
	}
}

func TestForestEvaluateEmitsDetectionShape(t *testing.T) {
	reader := &fakeReader{series: trainingSeries(120, 9)}
	detector := NewForestDetector(testForestConfig(), reader, nil)

	ts := time.Unix(1_700_010_000, 0)
	detection, err := detector.Evaluate(context.Background(), "ctr-1", "web-1",
		models.MetricSample{Timestamp: ts, Value: 95},
		models.MetricSample{Timestamp: ts, Value: 92})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if detection.Method != models.MethodIsolationForest {
		t.Fatalf("unexpected method %q", detection.Method)
	}
	if detection.Metric != models.MetricJointCPUMemory {
		t.Fatalf("unexpected metric %q", detection.Metric)
	}
	if !detection.IsAnomalous {
		t.Fatalf("expected the joint outlier to flag")
	}
	if detection.Mean != 0 || detection.StdDev != 0 {
		t.Fatalf("mean and stddev must be zero for the forest, got %f/%f", detection.Mean, detection.StdDev)
	}
	if detection.Threshold <= 0 || detection.DeviationScore <= detection.Threshold {
		t.Fatalf("expected score %f above cutoff %f", detection.DeviationScore, detection.Threshold)
	}
}

func TestAlignPairsMatchesWithinTolerance(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	cpu := []models.MetricSample{
		{Timestamp: start, Value: 1},
		{Timestamp: start.Add(time.Minute), Value: 2},
		{Timestamp: start.Add(5 * time.Minute), Value: 3},
	}
	mem := []models.MetricSample{
		{Timestamp: start.Add(10 * time.Second), Value: 10},
		{Timestamp: start.Add(3 * time.Minute), Value: 20},
		{Timestamp: start.Add(5 * time.Minute).Add(-5 * time.Second), Value: 30},
	}

	points := alignPairs(cpu, mem)
	if len(points) != 2 {
		t.Fatalf("expected 2 aligned pairs, got %d", len(points))
	}
	if points[0] != (Point{1, 10}) || points[1] != (Point{3, 30}) {
		t.Fatalf("unexpected pairs: %v", points)
	}
}
