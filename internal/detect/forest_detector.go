package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/fleetsight/fleet-anomaly/internal/metrics"
	"github.com/fleetsight/fleet-anomaly/internal/models"
	"github.com/fleetsight/fleet-anomaly/internal/repo"
)

// ErrNoModel signals that no trained model is available for a container.
// Insufficient or unreadable training data degrades to ErrNoModel; the
// statistical detector keeps running independently.
var ErrNoModel = errors.New("no trained model")

// pairTolerance is the maximum timestamp gap for a CPU sample and a memory
// sample to count as one training observation.
const pairTolerance = 30 * time.Second

// ForestDetectorConfig tunes training and the per-container model cache.
type ForestDetectorConfig struct {
	TreeCount          int
	SampleSize         int
	Contamination      float64
	RetrainInterval    time.Duration
	TrainingWindow     time.Duration
	MinTrainingSamples int
	// Seed pins the random source for deterministic training; zero selects
	// a time-based seed.
	Seed int64
}

// ForestModel is a trained, immutable per-container model. The cache swaps
// whole values, never mutates one in place, so concurrent readers always see
// a fully trained model.
type ForestModel struct {
	ContainerID string
	Forest      *Forest
	TrainedAt   time.Time
}

// ForestDetector owns the model cache and evaluates joint (CPU, memory)
// points against the cached per-container forest.
type ForestDetector struct {
	cfg    ForestDetectorConfig
	reader repo.SampleReader
	logger *slog.Logger

	mu     sync.RWMutex
	models map[string]*ForestModel
}

// NewForestDetector constructs a detector reading training data from reader.
func NewForestDetector(cfg ForestDetectorConfig, reader repo.SampleReader, logger *slog.Logger) *ForestDetector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TreeCount <= 0 {
		cfg.TreeCount = 100
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 256
	}
	if cfg.Contamination <= 0 || cfg.Contamination >= 1 {
		cfg.Contamination = 0.1
	}
	if cfg.RetrainInterval <= 0 {
		cfg.RetrainInterval = 6 * time.Hour
	}
	if cfg.TrainingWindow <= 0 {
		cfg.TrainingWindow = 7 * 24 * time.Hour
	}
	if cfg.MinTrainingSamples <= 0 {
		cfg.MinTrainingSamples = 50
	}
	return &ForestDetector{
		cfg:    cfg,
		reader: reader,
		logger: logger,
		models: make(map[string]*ForestModel),
	}
}

// GetOrTrainModel returns the cached model while it is younger than the
// retrain interval, otherwise trains a replacement from the trailing window
// and swaps it in atomically. ErrNoModel is returned when fewer than the
// minimum time-aligned sample pairs exist or training fails.
func (d *ForestDetector) GetOrTrainModel(ctx context.Context, containerID string) (*ForestModel, error) {
	if model := d.cachedModel(containerID); model != nil {
		return model, nil
	}

	end := time.Now().UTC()
	start := end.Add(-d.cfg.TrainingWindow)

	cpu, err := d.reader.FetchMetricSeries(ctx, containerID, models.MetricCPU, start, end)
	if err != nil {
		return nil, d.degrade(containerID, "cpu training read failed", err)
	}
	mem, err := d.reader.FetchMetricSeries(ctx, containerID, models.MetricMemory, start, end)
	if err != nil {
		return nil, d.degrade(containerID, "memory training read failed", err)
	}

	points := alignPairs(cpu, mem)
	if len(points) < d.cfg.MinTrainingSamples {
		return nil, fmt.Errorf("%d aligned pairs, need %d: %w", len(points), d.cfg.MinTrainingSamples, ErrNoModel)
	}

	seed := d.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	forest, err := trainForest(points, d.cfg.TreeCount, d.cfg.SampleSize, d.cfg.Contamination, rand.New(rand.NewSource(seed)))
	if err != nil {
		metrics.CountTraining(metrics.OutcomeError)
		return nil, d.degrade(containerID, "training failed", err)
	}
	metrics.CountTraining(metrics.OutcomeSuccess)

	model := &ForestModel{
		ContainerID: containerID,
		Forest:      forest,
		TrainedAt:   time.Now().UTC(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// Another goroutine may have finished training first; keep its model so
	// both callers observe the same reference.
	if existing, ok := d.models[containerID]; ok && time.Since(existing.TrainedAt) < d.cfg.RetrainInterval {
		return existing, nil
	}
	d.models[containerID] = model
	return model, nil
}

// Evaluate scores the latest aligned (CPU, memory) pair for a container.
// ErrNoModel means the forest has nothing to say this cycle.
func (d *ForestDetector) Evaluate(ctx context.Context, containerID, containerName string, cpu, mem models.MetricSample) (*models.Detection, error) {
	if math.IsNaN(cpu.Value) || math.IsInf(cpu.Value, 0) || math.IsNaN(mem.Value) || math.IsInf(mem.Value, 0) {
		return nil, fmt.Errorf("non-finite evaluation point: %w", ErrNoModel)
	}

	model, err := d.GetOrTrainModel(ctx, containerID)
	if err != nil {
		return nil, err
	}

	point := Point{cpu.Value, mem.Value}
	score := model.Forest.Score(point)

	timestamp := cpu.Timestamp
	if mem.Timestamp.After(timestamp) {
		timestamp = mem.Timestamp
	}

	return &models.Detection{
		ContainerID:    containerID,
		ContainerName:  containerName,
		Metric:         models.MetricJointCPUMemory,
		Value:          cpu.Value,
		DeviationScore: score,
		IsAnomalous:    model.Forest.Predict(point),
		Threshold:      model.Forest.Cutoff(),
		Timestamp:      timestamp,
		Method:         models.MethodIsolationForest,
	}, nil
}

// ClearCache drops all cached models. Intended for administrative reset and
// tests.
func (d *ForestDetector) ClearCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.models = make(map[string]*ForestModel)
}

func (d *ForestDetector) cachedModel(containerID string) *ForestModel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	model, ok := d.models[containerID]
	if !ok || time.Since(model.TrainedAt) >= d.cfg.RetrainInterval {
		return nil
	}
	return model
}

func (d *ForestDetector) degrade(containerID, msg string, err error) error {
	d.logger.Warn("isolation forest degraded to no model",
		slog.String("container_id", containerID),
		slog.String("reason", msg),
		slog.Any("error", err))
	return fmt.Errorf("%s: %w", msg, ErrNoModel)
}

// alignPairs joins two ascending series into (CPU, memory) points, matching
// timestamps within pairTolerance and skipping non-finite values.
func alignPairs(cpu, mem []models.MetricSample) []Point {
	points := make([]Point, 0, len(cpu))
	i, j := 0, 0
	for i < len(cpu) && j < len(mem) {
		delta := cpu[i].Timestamp.Sub(mem[j].Timestamp)
		switch {
		case delta < -pairTolerance:
			i++
		case delta > pairTolerance:
			j++
		default:
			if finite(cpu[i].Value) && finite(mem[j].Value) {
				points = append(points, Point{cpu[i].Value, mem[j].Value})
			}
			i++
			j++
		}
	}
	return points
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
