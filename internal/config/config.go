package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to run the anomaly engine.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Detector  DetectorConfig  `yaml:"detector"`
	Forest    ForestConfig    `yaml:"forest"`
	Incidents IncidentsConfig `yaml:"incidents"`
	Stats     StatsConfig     `yaml:"stats"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// EngineConfig controls the detection cycle driver and observability listener.
type EngineConfig struct {
	CycleInterval  time.Duration `yaml:"cycleInterval"`
	Concurrency    int           `yaml:"concurrency"`
	MetricsAddress string        `yaml:"metricsAddress"`
}

// DetectorConfig tunes the windowed statistical detector.
type DetectorConfig struct {
	Method     string        `yaml:"method"`
	Threshold  float64       `yaml:"threshold"`
	WindowSize int           `yaml:"windowSize"`
	MinSamples int           `yaml:"minSamples"`
	Cooldown   time.Duration `yaml:"cooldown"`
}

// ForestConfig tunes isolation forest training and the model cache.
type ForestConfig struct {
	TreeCount          int           `yaml:"treeCount"`
	SampleSize         int           `yaml:"sampleSize"`
	Contamination      float64       `yaml:"contamination"`
	RetrainInterval    time.Duration `yaml:"retrainInterval"`
	MinTrainingSamples int           `yaml:"minTrainingSamples"`
	TrainingWindow     time.Duration `yaml:"trainingWindow"`
	Seed               int64         `yaml:"seed"`
}

// IncidentsConfig controls insight-to-incident grouping.
type IncidentsConfig struct {
	SimilarityThreshold float64       `yaml:"similarityThreshold"`
	RecentWindow        time.Duration `yaml:"recentWindow"`
}

// StatsConfig configures access to the time-series stats store.
type StatsConfig struct {
	BaseURL        string        `yaml:"baseURL"`
	ContainersPath string        `yaml:"containersPath"`
	MetricsPath    string        `yaml:"metricsPath"`
	Timeout        time.Duration `yaml:"timeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("FLEET_ANOMALY_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			CycleInterval:  time.Minute,
			Concurrency:    4,
			MetricsAddress: ":2112",
		},
		Detector: DetectorConfig{
			Method:     "zscore",
			Threshold:  3.0,
			WindowSize: 20,
			MinSamples: 10,
			Cooldown:   5 * time.Minute,
		},
		Forest: ForestConfig{
			TreeCount:          100,
			SampleSize:         256,
			Contamination:      0.1,
			RetrainInterval:    6 * time.Hour,
			MinTrainingSamples: 50,
			TrainingWindow:     7 * 24 * time.Hour,
		},
		Incidents: IncidentsConfig{
			SimilarityThreshold: 0.3,
			RecentWindow:        30 * time.Minute,
		},
		Stats: StatsConfig{
			ContainersPath: "/api/v1/stats/containers",
			MetricsPath:    "/api/v1/stats/metrics",
			Timeout:        5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEET_ANOMALY_METRICS_ADDRESS"); v != "" {
		cfg.Engine.MetricsAddress = v
	}
	if v := os.Getenv("FLEET_ANOMALY_CYCLE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.CycleInterval = d
		}
	}
	if v := os.Getenv("FLEET_ANOMALY_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Concurrency = n
		}
	}
	if v := os.Getenv("FLEET_ANOMALY_DETECTOR_METHOD"); v != "" {
		cfg.Detector.Method = v
	}
	if v := os.Getenv("FLEET_ANOMALY_DETECTOR_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detector.Threshold = f
		}
	}
	if v := os.Getenv("FLEET_ANOMALY_DETECTOR_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detector.WindowSize = n
		}
	}
	if v := os.Getenv("FLEET_ANOMALY_DETECTOR_MIN_SAMPLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detector.MinSamples = n
		}
	}
	if v := os.Getenv("FLEET_ANOMALY_DETECTOR_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Detector.Cooldown = d
		}
	}
	if v := os.Getenv("FLEET_ANOMALY_FOREST_TREES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Forest.TreeCount = n
		}
	}
	if v := os.Getenv("FLEET_ANOMALY_FOREST_SAMPLE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Forest.SampleSize = n
		}
	}
	if v := os.Getenv("FLEET_ANOMALY_FOREST_CONTAMINATION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Forest.Contamination = f
		}
	}
	if v := os.Getenv("FLEET_ANOMALY_FOREST_RETRAIN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Forest.RetrainInterval = d
		}
	}
	if v := os.Getenv("FLEET_ANOMALY_FOREST_MIN_TRAINING_SAMPLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Forest.MinTrainingSamples = n
		}
	}
	if v := os.Getenv("FLEET_ANOMALY_FOREST_TRAINING_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Forest.TrainingWindow = d
		}
	}
	if v := os.Getenv("FLEET_ANOMALY_INCIDENT_SIMILARITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Incidents.SimilarityThreshold = f
		}
	}
	if v := os.Getenv("FLEET_ANOMALY_STATS_BASE_URL"); v != "" {
		cfg.Stats.BaseURL = v
	}
	if v := os.Getenv("FLEET_ANOMALY_STATS_CONTAINERS_PATH"); v != "" {
		cfg.Stats.ContainersPath = v
	}
	if v := os.Getenv("FLEET_ANOMALY_STATS_METRICS_PATH"); v != "" {
		cfg.Stats.MetricsPath = v
	}
	if v := os.Getenv("FLEET_ANOMALY_STATS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Stats.Timeout = d
		}
	}
	if v := os.Getenv("FLEET_ANOMALY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FLEET_ANOMALY_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
}
