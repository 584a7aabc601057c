package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Datasets selects which datasets can be loaded and how many images of the
// active one form the working set. Exported datasets are written under
// Repository.
type Datasets struct {
	Paths          []string `toml:"paths"`
	Default        string   `toml:"default"`
	NumImages      int      `toml:"num_images"`
	RandomSampling bool     `toml:"random_sampling"`
	Seed           int64    `toml:"seed"`
	Repository     string   `toml:"repository"`
}

// Inference configures object detection.
type Inference struct {
	Enabled             bool     `toml:"enabled"`
	Models              []string `toml:"models"`
	Endpoint            string   `toml:"endpoint"`
	APIToken            string   `toml:"api_token"`
	Subprocess          bool     `toml:"subprocess"`
	WorkerBinary        string   `toml:"worker_binary"`
	BatchSize           int      `toml:"batch_size"`
	TimeoutSeconds      int      `toml:"timeout_seconds"`
	ConfidenceThreshold float64  `toml:"confidence_threshold"`
}

// Embeddings configures feature extraction and projection.
type Embeddings struct {
	Model     string `toml:"model"`
	Name      string `toml:"name"`
	Endpoint  string `toml:"endpoint"`
	BatchSize int    `toml:"batch_size"`
	Reducer   string `toml:"reducer"`
	Dims      int    `toml:"dims"`
}

// Cache bounds the LRU caches.
type Cache struct {
	Images      int `toml:"images"`
	Annotations int `toml:"annotations"`
}

// Orchestrator configures background image updates.
type Orchestrator struct {
	BatchSize int `toml:"batch_size"`
}

// Transforms configures the perturbation registry.
type Transforms struct {
	Enabled     bool   `toml:"enabled"`
	Definitions string `toml:"definitions"`
}

// Server configures the HTTP API.
type Server struct {
	Addr        string `toml:"addr"`
	MetricsAddr string `toml:"metrics_addr"`
}

// Logging configures log output.
type Logging struct {
	Level string `toml:"level"`
	Color string `toml:"color"`
}

// Config encapsulates all configuration values for the explorer.
type Config struct {
	Datasets     Datasets     `toml:"datasets"`
	Inference    Inference    `toml:"inference"`
	Embeddings   Embeddings   `toml:"embeddings"`
	Cache        Cache        `toml:"cache"`
	Orchestrator Orchestrator `toml:"orchestrator"`
	Transforms   Transforms   `toml:"transforms"`
	Server       Server       `toml:"server"`
	Logging      Logging      `toml:"logging"`
}

// Default returns a Config populated with built-in defaults.
func Default() Config {
	return Config{
		Datasets: Datasets{
			NumImages: defaultNumImages,
			Seed:      defaultSamplingSeed,
		},
		Inference: Inference{
			Enabled:             true,
			Endpoint:            defaultInferenceEndpoint,
			BatchSize:           defaultDetectorBatchSize,
			TimeoutSeconds:      defaultInferenceTimeout,
			ConfidenceThreshold: defaultConfidenceThreshold,
		},
		Embeddings: Embeddings{
			Model:     defaultEmbeddingsModel,
			Name:      defaultFeatureModel,
			BatchSize: defaultExtractorBatchSize,
			Reducer:   defaultReducer,
			Dims:      defaultReducerDims,
		},
		Cache: Cache{
			Images:      defaultImageCacheSize,
			Annotations: defaultAnnotationCacheSize,
		},
		Orchestrator: Orchestrator{BatchSize: defaultUpdateBatchSize},
		Transforms: Transforms{
			Enabled:     true,
			Definitions: defaultTransformDefinitions,
		},
		Server:  Server{Addr: defaultServerAddr},
		Logging: Logging{Level: defaultLogLevel, Color: defaultLogColor},
	}
}

// Load parses the TOML file at path on top of the defaults. A missing file
// is not an error; exists reports whether one was read.
func Load(path string) (*Config, bool, error) {
	cfg := Default()

	exists := false
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return nil, false, err
		}
		file, err := os.Open(expanded)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, false, fmt.Errorf("open config: %w", err)
		default:
			defer file.Close()
			exists = true
			decoder := toml.NewDecoder(file)
			decoder.DisallowUnknownFields()
			if err := decoder.Decode(&cfg); err != nil {
				return nil, false, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	return &cfg, exists, nil
}

// Encode renders cfg as TOML.
func Encode(cfg Config) ([]byte, error) {
	return toml.Marshal(cfg)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}
