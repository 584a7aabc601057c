package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.Datasets.NumImages < 0 {
		return errors.New("datasets.num_images must be >= 0")
	}
	if c.Inference.BatchSize < 1 {
		return errors.New("inference.batch_size must be >= 1")
	}
	if c.Inference.ConfidenceThreshold < 0 || c.Inference.ConfidenceThreshold > 1 {
		return fmt.Errorf("inference.confidence_threshold must be within [0, 1], got %v", c.Inference.ConfidenceThreshold)
	}
	if c.Embeddings.BatchSize < 1 {
		return errors.New("embeddings.batch_size must be >= 1")
	}
	switch c.Embeddings.Model {
	case "histogram", "http":
	default:
		return fmt.Errorf("embeddings.model must be histogram or http, got %q", c.Embeddings.Model)
	}
	if c.Embeddings.Model == "http" && c.Embeddings.Endpoint == "" {
		return errors.New("embeddings.endpoint is required for the http model")
	}
	switch c.Embeddings.Reducer {
	case "pca", "umap":
	default:
		return fmt.Errorf("embeddings.reducer must be pca or umap, got %q", c.Embeddings.Reducer)
	}
	if c.Embeddings.Dims != 2 && c.Embeddings.Dims != 3 {
		return fmt.Errorf("embeddings.dims must be 2 or 3, got %d", c.Embeddings.Dims)
	}
	if c.Cache.Images < 1 || c.Cache.Annotations < 1 {
		return errors.New("cache sizes must be >= 1")
	}
	if c.Orchestrator.BatchSize < 1 {
		return errors.New("orchestrator.batch_size must be >= 1")
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	return nil
}
