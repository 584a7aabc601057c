package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizeDatasets(); err != nil {
		return err
	}
	c.normalizeInference()
	if err := c.normalizeTransforms(); err != nil {
		return err
	}
	c.Embeddings.Model = strings.ToLower(strings.TrimSpace(c.Embeddings.Model))
	c.Embeddings.Reducer = strings.ToLower(strings.TrimSpace(c.Embeddings.Reducer))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	return nil
}

func (c *Config) normalizeDatasets() error {
	for i, p := range c.Datasets.Paths {
		expanded, err := expandPath(strings.TrimSpace(p))
		if err != nil {
			return fmt.Errorf("datasets.paths[%d]: %w", i, err)
		}
		c.Datasets.Paths[i] = expanded
	}
	var err error
	if c.Datasets.Repository, err = expandPath(strings.TrimSpace(c.Datasets.Repository)); err != nil {
		return fmt.Errorf("datasets.repository: %w", err)
	}
	if c.Datasets.Default == "" && len(c.Datasets.Paths) > 0 {
		c.Datasets.Default = c.Datasets.Paths[0]
		return nil
	}
	if c.Datasets.Default, err = expandPath(c.Datasets.Default); err != nil {
		return fmt.Errorf("datasets.default: %w", err)
	}
	return nil
}

func (c *Config) normalizeInference() {
	models := c.Inference.Models[:0]
	seen := make(map[string]bool)
	for _, m := range c.Inference.Models {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		models = append(models, m)
	}
	if len(models) == 0 {
		models = append(models, defaultModel)
	}
	c.Inference.Models = models
	c.Inference.Endpoint = strings.TrimRight(strings.TrimSpace(c.Inference.Endpoint), "/")

	if c.Inference.APIToken == "" {
		if value, ok := os.LookupEnv("HUGGING_FACE_HUB_TOKEN"); ok {
			c.Inference.APIToken = value
		} else if value, ok := os.LookupEnv("HF_TOKEN"); ok {
			c.Inference.APIToken = value
		}
	}
}

func (c *Config) normalizeTransforms() error {
	if value, ok := os.LookupEnv(transformDefinitionEnv); ok && strings.TrimSpace(value) != "" {
		c.Transforms.Definitions = value
	}
	var err error
	if c.Transforms.Definitions, err = expandPath(c.Transforms.Definitions); err != nil {
		return fmt.Errorf("transforms.definitions: %w", err)
	}
	return nil
}
