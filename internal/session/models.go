package session

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Kitware/nrtk-explorer-sub000/internal/broker"
	"github.com/Kitware/nrtk-explorer-sub000/internal/config"
	"github.com/Kitware/nrtk-explorer-sub000/internal/embeddings"
	"github.com/Kitware/nrtk-explorer-sub000/internal/inference"
	"github.com/Kitware/nrtk-explorer-sub000/internal/metrics"
)

func httpOptions(endpoint, token string, timeoutSeconds int) []inference.HTTPOption {
	opts := []inference.HTTPOption{inference.WithEndpoint(endpoint)}
	if token != "" {
		opts = append(opts, inference.WithToken(token))
	}
	if timeoutSeconds > 0 {
		opts = append(opts, inference.WithTimeout(time.Duration(timeoutSeconds)*time.Second))
	}
	return opts
}

// LocalDetectors builds in-process detectors calling the configured
// endpoint.
func LocalDetectors(cfg config.Inference, m *metrics.Metrics) broker.PredictorFactory {
	opts := httpOptions(cfg.Endpoint, cfg.APIToken, cfg.TimeoutSeconds)
	return func(model string) (inference.Predictor, error) {
		if model == "" {
			return nil, errors.New("empty model name")
		}
		return inference.NewDetector(model, inference.NewHTTPDetector(model, opts...), cfg.BatchSize, m), nil
	}
}

// Detectors returns the predictor factory selected by cfg. With
// cfg.Subprocess every model runs in its own worker process, started as
// "<binary> worker <workerArgs...>".
func Detectors(cfg config.Inference, workerArgs []string, m *metrics.Metrics) (broker.PredictorFactory, error) {
	if !cfg.Subprocess {
		return LocalDetectors(cfg, m), nil
	}
	binary := cfg.WorkerBinary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate worker binary: %w", err)
		}
		binary = self
	}
	args := append([]string{"worker"}, workerArgs...)
	dial := broker.ProcessDialer(binary, args, m)
	return func(model string) (inference.Predictor, error) {
		if model == "" {
			return nil, errors.New("empty model name")
		}
		return broker.NewRemotePredictor(dial, model, m), nil
	}, nil
}

// NewExtractor returns the feature extractor selected by cfg.
func NewExtractor(cfg config.Embeddings, m *metrics.Metrics) *embeddings.Extractor {
	if cfg.Model == "http" {
		backend := inference.NewHTTPFeatures(cfg.Name, httpOptions(cfg.Endpoint, "", 0)...)
		return embeddings.NewExtractor(cfg.Name, backend, cfg.BatchSize, m)
	}
	return embeddings.NewExtractor("histogram", inference.NewHistogram(), cfg.BatchSize, m)
}
