package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Kitware/nrtk-explorer-sub000/internal/imageio"
	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

const maxErrorBody = 512

type httpConfig struct {
	endpoint string
	token    string
	client   *http.Client
}

// HTTPOption configures the HTTP backends.
type HTTPOption func(*httpConfig)

// WithEndpoint sets the base URL; the model name is appended as a path.
func WithEndpoint(url string) HTTPOption {
	return func(c *httpConfig) { c.endpoint = strings.TrimRight(url, "/") }
}

// WithToken sets the bearer token.
func WithToken(token string) HTTPOption {
	return func(c *httpConfig) { c.token = token }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *httpConfig) { c.client = client }
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *httpConfig) { c.client = &http.Client{Timeout: d} }
}

func newHTTPConfig(opts []HTTPOption) httpConfig {
	cfg := httpConfig{
		endpoint: "https://api-inference.huggingface.co/models",
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// post sends one PNG-encoded image to <endpoint>/<model> and returns the
// response body. Capacity failures map to ErrOutOfMemory.
func (c httpConfig) post(ctx context.Context, model string, img image.Image) ([]byte, error) {
	data, err := imageio.EncodePNG(img)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/"+model, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/png")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if strings.Contains(strings.ToLower(string(body)), "out of memory") {
		return nil, fmt.Errorf("%s: %w", model, ErrOutOfMemory)
	}
	switch {
	case resp.StatusCode == http.StatusRequestEntityTooLarge, resp.StatusCode == http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%s: status %d: %w", model, resp.StatusCode, ErrOutOfMemory)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, fmt.Errorf("%s: status %d: %s", model, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// forEach runs fn for every image concurrently; the batch size bounds the
// number of requests in flight.
func forEach(ctx context.Context, images []image.Image, fn func(ctx context.Context, i int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, len(images)))
	for i := range images {
		g.Go(func() error { return fn(ctx, i) })
	}
	return g.Wait()
}

// HTTPDetector calls a hosted object-detection endpoint that answers with
// [{"label", "score", "box": {"xmin", "ymin", "xmax", "ymax"}}].
type HTTPDetector struct {
	model string
	cfg   httpConfig
}

var _ DetectBackend = (*HTTPDetector)(nil)

// NewHTTPDetector returns a detector backend for model.
func NewHTTPDetector(model string, opts ...HTTPOption) *HTTPDetector {
	return &HTTPDetector{model: model, cfg: newHTTPConfig(opts)}
}

// Detect posts every image of the batch concurrently.
func (h *HTTPDetector) Detect(ctx context.Context, images []image.Image) ([][]types.RawPrediction, error) {
	out := make([][]types.RawPrediction, len(images))
	err := forEach(ctx, images, func(ctx context.Context, i int) error {
		body, err := h.cfg.post(ctx, h.model, images[i])
		if err != nil {
			return err
		}
		var preds []types.RawPrediction
		if err := json.Unmarshal(body, &preds); err != nil {
			return fmt.Errorf("%s: decode detections: %w", h.model, err)
		}
		out[i] = preds
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Release drops idle connections between batches.
func (h *HTTPDetector) Release() {
	h.cfg.client.CloseIdleConnections()
}

// HTTPFeatures calls a hosted feature-extraction endpoint. Nested outputs
// (per token or per patch) are mean-pooled into one vector.
type HTTPFeatures struct {
	model string
	cfg   httpConfig
}

var _ FeatureBackend = (*HTTPFeatures)(nil)

// NewHTTPFeatures returns a feature backend for model.
func NewHTTPFeatures(model string, opts ...HTTPOption) *HTTPFeatures {
	return &HTTPFeatures{model: model, cfg: newHTTPConfig(opts)}
}

// Features posts every image of the batch concurrently.
func (h *HTTPFeatures) Features(ctx context.Context, images []image.Image) ([][]float64, error) {
	out := make([][]float64, len(images))
	err := forEach(ctx, images, func(ctx context.Context, i int) error {
		body, err := h.cfg.post(ctx, h.model, images[i])
		if err != nil {
			return err
		}
		var raw any
		if err := json.Unmarshal(body, &raw); err != nil {
			return fmt.Errorf("%s: decode features: %w", h.model, err)
		}
		vec, err := pool(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", h.model, err)
		}
		out[i] = vec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Release drops idle connections between batches.
func (h *HTTPFeatures) Release() {
	h.cfg.client.CloseIdleConnections()
}

// pool reduces a nested JSON array of numbers to one vector by averaging
// over every axis but the last.
func pool(v any) ([]float64, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("unexpected feature output %T", v)
	}
	if _, isNum := arr[0].(float64); isNum {
		out := make([]float64, len(arr))
		for i, x := range arr {
			f, ok := x.(float64)
			if !ok {
				return nil, fmt.Errorf("unexpected feature element %T", x)
			}
			out[i] = f
		}
		return out, nil
	}
	var sum []float64
	for _, row := range arr {
		vec, err := pool(row)
		if err != nil {
			return nil, err
		}
		if sum == nil {
			sum = make([]float64, len(vec))
		}
		if len(vec) != len(sum) {
			return nil, fmt.Errorf("ragged feature output: %d vs %d", len(vec), len(sum))
		}
		for i, x := range vec {
			sum[i] += x
		}
	}
	for i := range sum {
		sum[i] /= float64(len(arr))
	}
	return sum, nil
}
