package broker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/Kitware/nrtk-explorer-sub000/internal/imageio"
	"github.com/Kitware/nrtk-explorer-sub000/internal/inference"
	"github.com/Kitware/nrtk-explorer-sub000/internal/logger"
	"github.com/Kitware/nrtk-explorer-sub000/internal/metrics"
	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

// Conn is a started worker connection.
type Conn interface {
	Call(ctx context.Context, command string, payload, out any) error
	Done() <-chan struct{}
	Close() error
}

// Dialer starts a worker connection.
type Dialer func(ctx context.Context) (Conn, error)

// ProcessDialer spawns binary with args for every connection.
func ProcessDialer(binary string, args []string, m *metrics.Metrics) Dialer {
	return func(ctx context.Context) (Conn, error) {
		// The worker outlives the dialing request.
		return Spawn(context.WithoutCancel(ctx), binary, args, m)
	}
}

// RemotePredictor runs a model inside a worker. A worker that exited is
// restarted on the next call.
type RemotePredictor struct {
	dial    Dialer
	model   string
	metrics *metrics.Metrics

	mu   sync.Mutex
	conn Conn
}

var _ inference.Predictor = (*RemotePredictor)(nil)

// NewRemotePredictor returns a predictor for model. No worker starts until
// the first call.
func NewRemotePredictor(dial Dialer, model string, m *metrics.Metrics) *RemotePredictor {
	return &RemotePredictor{dial: dial, model: model, metrics: m}
}

// Model returns the model name.
func (p *RemotePredictor) Model() string { return p.model }

func (p *RemotePredictor) connection(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		select {
		case <-p.conn.Done():
			logger.Warn("Broker", "Worker for %s is gone, restarting", p.model)
			_ = p.conn.Close()
			p.conn = nil
			if p.metrics != nil {
				p.metrics.WorkerRestarts.Add(1)
			}
		default:
			return p.conn, nil
		}
	}
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Call(ctx, CommandSetModel, SetModelPayload{ModelName: p.model}, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("load %s: %w", p.model, err)
	}
	p.conn = conn
	return conn, nil
}

// Eval sends images to the worker as PNG.
func (p *RemotePredictor) Eval(ctx context.Context, images map[types.ImageID]image.Image) (map[types.ImageID][]types.RawPrediction, error) {
	out := make(map[types.ImageID][]types.RawPrediction, len(images))
	if len(images) == 0 {
		return out, nil
	}
	payload := InferPayload{Images: make(map[string][]byte, len(images))}
	for id, img := range images {
		data, err := imageio.EncodePNG(img)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", id, err)
		}
		payload.Images[id.String()] = data
	}

	conn, err := p.connection(ctx)
	if err != nil {
		return nil, err
	}
	var result InferResult
	if err := conn.Call(ctx, CommandInfer, payload, &result); err != nil {
		return nil, err
	}
	for key, preds := range result {
		id, err := types.ParseImageID(key)
		if err != nil {
			return nil, err
		}
		out[id] = preds
	}
	return out, nil
}

// Reset restores the worker's starting batch size. Without a running
// worker there is nothing to reset.
func (p *RemotePredictor) Reset(ctx context.Context) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Call(ctx, CommandReset, nil, nil)
	if errors.Is(err, ErrWorkerExited) {
		return nil
	}
	return err
}

// Close stops the worker.
func (p *RemotePredictor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
