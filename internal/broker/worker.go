package broker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Kitware/nrtk-explorer-sub000/internal/imageio"
	"github.com/Kitware/nrtk-explorer-sub000/internal/inference"
	"github.com/Kitware/nrtk-explorer-sub000/internal/logger"
	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

// SetModelPayload selects the worker's model.
type SetModelPayload struct {
	ModelName string `msgpack:"model_name"`
}

// InferPayload carries PNG-encoded images keyed by image id.
type InferPayload struct {
	Images map[string][]byte `msgpack:"images"`
}

// InferResult maps image ids to raw predictions.
type InferResult map[string][]types.RawPrediction

// PredictorFactory builds the predictor for a model name.
type PredictorFactory func(model string) (inference.Predictor, error)

// Worker answers broker requests with one predictor at a time. The
// predictor is replaced wholesale on SET_MODEL.
type Worker struct {
	factory   PredictorFactory
	model     string
	predictor inference.Predictor
}

// NewWorker returns a worker with no model loaded.
func NewWorker(factory PredictorFactory) *Worker {
	return &Worker{factory: factory}
}

// Serve handles requests from r until it is exhausted or ctx ends. Requests
// run one at a time in arrival order.
func (w *Worker) Serve(ctx context.Context, r io.Reader, out io.Writer) error {
	dec := msgpack.NewDecoder(r)
	enc := msgpack.NewEncoder(out)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug("Worker", "Request stream closed, shutting down")
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}
		logger.Debug("Worker", "Received %s with id %s", req.Command, req.ID)

		resp := w.handle(ctx, req)
		if err := enc.Encode(&resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func (w *Worker) handle(ctx context.Context, req Request) Response {
	result, err := w.dispatch(ctx, req)
	if err != nil {
		logger.Warn("Worker", "%s failed: %v", req.Command, err)
		resp := Response{ID: req.ID, Status: statusError, Message: err.Error()}
		if errors.Is(err, inference.ErrOutOfMemory) {
			resp.Code = codeOutOfMemory
		}
		return resp
	}
	resp := Response{ID: req.ID, Status: statusOK}
	if result != nil {
		data, err := msgpack.Marshal(result)
		if err != nil {
			return Response{ID: req.ID, Status: statusError, Message: fmt.Sprintf("encode result: %v", err)}
		}
		resp.Result = data
	}
	return resp
}

func (w *Worker) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Command {
	case CommandSetModel:
		var p SetModelPayload
		if err := msgpack.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		predictor, err := w.factory(p.ModelName)
		if err != nil {
			return nil, err
		}
		w.model, w.predictor = p.ModelName, predictor
		logger.Info("Worker", "Loaded model %s", p.ModelName)
		return nil, nil

	case CommandInfer:
		if w.predictor == nil {
			return nil, errors.New("no model loaded")
		}
		var p InferPayload
		if err := msgpack.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		images := make(map[types.ImageID]image.Image, len(p.Images))
		for key, data := range p.Images {
			id, err := types.ParseImageID(key)
			if err != nil {
				return nil, err
			}
			img, err := imageio.Decode(data)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			images[id] = img
		}
		preds, err := w.predictor.Eval(ctx, images)
		if err != nil {
			return nil, err
		}
		result := make(InferResult, len(preds))
		for id, p := range preds {
			result[id.String()] = p
		}
		return result, nil

	case CommandReset:
		if w.predictor == nil {
			return nil, nil
		}
		return nil, w.predictor.Reset(ctx)

	default:
		return nil, fmt.Errorf("unknown command %q", req.Command)
	}
}
