// Package server exposes an explorer session over HTTP: a JSON API for the
// session triggers, an SSE stream of the reactive state and Prometheus
// metrics.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Kitware/nrtk-explorer-sub000/internal/dataset"
	"github.com/Kitware/nrtk-explorer-sub000/internal/embeddings"
	"github.com/Kitware/nrtk-explorer-sub000/internal/metrics"
	"github.com/Kitware/nrtk-explorer-sub000/internal/orchestrator"
	"github.com/Kitware/nrtk-explorer-sub000/internal/session"
	"github.com/Kitware/nrtk-explorer-sub000/internal/state"
	"github.com/Kitware/nrtk-explorer-sub000/internal/transforms"
	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

// Session is the part of session.Session the server drives.
type Session interface {
	Store() *state.Store
	Registry() *transforms.Registry
	UpdateState() orchestrator.State

	LoadDataset(path string) error
	SetNumImages(n int, random bool) error
	SetModels(names []string) error
	ApplyTransforms(specs []transforms.StepSpec) error
	SetConfidenceThreshold(v float64) error
	SetInferenceEnabled(enabled bool) error
	SetTransformEnabled(enabled bool) error
	Scroll(visible []types.DatasetID) error
	SetSort(key string, descending bool) error
	SetCategoryFilter(ids []int, op string, not bool) error
	UpdateEmbeddings(opts embeddings.Options) error
	ExportDataset(name string, full bool) error
}

// Server serves the explorer API.
type Server struct {
	cfg     Config
	session Session
	metrics *metrics.Metrics
}

// NewServer returns a server for sess. m may be nil.
func NewServer(cfg Config, sess Session, m *metrics.Metrics) *Server {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultConfig().KeepAlive
	}
	return &Server{cfg: cfg, session: sess, metrics: m}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/state/stream", s.streamState)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/transforms", s.handleTransforms)

	mux.HandleFunc("/api/dataset", post(s.handleDataset))
	mux.HandleFunc("/api/num_images", post(s.handleNumImages))
	mux.HandleFunc("/api/models", post(s.handleModels))
	mux.HandleFunc("/api/transforms/apply", post(s.handleApplyTransforms))
	mux.HandleFunc("/api/confidence_threshold", post(s.handleThreshold))
	mux.HandleFunc("/api/inference", post(s.handleInference))
	mux.HandleFunc("/api/transform_enabled", post(s.handleTransformEnabled))
	mux.HandleFunc("/api/scroll", post(s.handleScroll))
	mux.HandleFunc("/api/sort", post(s.handleSort))
	mux.HandleFunc("/api/filter", post(s.handleFilter))
	mux.HandleFunc("/api/embeddings", post(s.handleEmbeddings))
	mux.HandleFunc("/api/export", post(s.handleExport))

	if s.cfg.ServeMetrics && s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

func post(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.session.Store().Snapshot())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	store := s.session.Store()
	payload := map[string]any{
		"update_state":    s.session.UpdateState().String(),
		"updating_images": store.Get(state.KeyUpdatingImages),
		"dataset":         store.Get(state.KeyCurrentDataset),
		"error":           store.Get(state.KeyError),
		"timestamp":       float64(time.Now().Unix()),
	}
	if s.metrics != nil {
		payload["metrics"] = map[string]any{
			"inference_calls":   s.metrics.InferenceCalls.Load(),
			"inference_errors":  s.metrics.InferenceErrors.Load(),
			"updates_started":   s.metrics.UpdatesStarted.Load(),
			"updates_completed": s.metrics.UpdatesCompleted.Load(),
			"updates_cancelled": s.metrics.UpdatesCancelled.Load(),
			"batches_failed":    s.metrics.BatchesFailed.Load(),
			"state_watchers":    s.metrics.ActiveWatchers.Load(),
		}
	}
	writeJSON(w, payload)
}

type transformInfo struct {
	Name       string                                      `json:"name"`
	Parameters map[string]transforms.ParameterDescription `json:"parameters"`
}

func (s *Server) handleTransforms(w http.ResponseWriter, r *http.Request) {
	registry := s.session.Registry()
	names := registry.Names()
	out := make([]transformInfo, 0, len(names))
	for _, name := range names {
		params, err := registry.Describe(name)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, transformInfo{Name: name, Parameters: params})
	}
	writeJSON(w, out)
}

func (s *Server) handleDataset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.reply(w, s.session.LoadDataset(req.Path))
}

func (s *Server) handleNumImages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NumImages      int  `json:"num_images"`
		RandomSampling bool `json:"random_sampling"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.reply(w, s.session.SetNumImages(req.NumImages, req.RandomSampling))
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Models []string `json:"models"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.reply(w, s.session.SetModels(req.Models))
}

func (s *Server) handleApplyTransforms(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Transforms []transforms.StepSpec `json:"transforms"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.reply(w, s.session.ApplyTransforms(req.Transforms))
}

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value float64 `json:"value"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.reply(w, s.session.SetConfidenceThreshold(req.Value))
}

type toggle struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	var req toggle
	if !decode(w, r, &req) {
		return
	}
	s.reply(w, s.session.SetInferenceEnabled(req.Enabled))
}

func (s *Server) handleTransformEnabled(w http.ResponseWriter, r *http.Request) {
	var req toggle
	if !decode(w, r, &req) {
		return
	}
	s.reply(w, s.session.SetTransformEnabled(req.Enabled))
}

func (s *Server) handleScroll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Visible []types.DatasetID `json:"visible"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.reply(w, s.session.Scroll(req.Visible))
}

func (s *Server) handleSort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key        string `json:"key"`
		Descending bool   `json:"descending"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.reply(w, s.session.SetSort(req.Key, req.Descending))
}

func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Categories []int  `json:"categories"`
		Operator   string `json:"operator"`
		Not        bool   `json:"not"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.reply(w, s.session.SetCategoryFilter(req.Categories, req.Operator, req.Not))
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req embeddings.Options
	if !decode(w, r, &req) {
		return
	}
	s.reply(w, s.session.UpdateEmbeddings(req))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Full bool   `json:"full"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.reply(w, s.session.ExportDataset(req.Name, req.Full))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("invalid request: %v", err)}, http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) reply(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"status":       "ok",
		"update_state": s.session.UpdateState().String(),
	})
}

func statusOf(err error) int {
	var loadErr *dataset.LoadError
	switch {
	case errors.Is(err, session.ErrNoDataset),
		errors.Is(err, session.ErrNoRepository),
		errors.Is(err, session.ErrExportRunning):
		return http.StatusConflict
	case errors.As(err, &loadErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSONWithStatus(w, map[string]any{"error": err.Error()}, statusOf(err))
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
