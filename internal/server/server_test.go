package server

import (
	"bufio"
	"context"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kitware/nrtk-explorer-sub000/internal/config"
	"github.com/Kitware/nrtk-explorer-sub000/internal/dataset/datasettest"
	"github.com/Kitware/nrtk-explorer-sub000/internal/inference"
	"github.com/Kitware/nrtk-explorer-sub000/internal/metrics"
	"github.com/Kitware/nrtk-explorer-sub000/internal/session"
	"github.com/Kitware/nrtk-explorer-sub000/internal/state"
	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

type catPredictor struct{}

func (catPredictor) Eval(_ context.Context, imgs map[types.ImageID]image.Image) (map[types.ImageID][]types.RawPrediction, error) {
	out := make(map[types.ImageID][]types.RawPrediction, len(imgs))
	for id := range imgs {
		out[id] = []types.RawPrediction{{Box: types.Box{XMin: 4, YMin: 4, XMax: 14, YMax: 12}, Label: "cat", Score: 0.9}}
	}
	return out, nil
}

func (catPredictor) Reset(context.Context) error { return nil }

type fixture struct {
	session *session.Session
	metrics *metrics.Metrics
	server  *httptest.Server
	repo    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Inference.Models = []string{"cats"}
	cfg.Datasets.Repository = t.TempDir()
	m := metrics.New()
	sess, err := session.New(session.Options{
		Config:    cfg,
		Detectors: func(string) (inference.Predictor, error) { return catPredictor{}, nil },
		Metrics:   m,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(DefaultConfig(), sess, m).Handler())
	t.Cleanup(func() {
		srv.Close()
		sess.Close()
	})
	return &fixture{session: sess, metrics: m, server: srv, repo: cfg.Datasets.Repository}
}

func (f *fixture) post(t *testing.T, path, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp.StatusCode, payload
}

func (f *fixture) get(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestLoadDatasetThroughAPI(t *testing.T) {
	f := newFixture(t)
	path := datasettest.Write(t, t.TempDir(), datasettest.Simple(2))

	code, payload := f.post(t, "/api/dataset", `{"path": "`+filepath.ToSlash(path)+`"}`)
	require.Equal(t, http.StatusOK, code, payload)
	assert.Equal(t, "ok", payload["status"])
	f.session.Wait()

	var snapshot map[string]any
	require.Equal(t, http.StatusOK, f.get(t, "/api/state", &snapshot))
	assert.Equal(t, []any{"1", "2"}, snapshot[state.KeyDatasetIDs])
	assert.Equal(t, filepath.ToSlash(path), snapshot[state.KeyCurrentDataset])
	meta, ok := snapshot[state.MetaKey("1")].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1.0, meta["original_ground_to_original_detection_score"])

	var status map[string]any
	require.Equal(t, http.StatusOK, f.get(t, "/api/status", &status))
	assert.Equal(t, "idle", status["update_state"])
	assert.Equal(t, false, status["updating_images"])
}

func TestErrorStatuses(t *testing.T) {
	f := newFixture(t)

	code, payload := f.post(t, "/api/num_images", `{"num_images": 3}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, payload["error"], "no dataset")

	code, _ = f.post(t, "/api/dataset", `{"path": "/does/not/exist.json"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = f.post(t, "/api/confidence_threshold", `{"value": 3}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.post(t, "/api/sort", `{`)
	assert.Equal(t, http.StatusBadRequest, code)

	resp, err := http.Get(f.server.URL + "/api/models")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestExportThroughAPI(t *testing.T) {
	f := newFixture(t)
	code, _ := f.post(t, "/api/export", `{"name": "out"}`)
	assert.Equal(t, http.StatusConflict, code)

	path := datasettest.Write(t, t.TempDir(), datasettest.Simple(2))
	code, _ = f.post(t, "/api/dataset", `{"path": "`+filepath.ToSlash(path)+`"}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = f.post(t, "/api/export", `{"name": "../out"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, payload := f.post(t, "/api/export", `{"name": "out", "full": true}`)
	require.Equal(t, http.StatusOK, code, payload)
	f.session.Wait()

	var snapshot map[string]any
	require.Equal(t, http.StatusOK, f.get(t, "/api/state", &snapshot))
	assert.Equal(t, "success", snapshot[session.KeyExportStatus])
	assert.Equal(t, []any{filepath.ToSlash(filepath.Join(f.repo, "out", "out.json"))}, snapshot[session.KeyRepositoryDatasets])
}

func TestTogglesUpdateState(t *testing.T) {
	f := newFixture(t)

	code, _ := f.post(t, "/api/inference", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = f.post(t, "/api/confidence_threshold", `{"value": 0.25}`)
	require.Equal(t, http.StatusOK, code)

	store := f.session.Store()
	assert.Equal(t, false, store.Get(state.KeyPredictionsEnabled))
	assert.Equal(t, 0.25, store.Get(state.KeyConfidenceThreshold))
}

func TestListTransforms(t *testing.T) {
	f := newFixture(t)
	var list []transformInfo
	require.Equal(t, http.StatusOK, f.get(t, "/api/transforms", &list))

	names := make([]string, len(list))
	for i, info := range list {
		names[i] = info.Name
	}
	assert.Contains(t, names, "invert")
	assert.Contains(t, names, "gaussian_blur")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "explorer_updates_started_total")
}

// openStream connects to the state stream and returns a reader of SSE
// data payloads.
func openStream(t *testing.T, f *fixture, accept string) func() []byte {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/api/state/stream", nil)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				select {
				case lines <- []byte(data):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return func() []byte {
		select {
		case data, ok := <-lines:
			require.True(t, ok, "stream closed")
			return data
		case <-time.After(5 * time.Second):
			require.FailNow(t, "no event within 5s")
			return nil
		}
	}
}

func TestStateStreamJSON(t *testing.T) {
	f := newFixture(t)
	next := openStream(t, f, "")

	var ev StateEvent
	require.NoError(t, json.Unmarshal(next(), &ev))
	assert.Equal(t, EventSnapshot, ev.Type)
	assert.Contains(t, ev.Values, state.KeyConfidenceThreshold)

	require.NoError(t, f.session.SetConfidenceThreshold(0.75))
	for {
		require.NoError(t, json.Unmarshal(next(), &ev))
		if v, ok := ev.Values[state.KeyConfidenceThreshold]; ok {
			assert.Equal(t, EventDelta, ev.Type)
			assert.Equal(t, 0.75, v)
			break
		}
	}
	assert.Equal(t, int64(1), f.metrics.ActiveWatchers.Load())
}

func TestStateStreamProtobuf(t *testing.T) {
	f := newFixture(t)
	next := openStream(t, f, "application/protobuf")

	msg, err := DecodeProtobuf(next())
	require.NoError(t, err)
	assert.Equal(t, EventSnapshot, msg.Fields["type"].GetStringValue())
	values := msg.Fields["values"].GetStructValue()
	require.NotNil(t, values)
	assert.Equal(t, "id", values.Fields[session.KeySort].GetStringValue())
}
