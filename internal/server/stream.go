package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Kitware/nrtk-explorer-sub000/internal/logger"
)

// Event types of the state stream.
const (
	EventSnapshot = "snapshot"
	EventDelta    = "delta"
)

// StateEvent is one message of the state stream. A nil value in Values
// deletes the key.
type StateEvent struct {
	Type   string         `json:"type"`
	Values map[string]any `json:"values"`
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

// encodeJSON serializes ev for an SSE data line.
func encodeJSON(ev StateEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// encodeProtobuf serializes ev as a google.protobuf.Struct, base64 encoded
// for the SSE data line. Store values go through JSON first so that every
// Go type maps onto the Struct value kinds the way JSON clients see it.
func encodeProtobuf(ev StateEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	msg, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, fmt.Errorf("convert state event: %w", err)
	}
	raw, err := proto.Marshal(msg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// DecodeProtobuf reverses encodeProtobuf for clients written in Go.
func DecodeProtobuf(data []byte) (*structpb.Struct, error) {
	raw, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, err
	}
	msg := &structpb.Struct{}
	if err := proto.Unmarshal(raw, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func writeSSE(w http.ResponseWriter, data []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// streamState sends a snapshot of store, then every flushed delta, until
// the client disconnects.
func (s *Server) streamState(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	store := s.session.Store()
	// Watch before the snapshot so no delta falls between them.
	id, deltas := store.Watch()
	defer store.Unwatch(id)
	if s.metrics != nil {
		s.metrics.ActiveWatchers.Add(1)
		defer s.metrics.ActiveWatchers.Add(-1)
	}

	useProtobuf := wantsProtobuf(r)
	encode := encodeJSON
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		encode = encodeProtobuf
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}

	send := func(ev StateEvent) bool {
		data, err := encode(ev)
		if err != nil {
			logger.Error("StateStream", "Encode %s event: %v", ev.Type, err)
			return true
		}
		if err := writeSSE(w, data); err != nil {
			logger.Debug("StateStream", "Client disconnected during event write: %v", err)
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(StateEvent{Type: EventSnapshot, Values: store.Snapshot()}) {
		return
	}

	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case delta, ok := <-deltas:
			if !ok {
				return
			}
			if !send(StateEvent{Type: EventDelta, Values: delta}) {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("StateStream", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
