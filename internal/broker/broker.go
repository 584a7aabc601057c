// Package broker correlates requests and responses exchanged with a worker
// over a byte stream.
//
// Each request carries a unique id. A writer goroutine drains the outgoing
// queue and a reader goroutine resolves pending calls as responses arrive,
// in any order. Requests whose caller gives up while still queued are
// removed before they reach the worker.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Kitware/nrtk-explorer-sub000/internal/inference"
	"github.com/Kitware/nrtk-explorer-sub000/internal/logger"
	"github.com/Kitware/nrtk-explorer-sub000/internal/metrics"
)

// ErrWorkerExited fails every call pending when the worker stream ends.
var ErrWorkerExited = errors.New("broker: worker exited")

// ErrClosed is returned by calls on a closed broker.
var ErrClosed = errors.New("broker: closed")

// Commands understood by the worker.
const (
	CommandSetModel = "SET_MODEL"
	CommandInfer    = "INFER"
	CommandReset    = "RESET"
)

const (
	statusOK    = "OK"
	statusError = "ERROR"

	codeOutOfMemory = "oom"
)

// Request is one framed message to the worker.
type Request struct {
	ID      string             `msgpack:"req_id"`
	Command string             `msgpack:"command"`
	Payload msgpack.RawMessage `msgpack:"payload,omitempty"`
}

// Response is one framed message from the worker.
type Response struct {
	ID      string             `msgpack:"req_id"`
	Status  string             `msgpack:"status"`
	Message string             `msgpack:"message,omitempty"`
	Code    string             `msgpack:"code,omitempty"`
	Result  msgpack.RawMessage `msgpack:"result,omitempty"`
}

func (r Response) err() error {
	if r.Status == statusOK {
		return nil
	}
	if r.Code == codeOutOfMemory {
		return fmt.Errorf("worker: %s: %w", r.Message, inference.ErrOutOfMemory)
	}
	return fmt.Errorf("worker: %s", r.Message)
}

type reply struct {
	resp Response
	err  error
}

// Broker multiplexes calls over one worker stream.
type Broker struct {
	enc     *msgpack.Encoder
	dec     *msgpack.Decoder
	closer  io.Closer
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[string]chan reply
	queue   []*Request
	notify  chan struct{}
	err     error
	done    chan struct{}
}

// New starts a broker writing requests to w and reading responses from r.
// Closing the broker closes w when it is an io.Closer. m may be nil.
func New(w io.Writer, r io.Reader, m *metrics.Metrics) *Broker {
	b := &Broker{
		enc:     msgpack.NewEncoder(w),
		dec:     msgpack.NewDecoder(r),
		metrics: m,
		pending: make(map[string]chan reply),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if c, ok := w.(io.Closer); ok {
		b.closer = c
	}
	go b.writeLoop()
	go b.readLoop()
	return b
}

// Done is closed once the broker has failed or been closed.
func (b *Broker) Done() <-chan struct{} { return b.done }

// Err returns the error that stopped the broker, if any.
func (b *Broker) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Pending returns the number of calls awaiting a response.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Call sends command with payload and decodes the result into out, which
// may be nil. A cancelled caller is removed from the outgoing queue when its
// request has not been written yet.
func (b *Broker) Call(ctx context.Context, command string, payload, out any) error {
	req := &Request{ID: uuid.NewString(), Command: command}
	if payload != nil {
		data, err := msgpack.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", command, err)
		}
		req.Payload = data
	}

	ch := make(chan reply, 1)
	b.mu.Lock()
	if b.err != nil {
		err := b.err
		b.mu.Unlock()
		return err
	}
	b.pending[req.ID] = ch
	b.queue = append(b.queue, req)
	b.mu.Unlock()
	b.track(1)
	b.wake()

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if err := r.resp.err(); err != nil {
			return fmt.Errorf("%s: %w", command, err)
		}
		if out != nil && len(r.resp.Result) > 0 {
			if err := msgpack.Unmarshal(r.resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", command, err)
			}
		}
		return nil
	case <-ctx.Done():
		if b.forget(req.ID) {
			b.track(-1)
		}
		return ctx.Err()
	}
}

// forget drops a pending call and, when still queued, its request. It
// reports whether the call was still pending.
func (b *Broker) forget(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, q := range b.queue {
		if q.ID == id {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			logger.Debug("Broker", "Dropped queued request %s", id)
			break
		}
	}
	if _, ok := b.pending[id]; !ok {
		return false
	}
	delete(b.pending, id)
	return true
}

func (b *Broker) track(delta int64) {
	if b.metrics != nil {
		b.metrics.PendingRequests.Add(delta)
	}
}

func (b *Broker) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Broker) next() *Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	req := b.queue[0]
	b.queue = b.queue[1:]
	return req
}

func (b *Broker) writeLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.notify:
		}
		for req := b.next(); req != nil; req = b.next() {
			if err := b.enc.Encode(req); err != nil {
				b.fail(fmt.Errorf("%w: write: %v", ErrWorkerExited, err))
				return
			}
		}
	}
}

func (b *Broker) readLoop() {
	for {
		var resp Response
		if err := b.dec.Decode(&resp); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				b.fail(ErrWorkerExited)
			} else {
				b.fail(fmt.Errorf("%w: read: %v", ErrWorkerExited, err))
			}
			return
		}
		b.mu.Lock()
		ch, ok := b.pending[resp.ID]
		delete(b.pending, resp.ID)
		b.mu.Unlock()
		if !ok {
			logger.Debug("Broker", "Discarding response for abandoned request %s", resp.ID)
			continue
		}
		b.track(-1)
		ch <- reply{resp: resp}
	}
}

// fail stops the broker and fails every pending call with err.
func (b *Broker) fail(err error) {
	b.mu.Lock()
	if b.err != nil {
		b.mu.Unlock()
		return
	}
	b.err = err
	pending := b.pending
	b.pending = make(map[string]chan reply)
	b.queue = nil
	close(b.done)
	b.mu.Unlock()

	for _, ch := range pending {
		b.track(-1)
		ch <- reply{err: err}
	}
}

// Close stops the broker and closes the outgoing stream. Pending calls
// fail with ErrClosed.
func (b *Broker) Close() error {
	b.fail(ErrClosed)
	if b.closer != nil {
		return b.closer.Close()
	}
	return nil
}
