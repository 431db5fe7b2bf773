// Dispatcher: the server-side per-request state machine.
//
// DESIGN: One HTTP handler task per request. The handler builds the
// RequestSpec, transmits it, then parks on the pending entry until a
// terminal transition. All response writing happens on the control
// receive task or a timer callback, under the entry lock, so the bytes
// delivered to the client are exactly the chunk frames in arrival order.
//
// Terminal transitions are idempotent: the first Take wins, later ones
// miss and do nothing.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/browserbridge/browserbridge/internal/config"
	"github.com/browserbridge/browserbridge/internal/pending"
	"github.com/browserbridge/browserbridge/internal/protocol"
	"github.com/browserbridge/browserbridge/internal/rewrite"
	"github.com/browserbridge/browserbridge/internal/sanitize"
)

// ErrBrowserNotConnected is returned by Control.Send with no binding.
var ErrBrowserNotConnected = errors.New("bridge: browser not connected")

var bodyMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// Dispatcher multiplexes local HTTP requests over the control channel.
type Dispatcher struct {
	table       *pending.Table
	control     *Control
	initialIdle time.Duration
	counter     atomic.Uint64
}

// NewDispatcher wires the dispatcher to its table and control channel.
func NewDispatcher(table *pending.Table, control *Control, initialIdle time.Duration) *Dispatcher {
	if initialIdle <= 0 {
		initialIdle = config.DefaultInitialIdleTimeout
	}
	return &Dispatcher{table: table, control: control, initialIdle: initialIdle}
}

// Pending reports the number of in-flight requests.
func (d *Dispatcher) Pending() int { return d.table.Len() }

// allocateID produces a process-unique id: a monotonic counter combined
// with the wall clock, so ids stay unique across restarts too.
func (d *Dispatcher) allocateID() string {
	return fmt.Sprintf("%d-%d", d.counter.Add(1), time.Now().UnixMilli())
}

// ServeProxy handles one local request end to end.
func (d *Dispatcher) ServeProxy(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body", "")
		return
	}

	id := d.allocateID()
	spec := d.buildSpec(id, r, body)

	entry := pending.NewEntry(id, w)
	if err := d.table.Insert(id, entry); err != nil {
		log.Error().Str("request_id", id).Err(err).Msg("dispatch: insert failed")
		writeError(w, http.StatusInternalServerError, "internal error", id)
		return
	}
	entry.Arm(d.initialIdle, func() { d.timeout(id) })

	frame, err := protocol.EncodeRequest(spec)
	if err == nil {
		err = d.control.Send(r.Context(), frame)
	}
	if err != nil {
		log.Warn().Str("request_id", id).Err(err).Msg("dispatch: transmit failed")
		if e, ok := d.table.Take(id); ok {
			e.StopTimer()
			e.Finish()
			writeError(w, http.StatusBadGateway, "Browser disconnected", id)
		}
		return
	}

	log.Debug().
		Str("request_id", id).
		Str("method", spec.Method).
		Str("path", spec.Path).
		Int("body_bytes", len(body)).
		Msg("dispatch: transmitted")

	select {
	case <-entry.Done():
	case <-r.Context().Done():
		// Local client went away. Best effort: drop the entry; no cancel
		// frame is propagated to the browser plane.
		if e, ok := d.table.Take(id); ok {
			e.StopTimer()
			log.Debug().Str("request_id", id).Msg("dispatch: client disconnected, entry dropped")
		}
	}

	entry.Mu.Lock()
	entry.Closed = true
	entry.Mu.Unlock()

	if entry.Aborted() {
		// Force an abnormal close so the client cannot mistake a
		// truncated stream for clean EOF.
		panic(http.ErrAbortHandler)
	}
}

// buildSpec normalizes the local request into a RequestSpec: policy
// rewrites first, then the server-side header strip.
func (d *Dispatcher) buildSpec(id string, r *http.Request, body []byte) *protocol.RequestSpec {
	headers := make(map[string]string, len(r.Header))
	for k, vs := range r.Header {
		if len(vs) > 0 {
			headers[k] = vs[0]
		}
	}

	spec := &protocol.RequestSpec{
		RequestID:   id,
		Method:      r.Method,
		Path:        rewrite.Path(r.URL.Path),
		QueryParams: protocol.QueryValues(rewrite.Query(r.URL.Query())),
		Headers:     sanitize.RequestHeaders(headers),
	}
	if bodyMethods[r.Method] && len(body) > 0 {
		payload := string(rewrite.Body(body))
		spec.Body = &payload
	}
	return spec
}

// HandleEvent applies one inbound frame. Runs on the control receive
// task; frames for a single id arrive in FIFO order.
func (d *Dispatcher) HandleEvent(ev *protocol.Event) {
	switch ev.Type {
	case protocol.EventResponseHeaders:
		d.applyHeaders(ev)
	case protocol.EventChunk:
		d.applyChunk(ev)
	case protocol.EventStreamClose:
		d.finishStream(ev)
	case protocol.EventError:
		d.finishError(ev)
	}
}

func (d *Dispatcher) applyHeaders(ev *protocol.Event) {
	entry, ok := d.table.Peek(ev.RequestID)
	if !ok {
		log.Warn().Str("request_id", ev.RequestID).Msg("dispatch: headers for unknown request, dropped")
		return
	}
	entry.Touch(config.StreamIdleTimeout)

	entry.Mu.Lock()
	defer entry.Mu.Unlock()
	if entry.Closed {
		return
	}
	if entry.HeadersSent {
		log.Warn().Str("request_id", ev.RequestID).Msg("dispatch: duplicate response_headers, ignored")
		return
	}

	h := entry.Writer.Header()
	filtered := sanitize.ResponseHeaders(ev.Headers)
	for k, v := range filtered {
		h.Set(k, v)
	}
	if ct := sanitize.SalvageContentType(ev.Status, filtered); ct != "" {
		h.Set("Content-Type", ct)
	}
	status := ev.Status
	if status < 100 || status > 599 {
		log.Warn().Str("request_id", ev.RequestID).Int("status", status).Msg("dispatch: out-of-range status, using 502")
		status = http.StatusBadGateway
	}
	entry.Writer.WriteHeader(status)
	entry.HeadersSent = true
}

func (d *Dispatcher) applyChunk(ev *protocol.Event) {
	entry, ok := d.table.Peek(ev.RequestID)
	if !ok {
		log.Warn().Str("request_id", ev.RequestID).Msg("dispatch: chunk for unknown request, dropped")
		return
	}
	entry.Touch(config.StreamIdleTimeout)

	entry.Mu.Lock()
	if entry.Closed {
		entry.Mu.Unlock()
		return
	}
	if !entry.HeadersSent {
		// Protocol violation on the browser side; keep the bytes flowing
		// behind a synthesized SSE response.
		log.Warn().Str("request_id", ev.RequestID).Msg("dispatch: chunk before headers, synthesizing 200")
		h := entry.Writer.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		entry.Writer.WriteHeader(http.StatusOK)
		entry.HeadersSent = true
	}
	_, err := io.WriteString(entry.Writer, ev.Data)
	if err == nil && entry.Flusher != nil {
		entry.Flusher.Flush()
	}
	entry.Mu.Unlock()

	if err != nil {
		// Client hung up mid-stream; the entry is dropped on this first
		// failed write.
		log.Debug().Str("request_id", ev.RequestID).Err(err).Msg("dispatch: client write failed, dropping entry")
		if e, ok := d.table.Take(ev.RequestID); ok {
			e.StopTimer()
			e.Finish()
		}
	}
}

func (d *Dispatcher) finishStream(ev *protocol.Event) {
	entry, ok := d.table.Take(ev.RequestID)
	if !ok {
		log.Debug().Str("request_id", ev.RequestID).Msg("dispatch: stream_close for unknown request, dropped")
		return
	}
	entry.StopTimer()

	entry.Mu.Lock()
	if !entry.Closed && !entry.HeadersSent {
		// Empty but successful upstream response.
		entry.Writer.WriteHeader(http.StatusOK)
		entry.HeadersSent = true
	}
	entry.Mu.Unlock()

	log.Debug().Str("request_id", ev.RequestID).Dur("elapsed", entry.Age()).Msg("dispatch: stream closed")
	entry.Finish()
}

func (d *Dispatcher) finishError(ev *protocol.Event) {
	entry, ok := d.table.Take(ev.RequestID)
	if !ok {
		log.Debug().Str("request_id", ev.RequestID).Msg("dispatch: error for unknown request, dropped")
		return
	}
	entry.StopTimer()

	status := ev.Status
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	log.Warn().
		Str("request_id", ev.RequestID).
		Int("status", status).
		Str("message", ev.Message).
		Msg("dispatch: browser reported error")

	entry.Mu.Lock()
	if !entry.Closed && !entry.HeadersSent {
		writeError(entry.Writer, status, ev.Message, ev.RequestID)
		entry.HeadersSent = true
	}
	entry.Mu.Unlock()

	// Headers already sent: nothing useful can be appended, finalize as-is.
	entry.Finish()
}

// timeout fires on idle expiry. Pre-header requests get a 504; a stream
// that went silent is force-closed.
func (d *Dispatcher) timeout(id string) {
	entry, ok := d.table.Take(id)
	if !ok {
		return
	}

	entry.Mu.Lock()
	headersSent := entry.HeadersSent
	if !entry.Closed && !headersSent {
		writeError(entry.Writer, http.StatusGatewayTimeout, "Request timeout", id)
		entry.HeadersSent = true
	}
	entry.Mu.Unlock()

	log.Warn().Str("request_id", id).Bool("mid_stream", headersSent).Msg("dispatch: idle timeout")
	if headersSent {
		entry.Abort()
	} else {
		entry.Finish()
	}
}

// BrowserGone fails every in-flight request after the control channel
// dropped: 502 before headers, force-close mid-stream.
func (d *Dispatcher) BrowserGone() {
	entries := d.table.Drain()
	if len(entries) == 0 {
		return
	}
	log.Warn().Int("in_flight", len(entries)).Msg("dispatch: failing requests after browser disconnect")

	for _, entry := range entries {
		entry.StopTimer()

		entry.Mu.Lock()
		headersSent := entry.HeadersSent
		if !entry.Closed && !headersSent {
			writeError(entry.Writer, http.StatusBadGateway, "Browser disconnected", entry.ID)
			entry.HeadersSent = true
		}
		entry.Mu.Unlock()

		if headersSent {
			entry.Abort()
		} else {
			entry.Finish()
		}
	}
}

// writeError writes the structured JSON error body used for every
// bridge-originated failure.
func writeError(w http.ResponseWriter, status int, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	}
	if requestID != "" {
		body["request_id"] = requestID
	}
	_ = json.NewEncoder(w).Encode(body)
}
