// Package pending tracks in-flight requests on the server plane: the
// mapping from request_id to the client response being written.
//
// DESIGN: The table is a coarse mutex map. Entries are inserted by the
// HTTP handler task and mutated by the control-channel receive task and
// timer callbacks; each entry carries its own lock for writer state so
// the table lock is never held across I/O.
package pending

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDuplicateID is returned by Insert when the id is already live.
// Under correct counter use this cannot happen.
var ErrDuplicateID = errors.New("pending: duplicate request id")

// Entry is the per-request bookkeeping while the browser-side operation
// is in flight. The HTTP handler that created it parks on Done(); all
// response writing happens from the receive task or a timer callback,
// under Mu.
type Entry struct {
	ID      string
	Created time.Time

	Writer  http.ResponseWriter
	Flusher http.Flusher // nil when the writer cannot flush

	// Mu guards Writer, Flusher use, HeadersSent and Closed. Once
	// HeadersSent is true the status and header set are frozen.
	Mu          sync.Mutex
	HeadersSent bool

	// Closed is set by the owning handler before it returns. No write
	// to Writer may happen once Closed is true; the writer belongs to
	// a finished handler at that point.
	Closed bool

	timer   *time.Timer
	done    chan struct{}
	once    sync.Once
	aborted atomic.Bool
}

// NewEntry builds an entry around a client response writer.
func NewEntry(id string, w http.ResponseWriter) *Entry {
	e := &Entry{
		ID:      id,
		Created: time.Now(),
		Writer:  w,
		done:    make(chan struct{}),
	}
	if f, ok := w.(http.Flusher); ok {
		e.Flusher = f
	}
	return e
}

// Arm starts the idle timer. fn runs in its own goroutine when the timer
// fires; it must tolerate racing a terminal frame (Take misses are no-ops).
func (e *Entry) Arm(d time.Duration, fn func()) {
	e.Mu.Lock()
	defer e.Mu.Unlock()
	e.timer = time.AfterFunc(d, fn)
}

// Touch re-arms the idle timer: any inbound progress frame grants a
// fresh window.
func (e *Entry) Touch(d time.Duration) {
	e.Mu.Lock()
	defer e.Mu.Unlock()
	if e.timer != nil {
		e.timer.Reset(d)
	}
}

// StopTimer cancels the idle timer on a terminal transition.
func (e *Entry) StopTimer() {
	e.Mu.Lock()
	defer e.Mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
}

// Done is closed exactly once, on any terminal transition. The owning
// HTTP handler parks on it.
func (e *Entry) Done() <-chan struct{} { return e.done }

// Finish marks a clean terminal: the handler returns and the response
// ends as a normal EOF.
func (e *Entry) Finish() {
	e.once.Do(func() { close(e.done) })
}

// Abort marks an abnormal terminal mid-stream: the handler aborts the
// connection so the client does not mistake a truncated body for EOF.
func (e *Entry) Abort() {
	e.aborted.Store(true)
	e.once.Do(func() { close(e.done) })
}

// Aborted reports whether the terminal was abnormal.
func (e *Entry) Aborted() bool { return e.aborted.Load() }

// Age is the time since the entry was created.
func (e *Entry) Age() time.Duration { return time.Since(e.Created) }

// Table maps live request ids to entries.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Insert registers a new in-flight request.
func (t *Table) Insert(id string, e *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id]; exists {
		return ErrDuplicateID
	}
	t.entries[id] = e
	return nil
}

// Take atomically removes and returns the entry. Used on terminal frames
// and idle expiry; the second terminal for an id misses and is a no-op.
func (t *Table) Take(id string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return e, ok
}

// Peek returns the entry without removing it. Used to apply
// response_headers and chunk frames.
func (t *Table) Peek(id string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

// Drain removes and returns every entry. Used on browser disconnect.
func (t *Table) Drain() []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	t.entries = make(map[string]*Entry)
	return out
}

// Len reports the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
