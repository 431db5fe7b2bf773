// HTTP front-end for the server plane.
//
// DESIGN: Two listeners:
//   - the local HTTP API (CORS, health, proxy catch-all)
//   - the control-channel WebSocket endpoint
//
// Everything that is not /health goes to the dispatcher, gated on a
// bound browser. Per-request access logging carries a correlation id
// distinct from the protocol request_id.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/browserbridge/browserbridge/internal/config"
	"github.com/browserbridge/browserbridge/internal/pending"
)

// Server bundles the two listeners of the server plane.
type Server struct {
	cfg        config.ServerConfig
	control    *Control
	dispatcher *Dispatcher
	startedAt  time.Time

	httpSrv    *http.Server
	controlSrv *http.Server
}

// NewServer assembles the server plane from its configuration.
func NewServer(cfg config.ServerConfig) *Server {
	control := NewControl()
	dispatcher := NewDispatcher(pending.NewTable(), control, cfg.InitialIdleTimeout)
	control.SetDispatcher(dispatcher)

	s := &Server{
		cfg:        cfg,
		control:    control,
		dispatcher: dispatcher,
		startedAt:  time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(s.handleProxy)

	s.httpSrv = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           withAccessLog(withCORS(r)),
		ReadHeaderTimeout: config.DefaultReadHeaderTimeout,
		// WriteTimeout stays zero: responses stream for minutes.
	}
	s.controlSrv = &http.Server{
		Addr:              cfg.ControlAddr,
		Handler:           control,
		ReadHeaderTimeout: config.DefaultReadHeaderTimeout,
	}
	return s
}

// Handler exposes the front-end handler chain (used by tests).
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Control exposes the control manager (used by tests and health).
func (s *Server) Control() *Control { return s.control }

// Dispatcher exposes the dispatcher (used by tests).
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// Run serves both listeners until ctx is cancelled, then shuts down
// orderly. A listener failing to bind is fatal and returned.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", s.cfg.HTTPAddr).Msg("http front-end listening")
		if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		log.Info().Str("addr", s.cfg.ControlAddr).Msg("control channel listening")
		if err := s.controlSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	_ = s.controlSrv.Shutdown(shutdownCtx)
	s.dispatcher.BrowserGone()
	return runErr
}

// handleHealth reports liveness and whether a browser is bound.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"browserConnected": s.control.Connected(),
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"pendingRequests":  s.dispatcher.Pending(),
		"uptime":           time.Since(s.startedAt).String(),
	})
}

// handleProxy gates on a bound browser, then hands off to the dispatcher.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if !s.control.Connected() {
		writeError(w, http.StatusServiceUnavailable,
			"Browser not connected. Start the browser agent and make sure it can reach the control channel.", "")
		return
	}
	s.dispatcher.ServeProxy(w, r)
}

// writeJSON writes a JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withCORS permits any origin and short-circuits preflight.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAccessLog emits one structured line per request.
func withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		correlationID := uuid.New().String()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		log.Info().
			Str("correlation_id", correlationID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// statusWriter records the committed status for access logging while
// preserving the flushing behavior streaming depends on.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
