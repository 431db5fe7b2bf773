// Control-channel manager: accepts the browser plane's WebSocket and
// pumps its event frames into the dispatcher.
//
// DESIGN: At most one browser is bound. A new connection replaces the
// previous binding without grace: the old socket is closed and every
// in-flight request is failed before the new binding is installed.
// Inbound decode failures never kill the socket.
package bridge

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/browserbridge/browserbridge/internal/config"
	"github.com/browserbridge/browserbridge/internal/protocol"
)

// Control owns the server side of the control channel.
type Control struct {
	dispatcher *Dispatcher

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewControl returns an unbound control manager. The dispatcher is
// attached afterwards to break the construction cycle.
func NewControl() *Control {
	return &Control{}
}

// SetDispatcher attaches the frame consumer. Must be called before the
// control endpoint is served.
func (c *Control) SetDispatcher(d *Dispatcher) {
	c.dispatcher = d
}

// Connected reports whether a browser is currently bound.
func (c *Control) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send transmits one frame as a single text message. Writes from
// concurrent dispatcher tasks are serialized by the manager's lock.
func (c *Control) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrBrowserNotConnected
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP upgrades the browser plane's connection and runs its receive
// loop until the socket drops.
func (c *Control) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The agent connects from an arbitrary origin (or none).
		OriginPatterns: []string{"*"},
		// Per-message compression destabilizes very large frames.
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		log.Warn().Err(err).Msg("control: upgrade failed")
		return
	}
	conn.SetReadLimit(config.MaxFramePayload)

	agent := r.URL.Query().Get("agent")
	c.bind(conn, agent)

	ctx := context.Background()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if typ != websocket.MessageText {
			log.Warn().Msg("control: ignoring non-text frame")
			continue
		}
		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			log.Warn().Err(err).Msg("control: dropping malformed frame")
			continue
		}
		if !ev.Type.Known() {
			log.Warn().Str("event_type", string(ev.Type)).Str("request_id", ev.RequestID).
				Msg("control: dropping unknown event type")
			continue
		}
		c.dispatcher.HandleEvent(ev)
	}

	if c.unbind(conn) {
		log.Warn().Str("agent", agent).Msg("control: browser disconnected")
		c.dispatcher.BrowserGone()
	}
	_ = conn.CloseNow()
}

// bind installs a new browser connection, displacing any previous one.
// The displaced binding's in-flight requests are failed first so frames
// from the old socket can never touch the new binding's requests.
func (c *Control) bind(conn *websocket.Conn, agent string) {
	c.mu.Lock()
	old := c.conn
	c.conn = nil
	c.mu.Unlock()

	if old != nil {
		log.Warn().Str("agent", agent).Msg("control: replacing bound browser session")
		_ = old.CloseNow()
		c.dispatcher.BrowserGone()
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	log.Info().Str("agent", agent).Msg("control: browser connected")
}

// unbind clears the binding if conn is still current. Returns false for
// a connection that was already displaced (its requests were failed at
// replacement time).
func (c *Control) unbind(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return false
	}
	c.conn = nil
	return true
}
