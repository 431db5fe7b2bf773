// Control-channel client: the browser plane's single socket to the
// server plane.
//
// DESIGN: One connection at a time, reconnecting forever at a fixed
// delay. Each inbound RequestSpec runs in its own goroutine with a
// cancellable context registered in the in-flight table; a socket drop
// aborts every in-flight fetch (their late emits are dropped because
// the channel is down).
package agent

import (
	"context"
	"errors"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/browserbridge/browserbridge/internal/config"
	"github.com/browserbridge/browserbridge/internal/protocol"
)

// ErrDisconnected is returned by send while the channel is down.
var ErrDisconnected = errors.New("agent: control channel disconnected")

// Client runs the browser plane against one control endpoint.
type Client struct {
	controlURL string
	fetcher    *Fetcher

	mu       sync.Mutex
	conn     *websocket.Conn
	inflight map[string]context.CancelFunc
}

// NewClient builds the browser plane from its configuration.
func NewClient(cfg config.AgentConfig) *Client {
	return &Client{
		controlURL: cfg.ControlURL,
		fetcher:    NewFetcher(cfg.Cookie),
		inflight:   make(map[string]context.CancelFunc),
	}
}

// Run connects and serves requests until ctx is cancelled. Reconnects
// indefinitely with a fixed delay.
func (c *Client) Run(ctx context.Context) error {
	target := c.dialURL()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, _, err := websocket.Dial(ctx, target, nil)
		if err != nil {
			log.Warn().Err(err).Str("url", target).Msg("agent: connect failed, retrying")
			if !sleepCtx(ctx, config.ReconnectDelay) {
				return ctx.Err()
			}
			continue
		}
		conn.SetReadLimit(config.MaxFramePayload)
		c.setConn(conn)
		log.Info().Str("url", target).Msg("agent: connected")

		c.readLoop(ctx, conn)

		c.setConn(nil)
		c.abortInflight()
		_ = conn.CloseNow()
		log.Warn().Msg("agent: disconnected")

		if !sleepCtx(ctx, config.ReconnectDelay) {
			return ctx.Err()
		}
	}
}

func (c *Client) dialURL() string {
	target := c.controlURL
	if host, err := os.Hostname(); err == nil {
		target += "?agent=" + url.QueryEscape(host)
	}
	return target
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		spec, err := protocol.DecodeRequest(data)
		if err != nil {
			log.Warn().Err(err).Msg("agent: dropping malformed request frame")
			continue
		}
		go c.handle(ctx, spec)
	}
}

// handle executes one RequestSpec: fetch with retries, then stream.
func (c *Client) handle(ctx context.Context, spec *protocol.RequestSpec) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.inflight[spec.RequestID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, spec.RequestID)
		c.mu.Unlock()
	}()

	log.Debug().
		Str("request_id", spec.RequestID).
		Str("method", spec.Method).
		Str("path", spec.Path).
		Msg("agent: executing request")

	resp, err := c.fetcher.Fetch(reqCtx, spec)
	if err != nil {
		if reqCtx.Err() != nil {
			// Aborted by disconnect or shutdown; nothing to report.
			return
		}
		status := 502
		if ue, ok := err.(*UpstreamError); ok && ue.Status != 0 {
			status = ue.Status
		}
		c.send(reqCtx, &protocol.Event{
			RequestID: spec.RequestID,
			Type:      protocol.EventError,
			Status:    status,
			Message:   err.Error(),
		})
		return
	}

	StreamResponse(reqCtx, spec.RequestID, resp, c.send)
}

// send JSON-serializes the frame and transmits it as one text message.
// A send while disconnected drops the frame.
func (c *Client) send(ctx context.Context, ev *protocol.Event) error {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		log.Error().Str("request_id", ev.RequestID).Str("event_type", string(ev.Type)).
			Msg("agent: dropping frame, channel disconnected")
		return ErrDisconnected
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// abortInflight cancels every running fetch after a socket drop.
func (c *Client) abortInflight() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.inflight))
	for _, cancel := range c.inflight {
		cancels = append(cancels, cancel)
	}
	c.inflight = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	if len(cancels) > 0 {
		log.Warn().Int("in_flight", len(cancels)).Msg("agent: aborting in-flight requests")
	}
	for _, cancel := range cancels {
		cancel()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
