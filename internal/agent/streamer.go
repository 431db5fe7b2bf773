// Response streamer for the browser plane.
//
// DESIGN: Exactly one response_headers frame, then chunk frames in
// arrival order, then exactly one terminal (stream_close on EOF, error
// on a mid-stream break). Chunks pass through a stateful UTF-8 splitter
// so a multi-byte rune torn across reads is reassembled before it goes
// on the wire.
package agent

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/browserbridge/browserbridge/internal/config"
	"github.com/browserbridge/browserbridge/internal/protocol"
)

// SendFunc transmits one event frame on the control channel.
type SendFunc func(ctx context.Context, ev *protocol.Event) error

// StreamResponse relays a 2xx upstream response as framed events and
// closes the body.
func StreamResponse(ctx context.Context, requestID string, resp *http.Response, send SendFunc) {
	defer func() { _ = resp.Body.Close() }()

	headers := make(map[string]string, len(resp.Header))
	for k, vs := range resp.Header {
		headers[k] = strings.Join(vs, ", ")
	}
	if err := send(ctx, &protocol.Event{
		RequestID: requestID,
		Type:      protocol.EventResponseHeaders,
		Status:    resp.StatusCode,
		Headers:   headers,
	}); err != nil {
		log.Debug().Str("request_id", requestID).Err(err).Msg("stream: headers frame not sent")
		return
	}

	splitter := &utf8Splitter{}
	buf := make([]byte, config.DefaultBufferSize)
	for {
		if ctx.Err() != nil {
			// Aborted: the channel is down or the request was cancelled;
			// any further emit would be discarded anyway.
			return
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if piece := splitter.Split(buf[:n]); piece != "" {
				if sendErr := send(ctx, &protocol.Event{
					RequestID: requestID,
					Type:      protocol.EventChunk,
					Data:      piece,
				}); sendErr != nil {
					log.Debug().Str("request_id", requestID).Err(sendErr).Msg("stream: chunk frame not sent")
					return
				}
			}
		}
		if err == io.EOF {
			if tail := splitter.Flush(); tail != "" {
				_ = send(ctx, &protocol.Event{RequestID: requestID, Type: protocol.EventChunk, Data: tail})
			}
			_ = send(ctx, &protocol.Event{RequestID: requestID, Type: protocol.EventStreamClose})
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Str("request_id", requestID).Err(err).Msg("stream: upstream read failed mid-stream")
			_ = send(ctx, &protocol.Event{
				RequestID: requestID,
				Type:      protocol.EventError,
				Status:    http.StatusInternalServerError,
				Message:   "upstream stream failed: " + err.Error(),
			})
			return
		}
	}
}
