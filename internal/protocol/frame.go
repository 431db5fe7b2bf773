// Package protocol defines the framed message protocol on the control
// channel between the server plane and the browser plane.
//
// DESIGN: Two frame shapes, both JSON text messages:
//   - RequestSpec (server -> browser): one outgoing HTTP request
//   - Event (browser -> server):       response progress, keyed by request_id
//
// Decoding ignores unknown keys. An unknown event_type decodes cleanly
// and is rejected by Known(); the caller logs and drops it without any
// terminal effect.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/browserbridge/browserbridge/internal/utils"
)

// EventType discriminates browser -> server frames.
type EventType string

const (
	EventResponseHeaders EventType = "response_headers"
	EventChunk           EventType = "chunk"
	EventStreamClose     EventType = "stream_close"
	EventError           EventType = "error"
)

// Known reports whether the event type belongs to the closed set.
func (t EventType) Known() bool {
	switch t {
	case EventResponseHeaders, EventChunk, EventStreamClose, EventError:
		return true
	}
	return false
}

// Terminal reports whether the event ends its request's lifecycle.
func (t EventType) Terminal() bool {
	return t == EventStreamClose || t == EventError
}

// QueryValues is a multi-valued query parameter map. On the wire a
// single-valued key is a bare string, a multi-valued key is an array;
// both forms decode into a slice.
type QueryValues map[string][]string

// MarshalJSON emits single values as strings and multi values as arrays.
func (q QueryValues) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(q))
	for k, vs := range q {
		if len(vs) == 1 {
			out[k] = vs[0]
		} else {
			out[k] = vs
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts both string and list-of-string values.
func (q *QueryValues) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(QueryValues, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = []string{s}
			continue
		}
		var list []string
		if err := json.Unmarshal(v, &list); err != nil {
			return fmt.Errorf("query param %q: expected string or string list", k)
		}
		out[k] = list
	}
	*q = out
	return nil
}

// RequestSpec is the server -> browser request frame.
type RequestSpec struct {
	RequestID   string            `json:"request_id"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	QueryParams QueryValues       `json:"query_params,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`

	// Body is nil unless the method carries one (POST, PUT, PATCH).
	Body *string `json:"body,omitempty"`
}

// Event is the browser -> server progress frame.
type Event struct {
	RequestID string    `json:"request_id"`
	Type      EventType `json:"event_type"`

	// response_headers
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// chunk
	Data string `json:"data,omitempty"`

	// error (Status doubles as the upstream status when known)
	Message string `json:"message,omitempty"`
}

// EncodeRequest serializes a RequestSpec for transmission. HTML escaping
// is off: bodies pass through byte-identical.
func EncodeRequest(spec *RequestSpec) ([]byte, error) {
	return utils.MarshalNoEscape(spec)
}

// DecodeRequest parses a server -> browser frame.
func DecodeRequest(data []byte) (*RequestSpec, error) {
	var spec RequestSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decode request frame: %w", err)
	}
	if spec.RequestID == "" {
		return nil, fmt.Errorf("decode request frame: missing request_id")
	}
	return &spec, nil
}

// EncodeEvent serializes an Event for transmission.
func EncodeEvent(ev *Event) ([]byte, error) {
	return utils.MarshalNoEscape(ev)
}

// DecodeEvent parses a browser -> server frame. The event type is not
// validated here; callers check Known() so unknown types can be logged
// with their request id.
func DecodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event frame: %w", err)
	}
	if ev.RequestID == "" {
		return nil, fmt.Errorf("decode event frame: missing request_id")
	}
	return &ev, nil
}
