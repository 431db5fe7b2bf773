// Package sanitize holds the header filtering rules applied on both
// planes. All functions are pure and idempotent.
//
// DESIGN: Three strip sets:
//   - server-side request strip: hop-by-hop headers the bridge must own
//   - agent-side request strip:  headers the browser stack repopulates
//     itself and would reject if set explicitly
//   - response strip:            headers that would break re-chunking
//
// Matching is case-insensitive; the maps key on lower-case names.
package sanitize

import "strings"

var serverRequestStrip = map[string]struct{}{
	"host":           {},
	"connection":     {},
	"content-length": {},
}

var agentRequestStrip = map[string]struct{}{
	"origin":         {},
	"referer":        {},
	"user-agent":     {},
	"sec-fetch-mode": {},
	"sec-fetch-site": {},
	"sec-fetch-dest": {},
}

var responseStrip = map[string]struct{}{
	"transfer-encoding": {},
	"content-encoding":  {},
	"content-length":    {},
	"connection":        {},
}

func filter(h map[string]string, strip map[string]struct{}) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if _, drop := strip[strings.ToLower(k)]; drop {
			continue
		}
		out[k] = v
	}
	return out
}

// RequestHeaders applies the server-side strip before a request is
// handed to the browser plane.
func RequestHeaders(h map[string]string) map[string]string {
	return filter(h, serverRequestStrip)
}

// AgentRequestHeaders applies the agent-side strip on top of the
// server-side one. The outgoing HTTP stack fills these in correctly;
// forwarding the local client's values would be rejected upstream.
func AgentRequestHeaders(h map[string]string) map[string]string {
	return filter(filter(h, serverRequestStrip), agentRequestStrip)
}

// ResponseHeaders drops the headers that conflict with the bridge
// re-chunking the body. content-length is intentionally absent from the
// replayed set.
func ResponseHeaders(h map[string]string) map[string]string {
	return filter(h, responseStrip)
}

// SalvageContentType returns the content type to synthesize, or "".
// Many upstream SSE responses arrive typeless after filtering; a bare
// 200 without a type is assumed to be an event stream.
func SalvageContentType(status int, h map[string]string) string {
	if status != 200 {
		return ""
	}
	for k := range h {
		if strings.EqualFold(k, "Content-Type") {
			return ""
		}
	}
	return "text/event-stream"
}
