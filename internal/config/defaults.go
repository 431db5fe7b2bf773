// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined
// here. This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// LISTENING ENDPOINTS
// =============================================================================

// DefaultHTTPAddr is where the local HTTP front-end listens.
const DefaultHTTPAddr = "127.0.0.1:8889"

// DefaultControlAddr is where the control channel (WebSocket) listens.
const DefaultControlAddr = "127.0.0.1:9998"

// =============================================================================
// UPSTREAM
// =============================================================================

// UpstreamHost is the fixed upstream API host. Scheme is always HTTPS,
// no port override. Authentication comes from the browser session, so
// the host is not configurable.
const UpstreamHost = "generativelanguage.googleapis.com"

// =============================================================================
// TIMERS
// =============================================================================

// DefaultInitialIdleTimeout is the idle window granted to a fresh request
// before any frame has arrived. Earlier revisions shipped with 120s; the
// longer value is the default because first-token latency on large
// prompts regularly exceeds two minutes.
const DefaultInitialIdleTimeout = 600 * time.Second

// ShortInitialIdleTimeout is the alternative initial window, selectable
// via the config file.
const ShortInitialIdleTimeout = 120 * time.Second

// StreamIdleTimeout is the idle window re-armed on every inbound
// response_headers or chunk frame.
const StreamIdleTimeout = 300 * time.Second

// =============================================================================
// CONTROL CHANNEL
// =============================================================================

// MaxFramePayload caps a single control-channel message. Very long prompts
// travel as one frame, hence the generous limit.
const MaxFramePayload = 100 * 1024 * 1024

// ReconnectDelay is the fixed delay between agent reconnect attempts.
const ReconnectDelay = 5 * time.Second

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// MaxRequestBodySize is the maximum allowed local request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// DefaultBufferSize is the standard I/O buffer size for stream reads.
const DefaultBufferSize = 4096

// DefaultReadHeaderTimeout bounds header parsing on the front-end.
// Write timeout is deliberately unset: responses stream for minutes.
const DefaultReadHeaderTimeout = 10 * time.Second

// MaxErrorBodyLogLen limits upstream error bodies carried in error
// frames and logs.
const MaxErrorBodyLogLen = 500

// =============================================================================
// UPSTREAM RETRY (browser plane)
// =============================================================================

// MaxFetchAttempts is the total number of upstream attempts per request.
const MaxFetchAttempts = 15

// FetchRetryDelay is the fixed inter-attempt delay.
const FetchRetryDelay = 1 * time.Second
