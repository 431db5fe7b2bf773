package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browserbridge/browserbridge/internal/config"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(config.ServerConfig{
		HTTPAddr:           "127.0.0.1:0",
		ControlAddr:        "127.0.0.1:0",
		InitialIdleTimeout: config.DefaultInitialIdleTimeout,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var health struct {
		Status           string `json:"status"`
		BrowserConnected bool   `json:"browserConnected"`
		Timestamp        string `json:"timestamp"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.False(t, health.BrowserConnected)

	_, err = time.Parse(time.RFC3339, health.Timestamp)
	assert.NoError(t, err, "timestamp must be RFC3339")
}

func TestHealthReportsBrowserConnected(t *testing.T) {
	s, ts := newTestServer(t)

	controlSrv := httptest.NewServer(s.Control())
	defer controlSrv.Close()
	conn, resp, err := websocket.Dial(context.Background(),
		"ws"+strings.TrimPrefix(controlSrv.URL, "http"), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer conn.CloseNow()
	require.Eventually(t, s.Control().Connected, time.Second, 5*time.Millisecond)

	hr, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer hr.Body.Close()
	var health struct {
		BrowserConnected bool `json:"browserConnected"`
	}
	require.NoError(t, json.NewDecoder(hr.Body).Decode(&health))
	assert.True(t, health.BrowserConnected)
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	_, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/v1beta/models", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestProxyWithoutBrowserReturns503(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1beta/models")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["message"], "browser agent")
}

func TestHealthNotProxied(t *testing.T) {
	// /health answers even with no browser bound; only other paths gate.
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

func TestRunFailsOnPortInUse(t *testing.T) {
	// Occupy a port, then point the server at it.
	blocker := httptest.NewServer(http.NotFoundHandler())
	defer blocker.Close()
	addr := strings.TrimPrefix(blocker.URL, "http://")

	s := NewServer(config.ServerConfig{
		HTTPAddr:           addr,
		ControlAddr:        "127.0.0.1:0",
		InitialIdleTimeout: config.DefaultInitialIdleTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Run(ctx)
	require.Error(t, err)
}
