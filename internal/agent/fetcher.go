// Upstream fetcher for the browser plane.
//
// DESIGN: The fetcher owns the retry policy: a bounded number of
// attempts at a fixed interval. An attempt fails on transport error or
// any non-2xx status; a 2xx response is final even if its stream later
// breaks (stream failures belong to the streamer). Cancellation
// short-circuits the retry loop immediately.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/rs/zerolog/log"

	"github.com/browserbridge/browserbridge/internal/config"
	"github.com/browserbridge/browserbridge/internal/protocol"
	"github.com/browserbridge/browserbridge/internal/sanitize"
)

// UpstreamError reports the final failure after the retry budget is
// spent. Status is the last observed HTTP status, zero when every
// attempt failed at the transport layer.
type UpstreamError struct {
	Status  int
	Excerpt string
	Err     error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("upstream status %d: %v", e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("upstream request failed: %v", e.Err)
	case e.Excerpt != "":
		return fmt.Sprintf("upstream status %d: %s", e.Status, e.Excerpt)
	default:
		return fmt.Sprintf("upstream status %d", e.Status)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Fetcher performs upstream HTTPS calls with the session cookie.
type Fetcher struct {
	client     *http.Client
	cookie     string
	host       string
	retryDelay time.Duration
}

// NewFetcher builds a fetcher for the fixed upstream host.
func NewFetcher(cookie string) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			// No client-level timeout: responses stream for minutes and
			// the per-request context handles cancellation.
		},
		cookie:     cookie,
		host:       config.UpstreamHost,
		retryDelay: config.FetchRetryDelay,
	}
}

// Fetch resolves a RequestSpec into a 2xx response, retrying up to the
// attempt budget. The returned response body is still open; the caller
// streams and closes it.
func (f *Fetcher) Fetch(ctx context.Context, spec *protocol.RequestSpec) (*http.Response, error) {
	target := f.buildURL(spec)
	headers := sanitize.AgentRequestHeaders(spec.Headers)

	var resp *http.Response
	last := &UpstreamError{}
	attempt := 0

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++

		req, err := f.buildRequest(ctx, spec, target, headers)
		if err != nil {
			return backoff.Permanent(err)
		}
		r, err := f.client.Do(req)
		if err != nil {
			last.Err = err
			log.Debug().Int("attempt", attempt).Err(err).Str("url", target).Msg("fetch: attempt failed")
			return err
		}
		if r.StatusCode < 200 || r.StatusCode > 299 {
			last.Status = r.StatusCode
			last.Excerpt = readExcerpt(r.Body)
			last.Err = nil
			_ = r.Body.Close()
			log.Debug().Int("attempt", attempt).Int("status", r.StatusCode).Str("url", target).Msg("fetch: non-2xx")
			return fmt.Errorf("status %d", r.StatusCode)
		}
		resp = r
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(f.retryDelay), config.MaxFetchAttempts-1),
		ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, last
	}
	return resp, nil
}

func (f *Fetcher) buildURL(spec *protocol.RequestSpec) string {
	u := url.URL{
		Scheme:   "https",
		Host:     f.host,
		Path:     "/" + strings.TrimPrefix(spec.Path, "/"),
		RawQuery: url.Values(spec.QueryParams).Encode(),
	}
	return u.String()
}

func (f *Fetcher) buildRequest(ctx context.Context, spec *protocol.RequestSpec, target string, headers map[string]string) (*http.Request, error) {
	var body io.Reader
	if spec.Body != nil && bodyAllowed(spec.Method) {
		body = strings.NewReader(*spec.Body)
	}
	req, err := http.NewRequestWithContext(ctx, spec.Method, target, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if f.cookie != "" {
		req.Header.Set("Cookie", f.cookie)
	}
	return req, nil
}

func bodyAllowed(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// readExcerpt captures a best-effort prefix of an error body for the
// error frame message.
func readExcerpt(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, config.MaxErrorBodyLogLen))
	return string(data)
}
