// Package forward relays dispatcher requests to a module's worker and
// translates the worker's answer back without reinterpreting it.
package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/morphlink/internal/domain"
	"github.com/splax/morphlink/internal/metrics"
)

const defaultTimeout = 5 * time.Second

// ErrUpstreamUnreachable reports a worker that could not be reached in time.
var ErrUpstreamUnreachable = errors.New("forward: microservice unreachable")

var (
	relayedRequestHeaders  = []string{"Content-Type", "Accept", "X-Request-ID", "User-Agent", "Referer"}
	relayedResponseHeaders = []string{"Content-Type", "Location", "Cache-Control", "Retry-After", "Allow"}
)

// Forwarder sends requests for one module to that module's worker. Each
// forwarder owns its transport, so a slow worker only holds up its own calls.
type Forwarder struct {
	module  domain.ModuleID
	baseURL string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// New constructs a forwarder targeting addr (host:port).
func New(module domain.ModuleID, addr string, timeout time.Duration, logger *slog.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &Forwarder{
		module:  module,
		baseURL: "http://" + addr,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:  timeout,
		logger:   logger.With("component", "forwarder", "module", module),
		requests: metrics.CounterVec("forward", "requests_total", "Forwarded requests by module and outcome", "module", "outcome"),
		latency:  metrics.HistogramVec("forward", "request_duration_seconds", "Round trip time of forwarded requests", metrics.DurationBuckets, "module"),
	}
}

// ServeHTTP relays r to the worker. Redirects come back with the worker's
// status and Location untouched.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	resp, err := f.Do(r)
	if err != nil {
		f.requests.WithLabelValues(string(f.module), "unreachable").Inc()
		f.logger.Warn("forward failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeUnavailable(w)
		return
	}
	defer resp.Body.Close()

	for _, key := range relayedResponseHeaders {
		if values := resp.Header.Values(key); len(values) > 0 {
			w.Header()[key] = values
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		f.logger.Warn("copy worker response", "path", r.URL.Path, "error", err)
	}
	f.requests.WithLabelValues(string(f.module), "relayed").Inc()
	f.latency.WithLabelValues(string(f.module)).Observe(time.Since(start).Seconds())
}

// Do performs the upstream call. Transport failures and timeouts wrap
// ErrUpstreamUnreachable. The caller owns the response body.
func (f *Forwarder) Do(r *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(r.Context(), f.timeout)
	target := f.baseURL + r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.ContentLength = r.ContentLength
	for _, key := range relayedRequestHeaders {
		if v := r.Header.Get(key); v != "" {
			req.Header.Set(key, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstreamUnreachable, f.module, err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func writeUnavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "Microservice unreachable"})
}
