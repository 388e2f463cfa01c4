// Package httpx serves the link, redirector and analytics modules over HTTP.
// The same handlers run inside the dispatcher and inside worker processes.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/splax/morphlink/internal/domain"
	"github.com/splax/morphlink/internal/service/access"
)

const maxBodyBytes = 1 << 20

// RateReporter exposes a module's current request rate for /metrics.
type RateReporter interface {
	Rate(id domain.ModuleID) int
}

// moduleRouter holds what every module handler shares: health and rpm
// endpoints, instrumentation and error mapping.
type moduleRouter struct {
	module  domain.ModuleID
	prefix  string
	rates   RateReporter
	logger  *slog.Logger
	metrics requestMetrics
}

func newModuleRouter(module domain.ModuleID, rates RateReporter, logger *slog.Logger) moduleRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return moduleRouter{
		module:  module,
		prefix:  module.Prefix(),
		rates:   rates,
		logger:  logger.With("component", "http", "module", module),
		metrics: newRequestMetrics(),
	}
}

// subpath strips the module prefix: "/links/abc" becomes "abc", "/links/" and "/links" become "".
func (m moduleRouter) subpath(req *http.Request) string {
	rest := strings.TrimPrefix(req.URL.Path, m.prefix)
	return strings.Trim(rest, "/")
}

// common answers health and metrics requests, reporting whether it did.
func (m moduleRouter) common(w http.ResponseWriter, req *http.Request, sub string) bool {
	switch sub {
	case "health":
		if req.Method != http.MethodGet {
			MethodNotAllowed(w, http.MethodGet)
			return true
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "module": string(m.module)})
		return true
	case "metrics":
		if req.Method != http.MethodGet {
			MethodNotAllowed(w, http.MethodGet)
			return true
		}
		rpm := 0
		if m.rates != nil {
			rpm = m.rates.Rate(m.module)
		}
		WriteJSON(w, http.StatusOK, map[string]any{"module": string(m.module), "rpm": rpm})
		return true
	}
	return false
}

func (m moduleRouter) instrument(route func(sub string) string, next func(http.ResponseWriter, *http.Request, string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sub := m.subpath(req)
		recorder := &StatusRecorder{ResponseWriter: w}
		start := time.Now()
		if !m.common(recorder, req, sub) {
			next(recorder, req, sub)
		}
		m.metrics.observe(string(m.module), route(sub), req.Method, recorder.Code(), time.Since(start))
	})
}

// writeServiceError maps service errors onto status codes. Anything
// unrecognised is logged and reported as a 500.
func (m moduleRouter) writeServiceError(w http.ResponseWriter, err error, notFound ...error) {
	switch {
	case errors.Is(err, access.ErrUserRequired):
		WriteError(w, http.StatusUnprocessableEntity, "user is required")
	case errors.Is(err, access.ErrUnknownUser):
		WriteError(w, http.StatusUnauthorized, "Unknown user")
	default:
		for _, nf := range notFound {
			if errors.Is(err, nf) {
				WriteError(w, http.StatusNotFound, "Link not found")
				return
			}
		}
		m.logger.Error("request failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

// linkInput carries the user and url parameters, which may arrive in the
// query string or in a JSON body. Query values win.
type linkInput struct {
	User string `json:"user"`
	URL  string `json:"url"`
}

func readLinkInput(req *http.Request) (linkInput, error) {
	var in linkInput
	if req.Body != nil && req.Body != http.NoBody && req.Method != http.MethodGet && req.Method != http.MethodDelete {
		raw, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
		if err != nil {
			return in, err
		}
		if len(strings.TrimSpace(string(raw))) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return in, err
			}
		}
	}
	q := req.URL.Query()
	if v := q.Get("user"); v != "" {
		in.User = v
	}
	if v := q.Get("url"); v != "" {
		in.URL = v
	}
	return in, nil
}
