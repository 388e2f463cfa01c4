// Package dispatch routes public requests to a module's in-process handler
// or to its worker, depending on the mode the autopilot has chosen.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/morphlink/internal/domain"
	httpx "github.com/splax/morphlink/internal/http"
	"github.com/splax/morphlink/internal/metrics"
)

const (
	// ModeHeader tells clients which topology served the request.
	ModeHeader = "X-Morphlink-Mode"
	// RequestIDHeader correlates dispatcher and worker logs.
	RequestIDHeader = "X-Request-ID"
)

// Recorder takes one rate sample per routed request.
type Recorder interface {
	Record(id domain.ModuleID)
}

// ModeSource decides the mode for the current request.
type ModeSource interface {
	Nudge(id domain.ModuleID) domain.Mode
}

// Starter makes sure a module's worker is running.
type Starter interface {
	EnsureStarted(ctx context.Context, id domain.ModuleID) error
}

// Module pairs the two ways a module can be served.
type Module struct {
	ID     domain.ModuleID
	Local  http.Handler
	Remote http.Handler
}

// Router is the public entry point of the dispatcher.
type Router struct {
	routes   RouteTable
	modules  map[domain.ModuleID]Module
	rates    Recorder
	modes    ModeSource
	workers  Starter
	logger   *slog.Logger
	requests *prometheus.CounterVec
}

// NewRouter wires the route table to module handlers.
func NewRouter(routes RouteTable, modules []Module, rates Recorder, modes ModeSource, workers Starter, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[domain.ModuleID]Module, len(modules))
	for _, m := range modules {
		byID[m.ID] = m
	}
	return &Router{
		routes:   routes,
		modules:  byID,
		rates:    rates,
		modes:    modes,
		workers:  workers,
		logger:   logger.With("component", "dispatch"),
		requests: metrics.CounterVec("dispatch", "requests_total", "Routed requests by module and serving mode.", "module", "mode"),
	}
}

// ServeHTTP classifies the request and hands it to the handler for the current mode.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	requestID := req.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
		req.Header.Set(RequestIDHeader, requestID)
	}
	w.Header().Set(RequestIDHeader, requestID)

	id, err := r.routes.Classify(req)
	switch {
	case errors.Is(err, ErrRouteNotFound):
		httpx.WriteError(w, http.StatusNotFound, "Invalid path")
		return
	case errors.Is(err, ErrMethodNotAllowed):
		httpx.MethodNotAllowed(w, RoutableMethods...)
		return
	}
	module, ok := r.modules[id]
	if !ok || module.Local == nil {
		r.logger.Error("module has no handler", "module", id)
		httpx.WriteError(w, http.StatusNotFound, "Invalid path")
		return
	}

	r.rates.Record(id)
	mode := r.modes.Nudge(id)
	handler := module.Local
	if mode == domain.Microservice {
		handler, mode = r.remote(req.Context(), module)
	}

	w.Header().Set(ModeHeader, mode.String())
	r.requests.WithLabelValues(string(id), mode.String()).Inc()
	handler.ServeHTTP(w, req)
}

// remote returns the worker handler, or the in-process one when the worker
// cannot be brought up.
func (r *Router) remote(ctx context.Context, module Module) (http.Handler, domain.Mode) {
	if module.Remote == nil {
		return module.Local, domain.Monolith
	}
	if err := r.workers.EnsureStarted(ctx, module.ID); err != nil {
		r.logger.Warn("worker unavailable, serving in-process", "module", module.ID, "error", err)
		return module.Local, domain.Monolith
	}
	return module.Remote, domain.Microservice
}
