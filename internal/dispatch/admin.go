package dispatch

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/morphlink/internal/autopilot"
	httpx "github.com/splax/morphlink/internal/http"
	"github.com/splax/morphlink/internal/supervisor"
	"github.com/splax/morphlink/internal/ws"
)

const (
	healthCheckTimeout = 2 * time.Second
	heartbeatInterval  = 15 * time.Second
)

// StatusSource reports module modes and rates.
type StatusSource interface {
	Status() []autopilot.Status
}

// ProcessSource reports live workers.
type ProcessSource interface {
	Snapshot() []supervisor.ProcessRef
}

// ModuleView is one row of GET /admin/modules.
type ModuleView struct {
	autopilot.Status
	Process *supervisor.ProcessRef `json:"process,omitempty"`
}

// Admin serves the operator endpoints next to the public routes.
type Admin struct {
	status   StatusSource
	procs    ProcessSource
	hub      *ws.Hub
	dbHealth func(context.Context) error
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewAdmin constructs the admin surface. dbHealth may be nil.
func NewAdmin(status StatusSource, procs ProcessSource, hub *ws.Hub, dbHealth func(context.Context) error, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{
		status:   status,
		procs:    procs,
		hub:      hub,
		dbHealth: dbHealth,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "admin"),
	}
}

// Register mounts the admin endpoints on mux.
func (a *Admin) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/admin/modules", a.handleModules)
	mux.HandleFunc("/admin/events", a.handleEventsWS)
	mux.HandleFunc("/admin/events/stream", a.handleEventsSSE)
}

func (a *Admin) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		httpx.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if a.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := a.dbHealth(ctx); err != nil {
			a.logger.Warn("database health check failed", "error", err)
			httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unavailable"})
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *Admin) handleModules(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		httpx.MethodNotAllowed(w, http.MethodGet)
		return
	}
	procs := make(map[string]supervisor.ProcessRef)
	if a.procs != nil {
		for _, ref := range a.procs.Snapshot() {
			procs[string(ref.Module)] = ref
		}
	}
	statuses := a.status.Status()
	views := make([]ModuleView, 0, len(statuses))
	for _, st := range statuses {
		view := ModuleView{Status: st}
		if ref, ok := procs[string(st.Module)]; ok {
			view.Process = &ref
		}
		views = append(views, view)
	}
	httpx.WriteJSON(w, http.StatusOK, views)
}

func (a *Admin) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	conn, err := a.upgrader.Upgrade(w, req, nil)
	if err != nil {
		a.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, a.logger)
	a.hub.Register(client)
	go func() {
		defer func() {
			a.hub.Unregister(client)
			client.Close()
		}()
		gone := make(chan struct{})
		go func() {
			client.Drain()
			close(gone)
		}()
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gone:
				return
			case <-ticker.C:
				if err := client.Ping(); err != nil {
					return
				}
			}
		}
	}()
}

func (a *Admin) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		httpx.MethodNotAllowed(w, http.MethodGet)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := ws.NewSSEClient(w, flusher, a.logger)
	a.hub.Register(client)
	defer a.hub.Unregister(client)
	if err := client.Heartbeat(); err != nil {
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			client.Close()
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
