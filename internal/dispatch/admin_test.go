package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/morphlink/internal/autopilot"
	"github.com/splax/morphlink/internal/domain"
	"github.com/splax/morphlink/internal/supervisor"
	"github.com/splax/morphlink/internal/ws"
)

type staticStatus []autopilot.Status

func (s staticStatus) Status() []autopilot.Status { return s }

type staticProcs []supervisor.ProcessRef

func (s staticProcs) Snapshot() []supervisor.ProcessRef { return s }

func newAdminMux(t *testing.T, hub *ws.Hub, dbHealth func(context.Context) error) *http.ServeMux {
	t.Helper()
	status := staticStatus{
		{Module: domain.ModuleLinks, Mode: domain.Monolith, Rate: 3},
		{Module: domain.ModuleRedirector, Mode: domain.Microservice, Rate: 72},
	}
	procs := staticProcs{{Module: domain.ModuleRedirector, ID: "4242", Addr: "127.0.0.1:8102"}}
	mux := http.NewServeMux()
	NewAdmin(status, procs, hub, dbHealth, testLogger()).Register(mux)
	return mux
}

func TestAdminModules(t *testing.T) {
	hub := ws.NewHub(8, testLogger())
	defer hub.Close()
	mux := newAdminMux(t, hub, nil)

	rec := serve(mux, http.MethodGet, "/admin/modules")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var views []struct {
		Module  string                 `json:"module"`
		Mode    string                 `json:"mode"`
		Rate    int                    `json:"rate"`
		Process *supervisor.ProcessRef `json:"process"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 modules, got %d", len(views))
	}
	if views[0].Process != nil || views[0].Mode != "monolith" {
		t.Fatalf("unexpected links view %+v", views[0])
	}
	if views[1].Process == nil || views[1].Process.Addr != "127.0.0.1:8102" || views[1].Rate != 72 || views[1].Mode != "microservice" {
		t.Fatalf("unexpected redirector view %+v", views[1])
	}
}

func TestAdminHealth(t *testing.T) {
	hub := ws.NewHub(8, testLogger())
	defer hub.Close()

	if rec := serve(newAdminMux(t, hub, nil), http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	failing := func(context.Context) error { return errors.New("connection refused") }
	if rec := serve(newAdminMux(t, hub, failing), http.MethodGet, "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

// publishUntil keeps publishing until done is closed, since subscribers
// register asynchronously with the hub.
func publishUntil(hub *ws.Hub, done <-chan struct{}) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		hub.Publish(domain.Transition{Module: domain.ModuleRedirector, From: domain.Monolith, To: domain.Microservice, Reason: "rate_above_scale_out", Rate: 51})
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func TestAdminEventStream(t *testing.T) {
	hub := ws.NewHub(8, testLogger())
	defer hub.Close()
	srv := httptest.NewServer(newAdminMux(t, hub, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/admin/events/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	done := make(chan struct{})
	defer close(done)
	go publishUntil(hub, done)

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var got domain.Transition
			if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &got); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if got.Module != domain.ModuleRedirector || got.To != domain.Microservice {
				t.Fatalf("unexpected event %+v", got)
			}
			return
		}
	}
}

func TestAdminWebsocketEvents(t *testing.T) {
	hub := ws.NewHub(8, testLogger())
	defer hub.Close()
	srv := httptest.NewServer(newAdminMux(t, hub, nil))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/admin/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go publishUntil(hub, done)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got domain.Transition
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Module != domain.ModuleRedirector || got.Rate != 51 {
		t.Fatalf("unexpected event %+v", got)
	}
}
