package stack

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/splax/morphlink/internal/cache"
	"github.com/splax/morphlink/internal/domain"
	"github.com/splax/morphlink/internal/repository/memory"
	"github.com/splax/morphlink/internal/service/access"
	"github.com/splax/morphlink/internal/service/links"
	"github.com/splax/morphlink/internal/service/redirector"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildMemoryDirect(t *testing.T) {
	ctx := context.Background()
	s, err := Build(ctx, Options{Storage: "memory", AllowedUsers: []string{"alice"}}, testLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer s.Close()

	link, err := s.Links.Create(ctx, "alice", "https://example.com")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Redirector.Resolve(ctx, link.ShortCode, redirector.Visit{}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	stats, err := s.Analytics.LinkStats(ctx, "alice", link.ShortCode)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Clicks != 1 {
		t.Fatalf("expected the redirect to be recorded directly, got %d clicks", stats.Clicks)
	}
	if s.ClickConsumer() != nil {
		t.Fatal("no consumer expected without kafka")
	}

	handlers := s.Handlers(nil)
	for _, id := range domain.Modules() {
		if handlers[id] == nil {
			t.Fatalf("missing handler for %s", id)
		}
	}
}

func TestBuildHTTPClickSink(t *testing.T) {
	var posted atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/analytics/clicks" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var click domain.Click
		if err := json.NewDecoder(r.Body).Decode(&click); err != nil || click.ShortCode == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		posted.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ctx := context.Background()
	s, err := Build(ctx, Options{Storage: "memory", AllowedUsers: []string{"bob"}, ClickSink: SinkHTTP, ClickURL: srv.URL}, testLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer s.Close()

	link, err := s.Links.Create(ctx, "bob", "https://example.com/x")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Redirector.Resolve(ctx, link.ShortCode, redirector.Visit{UserAgent: "test"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := posted.Load(); got != 1 {
		t.Fatalf("expected one posted click, got %d", got)
	}
}

func TestBuildRejectsUnknownBackends(t *testing.T) {
	ctx := context.Background()
	if _, err := Build(ctx, Options{Storage: "sqlite"}, testLogger()); err == nil {
		t.Fatal("expected unknown storage to fail")
	}
	if _, err := Build(ctx, Options{ClickSink: "carrier-pigeon"}, testLogger()); err == nil {
		t.Fatal("expected unknown click sink to fail")
	}
	if _, err := Build(ctx, Options{ClickSink: SinkHTTP}, testLogger()); err == nil {
		t.Fatal("expected http sink without url to fail")
	}
}

func TestSharedCacheSkipsLocalEntries(t *testing.T) {
	ctx := context.Background()
	s, err := Build(ctx, Options{Storage: "memory", SharedCache: true}, testLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer s.Close()

	s.Cache.Set(ctx, "abc", "https://example.com")
	if _, ok := s.Cache.Get(ctx, "abc"); ok {
		t.Fatal("expected no process-local cache without redis")
	}
}

// Two processes sharing one store: the links module updates a link while
// the redirector runs elsewhere with its own cache.
func TestRedirectFollowsUpdateAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	users := access.NewAllowlist([]string{"alice"})
	linksSvc := links.New(store, users, cache.OpenShared("", "", 0, testLogger()), testLogger())
	worker := redirector.New(store, cache.OpenShared("", "", 0, testLogger()), nil, testLogger())

	link, err := linksSvc.Create(ctx, "alice", "https://old.example/")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got, err := worker.Resolve(ctx, link.ShortCode, redirector.Visit{}); err != nil || got != "https://old.example/" {
		t.Fatalf("resolve before update: %q %v", got, err)
	}
	if _, err := linksSvc.Update(ctx, "alice", link.ShortCode, "https://new.example/"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got, err := worker.Resolve(ctx, link.ShortCode, redirector.Visit{}); err != nil || got != "https://new.example/" {
		t.Fatalf("expected the update to be visible, got %q %v", got, err)
	}
	if err := linksSvc.Delete(ctx, "alice", link.ShortCode); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := worker.Resolve(ctx, link.ShortCode, redirector.Visit{}); !errors.Is(err, redirector.ErrLinkNotFound) {
		t.Fatalf("expected deleted link to be gone, got %v", err)
	}
}
