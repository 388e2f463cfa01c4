package redirector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/splax/morphlink/internal/cache"
	"github.com/splax/morphlink/internal/domain"
	"github.com/splax/morphlink/internal/repository/memory"
)

type countingRepo struct {
	*memory.Repository
	mu      sync.Mutex
	lookups int
}

func (r *countingRepo) GetLinkByCode(ctx context.Context, code string) (*domain.Link, error) {
	r.mu.Lock()
	r.lookups++
	r.mu.Unlock()
	return r.Repository.GetLinkByCode(ctx, code)
}

type recordingSink struct {
	mu     sync.Mutex
	clicks []domain.Click
	err    error
}

func (s *recordingSink) RecordClick(_ context.Context, click domain.Click) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks = append(s.clicks, click)
	return s.err
}

func seed(t *testing.T) *countingRepo {
	t.Helper()
	repo := &countingRepo{Repository: memory.New()}
	now := time.Now()
	if err := repo.CreateLink(context.Background(), &domain.Link{ID: "1", ShortCode: "abc123", LongURL: "https://example.com", Owner: "alice", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return repo
}

func TestResolveUsesCacheAfterFirstLookup(t *testing.T) {
	repo := seed(t)
	sink := &recordingSink{}
	svc := New(repo, cache.NewMemory(time.Hour), sink, nil)

	for i := 0; i < 3; i++ {
		got, err := svc.Resolve(context.Background(), "abc123", Visit{UserAgent: "test"})
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if got != "https://example.com" {
			t.Fatalf("unexpected url %s", got)
		}
	}
	if repo.lookups != 1 {
		t.Fatalf("expected one repository lookup, got %d", repo.lookups)
	}
	if len(sink.clicks) != 3 {
		t.Fatalf("expected three clicks, got %d", len(sink.clicks))
	}
	if sink.clicks[0].UserAgent != "test" || sink.clicks[0].ShortCode != "abc123" {
		t.Fatalf("unexpected click %+v", sink.clicks[0])
	}
}

func TestResolveUnknownCode(t *testing.T) {
	sink := &recordingSink{}
	svc := New(seed(t), nil, sink, nil)
	if _, err := svc.Resolve(context.Background(), "NOPE", Visit{}); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("expected ErrLinkNotFound, got %v", err)
	}
	if len(sink.clicks) != 0 {
		t.Fatal("expected no click for an unknown code")
	}
}

func TestResolveIgnoresClickFailures(t *testing.T) {
	sink := &recordingSink{err: errors.New("analytics down")}
	svc := New(seed(t), nil, sink, nil)
	if _, err := svc.Resolve(context.Background(), "abc123", Visit{}); err != nil {
		t.Fatalf("expected redirect to survive click failure, got %v", err)
	}
}

type ctxSink struct {
	err         error
	hasDeadline bool
	remaining   time.Duration
}

func (s *ctxSink) RecordClick(ctx context.Context, _ domain.Click) error {
	s.err = ctx.Err()
	var deadline time.Time
	deadline, s.hasDeadline = ctx.Deadline()
	s.remaining = time.Until(deadline)
	return nil
}

func TestResolveRecordsClickAfterClientGoesAway(t *testing.T) {
	sink := &ctxSink{}
	svc := New(seed(t), nil, sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.Resolve(ctx, "abc123", Visit{}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if sink.err != nil {
		t.Fatalf("expected click write to outlive the request, got %v", sink.err)
	}
	if !sink.hasDeadline || sink.remaining <= 0 || sink.remaining > clickTimeout {
		t.Fatalf("expected click write bounded by %s, remaining %s", clickTimeout, sink.remaining)
	}
}
