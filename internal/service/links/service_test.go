package links

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/splax/morphlink/internal/domain"
	"github.com/splax/morphlink/internal/repository"
	"github.com/splax/morphlink/internal/repository/memory"
	"github.com/splax/morphlink/internal/service/access"
)

type recordingCache struct {
	deleted []string
}

func (c *recordingCache) Delete(_ context.Context, code string) {
	c.deleted = append(c.deleted, code)
}

func newTestService(t *testing.T) (*Service, *memory.Repository, *recordingCache) {
	t.Helper()
	repo := memory.New()
	cache := &recordingCache{}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	svc := New(repo, access.NewAllowlist([]string{"alice", "bob"}), cache, logger)
	return svc, repo, cache
}

func TestCreateAndGet(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	link, err := svc.Create(ctx, "alice", "https://example.com/path?q=1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(link.ShortCode) != codeLength {
		t.Fatalf("expected %d character code, got %q", codeLength, link.ShortCode)
	}
	if link.Owner != "alice" || link.LongURL != "https://example.com/path?q=1" {
		t.Fatalf("unexpected link %+v", link)
	}

	got, err := svc.Get(ctx, "alice", link.ShortCode)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != link.ID {
		t.Fatalf("expected same link, got %+v", got)
	}
	if _, err := svc.Get(ctx, "bob", link.ShortCode); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("expected other users to see not found, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		user string
		url  string
		want error
	}{
		{user: "", url: "https://example.com", want: access.ErrUserRequired},
		{user: "charlie", url: "https://example.com", want: access.ErrUnknownUser},
		{user: "alice", url: "", want: ErrInvalidURL},
		{user: "alice", url: "example.com", want: ErrInvalidURL},
		{user: "alice", url: "ftp://example.com", want: ErrInvalidURL},
	}
	for _, tc := range cases {
		if _, err := svc.Create(ctx, tc.user, tc.url); !errors.Is(err, tc.want) {
			t.Fatalf("create(%q, %q): expected %v, got %v", tc.user, tc.url, tc.want, err)
		}
	}
}

type conflictingRepo struct {
	repository.LinkRepository
	conflicts int
	calls     int
}

func (r *conflictingRepo) CreateLink(ctx context.Context, link *domain.Link) error {
	r.calls++
	if r.calls <= r.conflicts {
		return repository.ErrConflict
	}
	return r.LinkRepository.CreateLink(ctx, link)
}

func TestCreateRetriesOnCodeCollision(t *testing.T) {
	repo := &conflictingRepo{LinkRepository: memory.New(), conflicts: 2}
	svc := New(repo, access.NewAllowlist([]string{"alice"}), nil, nil)
	if _, err := svc.Create(context.Background(), "alice", "https://example.com"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if repo.calls != 3 {
		t.Fatalf("expected three attempts, got %d", repo.calls)
	}

	repo = &conflictingRepo{LinkRepository: memory.New(), conflicts: codeAttempts}
	svc = New(repo, access.NewAllowlist([]string{"alice"}), nil, nil)
	if _, err := svc.Create(context.Background(), "alice", "https://example.com"); err == nil {
		t.Fatal("expected failure once every attempt collides")
	}
}

func TestUpdateAndDeleteEvictCache(t *testing.T) {
	svc, _, cache := newTestService(t)
	ctx := context.Background()
	svc.now = func() time.Time { return time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC) }

	link, err := svc.Create(ctx, "alice", "https://example.com")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Update(ctx, "bob", link.ShortCode, "https://evil.example"); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("expected bob's update to be refused, got %v", err)
	}
	updated, err := svc.Update(ctx, "alice", link.ShortCode, "https://example.org")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.LongURL != "https://example.org" {
		t.Fatalf("unexpected url %s", updated.LongURL)
	}

	if err := svc.Delete(ctx, "alice", link.ShortCode); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.Delete(ctx, "alice", link.ShortCode); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("expected second delete to report not found, got %v", err)
	}
	if len(cache.deleted) != 2 || cache.deleted[0] != link.ShortCode {
		t.Fatalf("expected cache eviction on update and delete, got %v", cache.deleted)
	}
}

func TestListReturnsOnlyOwnLinks(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.Create(ctx, "alice", "https://example.com"); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := svc.Create(ctx, "bob", "https://example.com"); err != nil {
		t.Fatalf("create: %v", err)
	}

	links, err := svc.List(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(links) != 3 {
		t.Fatalf("expected 3 links, got %d", len(links))
	}
	empty, err := svc.List(ctx, "bob")
	if err != nil || len(empty) != 1 {
		t.Fatalf("expected bob to have one link, got %d %v", len(empty), err)
	}
}
