// Package memory keeps links and clicks in process memory. It backs
// STORAGE=memory and doubles as the repository in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/splax/morphlink/internal/domain"
	"github.com/splax/morphlink/internal/repository"
)

// Repository is a concurrency-safe in-memory store.
type Repository struct {
	mu     sync.RWMutex
	links  map[string]domain.Link
	clicks []domain.Click
}

var _ repository.Store = (*Repository)(nil)

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{links: make(map[string]domain.Link)}
}

// Ping always succeeds.
func (r *Repository) Ping(context.Context) error {
	return nil
}

func (r *Repository) CreateLink(_ context.Context, link *domain.Link) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.links[link.ShortCode]; exists {
		return repository.ErrConflict
	}
	r.links[link.ShortCode] = *link
	return nil
}

func (r *Repository) GetLinkByCode(_ context.Context, code string) (*domain.Link, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[code]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &l, nil
}

func (r *Repository) ListLinksByOwner(_ context.Context, owner string) ([]domain.Link, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Link
	for _, l := range r.links {
		if l.Owner == owner {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ShortCode < out[j].ShortCode
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Repository) UpdateLinkURL(_ context.Context, code, longURL string, updatedAt time.Time) (*domain.Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[code]
	if !ok {
		return nil, repository.ErrNotFound
	}
	l.LongURL = longURL
	l.UpdatedAt = updatedAt
	r.links[code] = l
	return &l, nil
}

// DeleteLink removes the link and its clicks.
func (r *Repository) DeleteLink(_ context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.links[code]; !ok {
		return repository.ErrNotFound
	}
	delete(r.links, code)
	kept := r.clicks[:0]
	for _, c := range r.clicks {
		if c.ShortCode != code {
			kept = append(kept, c)
		}
	}
	r.clicks = kept
	return nil
}

// InsertClick stores a click for an existing link.
func (r *Repository) InsertClick(_ context.Context, click *domain.Click) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.links[click.ShortCode]; !ok {
		return repository.ErrNotFound
	}
	r.clicks = append(r.clicks, *click)
	return nil
}

func (r *Repository) ClickStats(_ context.Context, filter domain.ClickFilter) ([]domain.LinkStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byCode := make(map[string]*domain.LinkStats)
	for _, c := range r.clicks {
		if !matches(c, filter) {
			continue
		}
		s, ok := byCode[c.ShortCode]
		if !ok {
			s = &domain.LinkStats{ShortCode: c.ShortCode}
			byCode[c.ShortCode] = s
		}
		s.Clicks++
		if s.LastClickedAt == nil || c.ClickedAt.After(*s.LastClickedAt) {
			at := c.ClickedAt
			s.LastClickedAt = &at
		}
	}
	out := make([]domain.LinkStats, 0, len(byCode))
	for _, s := range byCode {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShortCode < out[j].ShortCode })
	return out, nil
}

func (r *Repository) ListClicks(_ context.Context, filter domain.ClickFilter) ([]domain.Click, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Click
	for _, c := range r.clicks {
		if matches(c, filter) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClickedAt.After(out[j].ClickedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(c domain.Click, filter domain.ClickFilter) bool {
	if !filter.Since.IsZero() && c.ClickedAt.Before(filter.Since) {
		return false
	}
	if len(filter.ShortCodes) == 0 {
		return true
	}
	for _, code := range filter.ShortCodes {
		if code == c.ShortCode {
			return true
		}
	}
	return false
}
