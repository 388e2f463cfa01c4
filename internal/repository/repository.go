package repository

import (
	"context"
	"time"

	"github.com/splax/morphlink/internal/domain"
)

// LinkRepository persists short links.
type LinkRepository interface {
	CreateLink(ctx context.Context, link *domain.Link) error
	GetLinkByCode(ctx context.Context, code string) (*domain.Link, error)
	ListLinksByOwner(ctx context.Context, owner string) ([]domain.Link, error)
	UpdateLinkURL(ctx context.Context, code, longURL string, updatedAt time.Time) (*domain.Link, error)
	DeleteLink(ctx context.Context, code string) error
}

// ClickRepository stores redirect clicks and aggregates them.
type ClickRepository interface {
	InsertClick(ctx context.Context, click *domain.Click) error
	ClickStats(ctx context.Context, filter domain.ClickFilter) ([]domain.LinkStats, error)
	ListClicks(ctx context.Context, filter domain.ClickFilter) ([]domain.Click, error)
}

// Store bundles every repository a process needs plus a health check.
type Store interface {
	LinkRepository
	ClickRepository
	Ping(ctx context.Context) error
}
