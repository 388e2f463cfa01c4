// Package redirector resolves short codes to their long URLs.
package redirector

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/splax/morphlink/internal/cache"
	"github.com/splax/morphlink/internal/domain"
	"github.com/splax/morphlink/internal/repository"
)

const clickTimeout = 2 * time.Second

// ErrLinkNotFound reports an unknown short code.
var ErrLinkNotFound = errors.New("link not found")

// ClickSink receives a click for every served redirect.
type ClickSink interface {
	RecordClick(ctx context.Context, click domain.Click) error
}

// Visit carries request details worth recording with a click.
type Visit struct {
	Referrer  string
	UserAgent string
}

// Service resolves codes through the cache, then the repository.
type Service struct {
	links  repository.LinkRepository
	cache  cache.URLCache
	clicks ClickSink
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a redirector service. clicks may be nil to skip click recording.
func New(links repository.LinkRepository, urlCache cache.URLCache, clicks ClickSink, logger *slog.Logger) *Service {
	if urlCache == nil {
		urlCache = cache.NewMemory(cache.DefaultTTL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{links: links, cache: urlCache, clicks: clicks, logger: logger.With("component", "redirector"), now: time.Now}
}

// Resolve returns the long URL for code and records the click. A failed
// click write is logged and never fails the redirect.
func (s *Service) Resolve(ctx context.Context, code string, visit Visit) (string, error) {
	longURL, hit := s.cache.Get(ctx, code)
	if hit {
		s.logger.Debug("cache hit", "short_code", code)
	} else {
		link, err := s.links.GetLinkByCode(ctx, code)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				s.logger.Warn("redirect failed, code not found", "short_code", code)
				return "", ErrLinkNotFound
			}
			return "", err
		}
		longURL = link.LongURL
		s.cache.Set(ctx, code, longURL)
		s.logger.Debug("cache miss, stored", "short_code", code)
	}

	if s.clicks != nil {
		click := domain.Click{
			ID:        uuid.NewString(),
			ShortCode: code,
			Referrer:  visit.Referrer,
			UserAgent: visit.UserAgent,
			ClickedAt: s.now().UTC(),
		}
		clickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clickTimeout)
		if err := s.clicks.RecordClick(clickCtx, click); err != nil {
			s.logger.Warn("failed to record click", "short_code", code, "error", err)
		}
		cancel()
	}
	return longURL, nil
}
