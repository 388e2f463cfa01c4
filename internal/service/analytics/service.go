// Package analytics records redirect clicks and reports per-link totals.
package analytics

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/splax/morphlink/internal/domain"
	"github.com/splax/morphlink/internal/repository"
	"github.com/splax/morphlink/internal/service/access"
)

const recentClicks = 10

var (
	// ErrLinkNotFound reports a link that does not exist or belongs to another user.
	ErrLinkNotFound = errors.New("link not found")
	// ErrShortCodeRequired reports a click without a short code.
	ErrShortCodeRequired = errors.New("short_code is required")
)

// Service orchestrates click ingestion and reporting.
type Service struct {
	links  repository.LinkRepository
	clicks repository.ClickRepository
	users  access.Allowlist
	logger *slog.Logger
	now    func() time.Time
}

// New returns an analytics service.
func New(links repository.LinkRepository, clicks repository.ClickRepository, users access.Allowlist, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{links: links, clicks: clicks, users: users, logger: logger.With("component", "analytics"), now: time.Now}
}

// RecordClick stores a click, retrying transient storage errors. Clicks for
// unknown links are rejected without retry.
func (s *Service) RecordClick(ctx context.Context, click domain.Click) error {
	click.ShortCode = strings.TrimSpace(click.ShortCode)
	if click.ShortCode == "" {
		return ErrShortCodeRequired
	}
	if click.ID == "" {
		click.ID = uuid.NewString()
	}
	if click.ClickedAt.IsZero() {
		click.ClickedAt = s.now().UTC()
	}
	err := retry.Do(
		func() error {
			err := s.clicks.InsertClick(ctx, &click)
			if errors.Is(err, repository.ErrNotFound) {
				return retry.Unrecoverable(ErrLinkNotFound)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if errors.Is(err, ErrLinkNotFound) {
			return ErrLinkNotFound
		}
		return err
	}
	return nil
}

// Summary returns click totals for every link the user owns, including links
// that were never clicked.
func (s *Service) Summary(ctx context.Context, user string) ([]domain.LinkStats, error) {
	owner, err := s.users.Check(user)
	if err != nil {
		return nil, err
	}
	links, err := s.links.ListLinksByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return []domain.LinkStats{}, nil
	}
	codes := make([]string, 0, len(links))
	for _, l := range links {
		codes = append(codes, l.ShortCode)
	}
	stats, err := s.clicks.ClickStats(ctx, domain.ClickFilter{ShortCodes: codes})
	if err != nil {
		return nil, err
	}
	byCode := make(map[string]domain.LinkStats, len(stats))
	for _, st := range stats {
		byCode[st.ShortCode] = st
	}
	out := make([]domain.LinkStats, 0, len(links))
	for _, l := range links {
		st := byCode[l.ShortCode]
		st.ShortCode = l.ShortCode
		st.LongURL = l.LongURL
		out = append(out, st)
	}
	return out, nil
}

// LinkStats returns the total, last click and most recent clicks of one link.
func (s *Service) LinkStats(ctx context.Context, user, code string) (*domain.LinkStats, error) {
	owner, err := s.users.Check(user)
	if err != nil {
		return nil, err
	}
	link, err := s.links.GetLinkByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, err
	}
	if link.Owner != owner {
		return nil, ErrLinkNotFound
	}
	filter := domain.ClickFilter{ShortCodes: []string{code}}
	stats, err := s.clicks.ClickStats(ctx, filter)
	if err != nil {
		return nil, err
	}
	result := domain.LinkStats{ShortCode: code, LongURL: link.LongURL}
	if len(stats) > 0 {
		result.Clicks = stats[0].Clicks
		result.LastClickedAt = stats[0].LastClickedAt
	}
	filter.Limit = recentClicks
	recent, err := s.clicks.ListClicks(ctx, filter)
	if err != nil {
		return nil, err
	}
	result.Recent = recent
	return &result, nil
}
