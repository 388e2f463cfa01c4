// Package links manages short links on behalf of allow-listed users.
package links

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/morphlink/internal/domain"
	"github.com/splax/morphlink/internal/repository"
	"github.com/splax/morphlink/internal/service/access"
)

const (
	codeLength   = 6
	codeAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeAttempts = 5
)

var (
	// ErrInvalidURL reports a long URL that is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("url must be an absolute http or https URL")
	// ErrLinkNotFound reports a link that does not exist or belongs to another user.
	ErrLinkNotFound = errors.New("link not found")
)

// Invalidator drops cached resolutions of a short code.
type Invalidator interface {
	Delete(ctx context.Context, code string)
}

// Service orchestrates link management.
type Service struct {
	links  repository.LinkRepository
	users  access.Allowlist
	cache  Invalidator
	logger *slog.Logger
	now    func() time.Time
}

// New returns a link service. cache may be nil.
func New(links repository.LinkRepository, users access.Allowlist, cache Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{links: links, users: users, cache: cache, logger: logger.With("component", "links"), now: time.Now}
}

// Create stores a new link with a freshly generated short code.
func (s *Service) Create(ctx context.Context, user, rawURL string) (*domain.Link, error) {
	owner, err := s.users.Check(user)
	if err != nil {
		return nil, err
	}
	longURL, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := generateCode()
		if err != nil {
			return nil, err
		}
		link := &domain.Link{
			ID:        uuid.NewString(),
			ShortCode: code,
			LongURL:   longURL,
			Owner:     owner,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err = s.links.CreateLink(ctx, link)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.logger.Info("link created", "short_code", code, "user", owner)
		return link, nil
	}
	return nil, fmt.Errorf("could not allocate a unique short code after %d attempts", codeAttempts)
}

// Get returns one of the user's links.
func (s *Service) Get(ctx context.Context, user, code string) (*domain.Link, error) {
	owner, err := s.users.Check(user)
	if err != nil {
		return nil, err
	}
	return s.owned(ctx, owner, code)
}

// List returns every link owned by the user.
func (s *Service) List(ctx context.Context, user string) ([]domain.Link, error) {
	owner, err := s.users.Check(user)
	if err != nil {
		return nil, err
	}
	links, err := s.links.ListLinksByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	if links == nil {
		links = []domain.Link{}
	}
	return links, nil
}

// Update points an existing link at a new URL and evicts the cached redirect.
func (s *Service) Update(ctx context.Context, user, code, rawURL string) (*domain.Link, error) {
	owner, err := s.users.Check(user)
	if err != nil {
		return nil, err
	}
	longURL, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if _, err := s.owned(ctx, owner, code); err != nil {
		return nil, err
	}
	link, err := s.links.UpdateLinkURL(ctx, code, longURL, s.now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, err
	}
	s.invalidate(ctx, code)
	s.logger.Info("link updated", "short_code", code, "user", owner)
	return link, nil
}

// Delete removes one of the user's links and evicts the cached redirect.
func (s *Service) Delete(ctx context.Context, user, code string) error {
	owner, err := s.users.Check(user)
	if err != nil {
		return err
	}
	if _, err := s.owned(ctx, owner, code); err != nil {
		return err
	}
	if err := s.links.DeleteLink(ctx, code); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrLinkNotFound
		}
		return err
	}
	s.invalidate(ctx, code)
	s.logger.Info("link deleted", "short_code", code, "user", owner)
	return nil
}

// owned loads the link and hides links of other users behind ErrLinkNotFound.
func (s *Service) owned(ctx context.Context, owner, code string) (*domain.Link, error) {
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
	return link, nil
}

func (s *Service) invalidate(ctx context.Context, code string) {
	if s.cache != nil {
		s.cache.Delete(ctx, code)
	}
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", ErrInvalidURL
	}
	return u.String(), nil
}

func generateCode() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate short code: %w", err)
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}
