package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/morphlink/internal/domain"
	"github.com/splax/morphlink/internal/repository"
)

const (
	linksTable  = "links"
	clicksTable = "clicks"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	_ repository.LinkRepository  = (*Repository)(nil)
	_ repository.ClickRepository = (*Repository)(nil)
	_ repository.Store           = (*Repository)(nil)
)

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// CreateLink inserts a link. A duplicate short code maps to ErrConflict.
func (r *Repository) CreateLink(ctx context.Context, link *domain.Link) error {
	const query = `INSERT INTO links (id, short_code, long_url, owner, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, link.ID, link.ShortCode, link.LongURL, link.Owner, link.CreatedAt, link.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrConflict
		}
		return err
	}
	return nil
}

// GetLinkByCode fetches a link by short code.
func (r *Repository) GetLinkByCode(ctx context.Context, code string) (*domain.Link, error) {
	const query = `SELECT id, short_code, long_url, owner, created_at, updated_at FROM links WHERE short_code = $1`
	row := r.pool.QueryRow(ctx, query, code)
	var l domain.Link
	if err := row.Scan(&l.ID, &l.ShortCode, &l.LongURL, &l.Owner, &l.CreatedAt, &l.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

// ListLinksByOwner returns the owner's links, newest first.
func (r *Repository) ListLinksByOwner(ctx context.Context, owner string) ([]domain.Link, error) {
	const query = `SELECT id, short_code, long_url, owner, created_at, updated_at FROM links
		WHERE owner = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []domain.Link
	for rows.Next() {
		var l domain.Link
		if err := rows.Scan(&l.ID, &l.ShortCode, &l.LongURL, &l.Owner, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// UpdateLinkURL changes the long URL of a link and returns the updated row.
func (r *Repository) UpdateLinkURL(ctx context.Context, code, longURL string, updatedAt time.Time) (*domain.Link, error) {
	const query = `UPDATE links SET long_url = $2, updated_at = $3 WHERE short_code = $1
		RETURNING id, short_code, long_url, owner, created_at, updated_at`
	row := r.pool.QueryRow(ctx, query, code, longURL, updatedAt)
	var l domain.Link
	if err := row.Scan(&l.ID, &l.ShortCode, &l.LongURL, &l.Owner, &l.CreatedAt, &l.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

// DeleteLink removes a link. Its clicks are removed by the foreign key cascade.
func (r *Repository) DeleteLink(ctx context.Context, code string) error {
	const query = `DELETE FROM links WHERE short_code = $1`
	tag, err := r.pool.Exec(ctx, query, code)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// InsertClick stores one click.
func (r *Repository) InsertClick(ctx context.Context, click *domain.Click) error {
	const query = `INSERT INTO clicks (id, short_code, referrer, user_agent, clicked_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, click.ID, click.ShortCode, click.Referrer, click.UserAgent, click.ClickedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}

// ClickStats aggregates click totals per short code.
func (r *Repository) ClickStats(ctx context.Context, filter domain.ClickFilter) ([]domain.LinkStats, error) {
	builder := squirrel.Select("short_code", "COUNT(1)", "MAX(clicked_at)").
		From(clicksTable).
		GroupBy("short_code").
		OrderBy("short_code")
	builder = applyClickFilter(builder, filter)
	sql, args, err := builder.PlaceholderFormat(squirrel.Dollar).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to create db request: %w", err)
	}

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var stats []domain.LinkStats
	for rows.Next() {
		var (
			s    domain.LinkStats
			last time.Time
		)
		if err := rows.Scan(&s.ShortCode, &s.Clicks, &last); err != nil {
			return nil, fmt.Errorf("failed to scan click stats: %w", err)
		}
		s.LastClickedAt = &last
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// ListClicks returns matching clicks, newest first.
func (r *Repository) ListClicks(ctx context.Context, filter domain.ClickFilter) ([]domain.Click, error) {
	builder := squirrel.Select("id", "short_code", "referrer", "user_agent", "clicked_at").
		From(clicksTable).
		OrderBy("clicked_at DESC")
	builder = applyClickFilter(builder, filter)
	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit))
	}
	sql, args, err := builder.PlaceholderFormat(squirrel.Dollar).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to create db request: %w", err)
	}

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var clicks []domain.Click
	for rows.Next() {
		var c domain.Click
		if err := rows.Scan(&c.ID, &c.ShortCode, &c.Referrer, &c.UserAgent, &c.ClickedAt); err != nil {
			return nil, fmt.Errorf("failed to scan click: %w", err)
		}
		clicks = append(clicks, c)
	}
	return clicks, rows.Err()
}

func applyClickFilter(builder squirrel.SelectBuilder, filter domain.ClickFilter) squirrel.SelectBuilder {
	if len(filter.ShortCodes) > 0 {
		builder = builder.Where(squirrel.Eq{"short_code": filter.ShortCodes})
	}
	if !filter.Since.IsZero() {
		builder = builder.Where(squirrel.GtOrEq{"clicked_at": filter.Since})
	}
	return builder
}
