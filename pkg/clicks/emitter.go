// Package clicks ships redirect clicks to the analytics ingestion endpoint
// over HTTP. Workers use it when analytics may live in another process.
package clicks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/splax/morphlink/internal/domain"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
	ingestPath       = "/analytics/clicks"
)

// ErrInvalidArgument indicates analytics rejected the payload.
var ErrInvalidArgument = errors.New("click ingestion invalid argument")

// ErrNotFound indicates analytics does not know the short code.
var ErrNotFound = errors.New("click ingestion link not found")

// ErrUnavailable indicates analytics could not take the click right now.
var ErrUnavailable = errors.New("click ingestion unavailable")

// Emitter posts clicks to the dispatcher, which routes them to analytics in
// whatever mode analytics currently runs.
type Emitter struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// NewEmitter creates an emitter using the provided dispatcher base URL.
func NewEmitter(baseURL string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("click ingestion base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{baseURL: trimmed, client: client, now: time.Now}, nil
}

// RecordClick sends the click to the ingestion endpoint.
func (e *Emitter) RecordClick(ctx context.Context, click domain.Click) error {
	if e == nil {
		return errors.New("click emitter not initialised")
	}
	if strings.TrimSpace(click.ShortCode) == "" {
		return fmt.Errorf("%w: short_code required", ErrInvalidArgument)
	}
	if click.ClickedAt.IsZero() {
		click.ClickedAt = e.now().UTC()
	}
	body, err := json.Marshal(click)
	if err != nil {
		return fmt.Errorf("marshal click: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+ingestPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build click request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send click request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, summary)
	default:
		return fmt.Errorf("click request failed: %s", summary)
	}
}
