package supervisor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProber treats any 2xx answer on the module's health path as ready.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber constructs a prober whose single attempts time out after timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &HTTPProber{client: &http.Client{Timeout: timeout}}
}

// Probe issues one GET against the worker's health endpoint.
func (p *HTTPProber) Probe(ctx context.Context, spec Spec) error {
	url := "http://" + spec.Addr + spec.HealthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe %s: unexpected status %d", url, resp.StatusCode)
	}
	return nil
}

// SelectLauncher runs image specs through Docker and everything else as a
// local process.
type SelectLauncher struct {
	Exec   Launcher
	Docker Launcher
}

// Launch picks Docker when spec.Image is set.
func (s SelectLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if spec.Image != "" {
		if s.Docker == nil {
			return nil, fmt.Errorf("module %s wants image %s but docker is not configured", spec.Module, spec.Image)
		}
		return s.Docker.Launch(ctx, spec)
	}
	if s.Exec == nil {
		return nil, fmt.Errorf("module %s has no process launcher", spec.Module)
	}
	return s.Exec.Launch(ctx, spec)
}
