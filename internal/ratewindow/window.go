// Package ratewindow counts per-module requests over a sliding time window.
package ratewindow

import (
	"sync"
	"time"

	"github.com/splax/morphlink/internal/domain"
)

const (
	defaultSpan  = time.Minute
	compactAfter = 64
)

// Counter keeps one sliding window per module. The module set is fixed at
// construction, so lookups need no lock and each window has its own mutex.
type Counter struct {
	span    time.Duration
	windows map[domain.ModuleID]*window
	now     func() time.Time
}

type window struct {
	mu      sync.Mutex
	samples []time.Time
	head    int
}

// New builds a counter for the given modules.
func New(span time.Duration, modules ...domain.ModuleID) *Counter {
	if span <= 0 {
		span = defaultSpan
	}
	windows := make(map[domain.ModuleID]*window, len(modules))
	for _, id := range modules {
		windows[id] = &window{}
	}
	return &Counter{span: span, windows: windows, now: time.Now}
}

// Span returns the window length.
func (c *Counter) Span() time.Duration {
	return c.span
}

// Record appends a sample for the module at the current time.
func (c *Counter) Record(id domain.ModuleID) {
	w, ok := c.windows[id]
	if !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := c.now()
	w.evict(now.Add(-c.span))
	w.samples = append(w.samples, now)
}

// Rate returns the number of samples recorded within the last span.
func (c *Counter) Rate(id domain.ModuleID) int {
	w, ok := c.windows[id]
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(c.now().Add(-c.span))
	return len(w.samples) - w.head
}

// evict drops samples at or before cutoff. The clock is read under w.mu, so
// samples are appended in clock order and the stale ones are always a prefix.
func (w *window) evict(cutoff time.Time) {
	for w.head < len(w.samples) && !w.samples[w.head].After(cutoff) {
		w.head++
	}
	if w.head == len(w.samples) {
		w.samples = w.samples[:0]
		w.head = 0
		return
	}
	if w.head >= compactAfter && w.head*2 >= len(w.samples) {
		n := copy(w.samples, w.samples[w.head:])
		w.samples = w.samples[:n]
		w.head = 0
	}
}
