// Package supervisor owns worker processes: it starts them on demand, waits
// until they answer their health probe, watches them for crashes and stops
// them again.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/splax/morphlink/internal/domain"
	"github.com/splax/morphlink/internal/metrics"
)

const (
	defaultReadyTimeout  = 10 * time.Second
	defaultStopTimeout   = 5 * time.Second
	defaultBackoffBase   = 5 * time.Second
	defaultBackoffMax    = 2 * time.Minute
	defaultProbeDelay    = 100 * time.Millisecond
	defaultProbeMaxDelay = time.Second
)

var (
	// ErrSpawnFailed reports a worker that could not be launched or never became ready.
	ErrSpawnFailed = errors.New("supervisor: worker failed to start")
	// ErrSpawnBackoff reports a start attempt refused because earlier attempts failed recently.
	ErrSpawnBackoff = errors.New("supervisor: worker start backing off")
	// ErrProcessCrashed reports a worker that exited on its own.
	ErrProcessCrashed = errors.New("supervisor: worker process exited")
	// ErrUnknownModule reports a module with no launch spec.
	ErrUnknownModule = errors.New("supervisor: unknown module")
)

// Spec describes how one module's worker is launched and probed.
type Spec struct {
	Module     domain.ModuleID
	Addr       string
	Command    string
	Args       []string
	Image      string
	HealthPath string
	Env        map[string]string
}

// Process is a running worker.
type Process interface {
	ID() string
	Exited() bool
	Stop(ctx context.Context) error
}

// Launcher starts a worker for a spec. The returned process need not be ready yet.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// Prober reports whether a launched worker is ready to serve.
type Prober interface {
	Probe(ctx context.Context, spec Spec) error
}

// ProcessRef is the supervisor's record of a live worker.
type ProcessRef struct {
	Module        domain.ModuleID `json:"module"`
	ID            string          `json:"id"`
	Addr          string          `json:"addr"`
	LaunchedAt    time.Time       `json:"launched_at"`
	LastCheckedAt time.Time       `json:"last_checked_at"`
}

// Options tunes start-up, shutdown and retry behaviour. Zero values fall back to defaults.
type Options struct {
	ReadyTimeout  time.Duration
	StopTimeout   time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	ProbeDelay    time.Duration
	ProbeMaxDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = defaultReadyTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = defaultStopTimeout
	}
	if o.BackoffBase < 0 {
		o.BackoffBase = defaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = defaultBackoffMax
	}
	if o.ProbeDelay <= 0 {
		o.ProbeDelay = defaultProbeDelay
	}
	if o.ProbeMaxDelay <= 0 {
		o.ProbeMaxDelay = defaultProbeMaxDelay
	}
	return o
}

// Supervisor tracks at most one worker per module.
type Supervisor struct {
	slots    map[domain.ModuleID]*slot
	launcher Launcher
	prober   Prober
	opts     Options
	logger   *slog.Logger
	group    singleflight.Group
	now      func() time.Time

	launches *prometheus.CounterVec
	crashes  *prometheus.CounterVec
	startup  *prometheus.HistogramVec
	running  *prometheus.GaugeVec
}

type slot struct {
	mu       sync.Mutex
	spec     Spec
	proc     Process
	ref      ProcessRef
	failures int
	retryAt  time.Time
}

// New constructs a supervisor for the given launch specs.
func New(specs []Spec, launcher Launcher, prober Prober, logger *slog.Logger, opts Options) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	slots := make(map[domain.ModuleID]*slot, len(specs))
	for _, spec := range specs {
		slots[spec.Module] = &slot{spec: spec}
	}
	return &Supervisor{
		slots:    slots,
		launcher: launcher,
		prober:   prober,
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "supervisor"),
		now:      time.Now,
		launches: metrics.CounterVec("supervisor", "worker_launches_total", "Worker start attempts by outcome", "module", "outcome"),
		crashes:  metrics.CounterVec("supervisor", "worker_crashes_total", "Workers found dead while believed alive", "module"),
		startup:  metrics.HistogramVec("supervisor", "worker_startup_seconds", "Time from launch until the worker answered its probe", metrics.DurationBuckets, "module"),
		running:  metrics.GaugeVec("supervisor", "worker_running", "Whether a worker is recorded as running", "module"),
	}
}

// EnsureStarted returns nil once the module's worker is running and ready.
// Concurrent callers for one module share a single start attempt; each caller
// may still abandon the wait through its own context.
func (s *Supervisor) EnsureStarted(ctx context.Context, id domain.ModuleID) error {
	sl, ok := s.slots[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, id)
	}
	sl.mu.Lock()
	if sl.proc != nil && !sl.proc.Exited() {
		sl.mu.Unlock()
		return nil
	}
	sl.mu.Unlock()

	ch := s.group.DoChan(string(id), func() (interface{}, error) {
		return nil, s.start(sl)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start runs on a context detached from any caller so that one impatient
// client cannot abort a start that others are waiting on.
func (s *Supervisor) start(sl *slot) error {
	sl.mu.Lock()
	if sl.proc != nil {
		if !sl.proc.Exited() {
			sl.mu.Unlock()
			return nil
		}
		s.clearLocked(sl, true)
	}
	now := s.now()
	if now.Before(sl.retryAt) {
		wait := sl.retryAt.Sub(now)
		sl.mu.Unlock()
		s.launches.WithLabelValues(string(sl.spec.Module), "backoff").Inc()
		return fmt.Errorf("%w: %s retry in %s", ErrSpawnBackoff, sl.spec.Module, wait.Round(time.Millisecond))
	}
	spec := sl.spec
	sl.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReadyTimeout)
	defer cancel()

	s.logger.Info("starting worker", "module", spec.Module, "addr", spec.Addr)
	started := time.Now()
	proc, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		return s.fail(sl, fmt.Errorf("launch: %w", err))
	}
	if err := s.waitReady(ctx, spec, proc); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), s.opts.StopTimeout)
		if stopErr := proc.Stop(stopCtx); stopErr != nil {
			s.logger.Warn("failed to stop unready worker", "module", spec.Module, "id", proc.ID(), "error", stopErr)
		}
		stopCancel()
		return s.fail(sl, fmt.Errorf("readiness: %w", err))
	}

	launchedAt := s.now()
	sl.mu.Lock()
	sl.proc = proc
	sl.ref = ProcessRef{Module: spec.Module, ID: proc.ID(), Addr: spec.Addr, LaunchedAt: launchedAt, LastCheckedAt: launchedAt}
	sl.failures = 0
	sl.retryAt = time.Time{}
	sl.mu.Unlock()

	s.launches.WithLabelValues(string(spec.Module), "ready").Inc()
	s.startup.WithLabelValues(string(spec.Module)).Observe(time.Since(started).Seconds())
	s.running.WithLabelValues(string(spec.Module)).Set(1)
	s.logger.Info("worker ready", "module", spec.Module, "id", proc.ID(), "elapsed", time.Since(started))
	return nil
}

// waitReady polls the prober with exponential backoff until it succeeds, the
// process exits or ctx expires.
func (s *Supervisor) waitReady(ctx context.Context, spec Spec, proc Process) error {
	return retry.Do(
		func() error {
			if proc.Exited() {
				return retry.Unrecoverable(ErrProcessCrashed)
			}
			return s.prober.Probe(ctx, spec)
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(s.opts.ProbeDelay),
		retry.MaxDelay(s.opts.ProbeMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

func (s *Supervisor) fail(sl *slot, cause error) error {
	sl.mu.Lock()
	sl.failures++
	delay := backoffDelay(s.opts.BackoffBase, s.opts.BackoffMax, sl.failures)
	sl.retryAt = s.now().Add(delay)
	failures := sl.failures
	sl.mu.Unlock()

	id := sl.spec.Module
	s.launches.WithLabelValues(string(id), "failed").Inc()
	s.logger.Error("worker failed to start", "module", id, "failures", failures, "retry_in", delay, "error", cause)
	return fmt.Errorf("%w: %s: %v", ErrSpawnFailed, id, cause)
}

// backoffDelay doubles base for every consecutive failure past the first, capped at limit.
func backoffDelay(base, limit time.Duration, failures int) time.Duration {
	if base <= 0 || failures <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}

// Alive reports whether the module has a recorded worker that is still running.
// A recorded worker found dead is forgotten and counted as a crash.
func (s *Supervisor) Alive(id domain.ModuleID) bool {
	sl, ok := s.slots[id]
	if !ok {
		return false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.proc == nil {
		return false
	}
	if sl.proc.Exited() {
		s.clearLocked(sl, true)
		return false
	}
	sl.ref.LastCheckedAt = s.now()
	return true
}

// clearLocked forgets the slot's process. Callers hold sl.mu.
func (s *Supervisor) clearLocked(sl *slot, crashed bool) {
	if crashed {
		s.crashes.WithLabelValues(string(sl.spec.Module)).Inc()
		s.logger.Warn("worker exited unexpectedly", "module", sl.spec.Module, "id", sl.ref.ID, "error", ErrProcessCrashed)
	}
	sl.proc = nil
	sl.ref = ProcessRef{}
	s.running.WithLabelValues(string(sl.spec.Module)).Set(0)
}

// Stop terminates the module's worker, if any. Errors are logged and returned
// for callers that care; the record is cleared either way.
func (s *Supervisor) Stop(ctx context.Context, id domain.ModuleID) error {
	sl, ok := s.slots[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, id)
	}
	sl.mu.Lock()
	proc := sl.proc
	s.clearLocked(sl, false)
	sl.mu.Unlock()
	if proc == nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, s.opts.StopTimeout)
	defer cancel()
	if err := proc.Stop(stopCtx); err != nil {
		s.logger.Warn("failed to stop worker", "module", id, "id", proc.ID(), "error", err)
		return fmt.Errorf("stop %s: %w", id, err)
	}
	s.logger.Info("worker stopped", "module", id, "id", proc.ID())
	return nil
}

// StopAll stops every recorded worker concurrently.
func (s *Supervisor) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for id := range s.slots {
		wg.Add(1)
		go func(id domain.ModuleID) {
			defer wg.Done()
			_ = s.Stop(ctx, id)
		}(id)
	}
	wg.Wait()
}

// Snapshot returns copies of the recorded workers ordered by module.
func (s *Supervisor) Snapshot() []ProcessRef {
	refs := make([]ProcessRef, 0, len(s.slots))
	for _, sl := range s.slots {
		sl.mu.Lock()
		if sl.proc != nil {
			refs = append(refs, sl.ref)
		}
		sl.mu.Unlock()
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Module < refs[j].Module })
	return refs
}

// Spec returns the launch spec for a module.
func (s *Supervisor) Spec(id domain.ModuleID) (Spec, bool) {
	sl, ok := s.slots[id]
	if !ok {
		return Spec{}, false
	}
	return sl.spec, true
}
