package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splax/morphlink/internal/domain"
)

type fakeProcess struct {
	id      string
	exited  atomic.Bool
	stopped atomic.Int32
}

func (p *fakeProcess) ID() string   { return p.id }
func (p *fakeProcess) Exited() bool { return p.exited.Load() }
func (p *fakeProcess) Stop(context.Context) error {
	p.stopped.Add(1)
	p.exited.Store(true)
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	delay    time.Duration
	err      error
	procs    []*fakeProcess
}

func (l *fakeLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	l.mu.Lock()
	l.launches++
	n := l.launches
	err := l.err
	l.mu.Unlock()
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if err != nil {
		return nil, err
	}
	p := &fakeProcess{id: string(spec.Module) + "-" + string(rune('0'+n))}
	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

type fakeProber struct {
	failures atomic.Int32
	calls    atomic.Int32
	never    bool
}

func (p *fakeProber) Probe(context.Context, Spec) error {
	p.calls.Add(1)
	if p.never {
		return errors.New("connection refused")
	}
	if p.failures.Load() > 0 {
		p.failures.Add(-1)
		return errors.New("connection refused")
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func testSpecs() []Spec {
	return []Spec{
		{Module: domain.ModuleLinks, Addr: "127.0.0.1:8101", HealthPath: "/links/health"},
		{Module: domain.ModuleRedirector, Addr: "127.0.0.1:8102", HealthPath: "/r/health"},
	}
}

func testOptions() Options {
	return Options{
		ReadyTimeout:  500 * time.Millisecond,
		StopTimeout:   100 * time.Millisecond,
		BackoffBase:   5 * time.Second,
		BackoffMax:    2 * time.Minute,
		ProbeDelay:    time.Millisecond,
		ProbeMaxDelay: 5 * time.Millisecond,
	}
}

func TestEnsureStartedConcurrentCallersLaunchOnce(t *testing.T) {
	launcher := &fakeLauncher{delay: 50 * time.Millisecond}
	prober := &fakeProber{}
	prober.failures.Store(2)
	sup := New(testSpecs(), launcher, prober, testLogger(), testOptions())

	const callers = 32
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- sup.EnsureStarted(context.Background(), domain.ModuleRedirector)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := launcher.count(); got != 1 {
		t.Fatalf("expected exactly one launch, got %d", got)
	}
	if !sup.Alive(domain.ModuleRedirector) {
		t.Fatal("expected redirector worker to be alive")
	}
	if err := sup.EnsureStarted(context.Background(), domain.ModuleRedirector); err != nil {
		t.Fatalf("unexpected error on warm call: %v", err)
	}
	if got := launcher.count(); got != 1 {
		t.Fatalf("expected warm call not to relaunch, got %d launches", got)
	}
}

func TestEnsureStartedNeverReadyFailsAndBacksOff(t *testing.T) {
	launcher := &fakeLauncher{}
	prober := &fakeProber{never: true}
	opts := testOptions()
	opts.ReadyTimeout = 50 * time.Millisecond
	sup := New(testSpecs(), launcher, prober, testLogger(), opts)
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	sup.now = func() time.Time { return now }

	err := sup.EnsureStarted(context.Background(), domain.ModuleLinks)
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("expected ErrSpawnFailed, got %v", err)
	}
	if p := launcher.last(); p == nil || p.stopped.Load() != 1 {
		t.Fatal("expected the unready process to be stopped")
	}
	if sup.Alive(domain.ModuleLinks) {
		t.Fatal("expected no handle after a failed start")
	}

	err = sup.EnsureStarted(context.Background(), domain.ModuleLinks)
	if !errors.Is(err, ErrSpawnBackoff) {
		t.Fatalf("expected ErrSpawnBackoff inside the backoff window, got %v", err)
	}
	if got := launcher.count(); got != 1 {
		t.Fatalf("expected backoff to suppress relaunch, got %d launches", got)
	}

	now = now.Add(6 * time.Second)
	err = sup.EnsureStarted(context.Background(), domain.ModuleLinks)
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("expected another failed attempt after backoff, got %v", err)
	}
	if got := launcher.count(); got != 2 {
		t.Fatalf("expected a second launch after backoff, got %d", got)
	}

	// second failure doubles the window to 10s
	now = now.Add(6 * time.Second)
	if err := sup.EnsureStarted(context.Background(), domain.ModuleLinks); !errors.Is(err, ErrSpawnBackoff) {
		t.Fatalf("expected doubled backoff, got %v", err)
	}
}

func TestEnsureStartedLaunchErrorIsSpawnFailure(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("exec: no such file")}
	sup := New(testSpecs(), launcher, &fakeProber{}, testLogger(), testOptions())

	err := sup.EnsureStarted(context.Background(), domain.ModuleLinks)
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("expected ErrSpawnFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "no such file") {
		t.Fatalf("expected cause in error, got %v", err)
	}
}

func TestEnsureStartedCallerCanGiveUp(t *testing.T) {
	launcher := &fakeLauncher{delay: 200 * time.Millisecond}
	sup := New(testSpecs(), launcher, &fakeProber{}, testLogger(), testOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := sup.EnsureStarted(ctx, domain.ModuleLinks); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline, got %v", err)
	}

	// the shared attempt keeps going and eventually succeeds
	if err := sup.EnsureStarted(context.Background(), domain.ModuleLinks); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := launcher.count(); got != 1 {
		t.Fatalf("expected one launch, got %d", got)
	}
}

func TestUnknownModule(t *testing.T) {
	sup := New(testSpecs(), &fakeLauncher{}, &fakeProber{}, testLogger(), testOptions())
	if err := sup.EnsureStarted(context.Background(), domain.ModuleAnalytics); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("expected ErrUnknownModule, got %v", err)
	}
	if sup.Alive(domain.ModuleAnalytics) {
		t.Fatal("unknown module cannot be alive")
	}
}

func TestAliveDetectsCrash(t *testing.T) {
	launcher := &fakeLauncher{}
	sup := New(testSpecs(), launcher, &fakeProber{}, testLogger(), testOptions())
	if err := sup.EnsureStarted(context.Background(), domain.ModuleLinks); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sup.Snapshot()) != 1 {
		t.Fatalf("expected one recorded worker, got %d", len(sup.Snapshot()))
	}

	launcher.last().exited.Store(true)
	if sup.Alive(domain.ModuleLinks) {
		t.Fatal("expected crashed worker to be reported dead")
	}
	if len(sup.Snapshot()) != 0 {
		t.Fatal("expected crashed worker handle to be cleared")
	}

	if err := sup.EnsureStarted(context.Background(), domain.ModuleLinks); err != nil {
		t.Fatalf("expected restart after crash, got %v", err)
	}
	if got := launcher.count(); got != 2 {
		t.Fatalf("expected relaunch after crash, got %d launches", got)
	}
}

func TestProcessExitDuringReadinessFailsFast(t *testing.T) {
	launcher := &exitingLauncher{}
	opts := testOptions()
	opts.ReadyTimeout = 5 * time.Second
	sup := New(testSpecs(), launcher, &fakeProber{never: true}, testLogger(), opts)

	start := time.Now()
	err := sup.EnsureStarted(context.Background(), domain.ModuleLinks)
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("expected ErrSpawnFailed, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("expected early exit to short-circuit readiness, took %s", time.Since(start))
	}
}

type exitingLauncher struct{}

func (exitingLauncher) Launch(context.Context, Spec) (Process, error) {
	p := &fakeProcess{id: "gone"}
	p.exited.Store(true)
	return p, nil
}

func TestStopAndStopAll(t *testing.T) {
	launcher := &fakeLauncher{}
	sup := New(testSpecs(), launcher, &fakeProber{}, testLogger(), testOptions())
	for _, id := range []domain.ModuleID{domain.ModuleLinks, domain.ModuleRedirector} {
		if err := sup.EnsureStarted(context.Background(), id); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}

	if err := sup.Stop(context.Background(), domain.ModuleLinks); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if sup.Alive(domain.ModuleLinks) {
		t.Fatal("expected links to be stopped")
	}
	if err := sup.Stop(context.Background(), domain.ModuleLinks); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}

	sup.StopAll(context.Background())
	if sup.Alive(domain.ModuleRedirector) {
		t.Fatal("expected StopAll to stop redirector")
	}
	for _, p := range launcher.procs {
		if p.stopped.Load() != 1 {
			t.Fatalf("expected process %s to be stopped once, got %d", p.id, p.stopped.Load())
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{5, 80 * time.Second},
		{6, 120 * time.Second},
		{40, 120 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(5*time.Second, 2*time.Minute, tc.failures); got != tc.want {
			t.Fatalf("failures=%d: expected %s, got %s", tc.failures, tc.want, got)
		}
	}
}

func TestHTTPProber(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/r/health" {
			http.NotFound(w, r)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	spec := Spec{Module: domain.ModuleRedirector, Addr: strings.TrimPrefix(srv.URL, "http://"), HealthPath: "/r/health"}
	prober := NewHTTPProber(time.Second)
	if err := prober.Probe(context.Background(), spec); err == nil {
		t.Fatal("expected 503 to be reported as not ready")
	}
	healthy.Store(true)
	if err := prober.Probe(context.Background(), spec); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}
}

func TestSelectLauncher(t *testing.T) {
	execL := &fakeLauncher{}
	dockerL := &fakeLauncher{}
	sel := SelectLauncher{Exec: execL, Docker: dockerL}

	if _, err := sel.Launch(context.Background(), Spec{Module: domain.ModuleLinks, Command: "./worker"}); err != nil {
		t.Fatalf("exec launch: %v", err)
	}
	if _, err := sel.Launch(context.Background(), Spec{Module: domain.ModuleLinks, Image: "morphlink/worker"}); err != nil {
		t.Fatalf("docker launch: %v", err)
	}
	if execL.count() != 1 || dockerL.count() != 1 {
		t.Fatalf("expected one launch each, got exec=%d docker=%d", execL.count(), dockerL.count())
	}

	if _, err := (SelectLauncher{Exec: execL}).Launch(context.Background(), Spec{Image: "x"}); err == nil {
		t.Fatal("expected error when docker is not configured")
	}
}

func TestWorkerEnvIsSorted(t *testing.T) {
	env := workerEnv(Spec{Module: domain.ModuleAnalytics, Addr: ":8103", Env: map[string]string{"Z": "1", "A": "2"}})
	want := "WORKER_MODULE=analytics,WORKER_ADDR=:8103,A=2,Z=1"
	if got := strings.Join(env, ","); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
