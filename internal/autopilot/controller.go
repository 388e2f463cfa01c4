// Package autopilot decides, per module, whether requests run in-process or
// on a dedicated worker, and keeps re-deciding on a ticker.
package autopilot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/morphlink/internal/domain"
	"github.com/splax/morphlink/internal/metrics"
)

const (
	defaultInterval  = 10 * time.Second
	defaultScaleOut  = 50
	defaultScaleIn   = 30
	iterationTimeout = 30 * time.Second
)

// RateSource reports the current request rate of a module.
type RateSource interface {
	Rate(id domain.ModuleID) int
}

// Supervisor is the slice of the process supervisor the controller drives.
type Supervisor interface {
	EnsureStarted(ctx context.Context, id domain.ModuleID) error
	Alive(id domain.ModuleID) bool
	Stop(ctx context.Context, id domain.ModuleID) error
}

// Notifier receives every mode transition. Publish must not block.
type Notifier interface {
	Publish(t domain.Transition)
}

// Options configures thresholds, dwell time and loop cadence.
type Options struct {
	ScaleOutRPM int
	ScaleInRPM  int
	Cooldown    time.Duration
	Interval    time.Duration
	// Pinned keeps every module in Monolith mode. Rates are still sampled.
	Pinned bool
}

// Status is a point-in-time view of one module.
type Status struct {
	Module         domain.ModuleID `json:"module"`
	Mode           domain.Mode     `json:"mode"`
	Rate           int             `json:"rate"`
	LastTransition *time.Time      `json:"last_transition,omitempty"`
	Starting       bool            `json:"starting"`
}

// Controller owns the mode and last transition time of every module.
type Controller struct {
	modules  []domain.ModuleID
	states   map[domain.ModuleID]*moduleState
	rates    RateSource
	sup      Supervisor
	notifier Notifier
	logger   *slog.Logger
	opts     Options
	now      func() time.Time
	wg       sync.WaitGroup

	transitions *prometheus.CounterVec
	modeGauge   *prometheus.GaugeVec
}

type moduleState struct {
	mu             sync.Mutex
	mode           domain.Mode
	lastTransition time.Time
	starting       bool
}

// New constructs a controller with every module starting in Monolith mode.
func New(modules []domain.ModuleID, rates RateSource, sup Supervisor, notifier Notifier, logger *slog.Logger, opts Options) *Controller {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.ScaleOutRPM <= 0 {
		opts.ScaleOutRPM = defaultScaleOut
	}
	if opts.ScaleInRPM < 0 || opts.ScaleInRPM >= opts.ScaleOutRPM {
		opts.ScaleInRPM = min(defaultScaleIn, opts.ScaleOutRPM-1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	states := make(map[domain.ModuleID]*moduleState, len(modules))
	for _, id := range modules {
		states[id] = &moduleState{mode: domain.Monolith}
	}
	c := &Controller{
		modules:     append([]domain.ModuleID(nil), modules...),
		states:      states,
		rates:       rates,
		sup:         sup,
		notifier:    notifier,
		logger:      logger.With("component", "autopilot"),
		opts:        opts,
		now:         time.Now,
		transitions: metrics.CounterVec("autopilot", "mode_transitions_total", "Mode transitions by module, target mode and reason", "module", "to", "reason"),
		modeGauge:   metrics.GaugeVec("autopilot", "module_mode", "Current mode per module (0 monolith, 1 microservice)", "module"),
	}
	for _, id := range modules {
		c.modeGauge.WithLabelValues(string(id)).Set(0)
	}
	return c
}

// Mode returns the module's current mode without evaluating anything.
func (c *Controller) Mode(id domain.ModuleID) domain.Mode {
	st, ok := c.states[id]
	if !ok {
		return domain.Monolith
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.mode
}

// CheckAndSwitch evaluates the module and applies at most one transition.
// A due scale-out blocks until the worker is ready or has failed to start.
func (c *Controller) CheckAndSwitch(ctx context.Context, id domain.ModuleID) domain.Mode {
	return c.evaluate(ctx, id, false)
}

// Nudge is the request-path variant of CheckAndSwitch: a due scale-out runs
// in the background and the caller gets the mode in effect right now.
func (c *Controller) Nudge(id domain.ModuleID) domain.Mode {
	return c.evaluate(context.Background(), id, true)
}

func (c *Controller) evaluate(ctx context.Context, id domain.ModuleID, async bool) domain.Mode {
	st, ok := c.states[id]
	if !ok {
		return domain.Monolith
	}
	st.mu.Lock()
	if st.starting {
		mode := st.mode
		st.mu.Unlock()
		return mode
	}
	rate := c.rates.Rate(id)
	now := c.now()

	switch st.mode {
	case domain.Microservice:
		if !c.sup.Alive(id) {
			c.transitionLocked(st, id, domain.Monolith, "worker_crashed", rate, now)
			st.mu.Unlock()
			return domain.Monolith
		}
		if rate <= c.opts.ScaleInRPM && c.cooledDown(st, now) {
			c.transitionLocked(st, id, domain.Monolith, "rate_below_scale_in", rate, now)
			st.mu.Unlock()
			c.stopWorker(id)
			return domain.Monolith
		}
	case domain.Monolith:
		if !c.opts.Pinned && rate >= c.opts.ScaleOutRPM && c.cooledDown(st, now) {
			st.starting = true
			st.mu.Unlock()
			if !async {
				return c.scaleOut(ctx, st, id, rate)
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.scaleOut(ctx, st, id, rate)
			}()
			return domain.Monolith
		}
	}
	mode := st.mode
	st.mu.Unlock()
	return mode
}

func (c *Controller) scaleOut(ctx context.Context, st *moduleState, id domain.ModuleID, rate int) domain.Mode {
	c.logger.Info("scaling out", "module", id, "rate", rate, "threshold", c.opts.ScaleOutRPM)
	err := c.sup.EnsureStarted(ctx, id)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.starting = false
	if err != nil {
		c.logger.Warn("scale out aborted, staying in-process", "module", id, "error", err)
		return st.mode
	}
	c.transitionLocked(st, id, domain.Microservice, "rate_above_scale_out", rate, c.now())
	return domain.Microservice
}

func (c *Controller) stopWorker(id domain.ModuleID) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.sup.Stop(context.Background(), id); err != nil {
			c.logger.Warn("failed to stop worker after scale in", "module", id, "error", err)
		}
	}()
}

func (c *Controller) cooledDown(st *moduleState, now time.Time) bool {
	return st.lastTransition.IsZero() || now.Sub(st.lastTransition) >= c.opts.Cooldown
}

// transitionLocked records a mode change. Callers hold st.mu.
func (c *Controller) transitionLocked(st *moduleState, id domain.ModuleID, to domain.Mode, reason string, rate int, now time.Time) {
	from := st.mode
	st.mode = to
	st.lastTransition = now

	c.transitions.WithLabelValues(string(id), to.String(), reason).Inc()
	c.modeGauge.WithLabelValues(string(id)).Set(float64(to))
	c.logger.Info("mode transition", "module", id, "from", from, "to", to, "reason", reason, "rate", rate)
	if c.notifier != nil {
		c.notifier.Publish(domain.Transition{Module: id, From: from, To: to, Reason: reason, Rate: rate, At: now})
	}
}

// Status reports every module in registration order.
func (c *Controller) Status() []Status {
	out := make([]Status, 0, len(c.modules))
	for _, id := range c.modules {
		st := c.states[id]
		st.mu.Lock()
		s := Status{Module: id, Mode: st.mode, Starting: st.starting}
		if !st.lastTransition.IsZero() {
			at := st.lastTransition
			s.LastTransition = &at
		}
		st.mu.Unlock()
		s.Rate = c.rates.Rate(id)
		out = append(out, s)
	}
	return out
}

// Run evaluates every module once immediately and then on every tick until
// ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	c.logger.Info("autopilot started", "interval", c.opts.Interval, "scale_out_rpm", c.opts.ScaleOutRPM, "scale_in_rpm", c.opts.ScaleInRPM, "cooldown", c.opts.Cooldown, "pinned", c.opts.Pinned)
	c.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("autopilot stopped")
			return
		case <-ticker.C:
			c.runIteration(ctx)
		}
	}
}

func (c *Controller) runIteration(parent context.Context) {
	opCtx, cancel := context.WithTimeout(parent, iterationTimeout)
	defer cancel()
	for _, id := range c.modules {
		if opCtx.Err() != nil {
			return
		}
		c.CheckAndSwitch(opCtx, id)
	}
}

// Wait blocks until background scale-outs and worker stops have finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}
