// Package scheduler drives timer-based analysis. Each tick decides
// whether fresh sensor evidence justifies a run, and clears a stale
// alert when it does not.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nugget/vigil/internal/events"
	"github.com/nugget/vigil/internal/history"
	"github.com/nugget/vigil/internal/metrics"
	"github.com/nugget/vigil/internal/sensor"
)

// Action is the outcome of one tick.
type Action string

const (
	ActionRun       Action = "run"
	ActionSkipEmpty Action = "skip_empty"
	ActionSkipStale Action = "skip_stale"
)

// Triggerer starts an analysis run. *analysis.Runner satisfies it.
type Triggerer interface {
	Trigger(ctx context.Context, reason string) bool
}

// AlertClearer resets the alert flag when it is set.
// *analysis.Engine satisfies it.
type AlertClearer interface {
	ClearStaleAlert(ctx context.Context) (bool, error)
}

// Options wires a Scheduler.
type Options struct {
	History *history.Buffer[sensor.Record]
	Runner  Triggerer
	Alerts  AlertClearer
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Scheduler owns at most one repeating timer.
type Scheduler struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	interval time.Duration
	// gen invalidates callbacks of timers replaced by Arm or Stop that
	// already fired.
	gen uint64
}

// New creates a disarmed Scheduler.
func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{opts: opts, logger: opts.Logger.With("component", "scheduler")}
}

// Arm cancels any existing timer and, if interval is positive, starts a
// new one firing every interval.
func (s *Scheduler) Arm(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()
	s.interval = interval
	if interval <= 0 {
		s.logger.Info("analysis scheduler disabled")
		return
	}
	s.scheduleLocked()
	s.logger.Info("analysis scheduler armed", "interval", interval)
}

// Stop cancels the timer. An analysis already running is not awaited.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.interval = 0
}

// Interval returns the armed interval, or zero when disarmed.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Scheduler) cancelLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) scheduleLocked() {
	gen := s.gen
	s.timer = time.AfterFunc(s.interval, func() { s.onFire(gen) })
}

func (s *Scheduler) onFire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.interval <= 0 {
		s.mu.Unlock()
		return
	}
	// Re-arm before the tick so a failing tick never stops the timer.
	s.scheduleLocked()
	interval := s.interval
	s.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("scheduler tick panicked", "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
		}
	}()
	s.tick(context.Background(), interval)
}

// Tick evaluates one tick against the armed interval. The timer calls
// it automatically; it is exported for the CLI and tests.
func (s *Scheduler) Tick(ctx context.Context) Action {
	return s.tick(ctx, s.Interval())
}

func (s *Scheduler) tick(ctx context.Context, interval time.Duration) Action {
	newest, ok := s.opts.History.Newest()
	if !ok {
		s.skipped(ActionSkipEmpty, nil)
		return ActionSkipEmpty
	}

	elapsed := s.opts.Now().Sub(newest.Time())
	if elapsed > interval {
		cleared, err := s.opts.Alerts.ClearStaleAlert(ctx)
		if err != nil {
			s.logger.Warn("failed to clear stale alert", "error", err)
		}
		s.skipped(ActionSkipStale, map[string]any{"since_last_event": elapsed.String(), "alert_cleared": cleared})
		return ActionSkipStale
	}

	s.opts.Metrics.ObserveTick(string(ActionRun))
	started := s.opts.Runner.Trigger(ctx, "interval")
	s.logger.Debug("scheduled analysis", "since_last_event", elapsed, "started", started)
	return ActionRun
}

func (s *Scheduler) skipped(a Action, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["reason"] = string(a)
	s.opts.Metrics.ObserveTick(string(a))
	s.opts.Bus.Publish(events.Event{Source: events.SourceScheduler, Kind: events.KindTickSkipped, Data: data})
	s.logger.Debug("tick skipped", "reason", a)
}
