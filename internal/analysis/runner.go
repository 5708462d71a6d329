package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/nugget/vigil/internal/metrics"
)

// ErrCoalesced is logged when a trigger arrives during a run and is
// folded into the pending rerun.
var ErrCoalesced = errors.New("analysis: run in flight, trigger coalesced")

// Runnable is the operation a Runner guards. *Engine satisfies it.
type Runnable interface {
	Run(ctx context.Context) (Outcome, error)
}

// Runner ensures at most one analysis runs at a time. Triggers that
// arrive while a run is in flight collapse into exactly one follow-up
// run that starts when the current one finishes.
type Runner struct {
	target  Runnable
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu            sync.Mutex
	running       bool
	pending       bool
	pendingReason string
	wg            sync.WaitGroup
}

// NewRunner creates a Runner around target.
func NewRunner(target Runnable, m *metrics.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{target: target, metrics: m, logger: logger.With("component", "runner")}
}

// Trigger starts a run in the background, or marks a rerun pending if
// one is already in flight. It reports whether a new run was started.
// The run does not inherit cancellation from ctx: a trigger that came
// from a finished HTTP request still completes its analysis.
func (r *Runner) Trigger(ctx context.Context, reason string) bool {
	r.mu.Lock()
	if r.running {
		r.pending = true
		r.pendingReason = reason
		r.mu.Unlock()
		r.metrics.ObserveCoalesced()
		r.logger.Debug("trigger coalesced", "reason", reason, "error", ErrCoalesced)
		return false
	}
	r.running = true
	r.wg.Add(1)
	r.mu.Unlock()

	go r.loop(context.WithoutCancel(ctx), reason)
	return true
}

// Running reports whether a run is in flight.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Wait blocks until no run is in flight or pending.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, reason string) {
	defer r.wg.Done()
	for {
		r.runOnce(ctx, reason)

		r.mu.Lock()
		if !r.pending {
			r.running = false
			r.mu.Unlock()
			return
		}
		reason = r.pendingReason
		r.pending = false
		r.mu.Unlock()
	}
}

func (r *Runner) runOnce(ctx context.Context, reason string) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("analysis run panicked",
				"reason", reason, "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
		}
	}()

	out, err := r.target.Run(ctx)
	switch {
	case err == nil:
		r.logger.Debug("run finished", "reason", reason, "run_id", out.RunID, "alert", out.Alert)
	case errors.Is(err, ErrNotConfigured), errors.Is(err, ErrHistoryEmpty):
		r.logger.Info("analysis skipped", "reason", reason, "run_id", out.RunID, "cause", err)
	default:
		r.logger.Warn("analysis failed", "reason", reason, "run_id", out.RunID, "error", err)
	}
}
