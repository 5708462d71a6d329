// Package analysis runs the narrative analysis of the event history: it
// builds a prompt from the history buffer, calls the completion
// provider, classifies the response for alert keywords and records the
// result in the logbook.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nugget/vigil/internal/config"
	"github.com/nugget/vigil/internal/events"
	"github.com/nugget/vigil/internal/history"
	"github.com/nugget/vigil/internal/llm"
	"github.com/nugget/vigil/internal/logbook"
	"github.com/nugget/vigil/internal/metrics"
	"github.com/nugget/vigil/internal/notify"
	"github.com/nugget/vigil/internal/sensor"
	"github.com/nugget/vigil/internal/surface"
)

// Fixed analysis.lastResult values for runs that never reach the
// completion provider.
const (
	ResultNotInitialized = "AI not initialized: no completion provider configured."
	ResultHistoryEmpty   = "Event history is empty, nothing to analyze."

	// ErrorPrefix starts analysis.lastResult when the provider call fails.
	ErrorPrefix = "Error: "
)

var (
	// ErrNotConfigured reports a run without a completion provider.
	ErrNotConfigured = errors.New("analysis: completion provider not configured")
	// ErrHistoryEmpty reports a run with nothing to analyze.
	ErrHistoryEmpty = errors.New("analysis: event history is empty")
)

// Outcome describes one analysis run.
type Outcome struct {
	RunID    string
	Prompt   string
	Text     string
	Alert    bool
	Entry    *logbook.Entry
	Duration time.Duration
}

// Options wires an Engine.
type Options struct {
	// Completer may be nil; runs then end with ErrNotConfigured.
	Completer  llm.Completer
	Classifier Classifier
	History    *history.Buffer[sensor.Record]
	Logbook    *logbook.Logbook
	Surface    *surface.Surface
	Notifier   notify.Notifier

	Persona         string
	Keywords        []string
	MaxOutputTokens int
	Location        *time.Location

	Bus     *events.Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine performs analysis runs. Run is safe for concurrent use; calls
// are serialized so each run observes the logbook and alert flag left
// by the previous one.
type Engine struct {
	opts   Options
	logger *slog.Logger
	mu     sync.Mutex
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Classifier == nil {
		opts.Classifier = NewKeywordClassifier(opts.Keywords)
	}
	if opts.MaxOutputTokens <= 0 {
		opts.MaxOutputTokens = config.DefaultMaxOutputTokens
	}
	return &Engine{opts: opts, logger: opts.Logger.With("component", "analysis")}
}

// Configured reports whether a completion provider is set.
func (e *Engine) Configured() bool {
	return e.opts.Completer != nil
}

// Run performs one analysis. Precondition failures return
// ErrNotConfigured or ErrHistoryEmpty after writing the fixed result
// text. A provider failure writes an error-prefixed result and is
// returned; the alert flag and logbook are left untouched.
func (e *Engine) Run(ctx context.Context) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := Outcome{RunID: ulid.Make().String()}
	log := e.logger.With("run_id", out.RunID)

	if e.opts.Completer == nil {
		e.setResult(ctx, log, ResultNotInitialized)
		e.opts.Metrics.ObserveRun("not_configured", 0)
		e.publishFailed(out.RunID, ErrNotConfigured)
		return out, ErrNotConfigured
	}

	records := e.opts.History.Items()
	if len(records) == 0 {
		e.setResult(ctx, log, ResultHistoryEmpty)
		e.opts.Metrics.ObserveRun("empty_history", 0)
		e.publishFailed(out.RunID, ErrHistoryEmpty)
		return out, ErrHistoryEmpty
	}

	now := e.opts.Now()
	prompt, err := BuildPrompt(e.opts.Persona, e.keywords(), now.In(e.opts.Location), records)
	if err != nil {
		return out, err
	}
	out.Prompt = prompt
	if err := e.opts.Surface.Set(ctx, surface.NamespaceAnalysis, surface.KeyLastPrompt, prompt); err != nil {
		log.Warn("failed to persist prompt", "error", err)
	}
	log.Log(ctx, config.LevelTrace, "analysis prompt", "prompt", prompt)

	e.opts.Bus.Publish(events.Event{
		Source: events.SourceAnalysis,
		Kind:   events.KindRunStart,
		Data:   map[string]any{"run_id": out.RunID, "records": len(records)},
	})
	log.Info("analysis started", "records", len(records))

	start := e.opts.Now()
	text, err := e.opts.Completer.Complete(ctx, prompt, e.opts.MaxOutputTokens)
	out.Duration = e.opts.Now().Sub(start)
	if err != nil {
		log.Warn("completion failed", "error", err, "elapsed", out.Duration)
		e.setResult(ctx, log, ErrorPrefix+err.Error())
		e.opts.Metrics.ObserveRun("failed", 0)
		e.publishFailed(out.RunID, err)
		return out, fmt.Errorf("completion: %w", err)
	}
	out.Text = text
	e.setResult(ctx, log, text)

	out.Alert = e.opts.Classifier.Classify(text)
	wasAlert, err := e.opts.Surface.Bool(ctx, surface.NamespaceAnalysis, surface.KeyIsAlert)
	if err != nil {
		log.Warn("failed to read alert flag", "error", err)
	}
	if err := e.opts.Surface.SetBool(ctx, surface.NamespaceAnalysis, surface.KeyIsAlert, out.Alert); err != nil {
		log.Warn("failed to persist alert flag", "error", err)
	}
	e.opts.Metrics.SetAlert(out.Alert)

	entry := logbook.NewEntry(e.opts.Now(), text, out.Alert)
	out.Entry = &entry
	if err := e.opts.Logbook.Append(ctx, entry); err != nil {
		log.Warn("logbook persistence incomplete", "error", err)
	}

	e.opts.Metrics.ObserveRun("ok", out.Duration)
	e.opts.Bus.Publish(events.Event{
		Source: events.SourceAnalysis,
		Kind:   events.KindRunComplete,
		Data: map[string]any{
			"run_id":      out.RunID,
			"alert":       out.Alert,
			"duration_ms": out.Duration.Milliseconds(),
		},
	})
	log.Info("analysis complete", "alert", out.Alert, "elapsed", out.Duration, "logbook", e.opts.Logbook.Len())

	if out.Alert && !wasAlert && e.opts.Notifier != nil {
		if err := e.opts.Notifier.Notify(ctx, notify.Alert{RunID: out.RunID, Time: entry.Time(), Text: text}); err != nil {
			log.Warn("alert notification incomplete", "error", err)
		}
	}
	return out, nil
}

// ClearStaleAlert sets the alert flag to false if it is currently set.
// It reports whether the flag changed.
func (e *Engine) ClearStaleAlert(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert, err := e.opts.Surface.Bool(ctx, surface.NamespaceAnalysis, surface.KeyIsAlert)
	if err != nil || !alert {
		return false, err
	}
	if err := e.opts.Surface.SetBool(ctx, surface.NamespaceAnalysis, surface.KeyIsAlert, false); err != nil {
		return false, err
	}
	e.opts.Metrics.SetAlert(false)
	e.opts.Bus.Publish(events.Event{Source: events.SourceAnalysis, Kind: events.KindAlertCleared})
	e.logger.Info("stale alert cleared")
	return true, nil
}

func (e *Engine) keywords() []string {
	if k, ok := e.opts.Classifier.(*KeywordClassifier); ok {
		return k.Keywords()
	}
	return e.opts.Keywords
}

func (e *Engine) setResult(ctx context.Context, log *slog.Logger, text string) {
	if err := e.opts.Surface.Set(ctx, surface.NamespaceAnalysis, surface.KeyLastResult, text); err != nil {
		log.Warn("failed to persist result", "error", err)
		e.opts.Metrics.ObserveStateWriteFailure()
	}
}

func (e *Engine) publishFailed(runID string, err error) {
	e.opts.Bus.Publish(events.Event{
		Source: events.SourceAnalysis,
		Kind:   events.KindRunFailed,
		Data:   map[string]any{"run_id": runID, "error": err.Error()},
	})
}
