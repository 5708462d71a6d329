// Package notify delivers alert notifications when an analysis raises
// the alert flag.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Alert describes one analysis that raised the alert flag.
type Alert struct {
	RunID string
	Time  time.Time
	Text  string
}

// Notifier delivers an alert over one channel.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// FailureRecorder counts delivery failures. *metrics.Metrics satisfies
// it.
type FailureRecorder interface {
	ObserveNotifyFailure()
}

// Multi fans an alert out to every channel. One failing channel does not
// stop the others; failures are logged and joined.
type Multi struct {
	channels []namedNotifier
	failures FailureRecorder
	logger   *slog.Logger
}

type namedNotifier struct {
	name string
	n    Notifier
}

// NewMulti creates an empty fan-out notifier.
func NewMulti(failures FailureRecorder, logger *slog.Logger) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{failures: failures, logger: logger.With("component", "notify")}
}

// Add registers a channel under name.
func (m *Multi) Add(name string, n Notifier) {
	m.channels = append(m.channels, namedNotifier{name: name, n: n})
}

// Len returns the number of channels.
func (m *Multi) Len() int {
	return len(m.channels)
}

// Notify implements [Notifier].
func (m *Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, ch := range m.channels {
		if err := ch.n.Notify(ctx, a); err != nil {
			m.logger.Warn("alert notification failed", "channel", ch.name, "run_id", a.RunID, "error", err)
			if m.failures != nil {
				m.failures.ObserveNotifyFailure()
			}
			errs = append(errs, fmt.Errorf("%s: %w", ch.name, err))
			continue
		}
		m.logger.Info("alert notification sent", "channel", ch.name, "run_id", a.RunID)
	}
	return errors.Join(errs...)
}
