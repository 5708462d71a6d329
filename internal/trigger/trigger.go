// Package trigger implements the writable manual-run command at
// analysis.trigger. Writing true starts an analysis and the command
// resets itself to false.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/nugget/vigil/internal/events"
	"github.com/nugget/vigil/internal/metrics"
	"github.com/nugget/vigil/internal/surface"
)

// Origins name the writer of a command for logs and metrics.
const (
	OriginAPI  = "api"
	OriginMQTT = "mqtt"
	OriginCLI  = "cli"
)

// Triggerer starts an analysis run. *analysis.Runner satisfies it.
type Triggerer interface {
	Trigger(ctx context.Context, reason string) bool
}

// Options wires a Command.
type Options struct {
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Command is the manual trigger. Set is safe for concurrent use.
type Command struct {
	surf    *surface.Surface
	runner  Triggerer
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu   sync.Mutex
	last bool
}

// New creates a Command writing to surf and starting runs on runner.
func New(surf *surface.Surface, runner Triggerer, opts Options) *Command {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Command{
		surf:    surf,
		runner:  runner,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		logger:  logger.With("component", "trigger"),
	}
}

// Reset acknowledges a command left set by a previous process.
func (c *Command) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, err := c.surf.Bool(ctx, surface.NamespaceAnalysis, surface.KeyTrigger)
	if err != nil {
		return fmt.Errorf("read trigger: %w", err)
	}
	c.last = false
	if !set {
		return nil
	}
	c.logger.Info("acknowledging stale trigger command")
	return c.surf.SetBool(ctx, surface.NamespaceAnalysis, surface.KeyTrigger, false)
}

// Set writes the command value. A false to true edge starts an
// analysis, then the command is written back to false. It reports
// whether the write was a rising edge.
func (c *Command) Set(ctx context.Context, value bool, origin string) (fired bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("trigger handler panicked",
				"origin", origin, "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
			err = fmt.Errorf("trigger handler panicked: %v", p)
		}
	}()

	if err := c.surf.SetBool(ctx, surface.NamespaceAnalysis, surface.KeyTrigger, value); err != nil {
		return false, fmt.Errorf("write trigger: %w", err)
	}

	rising := value && !c.last
	c.last = value
	if !rising {
		return false, nil
	}

	c.logger.Info("manual analysis triggered", "origin", origin)
	c.metrics.ObserveTrigger(origin)
	c.bus.Publish(events.Event{
		Source: events.SourceTrigger,
		Kind:   events.KindTriggered,
		Data:   map[string]any{"origin": origin},
	})
	c.runner.Trigger(ctx, "manual:"+origin)

	c.last = false
	if err := c.surf.SetBool(ctx, surface.NamespaceAnalysis, surface.KeyTrigger, false); err != nil {
		return true, fmt.Errorf("acknowledge trigger: %w", err)
	}
	return true, nil
}
