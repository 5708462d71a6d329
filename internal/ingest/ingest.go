// Package ingest turns observed sensor state changes into history
// records. It applies duplicate suppression against the most recent
// record of the same sensor and writes the lastEvent, history and debug
// slot projections to the state surface.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/vigil/internal/events"
	"github.com/nugget/vigil/internal/history"
	"github.com/nugget/vigil/internal/metrics"
	"github.com/nugget/vigil/internal/sensor"
	"github.com/nugget/vigil/internal/surface"
)

// Observation is one externally observed state transition.
type Observation struct {
	SourceID string
	Value    sensor.Value
	// Timestamp is the device's own change time in epoch millis.
	Timestamp int64
	// Confirmed is false for commanded values the device has not
	// acknowledged yet. Such observations are ignored.
	Confirmed bool
}

// Result describes what Ingest did with an observation.
type Result int

const (
	Recorded Result = iota
	Unknown
	Duplicate
	Unconfirmed
)

func (r Result) String() string {
	switch r {
	case Recorded:
		return "recorded"
	case Unknown:
		return "unknown"
	case Duplicate:
		return "duplicate"
	case Unconfirmed:
		return "unconfirmed"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Options holds the optional collaborators of an Ingestor.
type Options struct {
	Bus        *events.Bus
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	DebugSlots int
	Location   *time.Location
}

// Ingestor records observations into the shared history buffer.
type Ingestor struct {
	registry *sensor.Registry
	history  *history.Buffer[sensor.Record]
	surface  *surface.Surface
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger
	slots    int
	loc      *time.Location

	// mu serializes the duplicate check, the push and the snapshot
	// writes so a persisted snapshot is never older than one already
	// written.
	mu sync.Mutex
}

// New creates an Ingestor over the given registry and history buffer.
func New(registry *sensor.Registry, buf *history.Buffer[sensor.Record], surf *surface.Surface, opts Options) *Ingestor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DebugSlots < 0 {
		opts.DebugSlots = 0
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Ingestor{
		registry: registry,
		history:  buf,
		surface:  surf,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("component", "ingest"),
		slots:    opts.DebugSlots,
		loc:      opts.Location,
	}
}

// Ingest records obs if it belongs to a configured sensor and is not a
// suppressed duplicate. A non-nil error with a Recorded result means
// the record was accepted but one or more state surface writes failed;
// callers should log it and carry on.
func (in *Ingestor) Ingest(ctx context.Context, obs Observation) (Result, error) {
	if !obs.Confirmed {
		in.observe(Unconfirmed)
		return Unconfirmed, nil
	}

	dev, ok := in.registry.Lookup(obs.SourceID)
	if !ok {
		in.logger.Debug("ignoring state change for unconfigured sensor", "id", obs.SourceID)
		in.observe(Unknown)
		return Unknown, nil
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if !dev.LogDuplicates {
		prev, found := in.history.Find(func(r sensor.Record) bool { return r.SourceID == obs.SourceID })
		if found && prev.Value.Equal(obs.Value) {
			in.logger.Debug("suppressing duplicate value",
				"id", obs.SourceID, "value", obs.Value.String(), "previous_ts", prev.Timestamp)
			in.bus.Publish(events.Event{
				Source: events.SourceIngest,
				Kind:   events.KindEventSuppressed,
				Data:   map[string]any{"id": obs.SourceID},
			})
			in.observe(Duplicate)
			return Duplicate, nil
		}
	}

	rec := sensor.Record{
		Timestamp: obs.Timestamp,
		SourceID:  obs.SourceID,
		Name:      dev.Name,
		Location:  dev.Location,
		Type:      dev.Type,
		Value:     obs.Value,
	}
	in.history.PushFront(rec)
	items := in.history.Items()

	in.logger.Info("sensor event recorded",
		"id", rec.SourceID, "name", rec.Name, "value", rec.Value.String(), "history", len(items))
	in.bus.Publish(events.Event{
		Source: events.SourceIngest,
		Kind:   events.KindEventRecorded,
		Data: map[string]any{
			"id":        rec.SourceID,
			"name":      rec.Name,
			"location":  rec.Location,
			"value":     rec.Value,
			"timestamp": rec.Timestamp,
		},
	})
	in.observe(Recorded)

	if err := in.persist(ctx, rec, items); err != nil {
		in.metrics.ObserveStateWriteFailure()
		return Recorded, fmt.Errorf("record %s accepted, persistence incomplete: %w", rec.SourceID, err)
	}
	return Recorded, nil
}

// persist writes the latest record, the full history and the debug
// slots. Every write is attempted; failures are joined.
func (in *Ingestor) persist(ctx context.Context, rec sensor.Record, items []sensor.Record) error {
	var errs []error
	if err := in.surface.SetJSON(ctx, surface.NamespaceEvents, surface.KeyLastEvent, rec); err != nil {
		errs = append(errs, err)
	}
	if err := in.surface.SetJSON(ctx, surface.NamespaceEvents, surface.KeyHistory, items); err != nil {
		errs = append(errs, err)
	}
	if in.slots > 0 {
		if err := in.surface.SetMany(ctx, surface.NamespaceEvents, SlotValues(items, in.slots, in.loc)); err != nil {
			errs = append(errs, fmt.Errorf("debug slots: %w", err))
		}
	}
	return errors.Join(errs...)
}

// SlotValues renders the first n records as debug slot projections
// keyed by slot name. Slots beyond the available records are blank.
func SlotValues(items []sensor.Record, n int, loc *time.Location) map[string]string {
	out := make(map[string]string, n)
	for i := range n {
		v := ""
		if i < len(items) {
			v = sensor.FormatSlot(items[i], loc)
		}
		out[surface.DebugSlotKey(i)] = v
	}
	return out
}

// Restore reloads the history buffer from the persisted events.history
// snapshot. A missing snapshot leaves the buffer empty; an unreadable
// one is logged and also leaves it empty. It returns the number of
// records restored.
func (in *Ingestor) Restore(ctx context.Context) int {
	var recs []sensor.Record
	found, err := in.surface.GetJSON(ctx, surface.NamespaceEvents, surface.KeyHistory, &recs)
	if err != nil {
		in.logger.Warn("event history snapshot unreadable, starting empty", "error", err)
		return 0
	}
	if !found {
		return 0
	}
	in.history.Restore(recs)
	n := in.history.Len()
	in.logger.Info("event history restored", "records", n)
	in.metrics.ObserveIngest("restored", n)
	return n
}

func (in *Ingestor) observe(r Result) {
	in.metrics.ObserveIngest(r.String(), in.history.Len())
}
