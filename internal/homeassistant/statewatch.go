package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nugget/vigil/internal/config"
	"github.com/nugget/vigil/internal/ingest"
	"github.com/nugget/vigil/internal/sensor"
)

// StateChange is one accepted state_changed event.
type StateChange struct {
	EntityID string
	Old      *State
	New      *State
}

// Timestamp returns when the new state took effect, in epoch
// milliseconds. Home Assistant's last_changed is preferred over arrival
// time so replayed or delayed events keep their real ordering.
func (s StateChange) Timestamp(now time.Time) int64 {
	if s.New != nil && !s.New.LastChanged.IsZero() {
		return s.New.LastChanged.UnixMilli()
	}
	return now.UnixMilli()
}

// StateWatchHandler receives state changes that pass the filter and
// rate limiter.
type StateWatchHandler func(ctx context.Context, change StateChange)

// EntityFilter selects entities by exact ID or by [path.Match] glob.
// An empty filter matches everything.
type EntityFilter struct {
	ids      map[string]struct{}
	patterns []string
	logger   *slog.Logger
}

// NewEntityFilter builds a filter from configured device IDs plus
// extra glob patterns.
func NewEntityFilter(ids, globs []string, logger *slog.Logger) *EntityFilter {
	if logger == nil {
		logger = slog.Default()
	}
	f := &EntityFilter{ids: make(map[string]struct{}, len(ids)), patterns: globs, logger: logger}
	for _, id := range ids {
		f.ids[id] = struct{}{}
	}
	return f
}

// Match reports whether entityID is selected.
func (f *EntityFilter) Match(entityID string) bool {
	if len(f.ids) == 0 && len(f.patterns) == 0 {
		return true
	}
	if _, ok := f.ids[entityID]; ok {
		return true
	}
	for _, pat := range f.patterns {
		matched, err := path.Match(pat, entityID)
		if err != nil {
			f.logger.Debug("glob match error", "pattern", pat, "entity_id", entityID, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// EntityRateLimiter enforces a per-entity sliding window. A limit of
// zero disables it.
type EntityRateLimiter struct {
	limit    int
	window   time.Duration
	now      func() time.Time
	mu       sync.Mutex
	counters map[string][]time.Time
}

// NewEntityRateLimiter allows at most perMinute events per entity.
func NewEntityRateLimiter(perMinute int) *EntityRateLimiter {
	return &EntityRateLimiter{
		limit:    perMinute,
		window:   time.Minute,
		now:      time.Now,
		counters: make(map[string][]time.Time),
	}
}

// Allow reports whether a change for entityID may pass.
func (r *EntityRateLimiter) Allow(entityID string) bool {
	if r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)
	valid := r.counters[entityID][:0]
	for _, ts := range r.counters[entityID] {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	if len(valid) >= r.limit {
		r.counters[entityID] = valid
		return false
	}
	r.counters[entityID] = append(valid, now)
	return true
}

// Cleanup drops counters whose newest timestamp has expired.
func (r *EntityRateLimiter) Cleanup() {
	if r.limit <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	for id, ts := range r.counters {
		if len(ts) == 0 || ts[len(ts)-1].Before(cutoff) {
			delete(r.counters, id)
		}
	}
}

// StateWatcher consumes state_changed events, applies the filter and
// limiter, and dispatches to a handler.
type StateWatcher struct {
	events  <-chan Event
	filter  *EntityFilter
	limiter *EntityRateLimiter
	handler StateWatchHandler
	logger  *slog.Logger
}

// NewStateWatcher creates a watcher. A nil filter or limiter disables
// that stage.
func NewStateWatcher(events <-chan Event, filter *EntityFilter, limiter *EntityRateLimiter, handler StateWatchHandler, logger *slog.Logger) *StateWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if filter == nil {
		filter = NewEntityFilter(nil, nil, logger)
	}
	if limiter == nil {
		limiter = NewEntityRateLimiter(0)
	}
	return &StateWatcher{
		events:  events,
		filter:  filter,
		limiter: limiter,
		handler: handler,
		logger:  logger.With("component", "state_watcher"),
	}
}

// Run blocks until ctx is cancelled or the event channel closes.
func (w *StateWatcher) Run(ctx context.Context) {
	w.logger.Info("state watcher started")
	defer w.logger.Info("state watcher stopped")

	cleanup := time.NewTicker(5 * time.Minute)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			w.limiter.Cleanup()
		case ev, ok := <-w.events:
			if !ok {
				return
			}
			w.handleEvent(ctx, ev)
		}
	}
}

func (w *StateWatcher) handleEvent(ctx context.Context, ev Event) {
	if ev.Type != "state_changed" {
		return
	}

	var data StateChangedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		w.logger.Debug("failed to unmarshal state_changed data", "error", err)
		return
	}
	// NewState is nil when an entity is removed.
	if data.NewState == nil || !data.NewState.Available() {
		return
	}
	if !w.filter.Match(data.EntityID) {
		return
	}
	if !w.limiter.Allow(data.EntityID) {
		w.logger.Debug("rate limited state change", "entity_id", data.EntityID)
		return
	}

	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("state change handler panicked",
				"entity_id", data.EntityID, "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
		}
	}()
	w.handler(ctx, StateChange{EntityID: data.EntityID, Old: data.OldState, New: data.NewState})
}

// Ingester accepts observations. *ingest.Ingestor satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, obs ingest.Observation) (ingest.Result, error)
}

// IngestHandler converts state changes into observations using each
// device's configured value type. Entities without a device config are
// passed through so the ingestor can account for them.
func IngestHandler(in Ingester, registry *sensor.Registry, logger *slog.Logger) StateWatchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, change StateChange) {
		valueType := ""
		if dev, ok := registry.Lookup(change.EntityID); ok {
			valueType = dev.ValueType
		}
		obs := ingest.Observation{
			SourceID:  change.EntityID,
			Value:     sensor.ParseState(change.New.State, valueType),
			Timestamp: change.Timestamp(time.Now()),
			Confirmed: true,
		}
		res, err := in.Ingest(ctx, obs)
		if err != nil {
			logger.Warn("state change recorded with persistence errors", "entity_id", change.EntityID, "error", err)
			return
		}
		logger.Log(ctx, config.LevelTrace, "state change handled", "entity_id", change.EntityID, "result", res.String())
	}
}
