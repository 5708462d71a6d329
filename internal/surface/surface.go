// Package surface is the typed writer for the persisted state surface:
// the events.* and analysis.* values the adapter exposes to the host
// platform and operator. Every successful write is also published on
// the event bus so mirrors (MQTT, API stream) can follow along.
package surface

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nugget/vigil/internal/events"
)

// Namespaces.
const (
	NamespaceEvents   = "events"
	NamespaceAnalysis = "analysis"
)

// Keys within the events namespace.
const (
	KeyLastEvent = "lastEvent"
	KeyHistory   = "history"
)

// Keys within the analysis namespace.
const (
	KeyTrigger         = "trigger"
	KeyLastPrompt      = "lastPrompt"
	KeyLastResult      = "lastResult"
	KeyIsAlert         = "isAlert"
	KeyAnalysisHistory = "analysisHistory"
)

// DebugSlotKey returns the key of the i-th human-readable slot, e.g.
// "history_debug_00". The same key names are used in both namespaces.
func DebugSlotKey(i int) string {
	return fmt.Sprintf("history_debug_%02d", i)
}

// Store is the persistence backend (opstate for SQLite, redisstate for
// Redis, or [MemoryStore]).
type Store interface {
	Get(ctx context.Context, namespace, key string) (string, error)
	Set(ctx context.Context, namespace, key, value string) error
	SetMany(ctx context.Context, namespace string, values map[string]string) error
}

// Surface wraps a Store with typed helpers and change notifications.
type Surface struct {
	store  Store
	bus    *events.Bus
	logger *slog.Logger
}

// New creates a Surface. A nil bus disables change notifications.
func New(store Store, bus *events.Bus, logger *slog.Logger) *Surface {
	if logger == nil {
		logger = slog.Default()
	}
	return &Surface{store: store, bus: bus, logger: logger}
}

// Get returns the raw value of namespace.key ("" when unset).
func (s *Surface) Get(ctx context.Context, namespace, key string) (string, error) {
	return s.store.Get(ctx, namespace, key)
}

// Set writes a raw string value.
func (s *Surface) Set(ctx context.Context, namespace, key, value string) error {
	if err := s.store.Set(ctx, namespace, key, value); err != nil {
		return err
	}
	s.publish(namespace, key, value)
	return nil
}

// SetMany writes several values of one namespace as a unit.
func (s *Surface) SetMany(ctx context.Context, namespace string, values map[string]string) error {
	if err := s.store.SetMany(ctx, namespace, values); err != nil {
		return err
	}
	for k, v := range values {
		s.publish(namespace, k, v)
	}
	return nil
}

// SetBool writes a boolean as "true" or "false".
func (s *Surface) SetBool(ctx context.Context, namespace, key string, v bool) error {
	return s.Set(ctx, namespace, key, strconv.FormatBool(v))
}

// Bool reads a boolean. Unset or unparsable values read as false.
func (s *Surface) Bool(ctx context.Context, namespace, key string) (bool, error) {
	raw, err := s.store.Get(ctx, namespace, key)
	if err != nil {
		return false, err
	}
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		s.logger.Debug("non-boolean state value", "namespace", namespace, "key", key, "value", raw)
		return false, nil
	}
	return b, nil
}

// SetJSON encodes v as JSON and writes it.
func (s *Surface) SetJSON(ctx context.Context, namespace, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s.%s: %w", namespace, key, err)
	}
	return s.Set(ctx, namespace, key, string(data))
}

// GetJSON decodes the JSON stored at namespace.key into v. It returns
// false with a nil error when the key is unset.
func (s *Surface) GetJSON(ctx context.Context, namespace, key string, v any) (bool, error) {
	raw, err := s.store.Get(ctx, namespace, key)
	if err != nil {
		return false, err
	}
	if raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return true, fmt.Errorf("decode %s.%s: %w", namespace, key, err)
	}
	return true, nil
}

func (s *Surface) publish(namespace, key, value string) {
	s.bus.Publish(events.Event{
		Source: events.SourceSurface,
		Kind:   events.KindStateSet,
		Data: map[string]any{
			"namespace": namespace,
			"key":       key,
			"value":     value,
		},
	})
}
