// Package logbook keeps the bounded, newest-first record of analysis
// results. Every append is persisted through a [Persister] and
// projected onto the state surface as analysis.analysisHistory plus a
// fixed number of human-readable debug slots.
package logbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/vigil/internal/history"
	"github.com/nugget/vigil/internal/metrics"
	"github.com/nugget/vigil/internal/surface"
)

// Entry is one completed analysis.
type Entry struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"` // epoch millis at completion
	Text      string `json:"text"`
	Alert     bool   `json:"alert"`
}

// NewEntry creates an entry with a fresh time-ordered ID.
func NewEntry(ts time.Time, text string, alert bool) Entry {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Entry{ID: id.String(), Timestamp: ts.UnixMilli(), Text: text, Alert: alert}
}

// Time returns the entry timestamp as a time.Time.
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// FormatSlot renders e as "02.01.2006, 15:04:05 - [ALARM|Info] text"
// with line breaks flattened to spaces.
func FormatSlot(e Entry, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	tag := "Info"
	if e.Alert {
		tag = "ALARM"
	}
	text := strings.Join(strings.Fields(strings.ReplaceAll(e.Text, "\r", "")), " ")
	return fmt.Sprintf("%s - [%s] %s", e.Time().In(loc).Format("02.01.2006, 15:04:05"), tag, text)
}

// Persister is the durable store behind a Logbook.
type Persister interface {
	// Save records e. all is the full buffer after the append,
	// newest-first, for persisters that rewrite a snapshot.
	Save(ctx context.Context, e Entry, all []Entry) error
	// Load returns at most limit entries, newest-first.
	Load(ctx context.Context, limit int) ([]Entry, error)
}

// Options configures a Logbook.
type Options struct {
	Capacity   int
	DebugSlots int
	Location   *time.Location
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Logbook wraps a bounded buffer of entries.
type Logbook struct {
	buf       *history.Buffer[Entry]
	persister Persister
	surface   *surface.Surface
	slots     int
	loc       *time.Location
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates an empty Logbook. Call LoadOnStartup to populate it.
func New(p Persister, surf *surface.Surface, opts Options) *Logbook {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Logbook{
		buf:       history.New[Entry](opts.Capacity),
		persister: p,
		surface:   surf,
		slots:     opts.DebugSlots,
		loc:       opts.Location,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("component", "logbook"),
	}
}

// Append adds e and persists the result. The entry stays in memory even
// when persistence fails; the joined error reports what was not written.
func (l *Logbook) Append(ctx context.Context, e Entry) error {
	l.buf.PushFront(e)
	items := l.buf.Items()
	l.metrics.SetLogbookLen(len(items))

	var errs []error
	if err := l.persister.Save(ctx, e, items); err != nil {
		errs = append(errs, fmt.Errorf("save entry: %w", err))
	}
	if err := l.project(ctx, items); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (l *Logbook) project(ctx context.Context, items []Entry) error {
	var errs []error
	if err := l.surface.SetJSON(ctx, surface.NamespaceAnalysis, surface.KeyAnalysisHistory, items); err != nil {
		errs = append(errs, err)
	}
	if l.slots > 0 {
		slots := make(map[string]string, l.slots)
		for i := range l.slots {
			v := ""
			if i < len(items) {
				v = FormatSlot(items[i], l.loc)
			}
			slots[surface.DebugSlotKey(i)] = v
		}
		if err := l.surface.SetMany(ctx, surface.NamespaceAnalysis, slots); err != nil {
			errs = append(errs, fmt.Errorf("debug slots: %w", err))
		}
	}
	return errors.Join(errs...)
}

// LoadOnStartup fills the buffer from the persister. Any load failure is
// logged and leaves the logbook empty; it is never fatal.
func (l *Logbook) LoadOnStartup(ctx context.Context) {
	entries, err := l.persister.Load(ctx, l.buf.Cap())
	if err != nil {
		l.logger.Warn("logbook unreadable, starting empty", "error", err)
		l.buf.Restore(nil)
		l.metrics.SetLogbookLen(0)
		return
	}
	l.buf.Restore(entries)
	l.metrics.SetLogbookLen(l.buf.Len())
	l.logger.Info("logbook loaded", "entries", l.buf.Len())
}

// Entries returns the logbook newest-first.
func (l *Logbook) Entries() []Entry {
	return l.buf.Items()
}

// Len returns the number of entries held.
func (l *Logbook) Len() int {
	return l.buf.Len()
}

// Cap returns the logbook capacity.
func (l *Logbook) Cap() int {
	return l.buf.Cap()
}
