package logbook

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/vigil/internal/surface"
)

func entryAt(i int) Entry {
	return Entry{
		ID:        fmt.Sprintf("entry-%03d", i),
		Timestamp: int64(1_700_000_000_000 + i*1000),
		Text:      fmt.Sprintf("analysis %d", i),
		Alert:     i%3 == 0,
	}
}

func TestFormatSlot(t *testing.T) {
	ts := time.Date(2024, 3, 9, 7, 5, 3, 0, time.UTC)
	tests := []struct {
		name string
		e    Entry
		want string
	}{
		{"info", Entry{Timestamp: ts.UnixMilli(), Text: "Alles normal."}, "09.03.2024, 07:05:03 - [Info] Alles normal."},
		{"alarm", Entry{Timestamp: ts.UnixMilli(), Text: "WARNUNG: Sturz", Alert: true}, "09.03.2024, 07:05:03 - [ALARM] WARNUNG: Sturz"},
		{"flattened", Entry{Timestamp: ts.UnixMilli(), Text: "line one\r\nline two\n\nthree"}, "09.03.2024, 07:05:03 - [Info] line one line two three"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatSlot(tt.e, time.UTC); got != tt.want {
				t.Errorf("FormatSlot() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewEntry_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		e := NewEntry(time.Now(), "x", false)
		if seen[e.ID] {
			t.Fatalf("duplicate id %s", e.ID)
		}
		seen[e.ID] = true
	}
}

func persisters(t *testing.T, surf *surface.Surface, capacity int) map[string]Persister {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "logbook.db"), capacity)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return map[string]Persister{
		"blob":   NewBlobPersister(surf),
		"sqlite": store,
	}
}

func TestLogbook_RoundTrip(t *testing.T) {
	const capacity = 4
	for _, name := range []string{"blob", "sqlite"} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			surf := surface.New(surface.NewMemoryStore(), nil, nil)
			p := persisters(t, surf, capacity)[name]

			lb := New(p, surf, Options{Capacity: capacity, DebugSlots: 2, Location: time.UTC})
			for i := range 7 {
				if err := lb.Append(ctx, entryAt(i)); err != nil {
					t.Fatalf("Append(%d): %v", i, err)
				}
			}

			reloaded := New(p, surf, Options{Capacity: capacity, Location: time.UTC})
			reloaded.LoadOnStartup(ctx)

			got := reloaded.Entries()
			if len(got) != capacity {
				t.Fatalf("reloaded length = %d, want %d", len(got), capacity)
			}
			for i, e := range got {
				want := entryAt(6 - i)
				if e != want {
					t.Errorf("entry %d = %+v, want %+v", i, e, want)
				}
			}
		})
	}
}

func TestLogbook_CorruptBlobResetsEmpty(t *testing.T) {
	ctx := context.Background()
	store := surface.NewMemoryStore()
	surf := surface.New(store, nil, nil)

	lb := New(NewBlobPersister(surf), surf, Options{Capacity: 10})
	lb.Append(ctx, entryAt(1))

	store.Set(ctx, surface.NamespaceAnalysis, surface.KeyAnalysisHistory, `[{"id": "x", "timest`)

	reloaded := New(NewBlobPersister(surf), surf, Options{Capacity: 10})
	reloaded.LoadOnStartup(ctx)
	if reloaded.Len() != 0 {
		t.Errorf("reloaded length = %d, want 0", reloaded.Len())
	}
}

func TestLogbook_EmptyStartup(t *testing.T) {
	surf := surface.New(surface.NewMemoryStore(), nil, nil)
	lb := New(NewBlobPersister(surf), surf, Options{Capacity: 10})
	lb.LoadOnStartup(context.Background())
	if lb.Len() != 0 {
		t.Errorf("Len() = %d, want 0", lb.Len())
	}
}

func TestLogbook_Projections(t *testing.T) {
	ctx := context.Background()
	store := surface.NewMemoryStore()
	surf := surface.New(store, nil, nil)
	lb := New(NewBlobPersister(surf), surf, Options{Capacity: 10, DebugSlots: 3, Location: time.UTC})

	lb.Append(ctx, entryAt(3))

	var blob []Entry
	if found, err := surf.GetJSON(ctx, surface.NamespaceAnalysis, surface.KeyAnalysisHistory, &blob); !found || err != nil {
		t.Fatalf("analysisHistory = %v, %v", found, err)
	}
	if len(blob) != 1 || blob[0].ID != "entry-003" {
		t.Errorf("analysisHistory = %+v", blob)
	}

	slot0, _ := store.Get(ctx, surface.NamespaceAnalysis, "history_debug_00")
	if want := FormatSlot(entryAt(3), time.UTC); slot0 != want {
		t.Errorf("slot 00 = %q, want %q", slot0, want)
	}
	slot2, _ := store.Get(ctx, surface.NamespaceAnalysis, "history_debug_02")
	if slot2 != "" {
		t.Errorf("slot 02 = %q, want blank", slot2)
	}
}

func TestSQLiteStore_TrimsOnWrite(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sub", "logbook.db"), 3)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	for i := range 10 {
		if err := store.Save(ctx, entryAt(i), nil); err != nil {
			t.Fatalf("Save(%d): %v", i, err)
		}
	}

	var n int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM logbook`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("row count = %d, want 3", n)
	}

	got, err := store.Load(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != "entry-009" || got[2].ID != "entry-007" {
		t.Errorf("Load() = %+v", got)
	}
}

func TestSQLiteStore_DuplicateIDRejected(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "logbook.db"), 10)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.Save(ctx, entryAt(1), nil); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, entryAt(1), nil); err == nil {
		t.Error("second Save with the same id should fail")
	}
}
