package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nugget/vigil/internal/history"
	"github.com/nugget/vigil/internal/sensor"
	"github.com/nugget/vigil/internal/surface"
)

const hall = "sensor.motion.hall"

type fixture struct {
	store *surface.MemoryStore
	surf  *surface.Surface
	buf   *history.Buffer[sensor.Record]
	in    *Ingestor
}

func newFixture(t *testing.T, devices ...sensor.DeviceConfig) *fixture {
	t.Helper()
	if len(devices) == 0 {
		devices = []sensor.DeviceConfig{{ID: hall, Name: "Motion", Location: "Hall", Type: "motion"}}
	}
	store := surface.NewMemoryStore()
	surf := surface.New(store, nil, nil)
	buf := history.New[sensor.Record](50)
	in := New(sensor.NewRegistry(devices), buf, surf, Options{DebugSlots: 5, Location: time.UTC})
	return &fixture{store: store, surf: surf, buf: buf, in: in}
}

func (f *fixture) ingest(t *testing.T, id string, v sensor.Value, ts int64) Result {
	t.Helper()
	res, err := f.in.Ingest(context.Background(), Observation{SourceID: id, Value: v, Timestamp: ts, Confirmed: true})
	if err != nil {
		t.Fatalf("Ingest(%s, %v) error: %v", id, v, err)
	}
	return res
}

func TestIngest_DuplicateSuppression(t *testing.T) {
	f := newFixture(t)

	if got := f.ingest(t, hall, sensor.Number(5), 1000); got != Recorded {
		t.Fatalf("first ingest = %v, want recorded", got)
	}
	if got := f.ingest(t, hall, sensor.Number(5), 2000); got != Duplicate {
		t.Fatalf("repeat ingest = %v, want duplicate", got)
	}
	if f.buf.Len() != 1 {
		t.Fatalf("history length = %d after duplicate, want 1", f.buf.Len())
	}

	f.ingest(t, hall, sensor.Number(7), 3000)
	if got := f.ingest(t, hall, sensor.Number(5), 4000); got != Recorded {
		t.Errorf("A->B->A ingest = %v, want recorded", got)
	}
	if f.buf.Len() != 3 {
		t.Errorf("history length = %d, want 3", f.buf.Len())
	}
}

func TestIngest_DuplicateIsPerSensor(t *testing.T) {
	f := newFixture(t,
		sensor.DeviceConfig{ID: "a", Name: "A"},
		sensor.DeviceConfig{ID: "b", Name: "B"},
	)

	f.ingest(t, "a", sensor.Bool(true), 1)
	f.ingest(t, "b", sensor.Bool(true), 2)
	if got := f.ingest(t, "a", sensor.Bool(true), 3); got != Duplicate {
		t.Errorf("a repeated behind b = %v, want duplicate", got)
	}
}

func TestIngest_StrictTypeEquality(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, hall, sensor.Number(1), 1)
	if got := f.ingest(t, hall, sensor.String("1"), 2); got != Recorded {
		t.Errorf("number then string = %v, want recorded", got)
	}
}

func TestIngest_LogDuplicates(t *testing.T) {
	f := newFixture(t, sensor.DeviceConfig{ID: hall, LogDuplicates: true})

	f.ingest(t, hall, sensor.Bool(true), 1)
	if got := f.ingest(t, hall, sensor.Bool(true), 2); got != Recorded {
		t.Errorf("duplicate with log_duplicates = %v, want recorded", got)
	}
}

func TestIngest_UnknownAndUnconfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.in.Ingest(ctx, Observation{SourceID: "sensor.other", Value: sensor.Bool(true), Confirmed: true})
	if res != Unknown || err != nil {
		t.Errorf("unknown sensor = %v, %v", res, err)
	}
	res, err = f.in.Ingest(ctx, Observation{SourceID: hall, Value: sensor.Bool(true), Confirmed: false})
	if res != Unconfirmed || err != nil {
		t.Errorf("unconfirmed = %v, %v", res, err)
	}
	if f.buf.Len() != 0 {
		t.Errorf("history length = %d, want 0", f.buf.Len())
	}
}

func TestIngest_UsesConfiguredMetadata(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, hall, sensor.Bool(true), 1000)

	rec, _ := f.buf.Newest()
	if rec.Name != "Motion" || rec.Location != "Hall" || rec.Type != "motion" || rec.Timestamp != 1000 {
		t.Errorf("record = %+v", rec)
	}
}

func TestIngest_PersistsProjections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ingest(t, hall, sensor.Bool(true), time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC).UnixMilli())
	f.ingest(t, hall, sensor.Bool(false), time.Date(2024, 5, 1, 8, 31, 15, 0, time.UTC).UnixMilli())

	var last sensor.Record
	if found, err := f.surf.GetJSON(ctx, surface.NamespaceEvents, surface.KeyLastEvent, &last); !found || err != nil {
		t.Fatalf("lastEvent = %v, %v", found, err)
	}
	if v, _ := last.Value.AsBool(); v {
		t.Errorf("lastEvent value = %v, want false", last.Value)
	}

	var hist []sensor.Record
	f.surf.GetJSON(ctx, surface.NamespaceEvents, surface.KeyHistory, &hist)
	if len(hist) != 2 {
		t.Fatalf("history snapshot length = %d, want 2", len(hist))
	}

	want := map[string]string{
		"history_debug_00": "08:31:15 - Motion (Hall) -> false",
		"history_debug_01": "08:30:00 - Motion (Hall) -> true",
		"history_debug_02": "",
		"history_debug_04": "",
	}
	for key, w := range want {
		got, _ := f.store.Get(ctx, surface.NamespaceEvents, key)
		if got != w {
			t.Errorf("%s = %q, want %q", key, got, w)
		}
	}
}

type failingStore struct {
	*surface.MemoryStore
}

func (failingStore) Set(context.Context, string, string, string) error {
	return errors.New("disk full")
}

func TestIngest_PersistFailureStillRecords(t *testing.T) {
	buf := history.New[sensor.Record](10)
	in := New(sensor.NewRegistry([]sensor.DeviceConfig{{ID: hall}}), buf,
		surface.New(failingStore{surface.NewMemoryStore()}, nil, nil), Options{DebugSlots: 2})

	res, err := in.Ingest(context.Background(), Observation{SourceID: hall, Value: sensor.Bool(true), Confirmed: true})
	if res != Recorded {
		t.Fatalf("result = %v, want recorded", res)
	}
	if err == nil {
		t.Fatal("expected a persistence warning error")
	}
	if buf.Len() != 1 {
		t.Errorf("history length = %d, want 1", buf.Len())
	}
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, hall, sensor.Bool(true), 1)
	f.ingest(t, hall, sensor.Bool(false), 2)

	buf := history.New[sensor.Record](50)
	in := New(sensor.NewRegistry(nil), buf, f.surf, Options{})
	if n := in.Restore(context.Background()); n != 2 {
		t.Fatalf("Restore() = %d, want 2", n)
	}
	newest, _ := buf.Newest()
	if newest.Timestamp != 2 {
		t.Errorf("newest timestamp = %d, want 2", newest.Timestamp)
	}
}

func TestRestore_Corrupt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.Set(ctx, surface.NamespaceEvents, surface.KeyHistory, "[{broken")

	if n := f.in.Restore(ctx); n != 0 {
		t.Errorf("Restore() = %d, want 0", n)
	}
	if f.buf.Len() != 0 {
		t.Errorf("history length = %d, want 0", f.buf.Len())
	}
}

func TestSlotValues_ZeroSlots(t *testing.T) {
	if got := SlotValues(nil, 0, time.UTC); len(got) != 0 {
		t.Errorf("SlotValues(0) = %v, want empty", got)
	}
}
