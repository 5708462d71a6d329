package surface

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/vigil/internal/events"
)

func TestDebugSlotKey(t *testing.T) {
	tests := map[int]string{0: "history_debug_00", 4: "history_debug_04", 12: "history_debug_12"}
	for i, want := range tests {
		if got := DebugSlotKey(i); got != want {
			t.Errorf("DebugSlotKey(%d) = %q, want %q", i, got, want)
		}
	}
}

func TestSurface_BoolRoundTrip(t *testing.T) {
	s := New(NewMemoryStore(), nil, nil)
	ctx := context.Background()

	got, err := s.Bool(ctx, NamespaceAnalysis, KeyIsAlert)
	if err != nil || got {
		t.Fatalf("Bool(unset) = %v, %v; want false, nil", got, err)
	}

	if err := s.SetBool(ctx, NamespaceAnalysis, KeyIsAlert, true); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Bool(ctx, NamespaceAnalysis, KeyIsAlert); !got {
		t.Error("Bool() = false after SetBool(true)")
	}

	if err := s.Set(ctx, NamespaceAnalysis, KeyIsAlert, "garbage"); err != nil {
		t.Fatal(err)
	}
	if got, err := s.Bool(ctx, NamespaceAnalysis, KeyIsAlert); err != nil || got {
		t.Errorf("Bool(garbage) = %v, %v; want false, nil", got, err)
	}
}

func TestSurface_JSON(t *testing.T) {
	s := New(NewMemoryStore(), nil, nil)
	ctx := context.Background()

	var out []int
	found, err := s.GetJSON(ctx, NamespaceEvents, KeyHistory, &out)
	if found || err != nil {
		t.Fatalf("GetJSON(unset) = %v, %v", found, err)
	}

	if err := s.SetJSON(ctx, NamespaceEvents, KeyHistory, []int{3, 2, 1}); err != nil {
		t.Fatal(err)
	}
	found, err = s.GetJSON(ctx, NamespaceEvents, KeyHistory, &out)
	if !found || err != nil {
		t.Fatalf("GetJSON = %v, %v", found, err)
	}
	if len(out) != 3 || out[0] != 3 {
		t.Errorf("GetJSON decoded %v, want [3 2 1]", out)
	}

	s.Set(ctx, NamespaceEvents, KeyHistory, "{not json")
	if found, err := s.GetJSON(ctx, NamespaceEvents, KeyHistory, &out); !found || err == nil {
		t.Errorf("GetJSON(corrupt) = %v, %v; want true, error", found, err)
	}
}

func TestSurface_PublishesChanges(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	s := New(NewMemoryStore(), bus, nil)
	ctx := context.Background()

	if err := s.SetMany(ctx, NamespaceEvents, map[string]string{
		KeyLastEvent: "{}",
		KeyHistory:   "[]",
	}); err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	for range 2 {
		select {
		case ev := <-ch:
			if ev.Kind != events.KindStateSet || ev.Data["namespace"] != NamespaceEvents {
				t.Errorf("unexpected event %+v", ev)
			}
			seen[ev.Data["key"].(string)] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for state_set events")
		}
	}
	if !seen[KeyLastEvent] || !seen[KeyHistory] {
		t.Errorf("missing keys in published events: %v", seen)
	}
}
