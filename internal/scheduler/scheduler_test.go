package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/vigil/internal/history"
	"github.com/nugget/vigil/internal/sensor"
)

type countingRunner struct{ n atomic.Int32 }

func (c *countingRunner) Trigger(context.Context, string) bool {
	c.n.Add(1)
	return true
}

type fakeAlerts struct {
	mu    sync.Mutex
	alert bool
	calls int
}

func (f *fakeAlerts) ClearStaleAlert(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if !f.alert {
		return false, nil
	}
	f.alert = false
	return true, nil
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newScheduler(now time.Time) (*Scheduler, *history.Buffer[sensor.Record], *countingRunner, *fakeAlerts) {
	buf := history.New[sensor.Record](50)
	runner := &countingRunner{}
	alerts := &fakeAlerts{}
	s := New(Options{
		History: buf,
		Runner:  runner,
		Alerts:  alerts,
		Now:     func() time.Time { return now },
	})
	return s, buf, runner, alerts
}

func TestTick_EmptyHistory(t *testing.T) {
	s, _, runner, alerts := newScheduler(base)
	s.Arm(15 * time.Minute)
	defer s.Stop()
	alerts.alert = true

	if got := s.Tick(context.Background()); got != ActionSkipEmpty {
		t.Errorf("Tick() = %v, want %v", got, ActionSkipEmpty)
	}
	if runner.n.Load() != 0 {
		t.Error("runner triggered on empty history")
	}
	if alerts.calls != 0 || !alerts.alert {
		t.Error("alert flag touched on empty history")
	}
}

func TestTick_StaleClearsAlert(t *testing.T) {
	s, buf, runner, alerts := newScheduler(base)
	s.Arm(15 * time.Minute)
	defer s.Stop()
	buf.PushFront(sensor.Record{Timestamp: base.Add(-16 * time.Minute).UnixMilli()})
	alerts.alert = true

	if got := s.Tick(context.Background()); got != ActionSkipStale {
		t.Errorf("Tick() = %v, want %v", got, ActionSkipStale)
	}
	if alerts.alert {
		t.Error("alert not cleared")
	}
	if runner.n.Load() != 0 {
		t.Error("runner triggered on stale history")
	}
}

func TestTick_FreshRuns(t *testing.T) {
	s, buf, runner, alerts := newScheduler(base)
	s.Arm(15 * time.Minute)
	defer s.Stop()
	buf.PushFront(sensor.Record{Timestamp: base.Add(-15 * time.Minute).UnixMilli()})

	if got := s.Tick(context.Background()); got != ActionRun {
		t.Errorf("Tick() = %v, want %v", got, ActionRun)
	}
	if runner.n.Load() != 1 {
		t.Errorf("triggers = %d, want 1", runner.n.Load())
	}
	if alerts.calls != 0 {
		t.Error("alert cleared on fresh history")
	}
}

func TestArm_FiresRepeatedly(t *testing.T) {
	s, buf, runner, _ := newScheduler(base)
	buf.PushFront(sensor.Record{Timestamp: base.UnixMilli()})

	s.Arm(10 * time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for runner.n.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	if runner.n.Load() < 3 {
		t.Fatalf("triggers = %d, want at least 3", runner.n.Load())
	}

	after := runner.n.Load()
	time.Sleep(50 * time.Millisecond)
	if got := runner.n.Load(); got > after+1 {
		t.Errorf("timer kept firing after Stop: %d -> %d", after, got)
	}
}

func TestArm_ZeroDisarms(t *testing.T) {
	s, buf, runner, _ := newScheduler(base)
	buf.PushFront(sensor.Record{Timestamp: base.UnixMilli()})

	s.Arm(10 * time.Millisecond)
	s.Arm(0)
	if s.Interval() != 0 {
		t.Errorf("Interval() = %v, want 0", s.Interval())
	}

	time.Sleep(60 * time.Millisecond)
	if got := runner.n.Load(); got > 1 {
		t.Errorf("triggers after disarm = %d", got)
	}
}

func TestArm_ReplacesTimer(t *testing.T) {
	s, _, _, _ := newScheduler(base)
	s.Arm(time.Hour)
	first := s.timer
	s.Arm(2 * time.Hour)
	defer s.Stop()

	if s.timer == first {
		t.Error("Arm did not replace the timer")
	}
	if first.Stop() {
		t.Error("previous timer still active after re-arm")
	}
	if s.Interval() != 2*time.Hour {
		t.Errorf("Interval() = %v", s.Interval())
	}
}
