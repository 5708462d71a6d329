package mqtt

import (
	"sync"
	"time"
)

// DailyCounter counts analysis runs and alerts since local midnight.
type DailyCounter struct {
	mu       sync.Mutex
	runs     int64
	alerts   int64
	resetDay int
	loc      *time.Location
	now      func() time.Time
}

// NewDailyCounter uses loc for midnight detection; nil means time.Local.
func NewDailyCounter(loc *time.Location) *DailyCounter {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounter{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Record counts one completed run.
func (d *DailyCounter) Record(alert bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	d.runs++
	if alert {
		d.alerts++
	}
}

// Snapshot returns today's totals.
func (d *DailyCounter) Snapshot() (runs, alerts int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	return d.runs, d.alerts
}

func (d *DailyCounter) maybeReset() {
	if today := d.now().In(d.loc).YearDay(); today != d.resetDay {
		d.runs, d.alerts = 0, 0
		d.resetDay = today
	}
}
