// Package metrics holds the Prometheus instruments for the pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vigil"

// Metrics holds all Prometheus metrics for Vigil.
type Metrics struct {
	IngestTotal   *prometheus.CounterVec
	HistoryLength prometheus.Gauge

	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	RunsCoalesced   prometheus.Counter
	Alert           prometheus.Gauge
	LogbookLength   prometheus.Gauge
	SchedulerTicks  *prometheus.CounterVec
	NotifyFailures  prometheus.Counter
	TriggersTotal   *prometheus.CounterVec
	StateWriteFails prometheus.Counter
	ServiceUp       *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates and registers the metrics on reg. Pass
// prometheus.NewRegistry() in tests; nil uses the default registry.
func New(reg *prometheus.Registry) *Metrics {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	f := promauto.With(registerer)

	return &Metrics{
		IngestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "observations_total",
			Help:      "Sensor observations by ingest result.",
		}, []string{"result"}), // result: recorded, duplicate, unknown, unconfirmed, restored
		HistoryLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "history_length",
			Help:      "Records currently held in the event history.",
		}),
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "runs_total",
			Help:      "Analysis runs by outcome.",
		}, []string{"outcome"}), // outcome: ok, failed, not_configured, empty_history
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "run_duration_seconds",
			Help:      "Duration of completed text-completion calls.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		RunsCoalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "runs_coalesced_total",
			Help:      "Triggers folded into a pending rerun because a run was in flight.",
		}),
		Alert: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "alert",
			Help:      "Current alert flag (1 alert, 0 clear).",
		}),
		LogbookLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "logbook",
			Name:      "entries",
			Help:      "Entries currently held in the logbook.",
		}),
		SchedulerTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler ticks by action.",
		}, []string{"action"}), // action: run, skip_empty, skip_stale
		NotifyFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "failures_total",
			Help:      "Alert notifications that could not be delivered.",
		}),
		TriggersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trigger",
			Name:      "activations_total",
			Help:      "Manual trigger rising edges by origin.",
		}, []string{"origin"}),
		StateWriteFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "write_failures_total",
			Help:      "Failed writes to the persisted state surface.",
		}),
		ServiceUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_up",
			Help:      "Reachability of external services as seen by connwatch.",
		}, []string{"service"}),
		gatherer: gatherer,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveIngest counts one ingest result and updates the history size.
func (m *Metrics) ObserveIngest(result string, historyLen int) {
	if m == nil {
		return
	}
	m.IngestTotal.WithLabelValues(result).Inc()
	m.HistoryLength.Set(float64(historyLen))
}

// ObserveRun counts one analysis run. Duration is recorded only for
// runs that reached the completion service.
func (m *Metrics) ObserveRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.RunDuration.Observe(d.Seconds())
	}
}

// ObserveCoalesced counts a trigger absorbed by an in-flight run.
func (m *Metrics) ObserveCoalesced() {
	if m == nil {
		return
	}
	m.RunsCoalesced.Inc()
}

// SetAlert mirrors the alert flag.
func (m *Metrics) SetAlert(alert bool) {
	if m == nil {
		return
	}
	if alert {
		m.Alert.Set(1)
	} else {
		m.Alert.Set(0)
	}
}

// SetLogbookLen records the logbook size.
func (m *Metrics) SetLogbookLen(n int) {
	if m == nil {
		return
	}
	m.LogbookLength.Set(float64(n))
}

// ObserveTick counts one scheduler tick.
func (m *Metrics) ObserveTick(action string) {
	if m == nil {
		return
	}
	m.SchedulerTicks.WithLabelValues(action).Inc()
}

// ObserveNotifyFailure counts an undelivered notification.
func (m *Metrics) ObserveNotifyFailure() {
	if m == nil {
		return
	}
	m.NotifyFailures.Inc()
}

// ObserveTrigger counts a manual trigger by origin (api, mqtt, cli,
// surface).
func (m *Metrics) ObserveTrigger(origin string) {
	if m == nil {
		return
	}
	m.TriggersTotal.WithLabelValues(origin).Inc()
}

// ObserveStateWriteFailure counts a failed state surface write.
func (m *Metrics) ObserveStateWriteFailure() {
	if m == nil {
		return
	}
	m.StateWriteFails.Inc()
}

// SetServiceUp records whether an external service is reachable.
func (m *Metrics) SetServiceUp(service string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.ServiceUp.WithLabelValues(service).Set(v)
}
