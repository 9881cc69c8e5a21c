package syncer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeSkipped = "skipped"

	rejectInProgress = "in_progress"
	rejectOffline    = "offline"
)

// Metrics records sync activity. A nil *Metrics records nothing.
type Metrics struct {
	cycles        *prometheus.CounterVec
	pushes        *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	pending       prometheus.Gauge
}

// NewMetrics registers the sync collectors on registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notesync_cycles_total",
				Help: "Total number of sync cycles by outcome",
			},
			[]string{"outcome"},
		),
		pushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notesync_pushes_total",
				Help: "Total number of pushed pending changes by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		rejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notesync_rejected_triggers_total",
				Help: "Total number of sync requests rejected before starting",
			},
			[]string{"reason"},
		),
		cycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "notesync_cycle_duration_seconds",
				Help:    "Duration of sync cycles",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		pending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "notesync_pending_changes",
				Help: "Current number of queued pending changes",
			},
		),
	}
}

func (m *Metrics) observeCycle(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
	m.cycleDuration.Observe(duration.Seconds())
}

func (m *Metrics) observePush(action, outcome string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) observeRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) setPending(count int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(count))
}
