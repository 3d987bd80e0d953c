package observability

// This file provides the poll loop's Prometheus collectors. They live under
// the slothunter namespace, split by subsystem:
//
//   - poll:   cycles by outcome, fetch errors by kind, new slots, cycle time
//   - notify: notification attempts by result
//   - store:  the current seen-set size
//
// The HTTP series of the ops server are registered separately by the
// middleware package.

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cycle outcomes recorded on slothunter_poll_cycles_total.
const (
	OutcomeOK        = "ok"
	OutcomeTransient = "transient"
	OutcomeAuth      = "auth"
	OutcomeUnknown   = "unknown"
	OutcomeCorrupt   = "store_corrupt"
)

// HunterMetrics exposes counters, gauges and histograms for the poll loop.
// A nil *HunterMetrics is valid and records nothing.
type HunterMetrics struct {
	cycles        *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec
	newSlots      prometheus.Counter
	notifications *prometheus.CounterVec
	seenSlots     prometheus.Gauge
	cycleDuration prometheus.Histogram
}

// NewHunterMetrics builds the collectors and registers them on reg.
// A nil reg registers on the default registry.
func NewHunterMetrics(reg prometheus.Registerer) *HunterMetrics {
	m := &HunterMetrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slothunter",
			Subsystem: "poll",
			Name:      "cycles_total",
			Help:      "Poll cycles by outcome.",
		}, []string{"outcome"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slothunter",
			Subsystem: "poll",
			Name:      "fetch_errors_total",
			Help:      "Failed fetches by error kind.",
		}, []string{"kind"}),
		newSlots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slothunter",
			Subsystem: "poll",
			Name:      "new_slots_total",
			Help:      "Slots reported as new by the diff.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slothunter",
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Notification attempts by result.",
		}, []string{"result"}),
		seenSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "slothunter",
			Subsystem: "store",
			Name:      "seen_slots",
			Help:      "Size of the persisted seen-set after the last successful load or save.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "slothunter",
			Subsystem: "poll",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one fetch-diff-notify cycle.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.cycles, m.fetchErrors, m.newSlots, m.notifications, m.seenSlots, m.cycleDuration)
	return m
}

// ObserveCycle counts one finished cycle under outcome (one of the Outcome*
// constants) and records its wall time.
func (m *HunterMetrics) ObserveCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

// ObserveFetchError counts a failed portal call by its classified kind
// ("transient", "auth" or "unknown").
func (m *HunterMetrics) ObserveFetchError(kind string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(kind).Inc()
}

// AddNewSlots adds n diffed-new slots. Non-positive n is ignored.
func (m *HunterMetrics) AddNewSlots(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.newSlots.Add(float64(n))
}

// ObserveNotification records a delivery attempt; delivered=false counts as "failed".
func (m *HunterMetrics) ObserveNotification(delivered bool) {
	if m == nil {
		return
	}
	result := "failed"
	if delivered {
		result = "delivered"
	}
	m.notifications.WithLabelValues(result).Inc()
}

// SetSeenSlots publishes the seen-set size. The loop calls it after every
// load and save; startup seeds it from the store before the first cycle.
func (m *HunterMetrics) SetSeenSlots(n int) {
	if m == nil {
		return
	}
	m.seenSlots.Set(float64(n))
}
