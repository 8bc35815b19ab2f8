package chartsession

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ehr/dentalchart/internal/platform/reload"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dental",
		Subsystem: "chart",
		Name:      "active_sessions",
		Help:      "Open chart sessions",
	})

	// Labels: kind (initial, post-write, realtime, manual), outcome (applied, discarded, failed)
	reloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dental",
		Subsystem: "chart",
		Name:      "reloads_total",
		Help:      "Chart reloads by trigger and outcome",
	}, []string{"kind", "outcome"})

	reloadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dental",
		Subsystem: "chart",
		Name:      "reload_duration_seconds",
		Help:      "Time from reload start to apply or discard",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"kind"})

	// Labels: outcome (created, updated, failed)
	sectionWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dental",
		Subsystem: "consultation",
		Name:      "section_writes_total",
		Help:      "Autosaved consultation section writes",
	}, []string{"outcome"})

	// Labels: result (accepted, low_confidence, invalid)
	extractionPayloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dental",
		Subsystem: "extraction",
		Name:      "payloads_total",
		Help:      "Voice extraction payloads by gate result",
	}, []string{"result"})

	realtimeEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dental",
		Subsystem: "chart",
		Name:      "realtime_events_total",
		Help:      "Change notifications received by chart sessions",
	})
)

// reloadObserver feeds scheduler outcomes into the reload metrics.
type reloadObserver struct{}

func (reloadObserver) ReloadFinished(t reload.Trigger, outcome reload.Outcome, elapsed time.Duration) {
	reloadsTotal.WithLabelValues(string(t.Kind), string(outcome)).Inc()
	reloadDuration.WithLabelValues(string(t.Kind)).Observe(elapsed.Seconds())
}
