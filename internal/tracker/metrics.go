package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_cycles_total",
			Help: "Polling cycles by terminal status",
		},
		[]string{"status"},
	)
	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracker_cycle_duration_seconds",
			Help:    "Wall time of completed polling cycles",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
	crossingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_crossings_total",
			Help: "Thresholds newly crossed and persisted",
		},
		[]string{"tier"},
	)
	failuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_failures_total",
			Help: "Soft failures by kind",
		},
		[]string{"kind"},
	)
	eligibleGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_eligible_instruments",
			Help: "Eligible instruments seen by the last cycle",
		},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal, cycleDuration, crossingsTotal, failuresTotal, eligibleGauge)
}

func observeCycle(r *CycleReport) {
	cyclesTotal.WithLabelValues(string(r.Status)).Inc()
	cycleDuration.Observe(r.Finished.Sub(r.Started).Seconds())
	eligibleGauge.Set(float64(r.Eligible))
	for _, f := range r.Failures {
		failuresTotal.WithLabelValues(string(f.Kind)).Inc()
	}
}
