package obs

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	// RecomputeTicks counts completed recompute job ticks.
	RecomputeTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "covtrack_recompute_ticks_total",
		Help: "Completed recompute job ticks.",
	})

	// FacilitiesProcessed counts per-facility recompute outcomes.
	FacilitiesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "covtrack_facilities_processed_total",
		Help: "Facility recompute units by outcome.",
	}, []string{"outcome"})

	// FacilitiesPaused tracks facilities currently paused on integrity errors.
	FacilitiesPaused = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "covtrack_facilities_paused",
		Help: "Facilities whose recompute is paused pending operator replay.",
	})

	// EventsGenerated counts compliance events materialized by the scheduler.
	EventsGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "covtrack_events_generated_total",
		Help: "Compliance events generated from obligation templates.",
	})

	// RemindersFired counts reminder instructions handed to the notifier.
	RemindersFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "covtrack_reminders_fired_total",
		Help: "Reminder fire instructions handed off, by channel.",
	}, []string{"channel"})

	// RetriesTotal counts transient-error retries at facility granularity.
	RetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "covtrack_recompute_retries_total",
		Help: "Transient-error retries during facility recompute.",
	})
)

// Register registers all engine metrics with the default registry.
// Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RecomputeTicks,
			FacilitiesProcessed,
			FacilitiesPaused,
			EventsGenerated,
			RemindersFired,
			RetriesTotal,
		)
	})
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
