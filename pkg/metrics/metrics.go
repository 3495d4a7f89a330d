package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	HostsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tendhost_hosts_total",
			Help: "Total number of registered hosts by state",
		},
		[]string{"state"},
	)

	HostStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tendhost_host_state_transitions_total",
			Help: "Total number of host state transitions by from and to state",
		},
		[]string{"from", "to"},
	)

	HostFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tendhost_host_failures_total",
			Help: "Total number of times a host entered the failed state",
		},
		[]string{"host"},
	)

	// Update metrics
	HostUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tendhost_host_updates_total",
			Help: "Total number of completed host updates by dry-run flag",
		},
		[]string{"host", "dry_run"},
	)

	HostRebootsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tendhost_host_reboots_total",
			Help: "Total number of reboots issued to hosts",
		},
		[]string{"host"},
	)

	// Fleet update metrics
	FleetUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tendhost_fleet_updates_total",
			Help: "Total number of fleet update runs",
		},
	)

	FleetUpdateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tendhost_fleet_update_duration_seconds",
			Help:    "Fleet update run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800}, // 1s to 30min
		},
	)

	FleetHostsUpdatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tendhost_fleet_hosts_updated_total",
			Help: "Total number of hosts processed by fleet updates, by outcome",
		},
		[]string{"outcome"},
	)

	// Event bus metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tendhost_events_published_total",
			Help: "Total number of events published to the bus by type",
		},
		[]string{"type"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tendhost_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tendhost_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(HostsTotal)
	prometheus.MustRegister(HostStateTransitionsTotal)
	prometheus.MustRegister(HostFailuresTotal)
	prometheus.MustRegister(HostUpdatesTotal)
	prometheus.MustRegister(HostRebootsTotal)
	prometheus.MustRegister(FleetUpdatesTotal)
	prometheus.MustRegister(FleetUpdateDuration)
	prometheus.MustRegister(FleetHostsUpdatedTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
