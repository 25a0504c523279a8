package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Hit types
const (
	HitOpen        = "open"
	HitClick       = "click"
	HitUnsubscribe = "unsubscribe"
	HitInvalid     = "invalid"
)

// Metrics holds all Prometheus metrics of the mailing service
type Metrics struct {
	// Tracking
	HitsTotal        *prometheus.CounterVec
	HitBufferSize    prometheus.Gauge
	HitsDroppedTotal prometheus.Counter

	// Sending
	EmailsSentTotal   *prometheus.CounterVec
	EmailsFailedTotal *prometheus.CounterVec
	BroadcastsTotal   prometheus.Counter
	MailingsByStatus  *prometheus.GaugeVec

	// Data
	UsersImportedTotal prometheus.Counter
	MigratedRowsTotal  *prometheus.CounterVec

	// HTTP
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec
	HTTPErrorsTotal            *prometheus.CounterVec
	RateLimitExceededTotal     prometheus.Counter

	// System
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		HitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailing_tracking_hits_total",
				Help: "Total number of tracking requests by type",
			},
			[]string{"type"},
		),
		HitBufferSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailing_tracking_buffer_size",
				Help: "Number of hits waiting to be flushed to the database",
			},
		),
		HitsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailing_tracking_hits_dropped_total",
				Help: "Total number of buffered hits rejected by the database",
			},
		),

		EmailsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailing_emails_sent_total",
				Help: "Total number of emails accepted by the SMTP relay",
			},
			[]string{"mailer"},
		),
		EmailsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailing_emails_failed_total",
				Help: "Total number of emails that could not be sent",
			},
			[]string{"mailer", "error_type"},
		),
		BroadcastsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailing_broadcasts_total",
				Help: "Total number of finished broadcasts",
			},
		),
		MailingsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailing_mailings",
				Help: "Number of mailings per workflow status",
			},
			[]string{"status"},
		),

		UsersImportedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailing_users_imported_total",
				Help: "Total number of users registered through CSV import",
			},
		),
		MigratedRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailing_migrated_rows_total",
				Help: "Total number of rows moved by migrations",
			},
			[]string{"source", "entity"},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailing_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailing_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"method", "path"},
		),
		HTTPErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailing_http_errors_total",
				Help: "Total number of HTTP error responses",
			},
			[]string{"error_type"},
		),
		RateLimitExceededTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailing_ratelimit_exceeded_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailing_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailing_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailing_storage_used_bytes",
				Help: "Hit buffer file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.HitsTotal,
		m.HitBufferSize,
		m.HitsDroppedTotal,
		m.EmailsSentTotal,
		m.EmailsFailedTotal,
		m.BroadcastsTotal,
		m.MailingsByStatus,
		m.UsersImportedTotal,
		m.MigratedRowsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDurationSeconds,
		m.HTTPErrorsTotal,
		m.RateLimitExceededTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncHits increments the tracking hit counter
func IncHits(hitType string) {
	if m := Global(); m != nil {
		m.HitsTotal.WithLabelValues(hitType).Inc()
	}
}

// SetHitBufferSize sets the number of buffered hits
func SetHitBufferSize(n int) {
	if m := Global(); m != nil {
		m.HitBufferSize.Set(float64(n))
	}
}

// IncHitsDropped increments the dropped hit counter
func IncHitsDropped() {
	if m := Global(); m != nil {
		m.HitsDroppedTotal.Inc()
	}
}

// IncEmailsSent increments the sent email counter
func IncEmailsSent(mailer string) {
	if m := Global(); m != nil {
		m.EmailsSentTotal.WithLabelValues(mailer).Inc()
	}
}

// IncEmailsFailed increments the failed email counter
func IncEmailsFailed(mailer, errorType string) {
	if m := Global(); m != nil {
		m.EmailsFailedTotal.WithLabelValues(mailer, errorType).Inc()
	}
}

// IncBroadcasts increments the finished broadcast counter
func IncBroadcasts() {
	if m := Global(); m != nil {
		m.BroadcastsTotal.Inc()
	}
}

// AddUsersImported adds to the imported user counter
func AddUsersImported(n int) {
	if m := Global(); m != nil {
		m.UsersImportedTotal.Add(float64(n))
	}
}

// AddMigratedRows adds to the migrated rows counter
func AddMigratedRows(source, entity string, n int) {
	if m := Global(); m != nil {
		m.MigratedRowsTotal.WithLabelValues(source, entity).Add(float64(n))
	}
}

// IncRateLimitExceeded increments the rate limit counter
func IncRateLimitExceeded() {
	if m := Global(); m != nil {
		m.RateLimitExceededTotal.Inc()
	}
}
