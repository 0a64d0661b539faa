// Package telemetry provides Prometheus metrics for sockets, announcements and reconciliation.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ConnectionsOpened     *prometheus.CounterVec
	ConnectionsTerminated *prometheus.CounterVec
	Announcements         *prometheus.CounterVec
	Duplicates            *prometheus.CounterVec
	Cooldowns             *prometheus.CounterVec
	PostFailures          *prometheus.CounterVec
	ReconcileRuns         prometheus.Counter
	ReconcileErrors       prometheus.Counter
	Acknowledgements      prometheus.Counter

	// Histograms (seconds)
	ConnectionLifetime *prometheus.HistogramVec
)

// Init registers metrics (idempotent). Recording helpers are no-ops before Init.
func Init() {
	once.Do(func() {
		ConnectionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{Name: "npsp_connections_opened_total", Help: "Event sockets opened"}, []string{"kind"})
		ConnectionsTerminated = promauto.NewCounterVec(prometheus.CounterOpts{Name: "npsp_connections_terminated_total", Help: "Event sockets closed, by reason"}, []string{"kind", "reason"})
		Announcements = promauto.NewCounterVec(prometheus.CounterOpts{Name: "npsp_announcements_total", Help: "Items announced, by room and origin"}, []string{"room", "origin"})
		Duplicates = promauto.NewCounterVec(prometheus.CounterOpts{Name: "npsp_duplicates_total", Help: "Observations of already-seen items"}, []string{"room", "feed_key"})
		Cooldowns = promauto.NewCounterVec(prometheus.CounterOpts{Name: "npsp_post_cooldowns_total", Help: "Rate-limit responses received while posting"}, []string{"room"})
		PostFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "npsp_post_failures_total", Help: "Posts that failed after the bounded retry"}, []string{"room"})
		ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{Name: "npsp_reconcile_runs_total", Help: "Reconciliation passes"})
		ReconcileErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "npsp_reconcile_errors_total", Help: "Reconciliation passes that failed"})
		Acknowledgements = promauto.NewCounter(prometheus.CounterOpts{Name: "npsp_chat_acks_total", Help: "Chat messages acknowledged"})
		ConnectionLifetime = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "npsp_connection_lifetime_seconds",
			Help:    "How long event sockets stayed open",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"kind"})
	})
}

// RecordOpen counts a newly opened socket.
func RecordOpen(kind string) {
	if ConnectionsOpened != nil {
		ConnectionsOpened.WithLabelValues(kind).Inc()
	}
}

// RecordClose counts a socket termination and its lifetime.
func RecordClose(kind, reason string, seconds float64) {
	if ConnectionsTerminated != nil {
		ConnectionsTerminated.WithLabelValues(kind, reason).Inc()
	}
	if ConnectionLifetime != nil {
		ConnectionLifetime.WithLabelValues(kind).Observe(seconds)
	}
}

// RecordAnnouncement counts an item posted to a room.
func RecordAnnouncement(room, origin string) {
	if Announcements != nil {
		Announcements.WithLabelValues(room, origin).Inc()
	}
}

// RecordDuplicate counts an observation that was rejected as already seen.
func RecordDuplicate(room, feedKey string) {
	if Duplicates != nil {
		Duplicates.WithLabelValues(room, feedKey).Inc()
	}
}

// RecordCooldown counts a rate-limit response.
func RecordCooldown(room string) {
	if Cooldowns != nil {
		Cooldowns.WithLabelValues(room).Inc()
	}
}

// RecordPostFailure counts a post that failed for good.
func RecordPostFailure(room string) {
	if PostFailures != nil {
		PostFailures.WithLabelValues(room).Inc()
	}
}

// RecordReconcile counts a reconciliation pass and whether it failed.
func RecordReconcile(err error) {
	if ReconcileRuns != nil {
		ReconcileRuns.Inc()
	}
	if err != nil && ReconcileErrors != nil {
		ReconcileErrors.Inc()
	}
}

// RecordAck counts an acknowledged chat message.
func RecordAck() {
	if Acknowledgements != nil {
		Acknowledgements.Inc()
	}
}
