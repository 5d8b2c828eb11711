// Package metrics exposes the service's prometheus collectors, laid out
// the way the teacher's metrics.go does: one var block of collectors plus
// Record* helpers. The collectors are registered and served through
// Handler; no other package of the service calls the Record* helpers or
// updates the collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsvc_messages_accepted_total",
		Help: "Total number of messages accepted on the primary for their chat",
	}, []string{"type"})

	MessagesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsvc_messages_rejected_total",
		Help: "Total number of messages rejected, by error kind",
	}, []string{"kind"})

	ReplicationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatsvc_replication_latency_seconds",
		Help:    "Time spent waiting for a replication job's quorum",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	ReplicationQuorumFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsvc_replication_quorum_failures_total",
		Help: "Total number of replication jobs that failed to reach quorum W",
	})

	ChatsTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsvc_chats_tracked",
		Help: "Current number of chats tracked in the local registry",
	})

	ZombiesDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsvc_zombie_chats_total",
		Help: "Total number of chats flagged as zombies by the garbage collector",
	})

	ArchiveJobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsvc_archive_jobs_enqueued_total",
		Help: "Total number of archive jobs successfully enqueued",
	})

	HashringSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsvc_hashring_positions",
		Help: "Current number of positions on the hashring",
	})
)

func init() {
	prometheus.MustRegister(
		MessagesAccepted,
		MessagesRejected,
		ReplicationLatency,
		ReplicationQuorumFailures,
		ChatsTracked,
		ZombiesDetected,
		ArchiveJobsEnqueued,
		HashringSize,
	)
}

// RecordMessageAccepted increments the accepted-message counter for type.
func RecordMessageAccepted(msgType string) {
	MessagesAccepted.WithLabelValues(msgType).Inc()
}

// RecordMessageRejected increments the rejected-message counter for kind.
func RecordMessageRejected(kind string) {
	MessagesRejected.WithLabelValues(kind).Inc()
}

// Handler returns the promhttp handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
