package telemetry

import "github.com/prometheus/client_golang/prometheus"

var OutboxPushedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "syncore",
		Subsystem: "outbox",
		Name:      "pushed_total",
		Help:      "Total number of outbox entries accepted by Push.",
	},
	[]string{"intent"},
)

var OutboxCompletedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "syncore",
		Subsystem: "outbox",
		Name:      "completed_total",
		Help:      "Total number of outbox entries that reached Completed.",
	},
)

var OutboxDeadLetteredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "syncore",
		Subsystem: "outbox",
		Name:      "dead_lettered_total",
		Help:      "Total number of outbox entries that reached DeadLetter, by reason.",
	},
	[]string{"reason"},
)

var OutboxRetriesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "syncore",
		Subsystem: "outbox",
		Name:      "retries_total",
		Help:      "Total number of Fail calls that scheduled a retry.",
	},
)

var OutboxQueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "syncore",
		Subsystem: "outbox",
		Name:      "queue_depth",
		Help:      "Current outbox entry count by state and intent kind.",
	},
	[]string{"state", "intent"},
)

var KeyringEncryptTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "syncore",
		Subsystem: "keyring",
		Name:      "encrypt_total",
		Help:      "Total number of successful Keyring.Encrypt calls.",
	},
)

var KeyringDecryptTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "syncore",
		Subsystem: "keyring",
		Name:      "decrypt_total",
		Help:      "Total number of successful Keyring.Decrypt calls.",
	},
)

var KeyringDecryptFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "syncore",
		Subsystem: "keyring",
		Name:      "decrypt_failures_total",
		Help:      "Total number of failed Keyring.Decrypt calls, by failure kind.",
	},
	[]string{"kind"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "syncore",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency of the debug HTTP surface, by method/route/status.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

var StoreSaveDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "syncore",
		Subsystem: "store",
		Name:      "save_duration_seconds",
		Help:      "Time spent encrypting and writing the offline store to disk.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	},
)

// All returns every syncore metric for registration against a
// prometheus.Registerer.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		OutboxPushedTotal,
		OutboxCompletedTotal,
		OutboxDeadLetteredTotal,
		OutboxRetriesTotal,
		OutboxQueueDepth,
		HTTPRequestDuration,
		KeyringEncryptTotal,
		KeyringDecryptTotal,
		KeyringDecryptFailuresTotal,
		StoreSaveDuration,
	}
}
