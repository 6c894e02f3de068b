package metrics

import (
	"hyperseeder/pkg/mux"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hyperseeder"

var (
	DefaultRegisterer = prometheus.DefaultRegisterer
	DefaultGatherer   = prometheus.DefaultGatherer
)

var (
	RegistrationRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registration_requests_total",
		Help:      "Total number of requests to start seeding a log.",
	})

	ItemsSeededTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "items_seeded_total",
		Help:      "Total number of logs seeding was started for.",
	})

	TrackedLogs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_logs",
		Help:      "Number of logs currently tracked by the seeder.",
	})

	EvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evictions_total",
		Help:      "Total number of logs dropped from tracking.",
	}, []string{"reason"})

	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "Total number of peer connections opened.",
	})

	FlushDurHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "flush_duration_seconds",
		Help:      "The duration of swarm announce flushes.",
	})

	RecordWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "record_writes_total",
		Help:      "Total number of conditional record writes.",
	}, []string{"result"})

	RPCRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_requests_total",
		Help:      "Total number of seeding protocol requests.",
	}, []string{"method", "direction"})

	BlocksReplicatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_replicated_total",
		Help:      "Total number of verified blocks downloaded from peers.",
	})
)

func Register() {
	DefaultRegisterer.MustRegister(RegistrationRequestsTotal)
	DefaultRegisterer.MustRegister(ItemsSeededTotal)
	DefaultRegisterer.MustRegister(TrackedLogs)
	DefaultRegisterer.MustRegister(EvictionsTotal)
	DefaultRegisterer.MustRegister(ConnectionsTotal)
	DefaultRegisterer.MustRegister(FlushDurHistogram)
	DefaultRegisterer.MustRegister(RecordWritesTotal)
	DefaultRegisterer.MustRegister(RPCRequestsTotal)
	DefaultRegisterer.MustRegister(BlocksReplicatedTotal)
	mux.RegisterMetrics(DefaultRegisterer)
}
