package consumer

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "kinesis_consumer"

type metrics struct {
	ownedShards     prometheus.Gauge
	claims          *prometheus.CounterVec
	leaseLost       prometheus.Counter
	checkpoints     prometheus.Counter
	handlerFailures prometheus.Counter
}

func newMetrics(streamName string) *metrics {
	labels := prometheus.Labels{"stream": streamName}
	return &metrics{
		ownedShards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "owned_shards",
			Help:        "Number of shards currently owned by this instance.",
			ConstLabels: labels,
		}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "claim_attempts_total",
			Help:        "Shard lock acquisition attempts by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		leaseLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "leases_lost_total",
			Help:        "Shard leases lost to expiry or to another instance.",
			ConstLabels: labels,
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "checkpoints_total",
			Help:        "Checkpoints written.",
			ConstLabels: labels,
		}),
		handlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "handler_failures_total",
			Help:        "Failed handler invocations, retries included.",
			ConstLabels: labels,
		}),
	}
}

func (m *metrics) register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.ownedShards, m.claims, m.leaseLost, m.checkpoints, m.handlerFailures} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
