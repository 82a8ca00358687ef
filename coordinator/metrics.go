package coordinator

import "github.com/prometheus/client_golang/prometheus"

const namespace = "rollupnc"

type metrics struct {
	depositsQueued   prometheus.Counter
	merges           prometheus.Counter
	batchesCertified prometheus.Counter
	oracleRejections prometheus.Counter
	pendingDeposits  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		depositsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_queued_total",
			Help:      "Deposits pulled from settlement into the pending subtree.",
		}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposit_merges_total",
			Help:      "Deposit subtrees merged into the balance tree.",
		}),
		batchesCertified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_certified_total",
			Help:      "Batches certified by the oracle and accepted by settlement.",
		}),
		oracleRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_rejections_total",
			Help:      "Batches the oracle refused to certify.",
		}),
		pendingDeposits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_deposits",
			Help:      "Deposits waiting in the current subtree.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.depositsQueued, m.merges, m.batchesCertified, m.oracleRejections, m.pendingDeposits)
	}
	return m
}
