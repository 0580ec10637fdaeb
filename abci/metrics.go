package abci

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts the operator-visible anchoring events. Counters are
// created unregistered so tests can build many apps; Register attaches them
// to a registry once at startup.
type Metrics struct {
	ProposalsBuilt     prometheus.Counter
	AnchorsFinalized   prometheus.Counter
	InsufficientFunds  prometheus.Counter
	RejectedSignatures prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		ProposalsBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anchoring",
			Name:      "proposals_built_total",
			Help:      "Anchoring proposals built at trigger heights.",
		}),
		AnchorsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anchoring",
			Name:      "anchors_finalized_total",
			Help:      "Anchoring transactions that reached signature quorum.",
		}),
		InsufficientFunds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anchoring",
			Name:      "insufficient_funds_total",
			Help:      "Proposal attempts aborted for lack of funds.",
		}),
		RejectedSignatures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anchoring",
			Name:      "rejected_signatures_total",
			Help:      "SignInput submissions that failed verification.",
		}),
	}
}

// Register attaches the counters to the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(m.ProposalsBuilt, m.AnchorsFinalized, m.InsufficientFunds, m.RejectedSignatures)
}
