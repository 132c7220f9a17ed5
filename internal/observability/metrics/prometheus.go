//revive:disable:var-naming
//revive:disable:exported
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exposes replica, runner, and client-service metrics. It
// implements consensus.Metrics, runner.Metrics, and service.Metrics through
// method set compatibility, without importing those packages.
type Prometheus struct {
	messagesDroppedTotal  *prometheus.CounterVec
	clientRequestsTotal   *prometheus.CounterVec
	batchSize             *prometheus.HistogramVec
	proposalsTotal        *prometheus.CounterVec
	quorumsFormedTotal    *prometheus.CounterVec
	committedOpsTotal     *prometheus.CounterVec
	commitPoint           *prometheus.GaugeVec
	degraded              *prometheus.GaugeVec
	runnerPrologueDropped *prometheus.CounterVec
	runnerSoloDuration    *prometheus.HistogramVec
	kvInvokeDuration      *prometheus.HistogramVec
	kvInvokeTotal         *prometheus.CounterVec
}

func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Prometheus{
		messagesDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bftlab",
				Subsystem: "replica",
				Name:      "messages_dropped_total",
				Help:      "Inbound messages dropped before reaching protocol state, by reason.",
			},
			[]string{"replica_id", "reason"},
		),
		clientRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bftlab",
				Subsystem: "replica",
				Name:      "client_requests_total",
				Help:      "Client requests seen by a replica, by client-table verdict.",
			},
			[]string{"replica_id", "result"},
		),
		batchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bftlab",
				Subsystem: "replica",
				Name:      "batch_size",
				Help:      "Number of client requests carried by each proposal.",
				Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
			},
			[]string{"replica_id"},
		),
		proposalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bftlab",
				Subsystem: "replica",
				Name:      "proposals_total",
				Help:      "Proposals (blocks or pre-prepares) broadcast by the leader.",
			},
			[]string{"replica_id"},
		),
		quorumsFormedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bftlab",
				Subsystem: "replica",
				Name:      "quorums_formed_total",
				Help:      "Quorums reached by a replica, by protocol phase.",
			},
			[]string{"replica_id", "phase"},
		),
		committedOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bftlab",
				Subsystem: "replica",
				Name:      "committed_ops_total",
				Help:      "Ops committed and executed against the state machine.",
			},
			[]string{"replica_id"},
		),
		commitPoint: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "bftlab",
				Subsystem: "replica",
				Name:      "commit_point",
				Help:      "Highest executed op number.",
			},
			[]string{"replica_id"},
		),
		degraded: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "bftlab",
				Subsystem: "replica",
				Name:      "degraded",
				Help:      "1 if the replica stopped mutating consensus state after a fatal condition.",
			},
			[]string{"replica_id"},
		),
		runnerPrologueDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bftlab",
				Subsystem: "runner",
				Name:      "prologue_dropped_total",
				Help:      "Prologues that returned no solo task.",
			},
			[]string{"node_id"},
		),
		runnerSoloDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bftlab",
				Subsystem: "runner",
				Name:      "solo_duration_seconds",
				Help:      "Time spent executing each solo task on the ordered lane.",
				Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01},
			},
			[]string{"node_id"},
		),
		kvInvokeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bftlab",
				Subsystem: "kv",
				Name:      "invoke_duration_seconds",
				Help:      "End-to-end latency of KV commands invoked through the BFT client.",
				Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2},
			},
			[]string{"client_id", "result"},
		),
		kvInvokeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bftlab",
				Subsystem: "kv",
				Name:      "invoke_total",
				Help:      "KV commands invoked through the BFT client, by command type and result.",
			},
			[]string{"client_id", "command", "result"},
		),
	}
	if err := m.register(reg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Prometheus) register(reg prometheus.Registerer) error {
	if err := registerOrReuseCounterVec(reg, &m.messagesDroppedTotal); err != nil {
		return fmt.Errorf("register replica messages dropped counter: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.clientRequestsTotal); err != nil {
		return fmt.Errorf("register replica client requests counter: %w", err)
	}
	if err := registerOrReuseHistogramVec(reg, &m.batchSize); err != nil {
		return fmt.Errorf("register replica batch size histogram: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.proposalsTotal); err != nil {
		return fmt.Errorf("register replica proposals counter: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.quorumsFormedTotal); err != nil {
		return fmt.Errorf("register replica quorums counter: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.committedOpsTotal); err != nil {
		return fmt.Errorf("register replica committed ops counter: %w", err)
	}
	if err := registerOrReuseGaugeVec(reg, &m.commitPoint); err != nil {
		return fmt.Errorf("register replica commit point gauge: %w", err)
	}
	if err := registerOrReuseGaugeVec(reg, &m.degraded); err != nil {
		return fmt.Errorf("register replica degraded gauge: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.runnerPrologueDropped); err != nil {
		return fmt.Errorf("register runner prologue dropped counter: %w", err)
	}
	if err := registerOrReuseHistogramVec(reg, &m.runnerSoloDuration); err != nil {
		return fmt.Errorf("register runner solo duration histogram: %w", err)
	}
	if err := registerOrReuseHistogramVec(reg, &m.kvInvokeDuration); err != nil {
		return fmt.Errorf("register kv invoke duration histogram: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.kvInvokeTotal); err != nil {
		return fmt.Errorf("register kv invoke counter: %w", err)
	}
	return nil
}

func registerOrReuseHistogramVec(reg prometheus.Registerer, c **prometheus.HistogramVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func registerOrReuseCounterVec(reg prometheus.Registerer, c **prometheus.CounterVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func registerOrReuseGaugeVec(reg prometheus.Registerer, c **prometheus.GaugeVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.GaugeVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func (m *Prometheus) IncMessageDropped(replicaID, reason string) {
	m.messagesDroppedTotal.WithLabelValues(replicaID, reason).Inc()
}

func (m *Prometheus) IncClientRequest(replicaID, result string) {
	m.clientRequestsTotal.WithLabelValues(replicaID, result).Inc()
}

func (m *Prometheus) ObserveBatchSize(replicaID string, n int) {
	if n < 0 {
		n = 0
	}
	m.batchSize.WithLabelValues(replicaID).Observe(float64(n))
}

func (m *Prometheus) IncProposal(replicaID string) {
	m.proposalsTotal.WithLabelValues(replicaID).Inc()
}

func (m *Prometheus) IncQuorumFormed(replicaID, phase string) {
	m.quorumsFormedTotal.WithLabelValues(replicaID, phase).Inc()
}

func (m *Prometheus) AddCommitted(replicaID string, n int) {
	if n <= 0 {
		return
	}
	m.committedOpsTotal.WithLabelValues(replicaID).Add(float64(n))
}

func (m *Prometheus) SetCommitPoint(replicaID string, op uint64) {
	m.commitPoint.WithLabelValues(replicaID).Set(float64(op))
}

func (m *Prometheus) SetDegraded(replicaID string, degraded bool) {
	m.degraded.WithLabelValues(replicaID).Set(boolGauge(degraded))
}

func (m *Prometheus) IncRunnerPrologueDropped(nodeID string) {
	m.runnerPrologueDropped.WithLabelValues(nodeID).Inc()
}

func (m *Prometheus) ObserveRunnerSoloDuration(nodeID string, d time.Duration) {
	m.runnerSoloDuration.WithLabelValues(nodeID).Observe(d.Seconds())
}

func (m *Prometheus) ObserveKVInvokeDuration(clientID, result string, d time.Duration) {
	m.kvInvokeDuration.WithLabelValues(clientID, result).Observe(d.Seconds())
}

func (m *Prometheus) IncKVInvoke(clientID, command, result string) {
	m.kvInvokeTotal.WithLabelValues(clientID, command, result).Inc()
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
