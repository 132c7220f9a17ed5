package consensus

// Metrics captures protocol-level metric sinks shared by the replica engines.
type Metrics interface {
	IncMessageDropped(replicaID, reason string)
	IncClientRequest(replicaID, result string)
	ObserveBatchSize(replicaID string, n int)
	IncProposal(replicaID string)
	IncQuorumFormed(replicaID, phase string)
	AddCommitted(replicaID string, n int)
	SetCommitPoint(replicaID string, op uint64)
	SetDegraded(replicaID string, degraded bool)
}

// NoopMetrics discards all observations.
type NoopMetrics struct{}

func (NoopMetrics) IncMessageDropped(string, string) {}
func (NoopMetrics) IncClientRequest(string, string)  {}
func (NoopMetrics) ObserveBatchSize(string, int)     {}
func (NoopMetrics) IncProposal(string)               {}
func (NoopMetrics) IncQuorumFormed(string, string)   {}
func (NoopMetrics) AddCommitted(string, int)         {}
func (NoopMetrics) SetCommitPoint(string, uint64)    {}
func (NoopMetrics) SetDegraded(string, bool)         {}
