// Package consensus defines the contracts shared by the replication protocols
// (chained-QC, PBFT) and the collaborators they call out to: transport,
// application state machine, and cluster configuration.
package consensus

import (
	"fmt"
	"strconv"
)

// Address identifies a transport endpoint (replica or client).
type Address string

// Receiver consumes raw inbound messages. Implementations take ownership of
// buf only after copying it; the transport may reuse the slice.
type Receiver interface {
	ReceiveMessage(from Address, buf []byte)
}

// Status reports operational health of a replica.
type Status string

// Runtime health states exposed by Replica.Status.
const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
)

// Replica is a protocol engine attached to a transport.
type Replica interface {
	Receiver
	Status() Status
	Stop()
}

// Request is one client operation submitted for ordering.
type Request struct {
	ClientID   uint64
	RequestID  uint64
	Op         []byte
	ClientAddr Address
}

// Clone returns a deep copy of r.
func (r Request) Clone() Request {
	r.Op = append([]byte(nil), r.Op...)
	return r
}

// QC is a quorum certificate: signed votes proving a quorum accepted the
// block ending at OpNumber. SignedVotes holds sealed vote envelopes ordered by
// replica index. The sentinel certificate has OpNumber 0 and no votes.
type QC struct {
	View        uint64
	OpNumber    uint64
	SignedVotes [][]byte
}

// IsSentinel reports whether q is the initial empty certificate.
func (q QC) IsSentinel() bool {
	return q.OpNumber == 0
}

// ReplicaIdentity is the signing identity of the replica with the given index.
func ReplicaIdentity(index int) string {
	return "replica-" + strconv.Itoa(index)
}

// ClientIdentity is the signing identity of the client with the given id.
func ClientIdentity(clientID uint64) string {
	return fmt.Sprintf("client-%d", clientID)
}

// ReplicaState is a point-in-time snapshot of a replica for operators.
type ReplicaState struct {
	Protocol    string
	Index       int
	View        uint64
	Leader      int
	Status      Status
	LastOp      uint64
	CommitPoint uint64
	Clients     int
	// Details holds protocol-specific counters (locked QC, buffered
	// proposals, ...), keyed by a snake_case name.
	Details map[string]uint64
}
