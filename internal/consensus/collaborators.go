package consensus

import "time"

//go:generate mockgen -source=$GOFILE -destination=hotstuff/mocks_test.go -package=hotstuff
//go:generate mockgen -source=$GOFILE -destination=pbft/mocks_test.go -package=pbft

// TimerHandle identifies a timer registered with a Transport.
type TimerHandle uint64

// Transport delivers messages between replicas and clients. Delivery is
// unreliable and unordered. Timer callbacks run on a transport-owned
// goroutine and must not touch consensus state directly.
type Transport interface {
	Send(to Address, buf []byte) bool
	SendToReplica(index int, buf []byte) bool
	SendToAll(buf []byte)
	RegisterTimer(d time.Duration, cb func()) TimerHandle
	CancelTimer(h TimerHandle)
}

// Application is the replicated state machine. Execute is called at most
// once per committed op number, in increasing op number order, and must be
// deterministic.
type Application interface {
	Execute(opNumber uint64, op []byte) []byte
}
