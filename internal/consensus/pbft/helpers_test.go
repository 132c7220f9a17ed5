package pbft

import (
	"log/slog"
	"testing"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
	"github.com/i-melnichenko/bft-lab/internal/consensus/replog"
	"github.com/i-melnichenko/bft-lab/internal/crypto"
	"github.com/i-melnichenko/bft-lab/internal/runner"
	"github.com/i-melnichenko/bft-lab/internal/wire"
)

var testSecret = []byte("pbft-test-secret")

func testConfig(t *testing.T, n, f int) consensus.Config {
	t.Helper()
	addrs := make([]consensus.Address, n)
	for i := range addrs {
		addrs[i] = consensus.Address(consensus.ReplicaIdentity(i))
	}
	cfg, err := consensus.NewConfig(addrs, f)
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	return cfg
}

func signerFor(id string) *crypto.HMAC {
	return crypto.NewHMAC(id, testSecret)
}

func newTestReplica(t *testing.T, index int, transport consensus.Transport, app consensus.Application) *Replica {
	t.Helper()
	r, err := NewReplica(
		index,
		testConfig(t, 4, 1),
		transport,
		signerFor(consensus.ReplicaIdentity(index)),
		signerFor("verifier"),
		app,
		runner.NewInline(),
		slog.Default(),
		Options{},
	)
	if err != nil {
		t.Fatalf("NewReplica() error = %v", err)
	}
	return r
}

func testRequest(clientID, requestID uint64, op string) consensus.Request {
	return consensus.Request{
		ClientID:   clientID,
		RequestID:  requestID,
		Op:         []byte(op),
		ClientAddr: consensus.Address(consensus.ClientIdentity(clientID)),
	}
}

func sealRequest(req consensus.Request) []byte {
	return wire.Seal(signerFor(consensus.ClientIdentity(req.ClientID)), &wire.Message{Request: &req})
}

// chainDigest returns the cumulative log digest after appending reqs from
// op 1 in view 0.
func chainDigest(reqs ...consensus.Request) []byte {
	d := replog.EmptyHash
	for i, req := range reqs {
		d = replog.ComputeHash(d, &replog.Entry{OpNumber: uint64(i + 1), Request: req})
	}
	return d[:]
}

func sealPrePrepare(signer int, op uint64, req consensus.Request, digest []byte) []byte {
	sr := wire.Sign(signerFor(consensus.ClientIdentity(req.ClientID)), req)
	return wire.Seal(signerFor(consensus.ReplicaIdentity(signer)), &wire.Message{PrePrepare: &wire.PrePrepare{
		OpNumber: op,
		Request:  sr,
		Digest:   digest,
	}})
}

func sealPrepare(replica int, op uint64, digest []byte) []byte {
	return wire.Seal(signerFor(consensus.ReplicaIdentity(replica)), &wire.Message{Prepare: &wire.Prepare{
		OpNumber:     op,
		Digest:       digest,
		ReplicaIndex: replica,
	}})
}

func sealCommit(replica int, op uint64, digest []byte) []byte {
	return wire.Seal(signerFor(consensus.ReplicaIdentity(replica)), &wire.Message{Commit: &wire.Commit{
		OpNumber:     op,
		Digest:       digest,
		ReplicaIndex: replica,
	}})
}

func openMessage(t *testing.T, buf []byte) *wire.Opened {
	t.Helper()
	in, err := wire.Open(signerFor("verifier"), buf)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return in
}
