package hotstuff

import (
	"log/slog"
	"testing"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
	"github.com/i-melnichenko/bft-lab/internal/crypto"
	"github.com/i-melnichenko/bft-lab/internal/runner"
	"github.com/i-melnichenko/bft-lab/internal/wire"
)

var testSecret = []byte("hotstuff-test-secret")

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

func newTestReplica(
	t *testing.T,
	index int,
	transport consensus.Transport,
	app consensus.Application,
	opts Options,
) *Replica {
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
		opts,
	)
	if err != nil {
		t.Fatalf("NewReplica() error = %v", err)
	}
	return r
}

// runSolo executes fn on the replica's solo lane and drains its epilogues.
func runSolo(r *Replica, fn func()) {
	r.runner.RunPrologue(func() runner.Solo { return fn })
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

func signedRequest(req consensus.Request) wire.SignedRequest {
	return wire.Sign(signerFor(consensus.ClientIdentity(req.ClientID)), req)
}

func sealVote(replica int, op uint64) []byte {
	return wire.Seal(signerFor(consensus.ReplicaIdentity(replica)), &wire.Message{Vote: &wire.Vote{
		OpNumber:     op,
		ReplicaIndex: replica,
	}})
}

func makeQC(op uint64, voters ...int) consensus.QC {
	qc := consensus.QC{OpNumber: op}
	for _, v := range voters {
		qc.SignedVotes = append(qc.SignedVotes, sealVote(v, op))
	}
	return qc
}

func sealBlock(signer int, base uint64, justify consensus.QC, reqs ...consensus.Request) []byte {
	b := &wire.Block{OpNumber: base, Justify: justify}
	for _, req := range reqs {
		b.Requests = append(b.Requests, signedRequest(req))
	}
	return wire.Seal(signerFor(consensus.ReplicaIdentity(signer)), &wire.Message{Block: b})
}

func openMessage(t *testing.T, buf []byte) *wire.Opened {
	t.Helper()
	in, err := wire.Open(signerFor("verifier"), buf)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return in
}
