package wire

import (
	"bytes"
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
	"github.com/i-melnichenko/bft-lab/internal/crypto"
)

var secret = []byte("test-secret")

func TestSealOpen_Block(t *testing.T) {
	leader := crypto.NewHMAC(consensus.ReplicaIdentity(0), secret)
	client := crypto.NewHMAC(consensus.ClientIdentity(7), secret)
	req := consensus.Request{ClientID: 7, RequestID: 3, Op: []byte("hello"), ClientAddr: "client-7"}

	block := &Block{
		View:     0,
		OpNumber: 5,
		Requests: []SignedRequest{Sign(client, req)},
		Justify:  consensus.QC{OpNumber: 4, SignedVotes: [][]byte{[]byte("v1"), []byte("v2")}},
	}
	buf := Seal(leader, &Message{Block: block})

	opened, err := Open(leader, buf)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if opened.Signer != consensus.ReplicaIdentity(0) {
		t.Fatalf("unexpected signer %q", opened.Signer)
	}
	got := opened.Message.Block
	if got == nil || opened.Message.Kind() != "block" {
		t.Fatalf("expected block, got %s", opened.Message.Kind())
	}
	if got.OpNumber != 5 || got.TerminalOp() != 5 || len(got.Requests) != 1 {
		t.Fatalf("unexpected block %+v", got)
	}
	if !bytes.Equal(got.Requests[0].Request.Op, []byte("hello")) || got.Requests[0].Request.ClientAddr != "client-7" {
		t.Fatalf("unexpected request %+v", got.Requests[0].Request)
	}
	if !VerifyRequest(leader, got.Requests[0]) {
		t.Fatalf("expected client signature to survive encoding")
	}
	if got.Justify.OpNumber != 4 || len(got.Justify.SignedVotes) != 2 || string(got.Justify.SignedVotes[1]) != "v2" {
		t.Fatalf("unexpected justify %+v", got.Justify)
	}
}

func TestBlock_EmptyOccupiesOneOp(t *testing.T) {
	b := &Block{OpNumber: 9}
	if b.TerminalOp() != 9 {
		t.Fatalf("expected empty block terminal op 9, got %d", b.TerminalOp())
	}
	b.Requests = make([]SignedRequest, 3)
	if b.TerminalOp() != 11 {
		t.Fatalf("expected terminal op 11, got %d", b.TerminalOp())
	}
}

func TestOpen_RejectsTamperedPayload(t *testing.T) {
	s := crypto.NewHMAC(consensus.ReplicaIdentity(1), secret)
	buf := Seal(s, &Message{Vote: &Vote{OpNumber: 3, ReplicaIndex: 1}})

	env, err := UnmarshalEnvelope(buf)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope() error = %v", err)
	}
	env.Payload = Marshal(&Message{Vote: &Vote{OpNumber: 4, ReplicaIndex: 1}})
	if _, err := Open(s, env.Marshal()); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	env.Signer = consensus.ReplicaIdentity(2)
	env.Payload = Marshal(&Message{Vote: &Vote{OpNumber: 3, ReplicaIndex: 1}})
	if _, err := Open(s, env.Marshal()); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected signature bound to signer, got %v", err)
	}
}

func TestUnmarshal_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"truncated": {0x0a, 0x05, 0x01},
		"empty":     nil,
		"two variants": append(
			Marshal(&Message{Vote: &Vote{OpNumber: 1}}),
			Marshal(&Message{Reply: &Reply{View: 1}})...,
		),
		"wrong wire type": protowire.AppendVarint(protowire.AppendTag(nil, fieldVote, protowire.VarintType), 1),
	}
	for name, buf := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Unmarshal(buf); !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	buf := Marshal(&Message{Reply: &Reply{View: 2, ClientID: 1, RequestID: 9, Result: []byte("ok"), ReplicaIndex: 3}})
	buf = protowire.AppendTag(buf, 99, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, 42)
	buf = protowire.AppendTag(buf, 98, protowire.BytesType)
	buf = protowire.AppendBytes(buf, []byte("future"))

	m, err := Unmarshal(buf)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	r := m.Reply
	if r == nil || r.View != 2 || r.RequestID != 9 || string(r.Result) != "ok" || r.ReplicaIndex != 3 {
		t.Fatalf("unexpected reply %+v", r)
	}
}

func TestPhaseMessages(t *testing.T) {
	digest := bytes.Repeat([]byte{0xab}, 32)
	for _, m := range []*Message{
		{Prepare: &Prepare{View: 1, OpNumber: 2, Digest: digest, ReplicaIndex: 3}},
		{Commit: &Commit{View: 1, OpNumber: 2, Digest: digest, ReplicaIndex: 3}},
	} {
		got, err := Unmarshal(Marshal(m))
		if err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", m.Kind(), err)
		}
		if got.Kind() != m.Kind() {
			t.Fatalf("kind mismatch: %s vs %s", got.Kind(), m.Kind())
		}
		if !bytes.Equal(Marshal(got), Marshal(m)) {
			t.Fatalf("%s re-encoding differs", m.Kind())
		}
	}
}
