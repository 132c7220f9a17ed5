package hotstuff

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang/mock/gomock"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
	"github.com/i-melnichenko/bft-lab/internal/consensus/replog"
	"github.com/i-melnichenko/bft-lab/internal/wire"
)

func TestNewReplica_ValidatesDependencies(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)
	transport := NewMockTransport(ctrl)
	app := NewMockApplication(ctrl)
	cfg := testConfig(t, 4, 1)

	if _, err := NewReplica(0, cfg, nil, signerFor("replica-0"), signerFor("v"), app, nil, nil, Options{}); !errors.Is(err, ErrNilTransport) {
		t.Fatalf("expected ErrNilTransport, got %v", err)
	}
	if _, err := NewReplica(0, cfg, transport, signerFor("replica-0"), signerFor("v"), app, nil, nil, Options{}); !errors.Is(err, ErrNilRunner) {
		t.Fatalf("expected ErrNilRunner, got %v", err)
	}
	r := newTestReplica(t, 2, transport, app, Options{})
	if r.Status() != consensus.StatusHealthy {
		t.Fatalf("expected healthy replica, got %s", r.Status())
	}
}

func TestReplica_CommitRuleTwoChain(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	transport := NewMockTransport(ctrl)
	app := NewMockApplication(ctrl)
	r := newTestReplica(t, 1, transport, app, Options{})

	for op := uint64(1); op <= 7; op++ {
		r.log.Append(&replog.Entry{
			OpNumber: op,
			State:    replog.StatePrepared,
			Request:  testRequest(1, op, fmt.Sprintf("op-%d", op)),
		})
	}

	executed := 0
	app.EXPECT().
		Execute(uint64(5), []byte("op-5")).
		DoAndReturn(func(uint64, []byte) []byte {
			executed++
			return []byte("result-5")
		}).
		Times(1)
	transport.EXPECT().
		Send(consensus.Address("client-1"), gomock.Any()).
		DoAndReturn(func(_ consensus.Address, buf []byte) bool {
			reply := openMessage(t, buf).Message.Reply
			if reply == nil || reply.RequestID != 5 || string(reply.Result) != "result-5" {
				t.Fatalf("unexpected reply %+v", reply)
			}
			return true
		}).
		Times(1)

	q1 := &consensus.QC{OpNumber: 5}
	q2 := &consensus.QC{OpNumber: 6}
	q3 := &consensus.QC{OpNumber: 7}

	runSolo(r, func() { r.enterNextView(q1) })
	runSolo(r, func() { r.enterNextView(q2) })
	if executed != 0 {
		t.Fatalf("expected no commit after Q2, got %d executions", executed)
	}
	if r.lockedQC != q1 || r.genericQC != q2 {
		t.Fatalf("expected locked=Q1 generic=Q2, got locked=%v generic=%v", r.lockedQC, r.genericQC)
	}

	runSolo(r, func() { r.enterNextView(q3) })
	if executed != 1 {
		t.Fatalf("expected op 5 committed once after Q3, got %d executions", executed)
	}
	if got := r.log.Find(5).State; got != replog.StateCommitted {
		t.Fatalf("expected op 5 committed, got %s", got)
	}
	if got := r.log.Find(6).State; got != replog.StatePrepared {
		t.Fatalf("expected op 6 still prepared, got %s", got)
	}
	extra, ok := r.log.Find(7).Extra.(replog.ChainedQC)
	if !ok || extra.Justify != q3 {
		t.Fatalf("expected Q3 bound to op 7, got %#v", r.log.Find(7).Extra)
	}
	if r.commitPoint != 5 {
		t.Fatalf("expected commit point 5, got %d", r.commitPoint)
	}
}

func TestReplica_SentinelCommitsNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)
	r := newTestReplica(t, 1, NewMockTransport(ctrl), NewMockApplication(ctrl), Options{})
	r.log.Append(&replog.Entry{OpNumber: 1, State: replog.StateNoop})
	r.log.Append(&replog.Entry{OpNumber: 2, State: replog.StateNoop})

	for _, op := range []uint64{0, 1, 2} {
		qc := &consensus.QC{OpNumber: op}
		runSolo(r, func() { r.enterNextView(qc) })
	}
	if r.lockedQC.OpNumber != 1 || r.commitPoint != 0 {
		t.Fatalf("expected noop-only range to commit nothing, locked=%d commit=%d", r.lockedQC.OpNumber, r.commitPoint)
	}
}

func TestReplica_BackupVotesCommitsAndResendsCachedReply(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	transport := NewMockTransport(ctrl)
	app := NewMockApplication(ctrl)
	r := newTestReplica(t, 1, transport, app, Options{})

	var votes []uint64
	transport.EXPECT().
		SendToReplica(0, gomock.Any()).
		DoAndReturn(func(_ int, buf []byte) bool {
			in := openMessage(t, buf)
			if in.Signer != consensus.ReplicaIdentity(1) || in.Message.Vote == nil {
				t.Fatalf("expected vote signed by replica-1, got %s from %s", in.Message.Kind(), in.Signer)
			}
			votes = append(votes, in.Message.Vote.OpNumber)
			return true
		}).
		Times(4)
	app.EXPECT().Execute(uint64(1), []byte("hello")).Return([]byte("reply: hello")).Times(1)

	var replies [][]byte
	transport.EXPECT().
		Send(consensus.Address("client-7"), gomock.Any()).
		DoAndReturn(func(_ consensus.Address, buf []byte) bool {
			replies = append(replies, buf)
			return true
		}).
		Times(2)

	req := testRequest(7, 1, "hello")
	r.ReceiveMessage("client-7", sealRequest(req))
	r.ReceiveMessage("replica-0", sealBlock(0, 1, consensus.QC{}, req))
	r.ReceiveMessage("replica-0", sealBlock(0, 2, makeQC(1, 0, 1, 2)))
	r.ReceiveMessage("replica-0", sealBlock(0, 3, makeQC(2, 0, 2, 3)))
	if len(replies) != 0 {
		t.Fatalf("expected no reply before the two-chain closes, got %d", len(replies))
	}
	r.ReceiveMessage("replica-0", sealBlock(0, 4, makeQC(3, 1, 2, 3)))

	if want := []uint64{1, 2, 3, 4}; fmt.Sprint(votes) != fmt.Sprint(want) {
		t.Fatalf("expected votes %v, got %v", want, votes)
	}
	if len(replies) != 1 {
		t.Fatalf("expected one reply after commit, got %d", len(replies))
	}

	// A retransmitted request is answered from the client table.
	r.ReceiveMessage("client-7", sealRequest(req))
	if len(replies) != 2 {
		t.Fatalf("expected cached reply resent, got %d replies", len(replies))
	}
	if !bytes.Equal(replies[0], replies[1]) {
		t.Fatalf("expected resent reply to match the original")
	}
	reply := openMessage(t, replies[1]).Message.Reply
	if string(reply.Result) != "reply: hello" || reply.ReplicaIndex != 1 {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestReplica_LeaderFormsQCOnTwoBackupVotes(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	transport := NewMockTransport(ctrl)
	app := NewMockApplication(ctrl)
	r := newTestReplica(t, 0, transport, app, Options{BatchSize: 1})

	var blocks []*wire.Block
	transport.EXPECT().
		SendToAll(gomock.Any()).
		DoAndReturn(func(buf []byte) {
			in := openMessage(t, buf)
			if in.Message.Block == nil {
				t.Fatalf("expected block broadcast, got %s", in.Message.Kind())
			}
			blocks = append(blocks, in.Message.Block)
		}).
		Times(2)

	r.ReceiveMessage("client-1", sealRequest(testRequest(1, 1, "x")))
	if len(blocks) != 1 || blocks[0].OpNumber != 1 || !blocks[0].Justify.IsSentinel() {
		t.Fatalf("expected first block at op 1 with sentinel justify, got %+v", blocks)
	}

	r.ReceiveMessage("replica-1", sealVote(1, 1))
	r.ReceiveMessage("replica-1", sealVote(1, 1))
	if qcOp(r.genericQC) != 0 {
		t.Fatalf("expected no certificate from a single backup, got op %d", qcOp(r.genericQC))
	}

	r.ReceiveMessage("replica-2", sealVote(2, 1))
	if qcOp(r.genericQC) != 1 {
		t.Fatalf("expected certificate for op 1, got %d", qcOp(r.genericQC))
	}
	if got := len(r.genericQC.SignedVotes); got != 3 {
		t.Fatalf("expected 2f+1=3 signatures, got %d", got)
	}
	if err := r.verifyQC(r.genericQC); err != nil {
		t.Fatalf("expected leader certificate to verify, got %v", err)
	}
	if len(blocks) != 2 || blocks[1].OpNumber != 2 || blocks[1].Justify.OpNumber != 1 {
		t.Fatalf("expected follow-up block justified by op 1, got %+v", blocks)
	}

	// Late vote for a certified op.
	r.ReceiveMessage("replica-3", sealVote(3, 1))
	if r.votes.Len() != 0 {
		t.Fatalf("expected vote buckets pruned, got %d", r.votes.Len())
	}
}

func TestReplica_DropsUnauthenticatedMessages(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{name: "garbage", buf: []byte{0xff, 0x01, 0x02}},
		{name: "block from non-leader", buf: sealBlock(2, 1, consensus.QC{}, testRequest(1, 1, "x"))},
		{name: "justify without quorum", buf: sealBlock(0, 2, makeQC(1, 0, 1))},
		{name: "justify with repeated voter", buf: sealBlock(0, 2, makeQC(1, 0, 1, 1))},
		{name: "justify not below block", buf: sealBlock(0, 2, makeQC(2, 0, 1, 2))},
		{name: "vote signed by another replica", buf: wire.Seal(signerFor("replica-3"), &wire.Message{Vote: &wire.Vote{OpNumber: 1, ReplicaIndex: 2}})},
		{name: "request signed by another client", buf: wire.Seal(signerFor("client-9"), &wire.Message{Request: &consensus.Request{ClientID: 1, RequestID: 1}})},
		{name: "reply sent to replica", buf: wire.Seal(signerFor("replica-2"), &wire.Message{Reply: &wire.Reply{ReplicaIndex: 2}})},
		{
			name: "block with forged client request",
			buf: wire.Seal(signerFor("replica-0"), &wire.Message{Block: &wire.Block{
				OpNumber: 1,
				Requests: []wire.SignedRequest{{Request: testRequest(1, 1, "x"), Signature: []byte("forged")}},
			}}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			t.Cleanup(ctrl.Finish)
			// No transport or application calls are expected.
			r := newTestReplica(t, 1, NewMockTransport(ctrl), NewMockApplication(ctrl), Options{})

			r.ReceiveMessage("peer", tt.buf)

			if r.log.LastOp() != 0 || r.clients.Len() != 0 {
				t.Fatalf("expected state untouched, last_op=%d clients=%d", r.log.LastOp(), r.clients.Len())
			}
		})
	}
}

func TestReplica_BuffersOutOfOrderBlocks(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	transport := NewMockTransport(ctrl)
	r := newTestReplica(t, 1, transport, NewMockApplication(ctrl), Options{})

	var votes []uint64
	transport.EXPECT().
		SendToReplica(0, gomock.Any()).
		DoAndReturn(func(_ int, buf []byte) bool {
			votes = append(votes, openMessage(t, buf).Message.Vote.OpNumber)
			return true
		}).
		Times(3)

	req := testRequest(1, 1, "a")
	r.ReceiveMessage("replica-0", sealBlock(0, 3, consensus.QC{}))
	r.ReceiveMessage("replica-0", sealBlock(0, 2, consensus.QC{}))
	if len(votes) != 0 || r.log.LastOp() != 0 {
		t.Fatalf("expected blocks buffered, votes=%v last_op=%d", votes, r.log.LastOp())
	}
	r.ReceiveMessage("replica-0", sealBlock(0, 1, consensus.QC{}, req))
	r.ReceiveMessage("replica-0", sealBlock(0, 1, consensus.QC{}, req))

	if fmt.Sprint(votes) != fmt.Sprint([]uint64{1, 2, 3}) {
		t.Fatalf("expected votes in op order, got %v", votes)
	}
	if r.log.LastOp() != 3 || len(r.outOfOrder) != 0 {
		t.Fatalf("expected contiguous log to op 3, got last_op=%d buffered=%d", r.log.LastOp(), len(r.outOfOrder))
	}
}

func TestReplica_GapBeyondBufferDegrades(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)
	r := newTestReplica(t, 1, NewMockTransport(ctrl), NewMockApplication(ctrl), Options{MaxBuffered: 1})

	r.ReceiveMessage("replica-0", sealBlock(0, 3, consensus.QC{}))
	r.ReceiveMessage("replica-0", sealBlock(0, 4, consensus.QC{}))

	if r.Status() != consensus.StatusDegraded {
		t.Fatalf("expected degraded replica, got %s", r.Status())
	}
	// Degraded replicas stop mutating state.
	r.ReceiveMessage("replica-0", sealBlock(0, 1, consensus.QC{}))
	if r.log.LastOp() != 0 {
		t.Fatalf("expected log untouched after degradation, got last_op=%d", r.log.LastOp())
	}
}

func TestReplica_BatchClosing(t *testing.T) {
	t.Run("timer closes partial batch", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		t.Cleanup(ctrl.Finish)
		transport := NewMockTransport(ctrl)
		r := newTestReplica(t, 0, transport, NewMockApplication(ctrl), Options{BatchSize: 4, BatchTimeout: time.Second})

		var fire func()
		transport.EXPECT().
			RegisterTimer(time.Second, gomock.Any()).
			DoAndReturn(func(_ time.Duration, cb func()) consensus.TimerHandle {
				fire = cb
				return 7
			}).
			Times(1)
		var sent *wire.Block
		transport.EXPECT().
			SendToAll(gomock.Any()).
			Do(func(buf []byte) { sent = openMessage(t, buf).Message.Block }).
			Times(1)

		r.ReceiveMessage("client-1", sealRequest(testRequest(1, 1, "a")))
		r.ReceiveMessage("client-2", sealRequest(testRequest(2, 1, "b")))
		if sent != nil {
			t.Fatalf("expected batch to stay open until the timer fires")
		}
		fire()
		if sent == nil || len(sent.Requests) != 2 || sent.TerminalOp() != 2 {
			t.Fatalf("expected 2-request block, got %+v", sent)
		}
	})

	t.Run("full batch cancels timer", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		t.Cleanup(ctrl.Finish)
		transport := NewMockTransport(ctrl)
		r := newTestReplica(t, 0, transport, NewMockApplication(ctrl), Options{BatchSize: 2, BatchTimeout: time.Second})

		var fire func()
		transport.EXPECT().
			RegisterTimer(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ time.Duration, cb func()) consensus.TimerHandle {
				fire = cb
				return 9
			}).
			Times(1)
		transport.EXPECT().CancelTimer(consensus.TimerHandle(9)).Times(1)
		transport.EXPECT().SendToAll(gomock.Any()).Times(1)

		r.ReceiveMessage("client-1", sealRequest(testRequest(1, 1, "a")))
		r.ReceiveMessage("client-2", sealRequest(testRequest(2, 1, "b")))
		// A stale timer firing after the batch closed is a no-op.
		fire()
		if r.pendingBase != 3 || len(r.pending) != 0 {
			t.Fatalf("expected next batch at op 3, got base=%d pending=%d", r.pendingBase, len(r.pending))
		}
	})
}

func TestReplica_DuplicateRequestsAreNotReordered(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)
	transport := NewMockTransport(ctrl)
	r := newTestReplica(t, 0, transport, NewMockApplication(ctrl), Options{BatchSize: 1})
	transport.EXPECT().SendToAll(gomock.Any()).Times(2)

	req := testRequest(3, 2, "op")
	r.ReceiveMessage("client-3", sealRequest(req))
	r.ReceiveMessage("client-3", sealRequest(req))
	r.ReceiveMessage("client-3", sealRequest(testRequest(3, 1, "old")))
	r.ReceiveMessage("client-3", sealRequest(testRequest(3, 3, "next")))

	if r.lastRealOp != 2 {
		t.Fatalf("expected two ordered requests, got last real op %d", r.lastRealOp)
	}
}
