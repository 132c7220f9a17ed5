package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
)

// Message field numbers. Exactly one is set per message.
const (
	fieldRequest    protowire.Number = 1
	fieldReply      protowire.Number = 2
	fieldBlock      protowire.Number = 3
	fieldVote       protowire.Number = 4
	fieldPrePrepare protowire.Number = 5
	fieldPrepare    protowire.Number = 6
	fieldCommit     protowire.Number = 7
)

// SignedRequest is a client request together with the client's envelope
// signature over RequestPayload(Request).
type SignedRequest struct {
	Request   consensus.Request
	Signature []byte
}

// Reply is a replica's answer to a client request.
type Reply struct {
	View         uint64
	ClientID     uint64
	RequestID    uint64
	Result       []byte
	ReplicaIndex int
}

// Block is a chained-QC proposal. OpNumber is the op number of the first
// entry; an empty block occupies one op as a noop.
type Block struct {
	View     uint64
	OpNumber uint64
	Requests []SignedRequest
	Justify  consensus.QC
}

// TerminalOp is the op number of the last entry the block occupies.
func (b *Block) TerminalOp() uint64 {
	n := uint64(len(b.Requests))
	if n == 0 {
		n = 1
	}
	return b.OpNumber + n - 1
}

// Vote is a backup's acceptance of the block ending at OpNumber.
type Vote struct {
	View         uint64
	OpNumber     uint64
	ReplicaIndex int
}

// PrePrepare is the PBFT primary's ordering of one request.
type PrePrepare struct {
	View     uint64
	OpNumber uint64
	Request  SignedRequest
	Digest   []byte
}

// Prepare is a PBFT backup's agreement with a pre-prepare.
type Prepare struct {
	View         uint64
	OpNumber     uint64
	Digest       []byte
	ReplicaIndex int
}

// Commit is a PBFT replica's commitment to a prepared op.
type Commit struct {
	View         uint64
	OpNumber     uint64
	Digest       []byte
	ReplicaIndex int
}

// Message is the tagged union carried in every envelope.
type Message struct {
	Request    *consensus.Request
	Reply      *Reply
	Block      *Block
	Vote       *Vote
	PrePrepare *PrePrepare
	Prepare    *Prepare
	Commit     *Commit
}

// Kind names the variant that is set, for logs and metrics.
func (m *Message) Kind() string {
	switch {
	case m.Request != nil:
		return "request"
	case m.Reply != nil:
		return "reply"
	case m.Block != nil:
		return "block"
	case m.Vote != nil:
		return "vote"
	case m.PrePrepare != nil:
		return "pre_prepare"
	case m.Prepare != nil:
		return "prepare"
	case m.Commit != nil:
		return "commit"
	default:
		return "empty"
	}
}

// Marshal encodes m. Encoding is deterministic.
func Marshal(m *Message) []byte {
	var b []byte
	switch {
	case m.Request != nil:
		b = appendEmbedded(b, fieldRequest, appendRequest(nil, m.Request))
	case m.Reply != nil:
		b = appendEmbedded(b, fieldReply, m.Reply.appendTo(nil))
	case m.Block != nil:
		b = appendEmbedded(b, fieldBlock, m.Block.appendTo(nil))
	case m.Vote != nil:
		b = appendEmbedded(b, fieldVote, m.Vote.appendTo(nil))
	case m.PrePrepare != nil:
		b = appendEmbedded(b, fieldPrePrepare, m.PrePrepare.appendTo(nil))
	case m.Prepare != nil:
		b = appendEmbedded(b, fieldPrepare, appendPhase(nil, m.Prepare.View, m.Prepare.OpNumber, m.Prepare.Digest, m.Prepare.ReplicaIndex))
	case m.Commit != nil:
		b = appendEmbedded(b, fieldCommit, appendPhase(nil, m.Commit.View, m.Commit.OpNumber, m.Commit.Digest, m.Commit.ReplicaIndex))
	}
	return b
}

// Unmarshal decodes a message. Exactly one variant must be present.
func Unmarshal(b []byte) (*Message, error) {
	m := &Message{}
	set := 0
	err := rangeFields(b, func(f field) error {
		var (
			raw []byte
			err error
		)
		switch f.num {
		case fieldRequest, fieldReply, fieldBlock, fieldVote, fieldPrePrepare, fieldPrepare, fieldCommit:
			if raw, err = f.bytes(); err != nil {
				return err
			}
			set++
		default:
			return nil
		}
		switch f.num {
		case fieldRequest:
			m.Request = &consensus.Request{}
			return unmarshalRequest(raw, m.Request)
		case fieldReply:
			m.Reply = &Reply{}
			return m.Reply.unmarshal(raw)
		case fieldBlock:
			m.Block = &Block{}
			return m.Block.unmarshal(raw)
		case fieldVote:
			m.Vote = &Vote{}
			return m.Vote.unmarshal(raw)
		case fieldPrePrepare:
			m.PrePrepare = &PrePrepare{}
			return m.PrePrepare.unmarshal(raw)
		case fieldPrepare:
			p := &Prepare{}
			m.Prepare = p
			return unmarshalPhase(raw, &p.View, &p.OpNumber, &p.Digest, &p.ReplicaIndex)
		default:
			c := &Commit{}
			m.Commit = c
			return unmarshalPhase(raw, &c.View, &c.OpNumber, &c.Digest, &c.ReplicaIndex)
		}
	})
	if err != nil {
		return nil, err
	}
	if set != 1 {
		return nil, fmt.Errorf("%w: %d variants set", ErrMalformed, set)
	}
	return m, nil
}

// RequestPayload is the byte string a client signs for req.
func RequestPayload(req consensus.Request) []byte {
	return Marshal(&Message{Request: &req})
}

func appendRequest(b []byte, r *consensus.Request) []byte {
	b = appendVarint(b, 1, r.ClientID)
	b = appendVarint(b, 2, r.RequestID)
	b = appendBytes(b, 3, r.Op)
	b = appendString(b, 4, string(r.ClientAddr))
	return b
}

func unmarshalRequest(b []byte, r *consensus.Request) error {
	return rangeFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			r.ClientID, err = f.varint()
		case 2:
			r.RequestID, err = f.varint()
		case 3:
			var raw []byte
			raw, err = f.bytes()
			r.Op = clone(raw)
		case 4:
			var raw []byte
			raw, err = f.bytes()
			r.ClientAddr = consensus.Address(raw)
		}
		return err
	})
}

func appendSignedRequest(b []byte, r *SignedRequest) []byte {
	b = appendEmbedded(b, 1, appendRequest(nil, &r.Request))
	b = appendBytes(b, 2, r.Signature)
	return b
}

func unmarshalSignedRequest(b []byte, r *SignedRequest) error {
	return rangeFields(b, func(f field) error {
		switch f.num {
		case 1:
			raw, err := f.bytes()
			if err != nil {
				return err
			}
			return unmarshalRequest(raw, &r.Request)
		case 2:
			raw, err := f.bytes()
			if err != nil {
				return err
			}
			r.Signature = clone(raw)
		}
		return nil
	})
}

func (r *Reply) appendTo(b []byte) []byte {
	b = appendVarint(b, 1, r.View)
	b = appendVarint(b, 2, r.ClientID)
	b = appendVarint(b, 3, r.RequestID)
	b = appendBytes(b, 4, r.Result)
	b = appendVarint(b, 5, uint64(r.ReplicaIndex))
	return b
}

func (r *Reply) unmarshal(b []byte) error {
	return rangeFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			r.View, err = f.varint()
		case 2:
			r.ClientID, err = f.varint()
		case 3:
			r.RequestID, err = f.varint()
		case 4:
			var raw []byte
			raw, err = f.bytes()
			r.Result = clone(raw)
		case 5:
			var v uint64
			v, err = f.varint()
			r.ReplicaIndex = int(v)
		}
		return err
	})
}

func appendQC(b []byte, q *consensus.QC) []byte {
	b = appendVarint(b, 1, q.View)
	b = appendVarint(b, 2, q.OpNumber)
	for _, v := range q.SignedVotes {
		b = appendEmbedded(b, 3, v)
	}
	return b
}

func unmarshalQC(b []byte, q *consensus.QC) error {
	return rangeFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			q.View, err = f.varint()
		case 2:
			q.OpNumber, err = f.varint()
		case 3:
			var raw []byte
			raw, err = f.bytes()
			q.SignedVotes = append(q.SignedVotes, clone(raw))
		}
		return err
	})
}

func (bl *Block) appendTo(b []byte) []byte {
	b = appendVarint(b, 1, bl.View)
	b = appendVarint(b, 2, bl.OpNumber)
	for i := range bl.Requests {
		b = appendEmbedded(b, 3, appendSignedRequest(nil, &bl.Requests[i]))
	}
	b = appendEmbedded(b, 4, appendQC(nil, &bl.Justify))
	return b
}

func (bl *Block) unmarshal(b []byte) error {
	return rangeFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			bl.View, err = f.varint()
		case 2:
			bl.OpNumber, err = f.varint()
		case 3:
			var raw []byte
			if raw, err = f.bytes(); err != nil {
				return err
			}
			var r SignedRequest
			if err = unmarshalSignedRequest(raw, &r); err != nil {
				return err
			}
			bl.Requests = append(bl.Requests, r)
		case 4:
			var raw []byte
			if raw, err = f.bytes(); err != nil {
				return err
			}
			err = unmarshalQC(raw, &bl.Justify)
		}
		return err
	})
}

func (v *Vote) appendTo(b []byte) []byte {
	b = appendVarint(b, 1, v.View)
	b = appendVarint(b, 2, v.OpNumber)
	b = appendVarint(b, 3, uint64(v.ReplicaIndex))
	return b
}

func (v *Vote) unmarshal(b []byte) error {
	return rangeFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			v.View, err = f.varint()
		case 2:
			v.OpNumber, err = f.varint()
		case 3:
			var idx uint64
			idx, err = f.varint()
			v.ReplicaIndex = int(idx)
		}
		return err
	})
}

func (p *PrePrepare) appendTo(b []byte) []byte {
	b = appendVarint(b, 1, p.View)
	b = appendVarint(b, 2, p.OpNumber)
	b = appendEmbedded(b, 3, appendSignedRequest(nil, &p.Request))
	b = appendBytes(b, 4, p.Digest)
	return b
}

func (p *PrePrepare) unmarshal(b []byte) error {
	return rangeFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			p.View, err = f.varint()
		case 2:
			p.OpNumber, err = f.varint()
		case 3:
			var raw []byte
			if raw, err = f.bytes(); err != nil {
				return err
			}
			err = unmarshalSignedRequest(raw, &p.Request)
		case 4:
			var raw []byte
			raw, err = f.bytes()
			p.Digest = clone(raw)
		}
		return err
	})
}

func appendPhase(b []byte, view, op uint64, digest []byte, replica int) []byte {
	b = appendVarint(b, 1, view)
	b = appendVarint(b, 2, op)
	b = appendBytes(b, 3, digest)
	b = appendVarint(b, 4, uint64(replica))
	return b
}

func unmarshalPhase(b []byte, view, op *uint64, digest *[]byte, replica *int) error {
	return rangeFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			*view, err = f.varint()
		case 2:
			*op, err = f.varint()
		case 3:
			var raw []byte
			raw, err = f.bytes()
			*digest = clone(raw)
		case 4:
			var idx uint64
			idx, err = f.varint()
			*replica = int(idx)
		}
		return err
	})
}
