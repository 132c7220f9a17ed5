package wire

import (
	"fmt"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
	"github.com/i-melnichenko/bft-lab/internal/crypto"
)

// Envelope is the signed outer frame of every message on the wire.
type Envelope struct {
	Signer    string
	Signature []byte
	Payload   []byte
}

// Marshal encodes e.
func (e *Envelope) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, e.Signer)
	b = appendBytes(b, 2, e.Signature)
	b = appendBytes(b, 3, e.Payload)
	return b
}

// UnmarshalEnvelope decodes an envelope without verifying it.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	e := &Envelope{}
	err := rangeFields(b, func(f field) error {
		switch f.num {
		case 1, 2, 3:
		default:
			return nil
		}
		raw, err := f.bytes()
		if err != nil {
			return err
		}
		switch f.num {
		case 1:
			e.Signer = string(raw)
		case 2:
			e.Signature = clone(raw)
		default:
			e.Payload = clone(raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.Signer == "" {
		return nil, fmt.Errorf("%w: envelope without signer", ErrMalformed)
	}
	return e, nil
}

// Seal encodes m, signs it, and wraps it in an envelope.
func Seal(s crypto.Signer, m *Message) []byte {
	return SealPayload(s, Marshal(m))
}

// SealPayload signs an already encoded message.
func SealPayload(s crypto.Signer, payload []byte) []byte {
	env := Envelope{
		Signer:    s.Identity(),
		Signature: s.Sign(payload),
		Payload:   payload,
	}
	return env.Marshal()
}

// Opened is a verified and decoded envelope.
type Opened struct {
	Envelope
	Message *Message
}

// Open decodes buf, verifies the envelope signature, and decodes the payload.
// It does not check that the signer is entitled to send the message.
func Open(v crypto.Verifier, buf []byte) (*Opened, error) {
	env, err := UnmarshalEnvelope(buf)
	if err != nil {
		return nil, err
	}
	if !v.Verify(env.Signer, env.Payload, env.Signature) {
		return nil, fmt.Errorf("%w: signer %s", ErrBadSignature, env.Signer)
	}
	msg, err := Unmarshal(env.Payload)
	if err != nil {
		return nil, err
	}
	return &Opened{Envelope: *env, Message: msg}, nil
}

// Sign attaches the client's signature to req.
func Sign(s crypto.Signer, req consensus.Request) SignedRequest {
	return SignedRequest{Request: req, Signature: s.Sign(RequestPayload(req))}
}

// VerifyRequest checks that sr carries its client's signature.
func VerifyRequest(v crypto.Verifier, sr SignedRequest) bool {
	return v.Verify(consensus.ClientIdentity(sr.Request.ClientID), RequestPayload(sr.Request), sr.Signature)
}
