// Package crypto provides message authentication for replicas and clients:
// Ed25519 signatures backed by a YAML keyring, and a shared-secret HMAC
// scheme for tests and trusted deployments.
package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
)

var (
	// ErrUnknownIdentity is returned when a keyring has no entry for an identity.
	ErrUnknownIdentity = errors.New("crypto: unknown identity")
	// ErrMissingPrivateKey is returned when signing is requested for an identity
	// whose private key is not in the keyring.
	ErrMissingPrivateKey = errors.New("crypto: missing private key")
	// ErrInvalidKey is returned for malformed key material.
	ErrInvalidKey = errors.New("crypto: invalid key")
)

// Signer produces signatures under a fixed identity.
type Signer interface {
	Identity() string
	Sign(msg []byte) []byte
}

// Verifier checks that sig is signer's signature over msg.
type Verifier interface {
	Verify(signer string, msg, sig []byte) bool
}

// Ed25519Signer signs with a private Ed25519 key.
type Ed25519Signer struct {
	id   string
	priv ed25519.PrivateKey
}

// NewEd25519Signer wraps priv as the signing key of id.
func NewEd25519Signer(id string, priv ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	return &Ed25519Signer{id: id, priv: priv}, nil
}

// Identity returns the signer id.
func (s *Ed25519Signer) Identity() string { return s.id }

// Sign returns an Ed25519 signature over msg.
func (s *Ed25519Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.priv, msg)
}

// HMAC authenticates with HMAC-SHA256 under a secret shared by all parties.
// The signer identity is bound into the MAC so one party cannot replay
// another's tag under its own name.
type HMAC struct {
	id     string
	secret []byte
}

// NewHMAC returns an HMAC scheme acting as id.
func NewHMAC(id string, secret []byte) *HMAC {
	return &HMAC{id: id, secret: append([]byte(nil), secret...)}
}

// Identity returns the signer id.
func (h *HMAC) Identity() string { return h.id }

// Sign returns the MAC of msg under the local identity.
func (h *HMAC) Sign(msg []byte) []byte {
	return h.mac(h.id, msg)
}

// Verify checks a MAC produced by signer.
func (h *HMAC) Verify(signer string, msg, sig []byte) bool {
	return hmac.Equal(h.mac(signer, msg), sig)
}

func (h *HMAC) mac(id string, msg []byte) []byte {
	m := hmac.New(sha256.New, h.secret)
	m.Write([]byte(id))
	m.Write([]byte{0})
	m.Write(msg)
	return m.Sum(nil)
}
