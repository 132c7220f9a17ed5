package app

import (
	"fmt"

	"github.com/i-melnichenko/bft-lab/internal/crypto"
)

// Credentials returns the signer for identity and a verifier for the whole
// cluster under the configured scheme.
func (c Config) Credentials(identity string) (crypto.Signer, crypto.Verifier, error) {
	switch c.CryptoScheme {
	case CryptoHMAC:
		h := crypto.NewHMAC(identity, []byte(c.HMACSecret))
		return h, h, nil
	case CryptoEd25519:
		kr, err := crypto.LoadKeyring(c.KeysFile)
		if err != nil {
			return nil, nil, fmt.Errorf("app: load keyring: %w", err)
		}
		signer, err := kr.Signer(identity)
		if err != nil {
			return nil, nil, fmt.Errorf("app: signer for %s: %w", identity, err)
		}
		return signer, kr, nil
	default:
		return nil, nil, fmt.Errorf("app: unsupported crypto scheme %q", c.CryptoScheme)
	}
}
