package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// KeyNode is one identity in a key file. Private is base64 and optional.
type KeyNode struct {
	ID      string `yaml:"id"`
	Public  string `yaml:"public"`
	Private string `yaml:"private,omitempty"`
}

// KeyFile is the on-disk YAML layout:
//
//	nodes:
//	  - id: replica-0
//	    public: <base64 ed25519 public key>
//	    private: <base64 ed25519 private key>
type KeyFile struct {
	Nodes []KeyNode `yaml:"nodes"`
}

// GenerateKeyFile creates fresh key pairs for ids.
func GenerateKeyFile(ids []string, rand io.Reader) (*KeyFile, error) {
	kf := &KeyFile{Nodes: make([]KeyNode, 0, len(ids))}
	for _, id := range ids {
		pub, priv, err := ed25519.GenerateKey(rand)
		if err != nil {
			return nil, fmt.Errorf("generate key for %s: %w", id, err)
		}
		kf.Nodes = append(kf.Nodes, KeyNode{
			ID:      id,
			Public:  base64.StdEncoding.EncodeToString(pub),
			Private: base64.StdEncoding.EncodeToString(priv),
		})
	}
	return kf, nil
}

// ForIdentity returns a copy holding every public key and only self's
// private key.
func (kf *KeyFile) ForIdentity(self string) *KeyFile {
	out := &KeyFile{Nodes: make([]KeyNode, 0, len(kf.Nodes))}
	for _, n := range kf.Nodes {
		entry := KeyNode{ID: n.ID, Public: n.Public}
		if n.ID == self {
			entry.Private = n.Private
		}
		out.Nodes = append(out.Nodes, entry)
	}
	return out
}

// Write stores kf at path.
func (kf *KeyFile) Write(path string, perm os.FileMode) error {
	data, err := yaml.Marshal(kf)
	if err != nil {
		return fmt.Errorf("marshal key file: %w", err)
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("write key file %s: %w", path, err)
	}
	return nil
}

// Keyring holds public keys for every known identity and private keys for
// the identities this process may sign as. It implements Verifier.
type Keyring struct {
	public  map[string]ed25519.PublicKey
	private map[string]ed25519.PrivateKey
}

// LoadKeyring reads a YAML key file.
func LoadKeyring(path string) (*Keyring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}
	return ParseKeyring(data)
}

// ParseKeyring decodes a YAML key file.
func ParseKeyring(data []byte) (*Keyring, error) {
	var kf KeyFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("decode key file: %w", err)
	}
	return NewKeyring(&kf)
}

// NewKeyring validates and decodes kf.
func NewKeyring(kf *KeyFile) (*Keyring, error) {
	kr := &Keyring{
		public:  make(map[string]ed25519.PublicKey, len(kf.Nodes)),
		private: make(map[string]ed25519.PrivateKey),
	}
	for _, n := range kf.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: empty id", ErrInvalidKey)
		}
		if _, dup := kr.public[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidKey, n.ID)
		}
		pub, err := base64.StdEncoding.DecodeString(n.Public)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: public key of %s", ErrInvalidKey, n.ID)
		}
		kr.public[n.ID] = ed25519.PublicKey(pub)
		if n.Private == "" {
			continue
		}
		priv, err := base64.StdEncoding.DecodeString(n.Private)
		if err != nil || len(priv) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("%w: private key of %s", ErrInvalidKey, n.ID)
		}
		kr.private[n.ID] = ed25519.PrivateKey(priv)
	}
	return kr, nil
}

// Signer returns a signer for id.
func (kr *Keyring) Signer(id string) (*Ed25519Signer, error) {
	priv, ok := kr.private[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingPrivateKey, id)
	}
	return NewEd25519Signer(id, priv)
}

// Verify checks an Ed25519 signature by signer. Unknown signers never verify.
func (kr *Keyring) Verify(signer string, msg, sig []byte) bool {
	pub, ok := kr.public[signer]
	if !ok || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Has reports whether the keyring knows id.
func (kr *Keyring) Has(id string) bool {
	_, ok := kr.public[id]
	return ok
}
