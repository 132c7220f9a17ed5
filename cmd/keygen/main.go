// Package main generates the Ed25519 key files used by replicas and clients.
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
	"github.com/i-melnichenko/bft-lab/internal/crypto"
)

const usage = `Usage:
  keygen [--replicas 4] [--clients 1,2] [--out keys.yaml] [--split dir]

Writes one YAML key file holding every identity's key pair. With --split,
also writes <dir>/<identity>.yaml holding all public keys and only that
identity's private key, for distribution to each process.
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.Usage = func() { _, _ = fmt.Fprint(os.Stderr, usage) }
	replicas := fs.Int("replicas", 4, "number of replicas")
	clients := fs.String("clients", "1", "comma-separated client ids")
	out := fs.String("out", "keys.yaml", "path of the combined key file")
	split := fs.String("split", "", "directory for per-identity key files")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ids, err := identities(*replicas, *clients)
	if err != nil {
		return err
	}
	kf, err := crypto.GenerateKeyFile(ids, rand.Reader)
	if err != nil {
		return err
	}
	if err := kf.Write(*out, 0o600); err != nil {
		return err
	}
	fmt.Printf("wrote %d identities to %s\n", len(ids), *out)

	if *split == "" {
		return nil
	}
	if err := os.MkdirAll(*split, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", *split, err)
	}
	for _, id := range ids {
		path := filepath.Join(*split, id+".yaml")
		if err := kf.ForIdentity(id).Write(path, 0o600); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
	}
	return nil
}

func identities(replicas int, clients string) ([]string, error) {
	if replicas < 1 {
		return nil, fmt.Errorf("replicas must be positive, got %d", replicas)
	}
	ids := make([]string, 0, replicas)
	for i := range replicas {
		ids = append(ids, consensus.ReplicaIdentity(i))
	}
	for _, raw := range strings.Split(clients, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid client id %q: %w", raw, err)
		}
		ids = append(ids, consensus.ClientIdentity(id))
	}
	return ids, nil
}
