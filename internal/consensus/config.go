package consensus

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned for cluster configurations that cannot
// tolerate the requested number of faults.
var ErrInvalidConfig = errors.New("consensus: invalid cluster config")

// Config is the static cluster membership. It is read-only after construction.
type Config struct {
	Replicas []Address
	F        int
}

// NewConfig validates a Byzantine configuration (n >= 3f+1).
func NewConfig(replicas []Address, f int) (Config, error) {
	if f < 0 {
		return Config{}, fmt.Errorf("%w: negative f=%d", ErrInvalidConfig, f)
	}
	if len(replicas) < 3*f+1 {
		return Config{}, fmt.Errorf("%w: n=%d cannot tolerate f=%d byzantine faults", ErrInvalidConfig, len(replicas), f)
	}
	seen := make(map[Address]struct{}, len(replicas))
	for _, addr := range replicas {
		if addr == "" {
			return Config{}, fmt.Errorf("%w: empty replica address", ErrInvalidConfig)
		}
		if _, ok := seen[addr]; ok {
			return Config{}, fmt.Errorf("%w: duplicate replica address %q", ErrInvalidConfig, addr)
		}
		seen[addr] = struct{}{}
	}
	return Config{
		Replicas: append([]Address(nil), replicas...),
		F:        f,
	}, nil
}

// N returns the number of replicas.
func (c Config) N() int {
	return len(c.Replicas)
}

// Leader returns the replica index leading the given view.
func (c Config) Leader(view uint64) int {
	return int(view % uint64(len(c.Replicas)))
}

// QuorumSize is the Byzantine quorum 2f+1.
func (c Config) QuorumSize() int {
	return 2*c.F + 1
}

// ReplicaAddress returns the transport address of replica index.
func (c Config) ReplicaAddress(index int) (Address, bool) {
	if index < 0 || index >= len(c.Replicas) {
		return "", false
	}
	return c.Replicas[index], true
}

// IndexOf returns the replica index bound to addr.
func (c Config) IndexOf(addr Address) (int, bool) {
	for i, a := range c.Replicas {
		if a == addr {
			return i, true
		}
	}
	return -1, false
}
