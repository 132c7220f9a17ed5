// Package quorum aggregates signed votes into quorum certificates.
package quorum

import (
	"cmp"
	"fmt"
	"sort"
)

// Cert accumulates votes for a single slot until threshold is reached.
type Cert struct {
	threshold int
	votes     map[int][]byte
}

// NewCert creates a certificate that is complete at threshold distinct voters.
func NewCert(threshold int) *Cert {
	if threshold <= 0 {
		panic(fmt.Sprintf("quorum: non-positive threshold %d", threshold))
	}
	return &Cert{
		threshold: threshold,
		votes:     make(map[int][]byte),
	}
}

// AddCheck records vote for voter unless that voter already voted, and
// reports whether the certificate is complete.
func (c *Cert) AddCheck(voter int, vote []byte) bool {
	if _, ok := c.votes[voter]; !ok {
		c.votes[voter] = vote
	}
	return c.Check()
}

// Check reports whether threshold distinct voters have voted.
func (c *Cert) Check() bool {
	return len(c.votes) >= c.threshold
}

// Len returns the number of distinct voters.
func (c *Cert) Len() int {
	return len(c.votes)
}

// Export returns a copy of the full vote set keyed by voter.
func (c *Cert) Export() map[int][]byte {
	out := make(map[int][]byte, len(c.votes))
	for voter, vote := range c.votes {
		out[voter] = vote
	}
	return out
}

// Sorted returns the votes ordered by voter id.
func (c *Cert) Sorted() [][]byte {
	voters := make([]int, 0, len(c.votes))
	for voter := range c.votes {
		voters = append(voters, voter)
	}
	sort.Ints(voters)
	out := make([][]byte, 0, len(voters))
	for _, voter := range voters {
		out = append(out, c.votes[voter])
	}
	return out
}

type slot struct {
	buckets map[string]*Cert
	reached *string
}

// Set collects votes for many keys. Votes for the same key with different
// content digests land in independent buckets; a quorum needs threshold
// agreement on one bucket. Set is not safe for concurrent use.
type Set[K cmp.Ordered] struct {
	threshold int
	slots     map[K]*slot
}

// NewSet creates a keyed quorum collector.
func NewSet[K cmp.Ordered](threshold int) *Set[K] {
	if threshold <= 0 {
		panic(fmt.Sprintf("quorum: non-positive threshold %d", threshold))
	}
	return &Set[K]{
		threshold: threshold,
		slots:     make(map[K]*slot),
	}
}

// Threshold returns the configured quorum size.
func (s *Set[K]) Threshold() int {
	return s.threshold
}

// AddAndCheckForQuorum records a vote with no content digest. It returns
// true exactly once per key, on the vote that completes the quorum.
func (s *Set[K]) AddAndCheckForQuorum(key K, voter int, vote []byte) bool {
	return s.AddAndCheckForDigest(key, nil, voter, vote)
}

// AddAndCheckForDigest records a vote for (key, digest). It returns true
// exactly once per key. Two buckets of the same key both reaching quorum is
// a safety violation and panics.
func (s *Set[K]) AddAndCheckForDigest(key K, digest []byte, voter int, vote []byte) bool {
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{buckets: make(map[string]*Cert)}
		s.slots[key] = sl
	}
	d := string(digest)
	c, ok := sl.buckets[d]
	if !ok {
		c = NewCert(s.threshold)
		sl.buckets[d] = c
	}
	before := c.Check()
	after := c.AddCheck(voter, vote)
	if before || !after {
		return false
	}
	if sl.reached != nil {
		if *sl.reached != d {
			panic(fmt.Sprintf("quorum: conflicting quorums for key %v", key))
		}
		return false
	}
	sl.reached = &d
	return true
}

// Count returns the number of distinct voters for (key, digest).
func (s *Set[K]) Count(key K, digest []byte) int {
	sl, ok := s.slots[key]
	if !ok {
		return 0
	}
	c, ok := sl.buckets[string(digest)]
	if !ok {
		return 0
	}
	return c.Len()
}

// Quorum returns the certificate that reached threshold for key, if any.
func (s *Set[K]) Quorum(key K) (*Cert, []byte, bool) {
	sl, ok := s.slots[key]
	if !ok || sl.reached == nil {
		return nil, nil, false
	}
	return sl.buckets[*sl.reached], []byte(*sl.reached), true
}

// Clear drops all votes for key.
func (s *Set[K]) Clear(key K) {
	delete(s.slots, key)
}

// PruneThrough drops all keys <= key.
func (s *Set[K]) PruneThrough(key K) {
	for k := range s.slots {
		if k <= key {
			delete(s.slots, k)
		}
	}
}

// Len returns the number of keys with at least one vote.
func (s *Set[K]) Len() int {
	return len(s.slots)
}
