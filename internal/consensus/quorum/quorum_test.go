package quorum

import "testing"

func TestCert_AddCheckIsIdempotentPerVoter(t *testing.T) {
	c := NewCert(3)
	for i := 0; i < 5; i++ {
		if c.AddCheck(1, []byte("v1")) {
			t.Fatalf("expected repeated voter to never complete the quorum")
		}
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 distinct vote, got %d", c.Len())
	}
	c.AddCheck(2, []byte("v2"))
	if !c.AddCheck(3, []byte("v3")) {
		t.Fatalf("expected quorum at 3 distinct voters")
	}
	if got := c.Export(); len(got) != 3 || string(got[2]) != "v2" {
		t.Fatalf("unexpected export %v", got)
	}
}

func TestCert_KeepsFirstVote(t *testing.T) {
	c := NewCert(2)
	c.AddCheck(4, []byte("first"))
	c.AddCheck(4, []byte("second"))
	if got := string(c.Export()[4]); got != "first" {
		t.Fatalf("expected first vote retained, got %q", got)
	}
}

func TestSet_TrueExactlyOncePerKey(t *testing.T) {
	s := NewSet[uint64](2)

	if s.AddAndCheckForQuorum(5, 1, []byte("a")) {
		t.Fatalf("expected no quorum after one vote")
	}
	if s.AddAndCheckForQuorum(5, 1, []byte("a")) {
		t.Fatalf("expected duplicate voter not to complete quorum")
	}
	if !s.AddAndCheckForQuorum(5, 2, []byte("b")) {
		t.Fatalf("expected quorum on second distinct voter")
	}
	if s.AddAndCheckForQuorum(5, 3, []byte("c")) {
		t.Fatalf("expected quorum transition to be reported once")
	}
	if got := s.Count(5, nil); got != 3 {
		t.Fatalf("expected 3 votes recorded, got %d", got)
	}

	cert, _, ok := s.Quorum(5)
	if !ok {
		t.Fatalf("expected quorum lookup to succeed")
	}
	sorted := cert.Sorted()
	if len(sorted) != 3 || string(sorted[0]) != "a" || string(sorted[2]) != "c" {
		t.Fatalf("unexpected sorted votes %q", sorted)
	}
}

func TestSet_DigestBucketsAreIndependent(t *testing.T) {
	s := NewSet[uint64](3)

	s.AddAndCheckForDigest(1, []byte("x"), 0, nil)
	s.AddAndCheckForDigest(1, []byte("x"), 1, nil)
	s.AddAndCheckForDigest(1, []byte("y"), 2, nil)
	if s.AddAndCheckForDigest(1, []byte("y"), 3, nil) {
		t.Fatalf("expected split votes not to form a quorum")
	}
	if !s.AddAndCheckForDigest(1, []byte("x"), 3, nil) {
		t.Fatalf("expected matching bucket to reach quorum")
	}
	_, digest, ok := s.Quorum(1)
	if !ok || string(digest) != "x" {
		t.Fatalf("expected quorum digest x, got %q ok=%v", digest, ok)
	}
}

func TestSet_ConflictingQuorumsPanic(t *testing.T) {
	s := NewSet[uint64](2)
	s.AddAndCheckForDigest(9, []byte("x"), 0, nil)
	s.AddAndCheckForDigest(9, []byte("x"), 1, nil)
	s.AddAndCheckForDigest(9, []byte("y"), 2, nil)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on conflicting quorum")
		}
	}()
	s.AddAndCheckForDigest(9, []byte("y"), 3, nil)
}

func TestSet_PruneThrough(t *testing.T) {
	s := NewSet[uint64](2)
	for key := uint64(1); key <= 5; key++ {
		s.AddAndCheckForQuorum(key, 0, nil)
	}
	s.PruneThrough(3)
	if s.Len() != 2 {
		t.Fatalf("expected 2 keys after prune, got %d", s.Len())
	}
	if s.Count(3, nil) != 0 || s.Count(4, nil) != 1 {
		t.Fatalf("unexpected counts after prune")
	}
	s.Clear(4)
	if s.Count(4, nil) != 0 {
		t.Fatalf("expected cleared key to be empty")
	}
}
