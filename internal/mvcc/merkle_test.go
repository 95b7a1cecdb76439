package mvcc

import "testing"

func TestSnapshotRootMatchesRecomputedLeaves(t *testing.T) {
	s := NewStore(nil)
	s.Put("a", []byte("1"), 1, 1)
	s.Put("b", []byte("2"), 2, 1)
	s.Delete("c", 3, 1)

	root, err := s.SnapshotRoot(10)
	if err != nil {
		t.Fatalf("SnapshotRoot: %v", err)
	}
	leaves := s.Leaves(10)
	if !VerifySnapshotLeaves(leaves, root) {
		t.Fatalf("expected recomputed leaves to verify against the root")
	}
}

func TestSnapshotRootDetectsTamperedLeaf(t *testing.T) {
	s := NewStore(nil)
	s.Put("a", []byte("1"), 1, 1)
	s.Put("b", []byte("2"), 2, 1)

	root, err := s.SnapshotRoot(10)
	if err != nil {
		t.Fatalf("SnapshotRoot: %v", err)
	}
	leaves := s.Leaves(10)
	leaves[0].Value = []byte("tampered")
	if VerifySnapshotLeaves(leaves, root) {
		t.Fatalf("expected tampered leaf to fail verification")
	}
}

func TestSnapshotRootErrorsOnEmptyStore(t *testing.T) {
	s := NewStore(nil)
	if _, err := s.SnapshotRoot(10); err != ErrEmptySnapshot {
		t.Fatalf("expected ErrEmptySnapshot, got %v", err)
	}
}
