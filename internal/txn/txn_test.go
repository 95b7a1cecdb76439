package txn

import (
	"testing"

	"github.com/hypermesh/core/internal/errors"
	"github.com/hypermesh/core/internal/mvcc"
)

type seqProposer struct {
	next uint64
}

func (p *seqProposer) ProposeCommitRecord(readSet, writeSet []string) (uint64, bool) {
	p.next++
	return p.next, true
}

func TestBeginGetPutCommit(t *testing.T) {
	store := mvcc.NewStore(nil)
	proposer := &seqProposer{}
	c := NewCoordinator(store, proposer)

	tx := c.Begin(Serializable, 0)
	tx.Put("k", []byte("v1"))
	if v, ok := tx.Get("k"); !ok || string(v) != "v1" {
		t.Fatalf("expected uncommitted write visible within the same transaction")
	}
	ts, err := tx.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if v, ok := store.Get("k", ts); !ok || string(v) != "v1" {
		t.Fatalf("expected committed value visible in store at commit-ts")
	}
}

func TestSerializableAbortsOnReadSetConflict(t *testing.T) {
	store := mvcc.NewStore(nil)
	// ts 1 is already taken by the seed write below; the writer commits at 2.
	proposer := &seqProposer{next: 1}
	c := NewCoordinator(store, proposer)

	_ = store.Put("k", []byte("v0"), 1, 0)

	reader := c.Begin(Serializable, 1)
	if _, ok := reader.Get("k"); !ok {
		t.Fatalf("expected reader to see v0")
	}

	writer := c.Begin(Serializable, 1)
	writer.Put("k", []byte("v1"))
	if _, err := writer.Commit(); err != nil {
		t.Fatalf("writer commit: %v", err)
	}

	if _, err := reader.Commit(); !errors.Is(err, errors.KindSerializationFailure) {
		t.Fatalf("expected SerializationFailure, got %v", err)
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	store := mvcc.NewStore(nil)
	c := NewCoordinator(store, &seqProposer{})
	tx := c.Begin(Serializable, 0)
	tx.Put("k", []byte("v1"))
	tx.Rollback()
	if _, ok := store.Get("k", ^uint64(0)); ok {
		t.Fatalf("expected rolled-back write to never reach the store")
	}
}

func TestDetectDeadlocksAbortsYoungest(t *testing.T) {
	store := mvcc.NewStore(nil)
	c := NewCoordinator(store, &seqProposer{})
	t1 := c.Begin(Serializable, 0)
	t2 := c.Begin(Serializable, 0)

	// t1 waits on t2, t2 waits on t1: a cycle.
	c.MarkWaiting(t1.id, t2.id)
	c.MarkWaiting(t2.id, t1.id)

	victims := c.DetectDeadlocks()
	if len(victims) == 0 {
		t.Fatalf("expected at least one deadlock victim")
	}
	if victims[0] != t2.id {
		t.Fatalf("expected the younger transaction (t2, started later) to be the victim, got %d", victims[0])
	}
}
