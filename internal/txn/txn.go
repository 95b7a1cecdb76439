// Package txn implements C9: the transaction coordinator — serializable
// single-shard transactions by default and wait-for-graph deadlock
// detection. Every commit goes through one Proposer; there is no two-phase
// commit across shards.
package txn

import (
	"sync"
	"time"

	"github.com/hypermesh/core/internal/errors"
	"github.com/hypermesh/core/internal/mvcc"
)

// Isolation is the transaction's isolation level. Serializable is the
// spec-mandated default; others are an opt-in enrichment layered on top.
type Isolation int

const (
	Serializable Isolation = iota
	SnapshotIsolation
	ReadCommitted
)

// Status is a transaction's terminal or in-flight state.
type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusAborted
)

// Proposer is the minimal surface C9 needs from C7: propose a commit
// record and learn its assigned commit timestamp once applied.
type Proposer interface {
	ProposeCommitRecord(readSet, writeSet []string) (commitTS uint64, ok bool)
}

// Txn is one in-flight transaction.
type Txn struct {
	mu        sync.Mutex
	id        uint64
	isolation Isolation
	startTS   uint64
	status    Status
	reads     map[string]struct{}
	writes    map[string][]byte
	deletes   map[string]struct{}
	store     *mvcc.Store
	proposer  Proposer
	coord     *Coordinator
}

// Get reads key as of the transaction's start_ts, tracking it in the read
// set for commit-time validation.
func (t *Txn) Get(key string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reads[key] = struct{}{}
	if v, ok := t.writes[key]; ok {
		return v, true
	}
	if _, ok := t.deletes[key]; ok {
		return nil, false
	}
	return t.store.Get(key, t.startTS)
}

// Put stages a write, visible to this transaction immediately and to
// others only after commit.
func (t *Txn) Put(key string, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.deletes, key)
	t.writes[key] = value
}

// Delete stages a tombstone write.
func (t *Txn) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.writes, key)
	t.deletes[key] = struct{}{}
}

// Commit validates the read set against the current watermark/newest
// commit-ts per key (serializable check), proposes the commit record
// through Raft, and applies it on success.
func (t *Txn) Commit() (commitTS uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive {
		return 0, errors.New(errors.KindPermissionDenied, "transaction is not active")
	}

	if t.isolation == Serializable {
		for key := range t.reads {
			if newestCommitTS(t.store, key) > t.startTS {
				t.status = StatusAborted
				t.coord.remove(t.id)
				return 0, errors.New(errors.KindSerializationFailure, "read set key "+key+" modified since snapshot")
			}
		}
	}

	readSet := keysOf(t.reads)
	writeSet := keysOf(t.writes)
	for k := range t.deletes {
		writeSet = append(writeSet, k)
	}

	ts, ok := t.proposer.ProposeCommitRecord(readSet, writeSet)
	if !ok {
		return 0, errors.New(errors.KindNotLeader, "commit record could not be proposed")
	}

	for k, v := range t.writes {
		if err := t.store.Put(k, v, ts, t.id); err != nil {
			return 0, err
		}
	}
	for k := range t.deletes {
		if err := t.store.Delete(k, ts, t.id); err != nil {
			return 0, err
		}
	}

	t.status = StatusCommitted
	t.coord.remove(t.id)
	return ts, nil
}

// Rollback discards the transaction's staged writes without applying
// anything.
func (t *Txn) Rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusAborted
	t.coord.remove(t.id)
}

func newestCommitTS(store *mvcc.Store, key string) uint64 {
	ts, ok := store.LatestCommitTS(key)
	if !ok {
		return 0
	}
	return ts
}

func keysOf(m interface{}) []string {
	switch v := m.(type) {
	case map[string]struct{}:
		out := make([]string, 0, len(v))
		for k := range v {
			out = append(out, k)
		}
		return out
	case map[string][]byte:
		out := make([]string, 0, len(v))
		for k := range v {
			out = append(out, k)
		}
		return out
	default:
		return nil
	}
}

// Coordinator tracks in-flight transactions and periodically scans for
// deadlocks via a wait-for graph.
type Coordinator struct {
	mu        sync.Mutex
	store     *mvcc.Store
	proposer  Proposer
	nextID    uint64
	active    map[uint64]*Txn
	waitFor   map[uint64]uint64 // txn -> txn it is blocked waiting on
	startedAt map[uint64]time.Time
}

// NewCoordinator constructs a Coordinator over store, proposing commit
// records through proposer.
func NewCoordinator(store *mvcc.Store, proposer Proposer) *Coordinator {
	return &Coordinator{
		store: store, proposer: proposer,
		active: make(map[uint64]*Txn), waitFor: make(map[uint64]uint64),
		startedAt: make(map[uint64]time.Time),
	}
}

// Begin starts a new transaction at the given isolation level, reading as of
// the caller-supplied startTS.
func (c *Coordinator) Begin(isolation Isolation, startTS uint64) *Txn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	t := &Txn{
		id: id, isolation: isolation, startTS: startTS,
		status: StatusActive, reads: make(map[string]struct{}),
		writes: make(map[string][]byte), deletes: make(map[string]struct{}),
		store: c.store, proposer: c.proposer, coord: c,
	}
	c.active[id] = t
	c.startedAt[id] = time.Now()
	return t
}

func (c *Coordinator) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, id)
	delete(c.waitFor, id)
	delete(c.startedAt, id)
}

// MarkWaiting records that txn id is blocked waiting on blockingID, for
// deadlock-cycle detection.
func (c *Coordinator) MarkWaiting(id, blockingID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitFor[id] = blockingID
}

// ClearWaiting records that txn id is no longer blocked.
func (c *Coordinator) ClearWaiting(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waitFor, id)
}

// DetectDeadlocks scans the wait-for graph for cycles; on each cycle found,
// the youngest transaction in the cycle is returned for abort (spec §4.9).
// Abort is the caller's responsibility (it calls Txn.Rollback on the
// returned transaction), keeping this function side-effect free apart from
// graph traversal.
func (c *Coordinator) DetectDeadlocks() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toAbort []uint64
	visited := make(map[uint64]bool)
	for start := range c.waitFor {
		if visited[start] {
			continue
		}
		path := []uint64{}
		onPath := make(map[uint64]int)
		cur := start
		for {
			if idx, seen := onPath[cur]; seen {
				cycle := path[idx:]
				youngest := cycle[0]
				youngestTime := c.startedAt[youngest]
				for _, id := range cycle[1:] {
					if t, ok := c.startedAt[id]; ok && t.After(youngestTime) {
						youngest = id
						youngestTime = t
					}
				}
				toAbort = append(toAbort, youngest)
				break
			}
			if visited[cur] {
				break
			}
			visited[cur] = true
			onPath[cur] = len(path)
			path = append(path, cur)
			next, ok := c.waitFor[cur]
			if !ok {
				break
			}
			cur = next
		}
	}
	return toAbort
}

// Get returns the in-flight transaction for id, if any.
func (c *Coordinator) Get(id uint64) (*Txn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.active[id]
	return t, ok
}
