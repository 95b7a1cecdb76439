package shard

import (
	"sort"
	"sync"
)

// Epoch identifies a shard's configuration generation; it increments on
// every split or merge (spec §4.10).
type Epoch uint64

// Shard is one routable partition of the keyspace.
type Shard struct {
	ID          string
	LowKey      string // inclusive
	HighKey     string // exclusive, "" means unbounded
	Epoch       Epoch
	ParentID    string
	SizeBytes   uint64
	RequestRate float64
}

// Proposer is the minimal surface the manager needs from C7 to commit a
// split/merge decision.
type Proposer interface {
	ProposeShardChange(change Change) (ok bool)
}

// ChangeKind distinguishes split from merge proposals.
type ChangeKind int

const (
	ChangeSplit ChangeKind = iota
	ChangeMerge
)

// Change is a proposed ring reconfiguration, committed through Raft before
// it takes effect (spec §4.10).
type Change struct {
	Kind       ChangeKind
	ParentIDs  []string
	MedianKey  string // for splits
	ResultIDs  []string
}

// Config carries the split/merge thresholds.
type Config struct {
	SplitThreshold   uint64
	HotRequestRate   float64
	MergeThreshold   uint64
	ReplicationFactor int
	VirtualNodes     int
}

// DefaultConfig mirrors the Rust ShardingConfig::default() values.
func DefaultConfig() Config {
	return Config{
		SplitThreshold:    1 << 30, // 1 GiB
		HotRequestRate:    10_000,
		MergeThreshold:    1 << 20, // 1 MiB
		ReplicationFactor: 3,
		VirtualNodes:      DefaultVirtualNodes,
	}
}

// Manager owns the shard table and the consistent-hash ring, proposing
// split/merge decisions through Raft.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	ring     *Ring
	shards   map[string]*Shard
	proposer Proposer
}

// NewManager constructs a Manager with an empty shard table.
func NewManager(cfg Config, proposer Proposer) (*Manager, error) {
	ring, err := NewRing("sha256", cfg.VirtualNodes, cfg.ReplicationFactor)
	if err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, ring: ring, shards: make(map[string]*Shard), proposer: proposer}, nil
}

// RegisterShard adds a shard to the manager's table (used at startup and
// after a committed split/merge applies).
func (m *Manager) RegisterShard(s *Shard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shards[s.ID] = s
}

// RegisterNode adds a physical node's virtual positions to the ring.
func (m *Manager) RegisterNode(node string) { m.ring.AddNode(node) }

// Owner resolves the owning shard's physical node for key.
func (m *Manager) Owner(key []byte) (string, bool) { return m.ring.Owner(key) }

// EvaluateAll checks every shard against the split/merge thresholds and
// proposes a change for the first one found eligible. The spec describes
// this as a background manager task; callers are expected to invoke this
// periodically.
func (m *Manager) EvaluateAll() {
	m.mu.RLock()
	var candidates []*Shard
	for _, s := range m.shards {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	for _, s := range candidates {
		if s.SizeBytes > m.cfg.SplitThreshold || s.RequestRate > m.cfg.HotRequestRate {
			m.proposeSplit(s)
			return
		}
	}
	for i := 0; i+1 < len(candidates); i++ {
		a, b := candidates[i], candidates[i+1]
		if a.HighKey == b.LowKey && a.SizeBytes < m.cfg.MergeThreshold && b.SizeBytes < m.cfg.MergeThreshold {
			m.proposeMerge(a, b)
			return
		}
	}
}

func (m *Manager) proposeSplit(s *Shard) {
	medianKey := s.LowKey // no key-distribution sampler is wired; the
	// parent's low key stands in for the median, and there is no way for a
	// caller to supply a different split key.
	change := Change{
		Kind:      ChangeSplit,
		ParentIDs: []string{s.ID},
		MedianKey: medianKey,
		ResultIDs: []string{s.ID + ".left", s.ID + ".right"},
	}
	if m.proposer.ProposeShardChange(change) {
		m.applySplit(s, medianKey, change.ResultIDs[0], change.ResultIDs[1])
	}
}

func (m *Manager) applySplit(parent *Shard, medianKey, leftID, rightID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	epoch := parent.Epoch + 1
	left := &Shard{ID: leftID, LowKey: parent.LowKey, HighKey: medianKey, Epoch: epoch, ParentID: parent.ID}
	right := &Shard{ID: rightID, LowKey: medianKey, HighKey: parent.HighKey, Epoch: epoch, ParentID: parent.ID}
	m.shards[leftID] = left
	m.shards[rightID] = right
	delete(m.shards, parent.ID) // new transactions route to children; in-flight ones finish under the parent's epoch by holding their own reference
}

func (m *Manager) proposeMerge(a, b *Shard) {
	mergedID := a.ID + "+" + b.ID
	change := Change{Kind: ChangeMerge, ParentIDs: []string{a.ID, b.ID}, ResultIDs: []string{mergedID}}
	if m.proposer.ProposeShardChange(change) {
		m.applyMerge(a, b, mergedID)
	}
}

func (m *Manager) applyMerge(a, b *Shard, mergedID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	epoch := a.Epoch
	if b.Epoch > epoch {
		epoch = b.Epoch
	}
	epoch++
	merged := &Shard{ID: mergedID, LowKey: a.LowKey, HighKey: b.HighKey, Epoch: epoch}
	delete(m.shards, a.ID)
	delete(m.shards, b.ID)
	m.shards[mergedID] = merged
}

// ApplyCommitted applies a split/merge that has been committed through
// Raft, bringing this node's shard table in sync with the decision. The
// node that originally proposed the change has already applied it eagerly
// in proposeSplit/proposeMerge once ProposeShardChange returned true, so
// this is a no-op there (the parent id is already gone from the table);
// every other replica applies it here for the first time as it observes
// the committed log entry through its raft.StateMachine.Apply adapter.
func (m *Manager) ApplyCommitted(change Change) {
	switch change.Kind {
	case ChangeSplit:
		if len(change.ParentIDs) != 1 || len(change.ResultIDs) != 2 {
			return
		}
		m.mu.RLock()
		parent, ok := m.shards[change.ParentIDs[0]]
		m.mu.RUnlock()
		if !ok {
			return
		}
		m.applySplit(parent, change.MedianKey, change.ResultIDs[0], change.ResultIDs[1])
	case ChangeMerge:
		if len(change.ParentIDs) != 2 || len(change.ResultIDs) != 1 {
			return
		}
		m.mu.RLock()
		a, aok := m.shards[change.ParentIDs[0]]
		b, bok := m.shards[change.ParentIDs[1]]
		m.mu.RUnlock()
		if !aok || !bok {
			return
		}
		m.applyMerge(a, b, change.ResultIDs[0])
	}
}

// Lookup returns the shard record for id, if present.
func (m *Manager) Lookup(id string) (*Shard, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shards[id]
	return s, ok
}

// AllShards returns every shard currently in the table, for snapshotting
// the whole table (internal/runtime's raft.StateMachine adapter) rather
// than one id at a time.
func (m *Manager) AllShards() []*Shard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Shard, 0, len(m.shards))
	for _, s := range m.shards {
		out = append(out, s)
	}
	return out
}
