package runtime

import (
	"encoding/json"
	"sync"

	"github.com/hypermesh/core/internal/raft"
	"github.com/hypermesh/core/internal/shard"
	"github.com/hypermesh/core/internal/txn"
)

// raftProposer adapts raft.Node.Propose to the narrow Proposer interfaces
// C9 (txn.Proposer) and C10 (shard.Proposer) each declare, so both route
// their commit/change decisions through the same replicated log instead of
// each reinventing ordering. It is constructed before the raft.Node exists
// (shard.NewManager needs a Proposer before raft.NewNode needs a
// StateMachine that in turn needs the Manager), so the node is attached
// after the fact via setNode, mirroring raftTransport's own construction
// order.
type raftProposer struct {
	mu   sync.RWMutex
	node *raft.Node
}

func newRaftProposer() *raftProposer { return &raftProposer{} }

func (p *raftProposer) setNode(n *raft.Node) {
	p.mu.Lock()
	p.node = n
	p.mu.Unlock()
}

func (p *raftProposer) propose(env commandEnvelope) (index uint64, ok bool) {
	p.mu.RLock()
	n := p.node
	p.mu.RUnlock()
	if n == nil {
		return 0, false
	}
	b, err := json.Marshal(env)
	if err != nil {
		return 0, false
	}
	idx, _, ok := n.Propose(b)
	return idx, ok
}

// ProposeCommitRecord implements txn.Proposer. The assigned Raft log index
// doubles as the transaction's commit timestamp: both need only be
// monotonically increasing and assigned by the current leader, and the log
// index already is (spec §4.9 does not mandate a timestamp source distinct
// from the ordering Raft itself provides).
func (p *raftProposer) ProposeCommitRecord(readSet, writeSet []string) (commitTS uint64, ok bool) {
	return p.propose(commandEnvelope{Kind: commandTxnCommit, ReadSet: readSet, WriteSet: writeSet})
}

// ProposeShardChange implements shard.Proposer.
func (p *raftProposer) ProposeShardChange(change shard.Change) bool {
	_, ok := p.propose(commandEnvelope{Kind: commandShardChange, ShardChange: &change})
	return ok
}

var (
	_ shard.Proposer = (*raftProposer)(nil)
	_ txn.Proposer   = (*raftProposer)(nil)
)
