package raft

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Role is a node's current position in the Raft state machine.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Transport is the minimal RPC surface a Node needs from C2 to reach its
// peers. internal/runtime's raftTransport (over internal/transport
// connections) provides the concrete implementation; tests use an
// in-memory fake.
type Transport interface {
	RequestVote(ctx context.Context, peer string, args RequestVoteArgs) (RequestVoteReply, error)
	AppendEntries(ctx context.Context, peer string, args AppendEntriesArgs) (AppendEntriesReply, error)
	InstallSnapshot(ctx context.Context, peer string, args InstallSnapshotArgs) (InstallSnapshotReply, error)
}

// StateMachine applies committed log entries to the replicated application
// state (C6/C9 sit behind this interface in the full system).
type StateMachine interface {
	Apply(entry Entry)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// Options configures election/heartbeat timing and snapshot thresholds.
type Options struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	SnapshotThreshold  uint64
	PreVoteEnabled     bool
}

// Node is one member of a Raft group.
type Node struct {
	mu sync.Mutex

	id      string
	opts    Options
	trans   Transport
	sm      StateMachine
	logger  *logrus.Logger

	role        Role
	currentTerm uint64
	votedFor    string
	log         *Log
	config      Configuration

	commitIndex uint64
	lastApplied uint64

	// leader-only volatile state
	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	electionResetAt time.Time
	entriesSinceSnapshot uint64

	onRoleChange func(Role)
}

// NewNode constructs a Node starting as Follower in term 0.
func NewNode(id string, config Configuration, trans Transport, sm StateMachine, logger *logrus.Logger, opts Options) *Node {
	return &Node{
		id:     id,
		opts:   opts,
		trans:  trans,
		sm:     sm,
		logger: logger,
		role:   Follower,
		log:    NewLog(),
		config: config,
	}
}

// SetOnRoleChange registers a callback invoked (outside the lock) whenever
// this node's role transitions, letting the Byzantine shield and health
// detector observe leadership changes.
func (n *Node) SetOnRoleChange(fn func(Role)) { n.mu.Lock(); n.onRoleChange = fn; n.mu.Unlock() }

func (n *Node) setRole(r Role) {
	n.role = r
	if n.onRoleChange != nil {
		go n.onRoleChange(r)
	}
}

// Role returns the node's current role.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// Term returns the node's current term.
func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

// IsLeader reports whether this node currently believes itself Leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

func (n *Node) randomizedElectionTimeout() time.Duration {
	lo, hi := n.opts.ElectionTimeoutMin, n.opts.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	span := hi - lo
	return lo + time.Duration(rand.Int63n(int64(span)))
}

// Run drives the election timer and (while Leader) heartbeats until ctx is
// canceled. It is meant to be started with `go node.Run(ctx)`.
func (n *Node) Run(ctx context.Context) {
	timer := time.NewTimer(n.randomizedElectionTimeout())
	defer timer.Stop()
	heartbeat := time.NewTicker(n.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			n.mu.Lock()
			isLeader := n.role == Leader
			n.mu.Unlock()
			if !isLeader {
				n.startElection(ctx)
			}
			timer.Reset(n.randomizedElectionTimeout())
		case <-heartbeat.C:
			n.mu.Lock()
			isLeader := n.role == Leader
			n.mu.Unlock()
			if isLeader {
				n.broadcastAppendEntries(ctx)
			}
		}
	}
}

func (n *Node) peers() []string {
	var out []string
	for _, m := range n.config.Voters() {
		if m != n.id {
			out = append(out, m)
		}
	}
	return out
}

// startElection runs the optional pre-vote round, then (if it would win) a
// real election, per spec §4.7.
func (n *Node) startElection(ctx context.Context) {
	n.mu.Lock()
	lastIdx, lastTerm := n.log.LastIndex(), n.log.LastTerm()
	candidateTerm := n.currentTerm + 1
	peers := n.peers()
	config := n.config
	preVoteEnabled := n.opts.PreVoteEnabled
	n.mu.Unlock()

	if preVoteEnabled {
		args := RequestVoteArgs{Term: candidateTerm, CandidateID: n.id, LastLogIndex: lastIdx, LastLogTerm: lastTerm, PreVote: true}
		votes := map[string]bool{n.id: true}
		for _, p := range peers {
			reply, err := n.trans.RequestVote(ctx, p, args)
			if err == nil && reply.VoteGranted {
				votes[p] = true
			}
		}
		if !config.HasMajority(votes) {
			return // would not win; do not disrupt the cluster by incrementing term
		}
	}

	n.mu.Lock()
	n.currentTerm++
	n.votedFor = n.id
	n.setRole(Candidate)
	term := n.currentTerm
	n.mu.Unlock()

	args := RequestVoteArgs{Term: term, CandidateID: n.id, LastLogIndex: lastIdx, LastLogTerm: lastTerm}
	votes := map[string]bool{n.id: true}
	for _, p := range peers {
		reply, err := n.trans.RequestVote(ctx, p, args)
		if err != nil {
			continue
		}
		n.mu.Lock()
		if reply.Term > n.currentTerm {
			n.stepDown(reply.Term)
			n.mu.Unlock()
			return
		}
		n.mu.Unlock()
		if reply.VoteGranted {
			votes[p] = true
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Candidate || n.currentTerm != term {
		return // state moved on while votes were in flight
	}
	if config.HasMajority(votes) {
		n.becomeLeaderLocked()
	}
}

func (n *Node) becomeLeaderLocked() {
	n.setRole(Leader)
	n.nextIndex = make(map[string]uint64)
	n.matchIndex = make(map[string]uint64)
	last := n.log.LastIndex()
	for _, p := range n.peers() {
		n.nextIndex[p] = last + 1
		n.matchIndex[p] = 0
	}
	// append a no-op entry so the new leader can establish commit index in
	// its own term before serving reads (standard Raft leader-completeness
	// requirement).
	n.log.Append(Entry{Index: last + 1, Term: n.currentTerm, Kind: EntryNoop})
}

// stepDown reverts to Follower upon observing a higher term. Callers must
// hold n.mu.
func (n *Node) stepDown(term uint64) {
	n.currentTerm = term
	n.votedFor = ""
	n.setRole(Follower)
}

// HandleRequestVote processes an incoming RequestVote RPC.
func (n *Node) HandleRequestVote(args RequestVoteArgs) RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.PreVote {
		// pre-vote never mutates persistent state; it only reports whether
		// the requester's log is at least as up to date.
		granted := args.Term >= n.currentTerm && n.logUpToDateLocked(args.LastLogIndex, args.LastLogTerm)
		return RequestVoteReply{Term: n.currentTerm, VoteGranted: granted}
	}

	if args.Term < n.currentTerm {
		return RequestVoteReply{Term: n.currentTerm, VoteGranted: false}
	}
	if args.Term > n.currentTerm {
		n.stepDown(args.Term)
	}
	alreadyVoted := n.votedFor != "" && n.votedFor != args.CandidateID
	if alreadyVoted || !n.logUpToDateLocked(args.LastLogIndex, args.LastLogTerm) {
		return RequestVoteReply{Term: n.currentTerm, VoteGranted: false}
	}
	n.votedFor = args.CandidateID
	n.electionResetAt = time.Now()
	return RequestVoteReply{Term: n.currentTerm, VoteGranted: true}
}

// logUpToDateLocked compares (candidateLastTerm, candidateLastIndex)
// against this node's log per the spec §4.7 ordering rule. Caller must
// hold n.mu.
func (n *Node) logUpToDateLocked(candidateLastIndex, candidateLastTerm uint64) bool {
	myLastTerm, myLastIndex := n.log.LastTerm(), n.log.LastIndex()
	if candidateLastTerm != myLastTerm {
		return candidateLastTerm > myLastTerm
	}
	return candidateLastIndex >= myLastIndex
}

// HandleAppendEntries processes an incoming AppendEntries RPC (including
// heartbeats with Entries empty).
func (n *Node) HandleAppendEntries(args AppendEntriesArgs) AppendEntriesReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term < n.currentTerm {
		return AppendEntriesReply{Term: n.currentTerm, Success: false}
	}
	if args.Term > n.currentTerm || n.role == Candidate {
		n.stepDown(args.Term)
	}
	n.electionResetAt = time.Now()

	if args.PrevLogIndex > 0 {
		term, ok := n.log.TermAt(args.PrevLogIndex)
		if !ok {
			return AppendEntriesReply{Term: n.currentTerm, Success: false, ConflictIndex: n.log.LastIndex() + 1}
		}
		if term != args.PrevLogTerm {
			return AppendEntriesReply{Term: n.currentTerm, Success: false, ConflictIndex: args.PrevLogIndex, ConflictTerm: term}
		}
	}

	n.log.Append(args.Entries...)

	if args.LeaderCommit > n.commitIndex {
		newCommit := args.LeaderCommit
		if last := n.log.LastIndex(); newCommit > last {
			newCommit = last
		}
		n.commitIndex = newCommit
		n.applyCommittedLocked()
	}
	return AppendEntriesReply{Term: n.currentTerm, Success: true}
}

func (n *Node) applyCommittedLocked() {
	for n.lastApplied < n.commitIndex {
		n.lastApplied++
		n.entriesSinceSnapshot++
		if e, ok := n.log.EntryAt(n.lastApplied); ok {
			n.sm.Apply(e)
		}
	}
}

// broadcastAppendEntries sends AppendEntries (heartbeat or replication) to
// every peer and advances commitIndex once a majority has replicated.
func (n *Node) broadcastAppendEntries(ctx context.Context) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	term := n.currentTerm
	config := n.config
	peers := n.peers()
	n.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			n.replicateTo(ctx, peer, term)
		}(p)
	}
	wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Leader || n.currentTerm != term {
		return
	}
	for idx := n.log.LastIndex(); idx > n.commitIndex; idx-- {
		entryTerm, ok := n.log.TermAt(idx)
		if !ok || entryTerm != n.currentTerm {
			continue // Raft never commits an entry from a prior term by counting alone
		}
		votes := map[string]bool{n.id: true}
		for _, p := range peers {
			if n.matchIndex[p] >= idx {
				votes[p] = true
			}
		}
		if config.HasMajority(votes) {
			n.commitIndex = idx
			n.applyCommittedLocked()
			break
		}
	}
}

func (n *Node) replicateTo(ctx context.Context, peer string, term uint64) {
	n.mu.Lock()
	if n.role != Leader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	next := n.nextIndex[peer]
	if next == 0 {
		next = n.log.LastIndex() + 1
	}
	prevIndex := next - 1
	prevTerm, known := n.log.TermAt(prevIndex)
	if !known && prevIndex > 0 {
		// peer needs a snapshot; caller's transport layer is expected to
		// expose InstallSnapshot separately (wired in internal/transport).
		n.mu.Unlock()
		return
	}
	entries := n.log.EntriesFrom(next)
	leaderCommit := n.commitIndex
	n.mu.Unlock()

	reply, err := n.trans.AppendEntries(ctx, peer, AppendEntriesArgs{
		Term: term, LeaderID: n.id, PrevLogIndex: prevIndex, PrevLogTerm: prevTerm,
		Entries: entries, LeaderCommit: leaderCommit,
	})
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if reply.Term > n.currentTerm {
		n.stepDown(reply.Term)
		return
	}
	if n.role != Leader || n.currentTerm != term {
		return
	}
	if reply.Success {
		if len(entries) > 0 {
			n.matchIndex[peer] = entries[len(entries)-1].Index
			n.nextIndex[peer] = n.matchIndex[peer] + 1
		}
	} else if reply.ConflictIndex > 0 {
		n.nextIndex[peer] = reply.ConflictIndex
	} else if n.nextIndex[peer] > 1 {
		n.nextIndex[peer]--
	}
}

// Propose appends a new command entry if this node is Leader, returning
// the assigned index or ok=false if not currently Leader.
func (n *Node) Propose(command []byte) (index uint64, term uint64, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Leader {
		return 0, 0, false
	}
	idx := n.log.LastIndex() + 1
	n.log.Append(Entry{Index: idx, Term: n.currentTerm, Kind: EntryCommand, Command: command})
	return idx, n.currentTerm, true
}

// MaybeSnapshot folds applied state into a snapshot once snapshot_threshold
// committed entries have accumulated (spec §4.7).
func (n *Node) MaybeSnapshot() error {
	n.mu.Lock()
	if n.entriesSinceSnapshot < n.opts.SnapshotThreshold {
		n.mu.Unlock()
		return nil
	}
	appliedIdx := n.lastApplied
	appliedTerm, _ := n.log.TermAt(appliedIdx)
	n.mu.Unlock()

	data, err := n.sm.Snapshot()
	if err != nil {
		return err
	}
	_ = data // persistence of the snapshot blob is handled by the caller's storage layer

	n.mu.Lock()
	n.log.CompactTo(appliedIdx, appliedTerm)
	n.entriesSinceSnapshot = 0
	n.mu.Unlock()
	return nil
}

// HandleInstallSnapshot processes an incoming InstallSnapshot RPC for a
// follower that has fallen too far behind the leader's retained log.
func (n *Node) HandleInstallSnapshot(args InstallSnapshotArgs) InstallSnapshotReply {
	n.mu.Lock()
	if args.Term < n.currentTerm {
		defer n.mu.Unlock()
		return InstallSnapshotReply{Term: n.currentTerm}
	}
	if args.Term > n.currentTerm {
		n.stepDown(args.Term)
	}
	n.electionResetAt = time.Now()
	n.mu.Unlock()

	if err := n.sm.Restore(args.Data); err != nil {
		n.logger.WithError(err).Error("raft: snapshot restore failed")
		n.mu.Lock()
		defer n.mu.Unlock()
		return InstallSnapshotReply{Term: n.currentTerm}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.log.CompactTo(args.LastIncludedIndex, args.LastIncludedTerm)
	n.lastApplied = args.LastIncludedIndex
	if n.commitIndex < args.LastIncludedIndex {
		n.commitIndex = args.LastIncludedIndex
	}
	return InstallSnapshotReply{Term: n.currentTerm}
}

// ProposeConfiguration begins a joint-consensus membership change: the
// Leader proposes C_old,new. Once that entry commits, the caller (or a
// background driver) should call ProposeConfiguration again with the
// target-only configuration to complete the transition to C_new.
func (n *Node) ProposeConfiguration(newConfig Configuration) (index uint64, ok bool) {
	encoded, err := EncodeConfiguration(newConfig)
	if err != nil {
		return 0, false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Leader {
		return 0, false
	}
	idx := n.log.LastIndex() + 1
	n.log.Append(Entry{Index: idx, Term: n.currentTerm, Kind: EntryConfig, Command: encoded})
	n.config = newConfig
	return idx, true
}

// CommitIndex returns the node's current commit index.
func (n *Node) CommitIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}
