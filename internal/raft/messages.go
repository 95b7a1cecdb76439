package raft

// RequestVoteArgs is the RPC a Candidate sends to request a vote.
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
	PreVote      bool // spec §4.7 pre-vote optimization
}

// RequestVoteReply is the response to RequestVoteArgs.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesArgs is the RPC a Leader sends to replicate entries (or, with
// Entries empty, as a heartbeat).
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []Entry
	LeaderCommit uint64
}

// AppendEntriesReply is the response to AppendEntriesArgs.
type AppendEntriesReply struct {
	Term    uint64
	Success bool
	// ConflictIndex/ConflictTerm let the Leader skip back more than one
	// entry per round trip on a mismatch, rather than decrementing by one.
	ConflictIndex uint64
	ConflictTerm  uint64
}

// InstallSnapshotArgs transfers a full state snapshot to a follower that
// has fallen behind the Leader's log retention.
type InstallSnapshotArgs struct {
	Term              uint64
	LeaderID          string
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Data              []byte
}

// InstallSnapshotReply is the response to InstallSnapshotArgs.
type InstallSnapshotReply struct {
	Term uint64
}
