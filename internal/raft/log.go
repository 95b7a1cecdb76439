// Package raft implements C7: leader election, log replication, commit,
// snapshotting and joint-consensus membership changes. Naming follows
// hashicorp/raft's own vocabulary (Follower/Candidate/Leader,
// AppendEntries/RequestVote/InstallSnapshot) for recognizability, but the
// implementation here is hand-rolled so that every Raft message can be
// wrapped and signed by the Byzantine shield (internal/bft) before it
// leaves this node — a hook hashicorp/raft does not expose.
package raft

// Entry is one replicated log entry.
type Entry struct {
	Index   uint64
	Term    uint64
	Kind    EntryKind
	Command []byte // application payload, or a membership set when Kind==EntryConfig
}

// EntryKind distinguishes application commands from membership-change
// entries carried through the same log (spec §4.7 joint consensus).
type EntryKind uint8

const (
	EntryCommand EntryKind = iota
	EntryConfig
	EntryNoop
)

// Log is the in-memory replicated log, indexed from 1. Index 0 is the
// sentinel "nothing applied yet" position.
type Log struct {
	entries         []Entry // entries[i] has Index == firstIndex+i
	firstIndex      uint64  // index of entries[0]; 1 for a log with no snapshot
	lastIncludedIdx uint64
	lastIncludedTrm uint64
}

// NewLog constructs an empty log.
func NewLog() *Log {
	return &Log{firstIndex: 1}
}

// LastIndex returns the index of the last entry in the log (or the last
// snapshot index if the log is empty following a snapshot).
func (l *Log) LastIndex() uint64 {
	if len(l.entries) == 0 {
		return l.lastIncludedIdx
	}
	return l.entries[len(l.entries)-1].Index
}

// LastTerm returns the term of the last entry, or the snapshot's
// last-included term if the log is empty.
func (l *Log) LastTerm() uint64 {
	if len(l.entries) == 0 {
		return l.lastIncludedTrm
	}
	return l.entries[len(l.entries)-1].Term
}

// TermAt returns the term of the entry at idx, and whether it is known
// (either present in the in-memory log or matching the snapshot boundary).
func (l *Log) TermAt(idx uint64) (uint64, bool) {
	if idx == l.lastIncludedIdx {
		return l.lastIncludedTrm, true
	}
	if idx < l.firstIndex || idx > l.LastIndex() {
		return 0, false
	}
	return l.entries[idx-l.firstIndex].Term, true
}

// EntryAt returns the entry at idx, if present in memory.
func (l *Log) EntryAt(idx uint64) (Entry, bool) {
	if idx < l.firstIndex || idx > l.LastIndex() || len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[idx-l.firstIndex], true
}

// Append adds entries after truncating any conflicting suffix starting at
// the first new entry's index (standard Raft log-matching repair).
func (l *Log) Append(entries ...Entry) {
	for _, e := range entries {
		if e.Index < l.firstIndex {
			continue // already compacted into a snapshot
		}
		relIdx := int(e.Index - l.firstIndex)
		switch {
		case relIdx < len(l.entries):
			if l.entries[relIdx].Term != e.Term {
				l.entries = l.entries[:relIdx]
				l.entries = append(l.entries, e)
			}
			// else: identical entry already present, no-op
		case relIdx == len(l.entries):
			l.entries = append(l.entries, e)
		default:
			// gap: should not happen given AppendEntries' prev-index check
		}
	}
}

// EntriesFrom returns every entry with Index >= from, for replication.
func (l *Log) EntriesFrom(from uint64) []Entry {
	if from < l.firstIndex {
		from = l.firstIndex
	}
	if from > l.LastIndex() {
		return nil
	}
	start := int(from - l.firstIndex)
	out := make([]Entry, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// CompactTo discards entries up to and including upToIndex, recording the
// snapshot boundary (spec §4.7 snapshots).
func (l *Log) CompactTo(upToIndex, upToTerm uint64) {
	if upToIndex < l.firstIndex {
		return
	}
	if upToIndex > l.LastIndex() {
		l.entries = nil
		l.firstIndex = upToIndex + 1
	} else {
		relIdx := int(upToIndex-l.firstIndex) + 1
		l.entries = append([]Entry{}, l.entries[relIdx:]...)
		l.firstIndex = upToIndex + 1
	}
	l.lastIncludedIdx = upToIndex
	l.lastIncludedTrm = upToTerm
}
