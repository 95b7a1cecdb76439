// Package bft implements C8: signed-message verification for Raft traffic,
// peer reputation scoring with decay and quarantine, and view-change
// triggering when the current leader is suspect and stalled.
package bft

import (
	"sync"
	"time"

	"github.com/hypermesh/core/internal/crypto"
)

// EventKind is a suspicious-behavior category that penalizes a peer's
// reputation (spec §4.8).
type EventKind int

const (
	EventDoubleVote EventKind = iota
	EventConflictingAppend
	EventUnsignedMessage
	EventTimeoutBeyondThreshold
)

var defaultPenalties = map[EventKind]float64{
	EventDoubleVote:             0.5,
	EventConflictingAppend:      0.4,
	EventUnsignedMessage:        0.3,
	EventTimeoutBeyondThreshold: 0.1,
}

// peerState is one peer's reputation bookkeeping.
type peerState struct {
	score          float64
	evidenceCount  int
	quarantined    bool
}

// Config carries the tunables from spec §4.8 / the Rust ByzantineConfig
// defaults.
type Config struct {
	DetectionThreshold     float64
	QuarantineThreshold    int
	DecayFactor            float64 // per-epoch decay toward 1.0
	MaxByzantineRatio      float64 // beyond floor((n-1)/3), halt new proposals
	StallWindow            time.Duration
}

// DefaultConfig mirrors the Rust ByzantineConfig::default() values carried
// into this module's ambient configuration (see internal/config).
func DefaultConfig() Config {
	return Config{
		DetectionThreshold:  0.7,
		QuarantineThreshold: 3,
		DecayFactor:         0.99,
		MaxByzantineRatio:   0.33,
		StallWindow:         5 * time.Second,
	}
}

// Shield verifies signed Raft messages and tracks peer reputation.
type Shield struct {
	mu     sync.Mutex
	cfg    Config
	peers  map[string]*peerState

	lastProgressAt time.Time
	currentLeader  string
	leaderSince    time.Time

	onQuarantine func(peer string)
}

// OnQuarantine registers a callback invoked (outside the Shield's lock) the
// first time a peer crosses QuarantineThreshold. The runtime wires this to
// proof.StakeLedger.Slash so repeated Byzantine evidence costs the peer
// collateral, not just quorum membership (spec §4.8's reputation and §4.4's
// stake-authority model tie together here).
func (s *Shield) OnQuarantine(fn func(peer string)) { s.onQuarantine = fn }

// NewShield constructs a Shield with the given config.
func NewShield(cfg Config) *Shield {
	return &Shield{cfg: cfg, peers: make(map[string]*peerState), lastProgressAt: time.Now()}
}

func (s *Shield) getOrCreate(peer string) *peerState {
	p, ok := s.peers[peer]
	if !ok {
		p = &peerState{score: 1.0}
		s.peers[peer] = p
	}
	return p
}

// VerifySignature checks a signed Raft message and records an
// EventUnsignedMessage reputation hit on failure.
func (s *Shield) VerifySignature(peer string, algo crypto.Algorithm, pub, msg, sig []byte) bool {
	if len(sig) == 0 {
		s.RecordEvent(peer, EventUnsignedMessage)
		return false
	}
	ok, err := crypto.Verify(algo, pub, msg, sig)
	if err != nil || !ok {
		s.RecordEvent(peer, EventUnsignedMessage)
		return false
	}
	return true
}

// RecordEvent penalizes peer's reputation for a suspicious event and
// increments its evidence count, quarantining it once the threshold is
// reached.
func (s *Shield) RecordEvent(peer string, kind EventKind) {
	s.mu.Lock()
	p := s.getOrCreate(peer)
	p.score -= defaultPenalties[kind]
	if p.score < 0 {
		p.score = 0
	}
	p.evidenceCount++
	newlyQuarantined := !p.quarantined && p.evidenceCount >= s.cfg.QuarantineThreshold
	if newlyQuarantined {
		p.quarantined = true
	}
	cb := s.onQuarantine
	s.mu.Unlock()

	if newlyQuarantined && cb != nil {
		cb(peer)
	}
}

// DecayEpoch moves every peer's score toward 1.0 by DecayFactor, run once
// per reputation epoch.
func (s *Shield) DecayEpoch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		p.score = p.score + (1.0-p.score)*(1.0-s.cfg.DecayFactor)
	}
}

// IsSuspect reports whether peer's score has fallen below the detection
// threshold.
func (s *Shield) IsSuspect(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[peer]
	return ok && p.score < s.cfg.DetectionThreshold
}

// IsQuarantined reports whether peer is currently excluded from quorum.
func (s *Shield) IsQuarantined(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[peer]
	return ok && p.quarantined
}

// Reinstate clears a peer's quarantine and evidence count; only an operator
// action does this (spec §4.8: "until an operator reinstates them").
func (s *Shield) Reinstate(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.getOrCreate(peer)
	p.quarantined = false
	p.evidenceCount = 0
	p.score = 1.0
}

// QuarantinedCount returns how many peers are currently quarantined.
func (s *Shield) QuarantinedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.peers {
		if p.quarantined {
			n++
		}
	}
	return n
}

// ExceedsQuarantineBudget reports whether more than floor((n-1)/3) of n
// cluster members are quarantined — past this point the system must halt
// new proposals and surface a Critical health alert (spec §4.8).
func (s *Shield) ExceedsQuarantineBudget(clusterSize int) bool {
	budget := (clusterSize - 1) / 3
	return s.QuarantinedCount() > budget
}

// FilterQuorum removes quarantined members from a candidate voter/replica
// set, as required when computing Raft quorum or shard replica placement.
func (s *Shield) FilterQuorum(members []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(members))
	for _, m := range members {
		if p, ok := s.peers[m]; ok && p.quarantined {
			continue
		}
		out = append(out, m)
	}
	return out
}

// NoteProgress records that forward Raft progress occurred under the
// current leader, resetting the stall clock.
func (s *Shield) NoteProgress(leader string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if leader != s.currentLeader {
		s.currentLeader = leader
		s.leaderSince = time.Now()
	}
	s.lastProgressAt = time.Now()
}

// ShouldTriggerViewChange reports whether the current leader is suspect
// and forward progress has stalled for StallWindow (spec §4.8).
func (s *Shield) ShouldTriggerViewChange(now time.Time) bool {
	s.mu.Lock()
	leader := s.currentLeader
	stalled := now.Sub(s.lastProgressAt) > s.cfg.StallWindow
	s.mu.Unlock()
	if leader == "" {
		return false
	}
	return stalled && s.IsSuspect(leader)
}

// ViewChangeBallot collects agreement votes for skipping forward to a new
// term, per the "2f+1 responses agree" rule.
type ViewChangeBallot struct {
	mu       sync.Mutex
	votes    map[string]bool
	required int
}

// NewViewChangeBallot constructs a ballot requiring 2f+1 agreeing votes out
// of a cluster tolerating f Byzantine members.
func NewViewChangeBallot(f int) *ViewChangeBallot {
	return &ViewChangeBallot{votes: make(map[string]bool), required: 2*f + 1}
}

// Vote records peer's agreement (or disagreement) with the proposed view
// change.
func (b *ViewChangeBallot) Vote(peer string, agree bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.votes[peer] = agree
}

// Decided reports whether enough agreeing votes have been collected to
// proceed with the view change.
func (b *ViewChangeBallot) Decided() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	agreeing := 0
	for _, v := range b.votes {
		if v {
			agreeing++
		}
	}
	return agreeing >= b.required
}
