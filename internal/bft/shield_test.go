package bft

import (
	"testing"
	"time"
)

func TestRecordEventPenalizesAndQuarantines(t *testing.T) {
	s := NewShield(DefaultConfig())
	if s.IsSuspect("p1") {
		t.Fatalf("expected unknown peer to not be suspect")
	}
	s.RecordEvent("p1", EventDoubleVote)
	if !s.IsSuspect("p1") {
		t.Fatalf("expected peer suspect after double-vote penalty (score should drop below 0.7)")
	}
	s.RecordEvent("p1", EventConflictingAppend)
	s.RecordEvent("p1", EventUnsignedMessage)
	if !s.IsQuarantined("p1") {
		t.Fatalf("expected peer quarantined after 3 evidence events")
	}
}

func TestOnQuarantineFiresOnceWhenThresholdCrossed(t *testing.T) {
	s := NewShield(DefaultConfig())
	var fired []string
	s.OnQuarantine(func(peer string) { fired = append(fired, peer) })

	s.RecordEvent("p1", EventDoubleVote)
	s.RecordEvent("p1", EventDoubleVote)
	if len(fired) != 0 {
		t.Fatalf("expected no callback before quarantine threshold, got %v", fired)
	}
	s.RecordEvent("p1", EventDoubleVote)
	if len(fired) != 1 || fired[0] != "p1" {
		t.Fatalf("expected callback fired exactly once for p1, got %v", fired)
	}
	s.RecordEvent("p1", EventDoubleVote)
	if len(fired) != 1 {
		t.Fatalf("expected callback to not re-fire once already quarantined, got %v", fired)
	}
}

func TestReinstateClearsQuarantine(t *testing.T) {
	s := NewShield(DefaultConfig())
	for i := 0; i < 3; i++ {
		s.RecordEvent("p1", EventDoubleVote)
	}
	if !s.IsQuarantined("p1") {
		t.Fatalf("setup: expected quarantine")
	}
	s.Reinstate("p1")
	if s.IsQuarantined("p1") {
		t.Fatalf("expected reinstated peer to no longer be quarantined")
	}
}

func TestExceedsQuarantineBudget(t *testing.T) {
	s := NewShield(DefaultConfig())
	for _, peer := range []string{"p1", "p2"} {
		for i := 0; i < 3; i++ {
			s.RecordEvent(peer, EventDoubleVote)
		}
	}
	// cluster size 7: budget = floor(6/3) = 2; 2 quarantined is within budget.
	if s.ExceedsQuarantineBudget(7) {
		t.Fatalf("expected 2/7 quarantined to be within budget")
	}
	for i := 0; i < 3; i++ {
		s.RecordEvent("p3", EventDoubleVote)
	}
	if !s.ExceedsQuarantineBudget(7) {
		t.Fatalf("expected 3/7 quarantined to exceed budget")
	}
}

func TestFilterQuorumExcludesQuarantined(t *testing.T) {
	s := NewShield(DefaultConfig())
	for i := 0; i < 3; i++ {
		s.RecordEvent("p1", EventDoubleVote)
	}
	out := s.FilterQuorum([]string{"p1", "p2", "p3"})
	for _, m := range out {
		if m == "p1" {
			t.Fatalf("expected quarantined peer p1 to be filtered out")
		}
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 remaining members, got %d", len(out))
	}
}

func TestViewChangeTriggersOnSuspectStalledLeader(t *testing.T) {
	s := NewShield(DefaultConfig())
	s.cfg.StallWindow = 10 * time.Millisecond
	s.NoteProgress("leader1")
	for i := 0; i < 3; i++ {
		s.RecordEvent("leader1", EventDoubleVote)
	}
	time.Sleep(20 * time.Millisecond)
	if !s.ShouldTriggerViewChange(time.Now()) {
		t.Fatalf("expected view change to trigger for suspect, stalled leader")
	}
}

func TestViewChangeBallotDecision(t *testing.T) {
	// f=1 (tolerate 1 Byzantine node out of e.g. 4): requires 2*1+1=3 votes.
	b := NewViewChangeBallot(1)
	b.Vote("a", true)
	b.Vote("b", true)
	if b.Decided() {
		t.Fatalf("expected ballot undecided with only 2 agreeing votes")
	}
	b.Vote("c", true)
	if !b.Decided() {
		t.Fatalf("expected ballot decided with 3 agreeing votes")
	}
}
