package proof

import "testing"

func TestStakeLedgerAdjustAndSlash(t *testing.T) {
	store := newFakeStakeStore()
	l := NewStakeLedger(store, nil)
	var holder [32]byte
	holder[0] = 0xAB

	if err := l.AdjustStake(holder, 1000); err != nil {
		t.Fatalf("AdjustStake: %v", err)
	}
	if got := l.StakeOf(holder); got != 1000 {
		t.Fatalf("StakeOf = %d, want 1000", got)
	}

	slashed, err := l.Slash(holder, 0.25)
	if err != nil {
		t.Fatalf("Slash: %v", err)
	}
	if slashed != 250 {
		t.Fatalf("slashed = %d, want 250", slashed)
	}
	if got := l.StakeOf(holder); got != 750 {
		t.Fatalf("StakeOf after slash = %d, want 750", got)
	}
}

func TestStakeLedgerRejectsNegativeBalance(t *testing.T) {
	store := newFakeStakeStore()
	l := NewStakeLedger(store, nil)
	var holder [32]byte
	holder[0] = 0xCD

	if err := l.AdjustStake(holder, -1); err == nil {
		t.Fatalf("expected error adjusting below zero stake")
	}
}

func TestStakeLedgerPenalize(t *testing.T) {
	store := newFakeStakeStore()
	l := NewStakeLedger(store, nil)
	var holder [32]byte
	holder[0] = 0xEF

	if err := l.Penalize(holder, 2, "double vote"); err != nil {
		t.Fatalf("Penalize: %v", err)
	}
	if err := l.Penalize(holder, 1, "conflicting append"); err != nil {
		t.Fatalf("Penalize: %v", err)
	}
	if got := l.PenaltyOf(holder); got != 3 {
		t.Fatalf("PenaltyOf = %d, want 3", got)
	}
}

type fakeStakeStore struct {
	data map[string][]byte
}

func newFakeStakeStore() *fakeStakeStore { return &fakeStakeStore{data: make(map[string][]byte)} }

func (f *fakeStakeStore) Get(key string, snapshotTS uint64) ([]byte, bool) {
	v, ok := f.data[key]
	return v, ok
}

func (f *fakeStakeStore) Put(key string, value []byte, commitTS uint64, txnID uint64) error {
	f.data[key] = append([]byte(nil), value...)
	return nil
}
