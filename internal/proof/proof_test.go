package proof

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/hypermesh/core/internal/crypto"
)

func validStakeProof(t *testing.T, holder [32]byte, grant crypto.CapabilitySet) StakeProof {
	t.Helper()
	pub, priv, err := crypto.GenerateKeyPair(crypto.AlgoEd25519)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	defer priv.Release()
	msg := sha256.Sum256(append(append([]byte{}, holder[:]...), byte(1)))
	sig, err := crypto.Sign(priv, msg[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return StakeProof{
		HolderID:       holder,
		AuthorityLevel: 1,
		GrantedCaps:    grant,
		IssuerPub:      pub,
		IssuerAlgo:     crypto.AlgoEd25519,
		Signature:      sig,
	}
}

func validSet(t *testing.T, now time.Time) Set {
	t.Helper()
	challenge := []byte("challenge")
	resp := []byte("matching-response")
	return Set{
		Subject:   [32]byte{1, 2, 3},
		OpContext: "write",
		Space: SpaceProof{
			PathTag:           "tag",
			CommittedBytes:    1024,
			ChallengeResponse: resp,
			ExpectedResponse:  resp,
		},
		Stake: validStakeProof(t, [32]byte{1, 2, 3}, crypto.CapabilitySet(crypto.CapRead|crypto.CapWrite)),
		Work: WorkProof{
			Challenge:  challenge,
			Nonce:      findNonce(challenge, 1),
			Difficulty: 1,
		},
		Time: TimeProof{BlockTimestamp: now, SequenceNumber: 1},
	}
}

func findNonce(challenge []byte, difficulty uint8) uint64 {
	for n := uint64(0); ; n++ {
		ok, _ := verifyWork(WorkProof{Challenge: challenge, Nonce: n, Difficulty: difficulty})
		if ok {
			return n
		}
	}
}

func TestValidateSucceeds(t *testing.T) {
	v := NewValidator(0.1, time.Minute)
	now := time.Now()
	s := validSet(t, now)
	r := v.Validate(s, crypto.CapabilitySet(crypto.CapRead), now, false)
	if !r.Validated {
		t.Fatalf("expected validated, got failed=%v reason=%q", r.Failed, r.Reason)
	}
}

func TestValidateReplayCacheHit(t *testing.T) {
	v := NewValidator(0.1, time.Minute)
	now := time.Now()
	s := validSet(t, now)
	first := v.Validate(s, crypto.CapabilitySet(crypto.CapRead), now, false)
	second := v.Validate(s, crypto.CapabilitySet(crypto.CapRead), now.Add(time.Second), false)
	if first.Validated != second.Validated || first.Confidence != second.Confidence {
		t.Fatalf("expected cached result to be returned identically")
	}
}

func TestValidateRejectsClockDrift(t *testing.T) {
	v := NewValidator(0.1, time.Minute)
	now := time.Now()
	s := validSet(t, now)
	s.Time.BlockTimestamp = now.Add(10 * time.Minute)

	r := v.Validate(s, crypto.CapabilitySet(crypto.CapRead), now, false)
	if r.Validated {
		t.Fatalf("expected rejection for clock drift")
	}
	found := false
	for _, f := range r.Failed {
		if f == KindTime {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected time proof listed as failed, got %v", r.Failed)
	}
}

func TestValidateShortCircuitsOnFirstFailure(t *testing.T) {
	v := NewValidator(0.1, time.Minute)
	now := time.Now()
	s := validSet(t, now)
	s.Time.BlockTimestamp = now.Add(10 * time.Minute) // time fails first in the order
	s.Work.Difficulty = 255                           // would also fail, but should not be checked

	r := v.Validate(s, crypto.CapabilitySet(crypto.CapRead), now, false)
	if len(r.Failed) != 1 || r.Failed[0] != KindTime {
		t.Fatalf("expected short-circuit with only time reported, got %v", r.Failed)
	}
}

func TestValidateExhaustiveReportsAllFailures(t *testing.T) {
	v := NewValidator(0.1, time.Minute)
	now := time.Now()
	s := validSet(t, now)
	s.Time.BlockTimestamp = now.Add(10 * time.Minute)
	s.Work.Difficulty = 255

	r := v.Validate(s, crypto.CapabilitySet(crypto.CapRead), now, true)
	if len(r.Failed) != 2 {
		t.Fatalf("expected both time and work reported, got %v", r.Failed)
	}
}

func TestConfidenceImplementsProofVerifier(t *testing.T) {
	v := NewValidator(0.1, time.Minute)
	now := time.Now()
	s := validSet(t, now)
	v.Validate(s, crypto.CapabilitySet(crypto.CapRead), now, false)

	conf, granted, witness, ok := v.Confidence(s.Hash())
	if !ok || conf <= 0 {
		t.Fatalf("expected cached confidence, got ok=%v conf=%v", ok, conf)
	}
	if !granted.Has(crypto.CapRead) {
		t.Fatalf("expected granted caps to include CapRead")
	}
	if !witness.Equal(now) {
		t.Fatalf("expected time witness to equal proof timestamp")
	}
}

func TestValidateQuorumThreshold(t *testing.T) {
	now := time.Now()
	s := validSet(t, now)
	always := func(ok bool) RemoteValidate {
		return func(_ Set, _ crypto.CapabilitySet, _ time.Time) Result {
			return Result{Validated: ok}
		}
	}
	// 3 of 4 validated: threshold = 2*4/3+1 = 3, so exactly meets it.
	validators := []RemoteValidate{always(true), always(true), always(true), always(false)}
	qr := ValidateQuorum(validators, s, crypto.CapabilitySet(crypto.CapRead), now)
	if !qr.Validated {
		t.Fatalf("expected quorum validated with 3/4 agreement")
	}
	if len(qr.Dissenters) != 1 {
		t.Fatalf("expected 1 dissenter, got %v", qr.Dissenters)
	}

	validators2 := []RemoteValidate{always(true), always(false), always(false), always(false)}
	qr2 := ValidateQuorum(validators2, s, crypto.CapabilitySet(crypto.CapRead), now)
	if qr2.Validated {
		t.Fatalf("expected quorum not validated with 1/4 agreement")
	}
}
