package crypto

import (
	"testing"
	"time"
)

type fakeVerifier struct {
	confidence float64
	granted    CapabilitySet
	witness    time.Time
	ok         bool
}

func (f fakeVerifier) Confidence(_ [32]byte) (float64, CapabilitySet, time.Time, bool) {
	return f.confidence, f.granted, f.witness, f.ok
}

func TestIssueRejectsLowConfidence(t *testing.T) {
	pub, priv, err := GenerateKeyPair(AlgoEd25519)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	defer priv.Release()

	ca := NewCA(AlgoEd25519, Fingerprint(pub), priv, 0.8, time.Minute, time.Hour, time.Hour)
	subjPub, subjPriv, _ := GenerateKeyPair(AlgoEd25519)
	defer subjPriv.Release()

	now := time.Now()
	pv := fakeVerifier{confidence: 0.5, granted: CapabilitySet(CapRead), witness: now, ok: true}
	_, reason := ca.Issue(subjPub, AlgoEd25519, CapabilitySet(CapRead), [32]byte{1}, pv, now)
	if reason != RejectLowConfidence {
		t.Fatalf("expected RejectLowConfidence, got %v", reason)
	}
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	issPub, issPriv, _ := GenerateKeyPair(AlgoEd25519)
	defer issPriv.Release()
	ca := NewCA(AlgoEd25519, Fingerprint(issPub), issPriv, 0.5, time.Minute, time.Hour, time.Hour)

	subjPub, subjPriv, _ := GenerateKeyPair(AlgoEd25519)
	defer subjPriv.Release()

	now := time.Now()
	pv := fakeVerifier{confidence: 0.9, granted: CapabilitySet(CapRead | CapWrite), witness: now, ok: true}
	cert, reason := ca.Issue(subjPub, AlgoEd25519, CapabilitySet(CapRead), [32]byte{1}, pv, now)
	if reason != RejectNone {
		t.Fatalf("unexpected rejection: %v", reason)
	}

	status := ca.VerifyWithIssuerKey(cert, issPub, now)
	if status != StatusOK {
		t.Fatalf("expected StatusOK, got %v", status)
	}

	expired := ca.VerifyWithIssuerKey(cert, issPub, now.Add(200*24*time.Hour))
	if expired != StatusExpired {
		t.Fatalf("expected StatusExpired, got %v", expired)
	}
}

func TestCertificateEncodeDecodeRoundTrip(t *testing.T) {
	pub, priv, _ := GenerateKeyPair(AlgoEd25519)
	defer priv.Release()
	cert := &Certificate{
		Version:       1,
		Algorithm:     AlgoEd25519,
		SubjectFpr:    Fingerprint(pub),
		IssuerFpr:     Fingerprint(pub),
		NotBeforeUnix: 1000,
		NotAfterUnix:  2000,
		Caps:          CapabilitySet(CapRead),
		PubKey:        pub,
		Signature:     []byte("sig"),
	}
	enc := cert.Encode()
	dec, err := DecodeCertificate(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.NotBeforeUnix != cert.NotBeforeUnix || dec.NotAfterUnix != cert.NotAfterUnix {
		t.Fatalf("validity window mismatch: %+v vs %+v", dec, cert)
	}
	if string(dec.PubKey) != string(cert.PubKey) {
		t.Fatalf("pubkey mismatch")
	}
}

func TestRevocationListCopyOnWrite(t *testing.T) {
	rl := NewRevocationList()
	fpr := [32]byte{9, 9, 9}
	if rl.IsRevoked(fpr) {
		t.Fatalf("expected not revoked initially")
	}
	rl.Revoke(fpr)
	if !rl.IsRevoked(fpr) {
		t.Fatalf("expected revoked after Revoke")
	}
}

func TestAggregateBLSSigs(t *testing.T) {
	pub1, priv1, err := GenerateKeyPair(AlgoBLS)
	if err != nil {
		t.Fatalf("generate 1: %v", err)
	}
	defer priv1.Release()
	pub2, priv2, err := GenerateKeyPair(AlgoBLS)
	if err != nil {
		t.Fatalf("generate 2: %v", err)
	}
	defer priv2.Release()

	msg := []byte("append-entries-term-7-index-42")
	sig1, err := Sign(priv1, msg)
	if err != nil {
		t.Fatalf("sign1: %v", err)
	}
	sig2, err := Sign(priv2, msg)
	if err != nil {
		t.Fatalf("sign2: %v", err)
	}

	ok1, err := Verify(AlgoBLS, pub1, msg, sig1)
	if err != nil || !ok1 {
		t.Fatalf("verify sig1 failed: ok=%v err=%v", ok1, err)
	}

	agg, err := AggregateBLSSigs([][]byte{sig1, sig2})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(agg) == 0 {
		t.Fatalf("expected non-empty aggregate signature")
	}
}
