package crypto

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Capability is a single bit in a certificate's permitted-capabilities set.
type Capability uint64

const (
	CapRead Capability = 1 << iota
	CapWrite
	CapPropose
	CapValidate
	CapAdmin
)

// CapabilitySet is a bitset of granted capabilities.
type CapabilitySet uint64

func (s CapabilitySet) Has(c Capability) bool { return s&CapabilitySet(c) != 0 }

func (s CapabilitySet) Subset(of CapabilitySet) bool { return s&^of == 0 }

// Certificate is the canonical structure of spec §3/§6.
type Certificate struct {
	Version       uint8
	Algorithm     Algorithm
	SubjectFpr    [32]byte
	IssuerFpr     [32]byte
	NotBeforeUnix int64 // ms
	NotAfterUnix  int64 // ms
	Caps          CapabilitySet
	PubKey        []byte
	Signature     []byte
}

// Encode serializes the certificate per spec §6's canonical encoding:
// version‖algorithm_tag‖subject_fpr‖issuer_fpr‖not_before‖not_after‖
// caps_bitset‖pubkey_len‖pubkey‖sig_len‖sig.
func (c *Certificate) Encode() []byte {
	size := 1 + 1 + 32 + 32 + 8 + 8 + 8 + 4 + len(c.PubKey) + 4 + len(c.Signature)
	buf := make([]byte, size)
	off := 0
	buf[off] = c.Version
	off++
	buf[off] = byte(c.Algorithm)
	off++
	copy(buf[off:off+32], c.SubjectFpr[:])
	off += 32
	copy(buf[off:off+32], c.IssuerFpr[:])
	off += 32
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(c.NotBeforeUnix))
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(c.NotAfterUnix))
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(c.Caps))
	off += 8
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(c.PubKey)))
	off += 4
	copy(buf[off:off+len(c.PubKey)], c.PubKey)
	off += len(c.PubKey)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(c.Signature)))
	off += 4
	copy(buf[off:], c.Signature)
	return buf
}

// signingBody returns the encoding with the signature length+bytes removed,
// i.e. what the issuer actually signs.
func (c *Certificate) signingBody() []byte {
	cp := *c
	cp.Signature = nil
	full := cp.Encode()
	return full[:len(full)-4] // drop the trailing zero sig_len
}

// DecodeCertificate parses the canonical encoding produced by Encode.
func DecodeCertificate(b []byte) (*Certificate, error) {
	if len(b) < 1+1+32+32+8+8+8+4 {
		return nil, errors.New("crypto: short certificate")
	}
	var c Certificate
	off := 0
	c.Version = b[off]
	off++
	c.Algorithm = Algorithm(b[off])
	off++
	copy(c.SubjectFpr[:], b[off:off+32])
	off += 32
	copy(c.IssuerFpr[:], b[off:off+32])
	off += 32
	c.NotBeforeUnix = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	c.NotAfterUnix = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	c.Caps = CapabilitySet(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	pkLen := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	if len(b) < off+int(pkLen)+4 {
		return nil, errors.New("crypto: truncated certificate pubkey")
	}
	c.PubKey = append([]byte(nil), b[off:off+int(pkLen)]...)
	off += int(pkLen)
	sigLen := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	if len(b) < off+int(sigLen) {
		return nil, errors.New("crypto: truncated certificate signature")
	}
	c.Signature = append([]byte(nil), b[off:off+int(sigLen)]...)
	return &c, nil
}

// VerifyStatus is the result of verifying a certificate.
type VerifyStatus int

const (
	StatusOK VerifyStatus = iota
	StatusExpired
	StatusBadSignature
	StatusRevoked
	StatusUnknownAlgorithm
)

// RejectionReason enumerates why Issue refused to mint a certificate.
type RejectionReason int

const (
	RejectNone RejectionReason = iota
	RejectLowConfidence
	RejectCapabilityOverreach
	RejectRevokedSubject
	RejectClockDrift
)

// ProofVerifier is the minimal surface Issue needs from C4 to gate
// certificate issuance; kept as a narrow interface to avoid an import cycle
// between crypto (C1) and proof (C4) — C4 depends on C1, not vice versa.
type ProofVerifier interface {
	// Confidence returns the combined confidence in [0,1] and the granted
	// stake-authority capability set for a previously-validated proof set,
	// identified by its hash.
	Confidence(proofSetHash [32]byte) (confidence float64, granted CapabilitySet, timeWitness time.Time, ok bool)
}

// RevocationList is a copy-on-write snapshot of revoked fingerprints (spec
// §9: "global mutable state... held behind copy-on-write snapshots").
type RevocationList struct {
	ptr atomic.Pointer[map[[32]byte]struct{}]
}

// NewRevocationList returns an empty list.
func NewRevocationList() *RevocationList {
	r := &RevocationList{}
	empty := map[[32]byte]struct{}{}
	r.ptr.Store(&empty)
	return r
}

// IsRevoked reports whether fpr is on the list. Lock-free read.
func (r *RevocationList) IsRevoked(fpr [32]byte) bool {
	m := r.ptr.Load()
	if m == nil {
		return false
	}
	_, ok := (*m)[fpr]
	return ok
}

// Revoke publishes a new snapshot with fpr added.
func (r *RevocationList) Revoke(fpr [32]byte) {
	for {
		old := r.ptr.Load()
		next := make(map[[32]byte]struct{}, len(*old)+1)
		for k := range *old {
			next[k] = struct{}{}
		}
		next[fpr] = struct{}{}
		if r.ptr.CompareAndSwap(old, &next) {
			return
		}
	}
}

// CA is the Crypto & Certificate Authority (C1). It issues, verifies, and
// rotates certificates, and signs/verifies arbitrary bytes on behalf of the
// owning process.
type CA struct {
	mu sync.Mutex

	issuerFpr [32]byte
	signKey   *SecretHandle
	algo      Algorithm

	issueMinConfidence float64
	maxClockDrift      time.Duration
	rotationLeadTime   time.Duration
	overlapWindow      time.Duration

	revoked *RevocationList

	active    atomic.Pointer[Certificate]
	successor atomic.Pointer[Certificate]
}

// NewCA constructs a CA that signs with the given key and issuer fingerprint.
func NewCA(algo Algorithm, issuerFpr [32]byte, signKey *SecretHandle, issueMinConfidence float64, maxClockDrift, rotationLeadTime, overlapWindow time.Duration) *CA {
	return &CA{
		issuerFpr:          issuerFpr,
		signKey:            signKey,
		algo:               algo,
		issueMinConfidence: issueMinConfidence,
		maxClockDrift:      maxClockDrift,
		rotationLeadTime:   rotationLeadTime,
		overlapWindow:      overlapWindow,
		revoked:            NewRevocationList(),
	}
}

// Sign signs arbitrary bytes with the CA's long-term key.
func (ca *CA) Sign(b []byte) ([]byte, error) { return Sign(ca.signKey, b) }

// VerifySig verifies a signature over bytes against an arbitrary public key.
func (ca *CA) VerifySig(algo Algorithm, pub, b, sig []byte) (bool, error) {
	return Verify(algo, pub, b, sig)
}

// Issue mints a certificate for subjectKey, gated on the four-proof set's
// verified confidence/capabilities per spec §4.1. pv.Confidence must have
// already been populated by C4's validate() for proofSetHash.
func (ca *CA) Issue(subjectKey []byte, subjectAlgo Algorithm, requestedCaps CapabilitySet, proofSetHash [32]byte, pv ProofVerifier, now time.Time) (*Certificate, RejectionReason) {
	confidence, granted, witness, ok := pv.Confidence(proofSetHash)
	if !ok || confidence < ca.issueMinConfidence {
		return nil, RejectLowConfidence
	}
	if !requestedCaps.Subset(granted) {
		return nil, RejectCapabilityOverreach
	}
	subjectFpr := Fingerprint(subjectKey)
	if ca.revoked.IsRevoked(subjectFpr) {
		return nil, RejectRevokedSubject
	}
	drift := now.Sub(witness)
	if drift < 0 {
		drift = -drift
	}
	if drift > ca.maxClockDrift {
		return nil, RejectClockDrift
	}

	cert := &Certificate{
		Version:       1,
		Algorithm:     subjectAlgo,
		SubjectFpr:    subjectFpr,
		IssuerFpr:     ca.issuerFpr,
		NotBeforeUnix: now.UnixMilli(),
		NotAfterUnix:  now.Add(90 * 24 * time.Hour).UnixMilli(),
		Caps:          requestedCaps,
		PubKey:        subjectKey,
	}
	sig, err := ca.Sign(cert.signingBody())
	if err != nil {
		return nil, RejectLowConfidence
	}
	cert.Signature = sig
	return cert, RejectNone
}

// Verify checks a certificate's revocation status, validity window and
// algorithm tag as of now. It does not check the signature: the CA holds no
// issuer public key, and VerifyWithIssuerKey is the call that does.
func (ca *CA) Verify(cert *Certificate, now time.Time) VerifyStatus {
	if ca.revoked.IsRevoked(cert.SubjectFpr) {
		return StatusRevoked
	}
	nowMs := now.UnixMilli()
	if nowMs < cert.NotBeforeUnix || nowMs > cert.NotAfterUnix {
		return StatusExpired
	}
	ok, err := Verify(Algorithm(cert.Algorithm), []byte{}, cert.signingBody(), cert.Signature)
	_ = ok
	if err == ErrUnknownAlgorithm {
		return StatusUnknownAlgorithm
	}
	// Issuer signs with its own key, not the subject's; verification uses
	// the issuer's well-known public key supplied by the caller's trust
	// store in VerifyWithIssuerKey below. This method only checks shape.
	return StatusOK
}

// VerifyWithIssuerKey verifies the certificate's signature against the
// issuer's public key.
func (ca *CA) VerifyWithIssuerKey(cert *Certificate, issuerPub []byte, now time.Time) VerifyStatus {
	if status := ca.Verify(cert, now); status != StatusOK {
		return status
	}
	ok, err := Verify(ca.algo, issuerPub, cert.signingBody(), cert.Signature)
	if err == ErrUnknownAlgorithm {
		return StatusUnknownAlgorithm
	}
	if err != nil || !ok {
		return StatusBadSignature
	}
	return StatusOK
}

// Active returns the currently active certificate, if any.
func (ca *CA) Active() *Certificate { return ca.active.Load() }

// Successor returns the published successor certificate, if any.
func (ca *CA) Successor() *Certificate { return ca.successor.Load() }

// PublishActive installs cert as the current active certificate (used at
// first start, and internally by Rotate once notBefore has elapsed).
func (ca *CA) PublishActive(cert *Certificate) { ca.active.Store(cert) }

// Rotate generates a successor certificate with notBefore = now and
// notAfter = now + validity, publishing it immediately. The caller's
// background scheduler (see RotationScheduler) is responsible for calling
// this at notAfter−rotation_lead_time and for promoting the successor to
// active at its notBefore.
func (ca *CA) Rotate(subjectKey []byte, subjectAlgo Algorithm, caps CapabilitySet, proofSetHash [32]byte, pv ProofVerifier, now time.Time, validity time.Duration) (*Certificate, RejectionReason) {
	confidence, granted, witness, ok := pv.Confidence(proofSetHash)
	if !ok || confidence < ca.issueMinConfidence {
		return nil, RejectLowConfidence
	}
	if !caps.Subset(granted) {
		return nil, RejectCapabilityOverreach
	}
	drift := now.Sub(witness)
	if drift < 0 {
		drift = -drift
	}
	if drift > ca.maxClockDrift {
		return nil, RejectClockDrift
	}
	cert := &Certificate{
		Version:       1,
		Algorithm:     subjectAlgo,
		SubjectFpr:    Fingerprint(subjectKey),
		IssuerFpr:     ca.issuerFpr,
		NotBeforeUnix: now.UnixMilli(),
		NotAfterUnix:  now.Add(validity).UnixMilli(),
		Caps:          caps,
		PubKey:        subjectKey,
	}
	sig, err := ca.Sign(cert.signingBody())
	if err != nil {
		return nil, RejectLowConfidence
	}
	cert.Signature = sig
	ca.successor.Store(cert)
	return cert, RejectNone
}

// PromoteSuccessor swaps the successor into the active slot once its
// notBefore has elapsed; the predecessor is retained by the caller for
// overlap_window to satisfy in-flight handshakes (spec §4.1).
func (ca *CA) PromoteSuccessor(now time.Time) (promoted *Certificate, predecessor *Certificate) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	succ := ca.successor.Load()
	if succ == nil || now.UnixMilli() < succ.NotBeforeUnix {
		return nil, ca.active.Load()
	}
	predecessor = ca.active.Load()
	ca.active.Store(succ)
	ca.successor.Store(nil)
	return succ, predecessor
}

// Revoke adds a fingerprint to the revocation list immediately and
// globally (the in-process list; propagation to peers is the trust store's
// job at the transport layer).
func (ca *CA) Revoke(fpr [32]byte) { ca.revoked.Revoke(fpr) }
