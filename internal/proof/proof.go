// Package proof implements C4: verification of {Space, Stake, Work, Time}
// proof sets as a unit, with a replay cache and quorum-based Byzantine
// cross-checking for operations that require it.
package proof

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/hypermesh/core/internal/crypto"
)

// Kind identifies which of the four proofs failed, for Invalid results.
type Kind int

const (
	KindSpace Kind = iota
	KindStake
	KindWork
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindSpace:
		return "space"
	case KindStake:
		return "stake"
	case KindWork:
		return "work"
	case KindTime:
		return "time"
	default:
		return "unknown"
	}
}

// SpaceProof commits to (path-tag, network-position, committed-byte-count).
type SpaceProof struct {
	PathTag           string
	NetworkPosition   [32]byte
	CommittedBytes    uint64
	ChallengeResponse []byte
	ExpectedResponse  []byte
}

// StakeProof is an issuer-signed grant of authority/permissions.
type StakeProof struct {
	HolderID        [32]byte
	AuthorityLevel  uint8
	GrantedCaps     crypto.CapabilitySet
	AllowanceList   []string
	IssuerPub       []byte
	IssuerAlgo      crypto.Algorithm
	Signature       []byte
}

// WorkProof is a (challenge, nonce, difficulty) proof-of-work.
type WorkProof struct {
	Challenge  []byte
	Nonce      uint64
	Difficulty uint8 // required leading-zero bit count
}

// TimeProof carries a block timestamp plus a sequence number and optional
// drift bound against a configured authority.
type TimeProof struct {
	BlockTimestamp time.Time
	SequenceNumber uint64
}

// Set is the 4-tuple that must be validated as a unit.
type Set struct {
	Subject   [32]byte
	OpContext string
	Space     SpaceProof
	Stake     StakeProof
	Work      WorkProof
	Time      TimeProof
}

// Hash derives the cache/replay key for this proof set, covering every
// field that bears on validity.
func (s Set) Hash() [32]byte {
	h := sha256.New()
	h.Write(s.Subject[:])
	h.Write([]byte(s.OpContext))
	h.Write([]byte(s.Space.PathTag))
	h.Write(s.Space.NetworkPosition[:])
	var buf8 [8]byte
	binary.BigEndian.PutUint64(buf8[:], s.Space.CommittedBytes)
	h.Write(buf8[:])
	h.Write(s.Space.ChallengeResponse)
	h.Write(s.Stake.HolderID[:])
	h.Write([]byte{s.Stake.AuthorityLevel})
	binary.BigEndian.PutUint64(buf8[:], uint64(s.Stake.GrantedCaps))
	h.Write(buf8[:])
	h.Write(s.Stake.Signature)
	h.Write(s.Work.Challenge)
	binary.BigEndian.PutUint64(buf8[:], s.Work.Nonce)
	h.Write(buf8[:])
	h.Write([]byte{s.Work.Difficulty})
	binary.BigEndian.PutUint64(buf8[:], uint64(s.Time.BlockTimestamp.UnixNano()))
	h.Write(buf8[:])
	binary.BigEndian.PutUint64(buf8[:], s.Time.SequenceNumber)
	h.Write(buf8[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Result is the outcome of validating a Set.
type Result struct {
	Validated      bool
	Failed         []Kind
	Reason         string
	Confidence     float64 // min of the four individual confidences
	GrantedCaps    crypto.CapabilitySet
	TimeWitness    time.Time
}

// asConfidenceTuple unpacks a Result into the values Validator.Confidence
// returns for crypto.ProofVerifier, letting C1 gate certificate issuance on
// the same validator this package exposes to callers directly.
func (r Result) asConfidenceTuple() (float64, crypto.CapabilitySet, time.Time, bool) {
	return r.Confidence, r.GrantedCaps, r.TimeWitness, r.Validated
}

type cacheEntry struct {
	result  Result
	expires time.Time
}

// Validator verifies four-proof sets, short-circuiting by default and
// caching results for replay per spec §4.4.
type Validator struct {
	minConfidence float64
	maxClockDrift time.Duration

	mu    sync.Mutex
	cache map[[32]byte]cacheEntry

	// cache also lets Validator double as a crypto.ProofVerifier: C1 asks
	// Confidence "what did the last Validate call for this hash decide".
}

// NewValidator constructs a Validator. minConfidence is the
// validation_min_confidence threshold; maxClockDrift bounds the Time proof.
func NewValidator(minConfidence float64, maxClockDrift time.Duration) *Validator {
	return &Validator{
		minConfidence: minConfidence,
		maxClockDrift: maxClockDrift,
		cache:         make(map[[32]byte]cacheEntry),
	}
}

func minFloat(vals ...float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func countLeadingZeroBits(b []byte) int {
	n := 0
	for _, by := range b {
		if by == 0 {
			n += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if by&mask != 0 {
				return n
			}
			n++
		}
	}
	return n
}

func verifySpace(p SpaceProof) (bool, float64) {
	if len(p.ChallengeResponse) == 0 || len(p.ExpectedResponse) == 0 {
		return false, 0
	}
	if string(p.ChallengeResponse) != string(p.ExpectedResponse) {
		return false, 0
	}
	if p.CommittedBytes == 0 {
		return false, 0
	}
	return true, 1.0
}

func verifyStake(p StakeProof, requestedCaps crypto.CapabilitySet, now time.Time) (bool, float64) {
	if len(p.Signature) == 0 || len(p.IssuerPub) == 0 {
		return false, 0
	}
	msg := sha256.Sum256(append(append([]byte{}, p.HolderID[:]...), byte(p.AuthorityLevel)))
	ok, err := crypto.Verify(p.IssuerAlgo, p.IssuerPub, msg[:], p.Signature)
	if err != nil || !ok {
		return false, 0
	}
	if !requestedCaps.Subset(p.GrantedCaps) {
		return false, 0
	}
	return true, 1.0
}

func verifyWork(p WorkProof) (bool, float64) {
	h := sha256.New()
	h.Write(p.Challenge)
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], p.Nonce)
	h.Write(nb[:])
	sum := h.Sum(nil)
	zeros := countLeadingZeroBits(sum)
	if zeros < int(p.Difficulty) {
		return false, 0
	}
	// Confidence scales with how far past the required difficulty the
	// proof lands, capped at 1.0.
	margin := float64(zeros-int(p.Difficulty)) / 8.0
	conf := 0.8 + margin
	if conf > 1.0 {
		conf = 1.0
	}
	return true, conf
}

func verifyTime(p TimeProof, now time.Time, maxDrift time.Duration) (bool, float64) {
	drift := p.BlockTimestamp.Sub(now)
	if drift < 0 {
		drift = -drift
	}
	if drift > maxDrift {
		return false, 0
	}
	conf := 1.0 - float64(drift)/float64(maxDrift)
	if conf < 0 {
		conf = 0
	}
	return true, conf
}

// Validate checks a proof set as a unit. When exhaustive is false,
// verification order is Time -> Stake -> Space -> Work and stops at the
// first failure (spec §4.4); when true, all four are checked and every
// failure is reported.
func (v *Validator) Validate(s Set, requestedCaps crypto.CapabilitySet, now time.Time, exhaustive bool) Result {
	hash := s.Hash()

	v.mu.Lock()
	if cached, ok := v.cache[hash]; ok && now.Before(cached.expires) {
		v.mu.Unlock()
		return cached.result
	}
	v.mu.Unlock()

	type check struct {
		kind Kind
		ok   bool
		conf float64
	}
	order := []func() check{
		func() check { ok, c := verifyTime(s.Time, now, v.maxClockDrift); return check{KindTime, ok, c} },
		func() check { ok, c := verifyStake(s.Stake, requestedCaps, now); return check{KindStake, ok, c} },
		func() check { ok, c := verifySpace(s.Space); return check{KindSpace, ok, c} },
		func() check { ok, c := verifyWork(s.Work); return check{KindWork, ok, c} },
	}

	var failed []Kind
	confidences := make([]float64, 0, 4)
	for _, fn := range order {
		c := fn()
		confidences = append(confidences, c.conf)
		if !c.ok {
			failed = append(failed, c.kind)
			if !exhaustive {
				break
			}
		}
	}

	var result Result
	if len(failed) > 0 {
		result = Result{Validated: false, Failed: failed, Reason: "proof verification failed"}
	} else {
		combined := minFloat(confidences...)
		if combined < v.minConfidence {
			result = Result{Validated: false, Reason: "confidence below threshold", Confidence: combined}
		} else {
			result = Result{
				Validated:   true,
				Confidence:  combined,
				GrantedCaps: s.Stake.GrantedCaps,
				TimeWitness: s.Time.BlockTimestamp,
			}
		}
	}

	ttl := v.maxClockDrift
	if ttl <= 0 {
		ttl = time.Minute
	}
	v.mu.Lock()
	v.cache[hash] = cacheEntry{result: result, expires: now.Add(ttl)}
	v.mu.Unlock()
	return result
}

// Confidence implements crypto.ProofVerifier by replaying the cached
// validation decision for a given proof-set hash, letting C1 gate
// certificate issuance on a prior C4 validation without re-deriving it.
func (v *Validator) Confidence(proofSetHash [32]byte) (float64, crypto.CapabilitySet, time.Time, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cached, ok := v.cache[proofSetHash]
	if !ok {
		return 0, 0, time.Time{}, false
	}
	return cached.result.asConfidenceTuple()
}

var _ crypto.ProofVerifier = (*Validator)(nil)
