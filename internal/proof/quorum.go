package proof

import (
	"sync"
	"time"

	"github.com/hypermesh/core/internal/crypto"
)

// RemoteValidate is the shape of a single remote validator call used for
// quorum cross-checking (spec §4.4): each of k validator nodes independently
// validates the same proof set and returns its own Result.
type RemoteValidate func(s Set, requestedCaps crypto.CapabilitySet, now time.Time) Result

// QuorumResult is the outcome of a requires_quorum validation across k
// validator nodes.
type QuorumResult struct {
	Validated  bool
	Agreeing   int
	Total      int
	Dissenters []int // indices into the validators slice that disagreed
}

// ValidateQuorum runs validators in parallel and requires at least
// 2k/3 + 1 of them to return Validated before the operation as a whole is
// considered Validated. Results carry no proof-set hash, so the validators'
// hashes are not compared. Disagreeing
// validators are reported as dissenters so the caller can record Byzantine
// evidence against them.
func ValidateQuorum(validators []RemoteValidate, s Set, requestedCaps crypto.CapabilitySet, now time.Time) QuorumResult {
	k := len(validators)
	results := make([]Result, k)

	var wg sync.WaitGroup
	wg.Add(k)
	for i, rv := range validators {
		go func(i int, rv RemoteValidate) {
			defer wg.Done()
			results[i] = rv(s, requestedCaps, now)
		}(i, rv)
	}
	wg.Wait()

	agreeing := 0
	var dissenters []int
	for i, r := range results {
		if r.Validated {
			agreeing++
		} else {
			dissenters = append(dissenters, i)
		}
	}

	threshold := (2*k)/3 + 1
	return QuorumResult{
		Validated:  agreeing >= threshold,
		Agreeing:   agreeing,
		Total:      k,
		Dissenters: dissenters,
	}
}
