package crypto

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// RotationScheduler runs the background task described in spec §4.1: wake
// at notAfter−rotation_lead_time, publish a successor, promote it at its
// notBefore, and drop the predecessor after overlap_window.
type RotationScheduler struct {
	ca               *CA
	logger           *logrus.Logger
	leadTime         time.Duration
	overlapWindow    time.Duration
	validity         time.Duration
	subjectKey       []byte
	subjectAlgo      Algorithm
	caps             CapabilitySet
	proofSetHash     [32]byte
	pv               ProofVerifier

	tick time.Duration // poll granularity, small in tests
}

// NewRotationScheduler constructs a scheduler for ca's own identity.
func NewRotationScheduler(ca *CA, logger *logrus.Logger, leadTime, overlapWindow, validity time.Duration, subjectKey []byte, subjectAlgo Algorithm, caps CapabilitySet, proofSetHash [32]byte, pv ProofVerifier) *RotationScheduler {
	return &RotationScheduler{
		ca: ca, logger: logger,
		leadTime: leadTime, overlapWindow: overlapWindow, validity: validity,
		subjectKey: subjectKey, subjectAlgo: subjectAlgo, caps: caps,
		proofSetHash: proofSetHash, pv: pv,
		tick: time.Second,
	}
}

// Run blocks, driving rotation until ctx is canceled. It is meant to be
// started with `go scheduler.Run(ctx)`.
func (s *RotationScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	var predecessorDroppedAt time.Time
	var predecessor *Certificate

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			active := s.ca.Active()
			if active != nil && s.ca.Successor() == nil {
				notAfter := time.UnixMilli(active.NotAfterUnix)
				if now.After(notAfter.Add(-s.leadTime)) {
					if _, reason := s.ca.Rotate(s.subjectKey, s.subjectAlgo, s.caps, s.proofSetHash, s.pv, now, s.validity); reason != RejectNone {
						s.logger.WithField("reason", reason).Warn("crypto: certificate rotation deferred")
					} else {
						s.logger.Info("crypto: successor certificate published")
					}
				}
			}
			if promoted, pred := s.ca.PromoteSuccessor(now); promoted != nil {
				predecessor = pred
				predecessorDroppedAt = now
				s.logger.Info("crypto: successor promoted to active")
			}
			if predecessor != nil && now.Sub(predecessorDroppedAt) > s.overlapWindow {
				predecessor = nil // predecessor no longer accepted past overlap_window
			}
		}
	}
}
