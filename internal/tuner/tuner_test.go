package tuner

import "testing"

func feed(tu *Tuner, gbps float64, n int) {
	bytesPerSec := gbps * 1e9 / 8
	for i := 0; i < n; i++ {
		tu.Observe(Sample{BytesTransferred: uint64(bytesPerSec), ElapsedSeconds: 1})
	}
}

func TestStartsAtStarterTier(t *testing.T) {
	tu := New()
	if tu.CurrentTier() != Starter {
		t.Fatalf("expected Starter tier initially, got %v", tu.CurrentTier())
	}
}

func TestPromotesAfterSustainedHighThroughput(t *testing.T) {
	tu := New()
	// Standard's low threshold is 0.5 Gbps, high = 0.625. Feed well above it.
	feed(tu, 1.0, hUp+1)
	if tu.CurrentTier() != Standard {
		t.Fatalf("expected promotion to Standard, got %v (ewma=%v)", tu.CurrentTier(), tu.EWMA())
	}
}

func TestDemotesAfterSustainedLowThroughput(t *testing.T) {
	tu := New()
	feed(tu, 1.0, hUp+1) // promote to Standard
	if tu.CurrentTier() != Standard {
		t.Fatalf("setup: expected Standard, got %v", tu.CurrentTier())
	}
	feed(tu, 0.01, hDown+5) // well below Standard's low threshold of 0.5
	if tu.CurrentTier() != Starter {
		t.Fatalf("expected demotion back to Starter, got %v", tu.CurrentTier())
	}
}

func TestTierChangePublishesPlan(t *testing.T) {
	tu := New()
	var plans []Plan
	tu.OnTierChange(func(p Plan) { plans = append(plans, p) })
	feed(tu, 1.0, hUp+1)
	if len(plans) == 0 {
		t.Fatalf("expected at least one tier-change callback")
	}
	if plans[len(plans)-1].Tier != Standard {
		t.Fatalf("expected last published plan to be Standard, got %v", plans[len(plans)-1].Tier)
	}
}
