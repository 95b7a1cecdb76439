package address

import (
	"testing"
	"time"
)

func TestFormatParseRoundTrip(t *testing.T) {
	a := GlobalAddress{
		NetworkPrefix: 0xdeadbeefcafef00d,
		NodeID:        0x0102030405060708,
		AssetID:       [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Port:          4242,
		Kind:          KindStorage,
	}
	s := a.Format()
	got, err := Parse(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !got.Equal(a) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, a)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"not-hypermesh://mem/" + stringRepeat("a", 64) + ":1",
		"hypermesh://bad/" + stringRepeat("a", 64) + ":1",
		"hypermesh://mem/tooshort:1",
		"hypermesh://mem/" + stringRepeat("a", 64) + ":notaport",
	}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Fatalf("expected error parsing %q", c)
		}
	}
}

func stringRepeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}

func TestAllocatorNoCollision(t *testing.T) {
	al := NewAllocator(1, 2)
	seen := make(map[[16]byte]bool)
	for i := 0; i < 50; i++ {
		g, err := al.Allocate([]byte("asset"), 100, KindCompute)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if seen[g.AssetID] {
			t.Fatalf("duplicate asset id allocated")
		}
		seen[g.AssetID] = true
	}
}

func TestTranslatorLifecycle(t *testing.T) {
	tr := NewTranslator()
	g := GlobalAddress{NetworkPrefix: 1, NodeID: 2, AssetID: [16]byte{1}, Port: 9, Kind: KindNetwork}
	local := Local{Host: "127.0.0.1", Port: 9000}
	now := time.Now()

	tr.Register(g, local, PermRead|PermWrite, now)
	if _, err := tr.Resolve(g, PermRead); err != ErrMappingNotActive {
		t.Fatalf("expected ErrMappingNotActive for pending mapping, got %v", err)
	}

	if err := tr.Activate(g); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got, err := tr.Resolve(g, PermRead)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != local {
		t.Fatalf("resolve mismatch: got %+v want %+v", got, local)
	}

	if _, err := tr.Resolve(g, PermAdmin); err == nil {
		t.Fatalf("expected permission error for PermAdmin")
	}

	rg, ok := tr.ReverseLookup(local)
	if !ok || !rg.Equal(g) {
		t.Fatalf("reverse lookup mismatch")
	}

	if err := tr.Revoke(g, now); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := tr.Resolve(g, 0); err != ErrMappingRevoked {
		t.Fatalf("expected ErrMappingRevoked, got %v", err)
	}
}

func TestTranslatorUnknownMapping(t *testing.T) {
	tr := NewTranslator()
	g := GlobalAddress{NetworkPrefix: 9, NodeID: 9, Kind: KindMemory}
	if _, err := tr.Resolve(g, 0); err != ErrMappingNotFound {
		t.Fatalf("expected ErrMappingNotFound, got %v", err)
	}
}
