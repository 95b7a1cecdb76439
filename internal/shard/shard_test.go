package shard

import "testing"

func TestRingDistributesKeysAcrossNodes(t *testing.T) {
	ring, err := NewRing("sha256", 50, 3)
	if err != nil {
		t.Fatalf("new ring: %v", err)
	}
	for _, n := range []string{"n1", "n2", "n3", "n4"} {
		ring.AddNode(n)
	}
	owners := make(map[string]int)
	for i := 0; i < 200; i++ {
		owner, ok := ring.Owner([]byte{byte(i), byte(i >> 8)})
		if !ok {
			t.Fatalf("expected an owner for every key")
		}
		owners[owner]++
	}
	if len(owners) < 2 {
		t.Fatalf("expected keys to distribute across multiple nodes, got %v", owners)
	}
}

func TestRingSkipsQuarantinedNodes(t *testing.T) {
	ring, _ := NewRing("sha256", 50, 3)
	ring.AddNode("n1")
	ring.AddNode("n2")
	ring.SetQuarantined("n1", true)

	for i := 0; i < 50; i++ {
		owner, ok := ring.Owner([]byte{byte(i)})
		if !ok {
			t.Fatalf("expected an owner")
		}
		if owner == "n1" {
			t.Fatalf("expected quarantined node n1 to never be selected as owner")
		}
	}
}

func TestRingRejectsUnknownHashFunc(t *testing.T) {
	if _, err := NewRing("blake3", 50, 3); err != ErrUnknownHashFunc {
		t.Fatalf("expected ErrUnknownHashFunc, got %v", err)
	}
}

func TestReplicaSetReturnsDistinctNodes(t *testing.T) {
	ring, _ := NewRing("sha256", 50, 3)
	for _, n := range []string{"n1", "n2", "n3", "n4"} {
		ring.AddNode(n)
	}
	reps := ring.ReplicaSet([]byte("some-key"))
	if len(reps) != 3 {
		t.Fatalf("expected 3 replicas, got %d: %v", len(reps), reps)
	}
	seen := make(map[string]bool)
	for _, r := range reps {
		if seen[r] {
			t.Fatalf("expected distinct replicas, got duplicate %q in %v", r, reps)
		}
		seen[r] = true
	}
}

type fakeProposer struct{ accept bool }

func (f fakeProposer) ProposeShardChange(Change) bool { return f.accept }

func TestManagerProposesSplitOverThreshold(t *testing.T) {
	m, err := NewManager(Config{SplitThreshold: 100, ReplicationFactor: 3, VirtualNodes: 50}, fakeProposer{accept: true})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.RegisterShard(&Shard{ID: "s1", LowKey: "a", HighKey: "z", SizeBytes: 1000})
	m.EvaluateAll()

	if _, ok := m.Lookup("s1"); ok {
		t.Fatalf("expected parent shard removed after split")
	}
	if _, ok := m.Lookup("s1.left"); !ok {
		t.Fatalf("expected left child shard registered after split")
	}
	if _, ok := m.Lookup("s1.right"); !ok {
		t.Fatalf("expected right child shard registered after split")
	}
}

func TestRouterInvalidateForcesReResolve(t *testing.T) {
	r := NewRouter()
	r.Update("s1", "leader-a", 1)
	leader, epoch, ok := r.Resolve("s1")
	if !ok || leader != "leader-a" || epoch != 1 {
		t.Fatalf("expected cached resolution, got %q %d %v", leader, epoch, ok)
	}
	r.Invalidate("s1")
	if _, _, ok := r.Resolve("s1"); ok {
		t.Fatalf("expected cache miss after invalidate")
	}
}
