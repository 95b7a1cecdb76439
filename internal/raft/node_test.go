package raft

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// fakeSM records applied commands in order; it is the hand-rolled mock
// style the teacher's own tests use rather than a mocking framework.
type fakeSM struct {
	mu      sync.Mutex
	applied [][]byte
}

func (f *fakeSM) Apply(e Entry) {
	if e.Kind != EntryCommand {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, e.Command)
}
func (f *fakeSM) Snapshot() ([]byte, error) { return nil, nil }
func (f *fakeSM) Restore([]byte) error      { return nil }

func (f *fakeSM) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

// fakeTransport routes RPCs directly to in-process Node handlers, keyed by
// peer id, so a small cluster can be exercised without any real networking.
type fakeTransport struct {
	mu    sync.Mutex
	nodes map[string]*Node
}

func newFakeTransport() *fakeTransport { return &fakeTransport{nodes: make(map[string]*Node)} }

func (t *fakeTransport) register(id string, n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = n
}

func (t *fakeTransport) RequestVote(_ context.Context, peer string, args RequestVoteArgs) (RequestVoteReply, error) {
	t.mu.Lock()
	n := t.nodes[peer]
	t.mu.Unlock()
	return n.HandleRequestVote(args), nil
}

func (t *fakeTransport) AppendEntries(_ context.Context, peer string, args AppendEntriesArgs) (AppendEntriesReply, error) {
	t.mu.Lock()
	n := t.nodes[peer]
	t.mu.Unlock()
	return n.HandleAppendEntries(args), nil
}

func (t *fakeTransport) InstallSnapshot(_ context.Context, peer string, args InstallSnapshotArgs) (InstallSnapshotReply, error) {
	t.mu.Lock()
	n := t.nodes[peer]
	t.mu.Unlock()
	return n.HandleInstallSnapshot(args), nil
}

func testOpts() Options {
	return Options{
		ElectionTimeoutMin: 30 * time.Millisecond,
		ElectionTimeoutMax: 60 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
		SnapshotThreshold:  1000,
		PreVoteEnabled:     true,
	}
}

func buildCluster(t *testing.T, ids []string) (map[string]*Node, map[string]*fakeSM, *fakeTransport) {
	t.Helper()
	trans := newFakeTransport()
	config := Configuration{New: ids}
	nodes := make(map[string]*Node)
	sms := make(map[string]*fakeSM)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	for _, id := range ids {
		sm := &fakeSM{}
		n := NewNode(id, config, trans, sm, logger, testOpts())
		nodes[id] = n
		sms[id] = sm
		trans.register(id, n)
	}
	return nodes, sms, trans
}

func waitForLeader(t *testing.T, nodes map[string]*Node, timeout time.Duration) *Node {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if n.IsLeader() {
				return n
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no leader elected within %s", timeout)
	return nil
}

func TestElectsASingleLeader(t *testing.T) {
	nodes, _, _ := buildCluster(t, []string{"n1", "n2", "n3"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, n := range nodes {
		go n.Run(ctx)
	}

	leader := waitForLeader(t, nodes, 2*time.Second)

	leaderCount := 0
	time.Sleep(100 * time.Millisecond) // let the cluster settle
	for _, n := range nodes {
		if n.IsLeader() {
			leaderCount++
		}
	}
	if leaderCount != 1 {
		t.Fatalf("expected exactly 1 leader, found %d", leaderCount)
	}
	if leader == nil {
		t.Fatalf("expected a non-nil leader")
	}
}

func TestProposeReplicatesAndApplies(t *testing.T) {
	nodes, sms, _ := buildCluster(t, []string{"n1", "n2", "n3"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, n := range nodes {
		go n.Run(ctx)
	}
	leader := waitForLeader(t, nodes, 2*time.Second)

	idx, term, ok := leader.Propose([]byte("set k=v1"))
	if !ok {
		t.Fatalf("expected propose to succeed on leader")
	}
	if idx == 0 || term == 0 {
		t.Fatalf("expected nonzero index/term, got idx=%d term=%d", idx, term)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		allApplied := true
		for _, sm := range sms {
			if sm.count() == 0 {
				allApplied = false
			}
		}
		if allApplied {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected proposal to be applied on all nodes")
}

func TestConfigurationMajorityJoint(t *testing.T) {
	c := Configuration{Old: []string{"a", "b", "c"}, New: []string{"a", "b", "d", "e"}}
	// Majority of New (3/4) but not majority of Old (1/3): must fail.
	votes := map[string]bool{"a": true, "d": true, "e": true}
	if c.HasMajority(votes) {
		t.Fatalf("expected joint majority to require both old and new quorums")
	}
	votes["b"] = true
	if !c.HasMajority(votes) {
		t.Fatalf("expected majority once both old (a,b) and new (a,b,d,e) quorums hold")
	}
}

func TestLogUpToDateComparesTermThenIndex(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	n := NewNode("n1", Configuration{New: []string{"n1"}}, nil, &fakeSM{}, logger, testOpts())
	n.log.Append(Entry{Index: 1, Term: 1}, Entry{Index: 2, Term: 2})

	if !n.logUpToDateLocked(2, 2) {
		t.Fatalf("expected equal term/index to be up to date")
	}
	if n.logUpToDateLocked(1, 1) {
		t.Fatalf("expected lower term to not be up to date")
	}
	if !n.logUpToDateLocked(5, 3) {
		t.Fatalf("expected higher term to be up to date regardless of index")
	}
}
