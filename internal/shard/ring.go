// Package shard implements C10: a consistent-hash ring over virtual nodes,
// shard split/merge proposals, and cross-shard routing.
package shard

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sort"
	"sync"
)

// HashFunc derives a ring position from a key. Sha256 is the only
// implementation this module ships (see NewRing's rejection of unknown
// tags) — Blake3/Xxhash are named in configuration but not wired, since no
// such library is available anywhere in this module's dependency stack.
type HashFunc func([]byte) uint64

// Sha256Hash truncates a SHA-256 digest to 64 bits for ring placement.
func Sha256Hash(b []byte) uint64 {
	sum := sha256.Sum256(b)
	return binary.BigEndian.Uint64(sum[:8])
}

const DefaultVirtualNodes = 150

// ErrUnknownHashFunc is returned when configuration names a hash function
// this build does not implement.
var ErrUnknownHashFunc = errors.New("shard: unknown hash function")

// vnode is one virtual node's position on the ring.
type vnode struct {
	pos  uint64
	node string
}

// Ring is a consistent-hash ring over physical nodes, each contributing V
// virtual nodes (spec §4.10).
type Ring struct {
	mu            sync.RWMutex
	hash          HashFunc
	virtualNodes  int
	replicaFactor int
	vnodes        []vnode // sorted by pos
	quarantined   map[string]bool
}

// NewRing constructs a Ring. hashName selects the hash function; only
// "sha256" is implemented.
func NewRing(hashName string, virtualNodes, replicaFactor int) (*Ring, error) {
	var hf HashFunc
	switch hashName {
	case "", "sha256":
		hf = Sha256Hash
	default:
		return nil, ErrUnknownHashFunc
	}
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &Ring{
		hash: hf, virtualNodes: virtualNodes, replicaFactor: replicaFactor,
		quarantined: make(map[string]bool),
	}, nil
}

// AddNode contributes virtualNodes positions for node to the ring.
func (r *Ring) AddNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.virtualNodes; i++ {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(i))
		pos := r.hash(append([]byte(node), buf[:]...))
		r.vnodes = append(r.vnodes, vnode{pos: pos, node: node})
	}
	sort.Slice(r.vnodes, func(i, j int) bool { return r.vnodes[i].pos < r.vnodes[j].pos })
}

// RemoveNode drops all of node's virtual positions from the ring.
func (r *Ring) RemoveNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.vnodes[:0]
	for _, v := range r.vnodes {
		if v.node != node {
			out = append(out, v)
		}
	}
	r.vnodes = out
}

// SetQuarantined marks node as excluded from shard ownership, mirroring
// the Byzantine shield's quarantine state (spec §4.8/§4.10).
func (r *Ring) SetQuarantined(node string, quarantined bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quarantined[node] = quarantined
}

// Owner returns the first virtual node clockwise of H(key) whose physical
// node is not quarantined.
func (r *Ring) Owner(key []byte) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.vnodes) == 0 {
		return "", false
	}
	pos := r.hash(key)
	idx := sort.Search(len(r.vnodes), func(i int) bool { return r.vnodes[i].pos >= pos })
	for i := 0; i < len(r.vnodes); i++ {
		v := r.vnodes[(idx+i)%len(r.vnodes)]
		if !r.quarantined[v.node] {
			return v.node, true
		}
	}
	return "", false
}

// ReplicaSet returns the owner plus the next R-1 distinct physical nodes
// clockwise, skipping quarantined nodes, for a total of up to R replicas.
func (r *Ring) ReplicaSet(key []byte) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.vnodes) == 0 {
		return nil
	}
	pos := r.hash(key)
	idx := sort.Search(len(r.vnodes), func(i int) bool { return r.vnodes[i].pos >= pos })

	seen := make(map[string]bool)
	var out []string
	for i := 0; i < len(r.vnodes) && len(out) < r.replicaFactor; i++ {
		v := r.vnodes[(idx+i)%len(r.vnodes)]
		if r.quarantined[v.node] || seen[v.node] {
			continue
		}
		seen[v.node] = true
		out = append(out, v.node)
	}
	return out
}
