package shard

import "sync"

// routeEntry is one cached (shard-id, leader) mapping.
type routeEntry struct {
	shardID string
	leader  string
	epoch   Epoch
}

// Router caches shard-id -> leader resolutions, invalidating an entry when
// the caller observes a NotLeader or StaleEpoch response (spec §4.10).
type Router struct {
	mu    sync.RWMutex
	cache map[string]routeEntry // keyed by shardID
}

// NewRouter constructs an empty Router.
func NewRouter() *Router { return &Router{cache: make(map[string]routeEntry)} }

// Resolve returns the cached leader for shardID, if known.
func (r *Router) Resolve(shardID string) (leader string, epoch Epoch, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cache[shardID]
	return e.leader, e.epoch, ok
}

// Update records a fresh (shard-id, leader, epoch) resolution.
func (r *Router) Update(shardID, leader string, epoch Epoch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[shardID] = routeEntry{shardID: shardID, leader: leader, epoch: epoch}
}

// Invalidate drops a cached entry, forcing the next Resolve to miss and the
// caller to re-consult cluster membership. Called on NotLeader or
// StaleEpoch responses.
func (r *Router) Invalidate(shardID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, shardID)
}
