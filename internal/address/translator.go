package address

import (
	"errors"
	"sync"
	"time"
)

// MappingState is the lifecycle of one translation entry (spec §4.5).
type MappingState int

const (
	StatePending MappingState = iota
	StateActive
	StateDraining
	StateRevoked
)

func (s MappingState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Permission is a bitmask granted to a mapping. PermRead and PermWrite have
// the same values as crypto.CapRead and crypto.CapWrite; PermAdmin (1<<2)
// does not match crypto.CapAdmin (1<<4).
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermAdmin
)

// Local is the local-endpoint side of a translation: a concrete host/port
// reachable on this node's transport.
type Local struct {
	Host string
	Port uint16
}

// Mapping is one forward/reverse translation entry.
type Mapping struct {
	Global      GlobalAddress
	Local       Local
	Perms       Permission
	State       MappingState
	CreatedAt   time.Time
	RevokedAt   time.Time
}

var (
	ErrMappingNotFound  = errors.New("address: mapping not found")
	ErrMappingRevoked   = errors.New("address: mapping revoked")
	ErrMappingNotActive = errors.New("address: mapping not active")
)

// Translator is the internal global-address <-> local-endpoint NAT table.
// It is read-mostly and uses sync.Map for both directions to keep lookups
// lock-free on the hot path, matching the teacher's own use of sync.Map for
// peer tables in core/network.go.
type Translator struct {
	forward sync.Map // GlobalAddress -> *Mapping
	reverse sync.Map // Local -> GlobalAddress
}

// NewTranslator constructs an empty translator.
func NewTranslator() *Translator {
	return &Translator{}
}

// Register creates a Pending mapping for g -> local with the given
// permissions. The mapping must be separately Activated before traffic is
// forwarded through it.
func (t *Translator) Register(g GlobalAddress, local Local, perms Permission, now time.Time) *Mapping {
	m := &Mapping{Global: g, Local: local, Perms: perms, State: StatePending, CreatedAt: now}
	t.forward.Store(g, m)
	t.reverse.Store(local, g)
	return m
}

// Activate transitions a Pending mapping to Active.
func (t *Translator) Activate(g GlobalAddress) error {
	v, ok := t.forward.Load(g)
	if !ok {
		return ErrMappingNotFound
	}
	m := v.(*Mapping)
	if m.State == StateRevoked {
		return ErrMappingRevoked
	}
	m.State = StateActive
	return nil
}

// Drain marks a mapping Draining: existing traffic is allowed to finish but
// no new lookups should originate fresh work against it.
func (t *Translator) Drain(g GlobalAddress) error {
	v, ok := t.forward.Load(g)
	if !ok {
		return ErrMappingNotFound
	}
	m := v.(*Mapping)
	m.State = StateDraining
	return nil
}

// Revoke removes a mapping's forwarding ability permanently.
func (t *Translator) Revoke(g GlobalAddress, now time.Time) error {
	v, ok := t.forward.Load(g)
	if !ok {
		return ErrMappingNotFound
	}
	m := v.(*Mapping)
	m.State = StateRevoked
	m.RevokedAt = now
	return nil
}

// Resolve looks up the local endpoint for a global address, rejecting
// revoked mappings and those missing a required permission bit.
func (t *Translator) Resolve(g GlobalAddress, need Permission) (Local, error) {
	v, ok := t.forward.Load(g)
	if !ok {
		return Local{}, ErrMappingNotFound
	}
	m := v.(*Mapping)
	if m.State == StateRevoked {
		return Local{}, ErrMappingRevoked
	}
	if m.State != StateActive {
		return Local{}, ErrMappingNotActive
	}
	if need != 0 && m.Perms&need != need {
		return Local{}, errors.New("address: insufficient permission")
	}
	return m.Local, nil
}

// ReverseLookup finds the global address currently bound to a local
// endpoint, if any.
func (t *Translator) ReverseLookup(local Local) (GlobalAddress, bool) {
	v, ok := t.reverse.Load(local)
	if !ok {
		return GlobalAddress{}, false
	}
	return v.(GlobalAddress), true
}

// Lookup returns the full Mapping record for inspection (status commands,
// diagnostics).
func (t *Translator) Lookup(g GlobalAddress) (*Mapping, bool) {
	v, ok := t.forward.Load(g)
	if !ok {
		return nil, false
	}
	return v.(*Mapping), true
}
