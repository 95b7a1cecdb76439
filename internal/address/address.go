// Package address implements C5: the global address allocator and the
// NAT-like translator that maps opaque global resource identifiers to local
// endpoints. This is distinct from the external UDP NAT-PMP/UPnP traversal
// the transport layer performs (see internal/transport/nat.go) — this
// package is the internal pointer substrate of spec §4.5, not a mechanism
// for reaching the public internet.
package address

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind is the 4-bit address-kind tag of spec §3/§6.
type Kind uint8

const (
	KindMemory  Kind = 0x0
	KindStorage Kind = 0x1
	KindCompute Kind = 0x2
	KindNetwork Kind = 0x3
)

func (k Kind) tag() string {
	switch k {
	case KindMemory:
		return "mem"
	case KindStorage:
		return "sto"
	case KindCompute:
		return "cpu"
	case KindNetwork:
		return "net"
	default:
		return "???"
	}
}

func kindFromTag(tag string) (Kind, error) {
	switch tag {
	case "mem":
		return KindMemory, nil
	case "sto":
		return KindStorage, nil
	case "cpu":
		return KindCompute, nil
	case "net":
		return KindNetwork, nil
	default:
		return 0, fmt.Errorf("address: unknown kind tag %q", tag)
	}
}

// GlobalAddress is the 256-bit identifier of spec §3: 64-bit network
// prefix + 64-bit node id + 128-bit asset id, plus a 16-bit service port
// and a 4-bit kind.
type GlobalAddress struct {
	NetworkPrefix uint64
	NodeID        uint64
	AssetID       [16]byte
	Port          uint16
	Kind          Kind
}

// Equal reports whether two addresses match in every field (spec §3).
func (a GlobalAddress) Equal(b GlobalAddress) bool {
	return a.NetworkPrefix == b.NetworkPrefix &&
		a.NodeID == b.NodeID &&
		a.AssetID == b.AssetID &&
		a.Port == b.Port &&
		a.Kind == b.Kind
}

// hex64 renders network-prefix‖node-id‖asset-id (8+8+16 bytes) as the 64
// hex chars used in the textual form.
func (a GlobalAddress) hex64() string {
	var buf [32]byte
	binary.BigEndian.PutUint64(buf[0:8], a.NetworkPrefix)
	binary.BigEndian.PutUint64(buf[8:16], a.NodeID)
	copy(buf[16:32], a.AssetID[:])
	return hex.EncodeToString(buf[:])
}

// Format renders the canonical textual form: hypermesh://<kind>/<64-hex>:<port>.
func (a GlobalAddress) Format() string {
	return fmt.Sprintf("hypermesh://%s/%s:%d", a.Kind.tag(), a.hex64(), a.Port)
}

// String implements fmt.Stringer.
func (a GlobalAddress) String() string { return a.Format() }

// Parse reverses Format; it is the round-trip inverse required by spec §8
// property 8 (parse(format(g)) == g).
func Parse(s string) (GlobalAddress, error) {
	const prefix = "hypermesh://"
	if !strings.HasPrefix(s, prefix) {
		return GlobalAddress{}, errors.New("address: missing hypermesh:// scheme")
	}
	rest := s[len(prefix):]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return GlobalAddress{}, errors.New("address: missing kind separator")
	}
	kindTag := rest[:slash]
	rest = rest[slash+1:]

	colon := strings.LastIndexByte(rest, ':')
	if colon < 0 {
		return GlobalAddress{}, errors.New("address: missing port separator")
	}
	hexPart, portPart := rest[:colon], rest[colon+1:]
	if len(hexPart) != 64 {
		return GlobalAddress{}, fmt.Errorf("address: expected 64 hex chars, got %d", len(hexPart))
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return GlobalAddress{}, fmt.Errorf("address: bad hex: %w", err)
	}
	port, err := strconv.ParseUint(portPart, 10, 16)
	if err != nil {
		return GlobalAddress{}, fmt.Errorf("address: bad port: %w", err)
	}
	kind, err := kindFromTag(kindTag)
	if err != nil {
		return GlobalAddress{}, err
	}

	var a GlobalAddress
	a.NetworkPrefix = binary.BigEndian.Uint64(raw[0:8])
	a.NodeID = binary.BigEndian.Uint64(raw[8:16])
	copy(a.AssetID[:], raw[16:32])
	a.Port = uint16(port)
	a.Kind = kind
	return a, nil
}

// Allocator derives collision-free asset ids for a given node, per spec
// §4.5: H(node ‖ asset_id ‖ salt) truncated to 128 bits, retried with a
// fresh salt on collision.
type Allocator struct {
	networkPrefix uint64
	nodeID        uint64
	seen          map[[16]byte]struct{}
}

// NewAllocator constructs an allocator for one node.
func NewAllocator(networkPrefix, nodeID uint64) *Allocator {
	return &Allocator{networkPrefix: networkPrefix, nodeID: nodeID, seen: make(map[[16]byte]struct{})}
}

// Allocate derives a fresh, collision-free GlobalAddress for assetID on
// this node.
func (al *Allocator) Allocate(assetID []byte, port uint16, kind Kind) (GlobalAddress, error) {
	for attempt := 0; attempt < 32; attempt++ {
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return GlobalAddress{}, err
		}
		var nodeBuf [8]byte
		binary.BigEndian.PutUint64(nodeBuf[:], al.nodeID)

		h := sha256.New()
		h.Write(nodeBuf[:])
		h.Write(assetID)
		h.Write(salt)
		sum := h.Sum(nil)

		var id [16]byte
		copy(id[:], sum[:16])
		if _, collide := al.seen[id]; collide {
			continue
		}
		al.seen[id] = struct{}{}
		return GlobalAddress{
			NetworkPrefix: al.networkPrefix,
			NodeID:        al.nodeID,
			AssetID:       id,
			Port:          port,
			Kind:          kind,
		}, nil
	}
	return GlobalAddress{}, errors.New("address: exhausted collision retries")
}
