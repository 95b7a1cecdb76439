// Package transport implements C2: the QUIC-over-IPv6 session layer.
// Stream multiplexing, 0-RTT resumption, and migration on 4-tuple change
// all come from the libp2p host configured to use only its QUIC
// transport — the dedicated quic-go stack the corpus carries transitively
// through go-libp2p. HyperMesh's own Connection/Stream wrapper (see
// connection.go) layers the spec's handshake, framing, and
// request/response semantics on top.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"

	"github.com/hypermesh/core/internal/crypto"
)

// ProtocolID is the libp2p stream protocol HyperMesh speaks on top of the
// QUIC transport.
const ProtocolID protocol.ID = "/hypermesh/1.0.0"

// Config configures a transport Node.
type Config struct {
	ListenAddr     string // e.g. "/ip6/::/udp/0/quic-v1"
	BootstrapPeers []string
	DiscoveryTag   string
	MaxFrameSize   uint32
	NodeID         [32]byte
	SigningKey     *crypto.SecretHandle
	SigningAlgo    crypto.Algorithm
	SigningPubKey  []byte

	// Certificate is this node's own certificate, presented during the
	// handshake (spec §4.2); may be nil during bootstrap before one has
	// been issued.
	Certificate *crypto.Certificate
	// CA verifies peer certificates presented during the handshake.
	CA *crypto.CA
	// IssuerPubKey is the well-known public key of the certificate
	// authority that signed peer certificates.
	IssuerPubKey []byte
	// HandshakeTimeout bounds how long the handshake exchange may take
	// before the connection is aborted.
	HandshakeTimeout time.Duration
}

// Node is a HyperMesh transport endpoint: a libp2p host restricted to the
// QUIC transport, plus the connection bookkeeping the spec's C2 contract
// requires.
type Node struct {
	cfg    Config
	host   host.Host
	pubsub *pubsub.PubSub
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.RWMutex
	conns  map[peer.ID]*Connection

	topicMu sync.Mutex
	topics  map[string]*pubsub.Topic

	nat     *NATManager
	mdnsSvc mdns.Service

	tuningPlan TuningPlan
	tuningMu   sync.RWMutex

	onNewConnection func(*Connection)
}

// TuningPlan is the subset of tuner.Plan that C2 records (kept as a small
// local struct so this package does not need to import internal/tuner
// directly; the caller translates tuner.Plan into this shape via
// SetTuningPlan).
type TuningPlan struct {
	MaxConcurrentStreams int
	SendBufferBytes      int
	ReceiveBufferBytes   int
}

// NewNode constructs and starts a transport Node: it brings up a libp2p
// host restricted to the QUIC transport, joins pubsub, discovers a
// NAT-PMP/UPnP gateway (no port mapping is requested), and starts mDNS
// discovery.
func NewNode(cfg Config, logger *logrus.Logger) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.ListenAddrStrings(cfg.ListenAddr),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("transport: create pubsub: %w", err)
	}

	n := &Node{
		cfg: cfg, host: h, pubsub: ps, logger: logger,
		ctx: ctx, cancel: cancel,
		conns:  make(map[peer.ID]*Connection),
		topics: make(map[string]*pubsub.Topic),
	}

	h.SetStreamHandler(ProtocolID, n.handleIncomingStream)

	if natMgr, err := NewNATManager(); err == nil {
		n.nat = natMgr
	} else if logger != nil {
		logger.WithError(err).Warn("transport: NAT discovery failed, continuing without external mapping")
	}

	for _, addr := range cfg.BootstrapPeers {
		if pi, err := peer.AddrInfoFromString(addr); err == nil {
			if err := h.Connect(ctx, *pi); err != nil && logger != nil {
				logger.WithError(err).Warnf("transport: bootstrap dial to %s failed", addr)
			}
		}
	}

	if cfg.DiscoveryTag != "" {
		n.mdnsSvc = mdns.NewMdnsService(h, cfg.DiscoveryTag, n)
		if err := n.mdnsSvc.Start(); err != nil && logger != nil {
			logger.WithError(err).Warn("transport: mDNS discovery failed to start")
		}
	}

	return n, nil
}

// HandlePeerFound implements mdns.Notifee: auto-connect to LAN peers
// discovered via mDNS, skipping ourselves and already-known peers.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	n.connMu.RLock()
	_, known := n.conns[info.ID]
	n.connMu.RUnlock()
	if known {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		if n.logger != nil {
			n.logger.WithError(err).Warnf("transport: mDNS connect to %s failed", info.ID)
		}
		return
	}
}

var _ mdns.Notifee = (*Node)(nil)

// OnNewConnection registers a callback invoked (outside any lock) whenever
// a new Connection is established, inbound or outbound.
func (n *Node) OnNewConnection(fn func(*Connection)) { n.onNewConnection = fn }

// SetTuningPlan records the latest plan. No stream-opening path in this
// package reads it: new and existing streams keep libp2p's defaults.
func (n *Node) SetTuningPlan(p TuningPlan) {
	n.tuningMu.Lock()
	n.tuningPlan = p
	n.tuningMu.Unlock()
}

func (n *Node) currentTuningPlan() TuningPlan {
	n.tuningMu.RLock()
	defer n.tuningMu.RUnlock()
	return n.tuningPlan
}

func (n *Node) handleIncomingStream(s network.Stream) {
	conn, err := newConnection(n, s, false)
	if err != nil {
		if n.logger != nil {
			n.logger.WithError(err).Warn("transport: inbound handshake failed")
		}
		_ = s.Reset()
		return
	}
	n.connMu.Lock()
	n.conns[s.Conn().RemotePeer()] = conn
	n.connMu.Unlock()
	if n.onNewConnection != nil {
		go n.onNewConnection(conn)
	}
}

// Connect dials addr and performs the HyperMesh handshake, optionally
// verifying the peer's certificate fingerprint matches expectedFingerprint
// when non-zero (spec §4.2).
func (n *Node) Connect(ctx context.Context, addr string, expectedFingerprint [32]byte) (*Connection, error) {
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return nil, fmt.Errorf("transport: parse address: %w", err)
	}
	if err := n.host.Connect(ctx, *pi); err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	s, err := n.host.NewStream(ctx, pi.ID, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}
	conn, err := newConnection(n, s, true)
	if err != nil {
		_ = s.Reset()
		return nil, err
	}
	if expectedFingerprint != ([32]byte{}) && conn.peerFingerprint != expectedFingerprint {
		conn.Close("fingerprint mismatch")
		return nil, fmt.Errorf("transport: peer certificate fingerprint mismatch")
	}
	n.connMu.Lock()
	n.conns[pi.ID] = conn
	n.connMu.Unlock()
	return conn, nil
}

// ID returns this node's own libp2p peer id as a string, the stable
// identifier the Raft transport and shard ring use to address this node.
func (n *Node) ID() string { return n.host.ID().String() }

// Conn returns the current Connection to peerID, if one is open. Callers
// that need to reach a peer with no open connection (e.g. the runtime's
// Raft RPC adapter, on first contact with a newly joined member) should
// Connect first and use the returned Connection directly rather than
// calling Conn.
func (n *Node) Conn(peerID string) (*Connection, bool) {
	n.connMu.RLock()
	defer n.connMu.RUnlock()
	for id, c := range n.conns {
		if id.String() == peerID {
			return c, true
		}
	}
	return nil, false
}

// Listen returns the multiaddrs this node's host is actually listening on.
func (n *Node) Listen() []string {
	var out []string
	for _, a := range n.host.Addrs() {
		out = append(out, a.String())
	}
	return out
}

// Close tears down every connection, the pubsub node, and the host.
func (n *Node) Close() error {
	n.cancel()
	if n.mdnsSvc != nil {
		_ = n.mdnsSvc.Close()
	}
	if n.nat != nil {
		_ = n.nat.Unmap()
	}
	return n.host.Close()
}
