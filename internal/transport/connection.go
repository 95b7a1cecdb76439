package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/hypermesh/core/internal/wire"
)

const defaultMaxFrameSize uint32 = 1 << 20 // 1 MiB

// Connection wraps one libp2p stream with HyperMesh's framing, handshake
// verification, and request/response correlation (spec §4.2). Each peer
// gets exactly one Connection; higher layers (Raft RPCs, proof gossip,
// MVCC replication) all multiplex over it by message kind.
type Connection struct {
	node   *Node
	stream network.Stream

	peerFingerprint [32]byte
	peerNodeID      [32]byte
	initiator       bool

	writeMu sync.Mutex

	seq uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan wire.Message

	closeOnce sync.Once
	closed    chan struct{}

	onMessage func(wire.Message)
}

func newConnection(n *Node, s network.Stream, initiator bool) (*Connection, error) {
	fpr, nodeID, err := performHandshake(n, s)
	if err != nil {
		return nil, fmt.Errorf("transport: handshake: %w", err)
	}
	c := &Connection{
		node: n, stream: s, initiator: initiator,
		peerFingerprint: fpr, peerNodeID: nodeID,
		pending: make(map[uint64]chan wire.Message),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// PeerFingerprint returns the remote peer's certificate fingerprint, as
// established during the handshake.
func (c *Connection) PeerFingerprint() [32]byte { return c.peerFingerprint }

// PeerNodeID returns the remote peer's claimed node id.
func (c *Connection) PeerNodeID() [32]byte { return c.peerNodeID }

// OnMessage registers a callback invoked for every received frame that is
// not itself a correlated reply (i.e. has no waiting Request caller).
func (c *Connection) OnMessage(fn func(wire.Message)) { c.onMessage = fn }

func (c *Connection) maxFrame() uint32 {
	if c.node.cfg.MaxFrameSize > 0 {
		return c.node.cfg.MaxFrameSize
	}
	return defaultMaxFrameSize
}

func (c *Connection) readLoop() {
	for {
		msg, err := wire.ReadFrame(c.stream, c.maxFrame())
		if err != nil {
			c.Close(fmt.Sprintf("read error: %v", err))
			return
		}
		if wire.IsReply(msg.Header.Sequence) && msg.Header.Kind == wire.KindResponse {
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.Header.Sequence]
			if ok {
				delete(c.pending, msg.Header.Sequence)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
				continue
			}
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

// Send writes a fire-and-forget frame of the given kind to the peer.
func (c *Connection) Send(kind wire.MessageKind, payload []byte) error {
	seq := atomic.AddUint64(&c.seq, 1)
	msg := wire.Message{
		Header: wire.Header{
			Kind: kind, Sequence: seq, Source: c.node.cfg.NodeID,
			HasDest: true, Dest: c.peerNodeID,
		},
		Payload: payload,
	}
	return c.write(msg)
}

// Request sends a KindControl frame and blocks until a correlated
// KindResponse frame arrives or ctx is done.
func (c *Connection) Request(ctx context.Context, payload []byte) ([]byte, error) {
	seq := atomic.AddUint64(&c.seq, 1)
	replyCh := make(chan wire.Message, 1)
	c.pendingMu.Lock()
	c.pending[seq] = replyCh
	c.pendingMu.Unlock()

	msg := wire.Message{
		Header: wire.Header{
			Kind: wire.KindControl, Sequence: seq, Source: c.node.cfg.NodeID,
			HasDest: true, Dest: c.peerNodeID,
		},
		Payload: payload,
	}
	if err := c.write(msg); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply.Payload, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("transport: connection closed while awaiting reply")
	}
}

// Reply answers an inbound request message with a correlated response,
// reusing the request's sequence number (spec §6: "sequence != 0 marks a
// reply").
func (c *Connection) Reply(req wire.Message, payload []byte) error {
	seq := req.Header.Sequence
	if seq == 0 {
		return fmt.Errorf("transport: cannot reply to a non-request message")
	}
	msg := wire.Message{
		Header: wire.Header{
			Kind: wire.KindResponse, Sequence: seq, Source: c.node.cfg.NodeID,
			HasDest: true, Dest: c.peerNodeID,
		},
		Payload: payload,
	}
	return c.write(msg)
}

func (c *Connection) write(msg wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.stream.Write(wire.Encode(msg))
	return err
}

// Close tears down the underlying stream, unblocking any pending Request
// calls with an error.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.stream.Close()
		if c.node.logger != nil && reason != "" {
			c.node.logger.WithField("peer", fmt.Sprintf("%x", c.peerFingerprint[:8])).Debugf("transport: connection closed: %s", reason)
		}
	})
}
