package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hypermesh/core/internal/raft"
	"github.com/hypermesh/core/internal/transport"
	"github.com/hypermesh/core/internal/wire"
)

// rpcEnvelope multiplexes Raft's three RPCs over the single KindControl
// request/response channel internal/transport already provides, the same
// way shard/proof/watch traffic is expected to share one Connection by
// message kind (connection.go's own doc comment).
type rpcEnvelope struct {
	Method string          `json:"method"`
	Body   json.RawMessage `json:"body"`
}

// raftTransport implements raft.Transport over a HyperMesh transport.Node,
// encoding each RPC as a small JSON envelope inside a KindControl frame and
// routing replies back through Connection.Request's existing sequence-number
// correlation (spec §6) rather than inventing a second correlation scheme.
type raftTransport struct {
	node   *transport.Node
	logger *logrus.Logger

	mu   sync.RWMutex
	raft *raft.Node
}

// newRaftTransport constructs a raftTransport and installs it as node's
// connection-message handler for every peer. setNode must be called once
// the raft.Node it will dispatch into has been constructed (the two share
// a construction-order cycle: raft.NewNode needs a Transport, and that
// Transport needs the raft.Node to hand inbound RPCs to).
func newRaftTransport(node *transport.Node, logger *logrus.Logger) *raftTransport {
	rt := &raftTransport{node: node, logger: logger}
	node.OnNewConnection(func(conn *transport.Connection) {
		conn.OnMessage(func(msg wire.Message) { rt.dispatch(conn, msg) })
	})
	return rt
}

func (rt *raftTransport) setNode(n *raft.Node) {
	rt.mu.Lock()
	rt.raft = n
	rt.mu.Unlock()
}

func (rt *raftTransport) dispatch(conn *transport.Connection, msg wire.Message) {
	if msg.Header.Kind != wire.KindControl {
		return
	}
	var env rpcEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		if rt.logger != nil {
			rt.logger.WithError(err).Warn("runtime: malformed raft RPC envelope")
		}
		return
	}

	rt.mu.RLock()
	n := rt.raft
	rt.mu.RUnlock()
	if n == nil {
		return
	}

	switch env.Method {
	case "RequestVote":
		var args raft.RequestVoteArgs
		if err := json.Unmarshal(env.Body, &args); err != nil {
			return
		}
		reply := n.HandleRequestVote(args)
		rt.reply(conn, msg, reply)

	case "AppendEntries":
		var args raft.AppendEntriesArgs
		if err := json.Unmarshal(env.Body, &args); err != nil {
			return
		}
		reply := n.HandleAppendEntries(args)
		rt.reply(conn, msg, reply)

	case "InstallSnapshot":
		var args raft.InstallSnapshotArgs
		if err := json.Unmarshal(env.Body, &args); err != nil {
			return
		}
		reply := n.HandleInstallSnapshot(args)
		rt.reply(conn, msg, reply)
	}
}

func (rt *raftTransport) reply(conn *transport.Connection, req wire.Message, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := conn.Reply(req, b); err != nil && rt.logger != nil {
		rt.logger.WithError(err).Debug("runtime: raft RPC reply failed")
	}
}

func (rt *raftTransport) call(ctx context.Context, peer, method string, args, reply any) error {
	conn, ok := rt.node.Conn(peer)
	if !ok {
		return fmt.Errorf("runtime: no open connection to peer %s", peer)
	}
	body, err := json.Marshal(args)
	if err != nil {
		return err
	}
	envelope, err := json.Marshal(rpcEnvelope{Method: method, Body: body})
	if err != nil {
		return err
	}
	respBody, err := conn.Request(ctx, envelope)
	if err != nil {
		return err
	}
	return json.Unmarshal(respBody, reply)
}

// RequestVote implements raft.Transport.
func (rt *raftTransport) RequestVote(ctx context.Context, peer string, args raft.RequestVoteArgs) (raft.RequestVoteReply, error) {
	var reply raft.RequestVoteReply
	err := rt.call(ctx, peer, "RequestVote", args, &reply)
	return reply, err
}

// AppendEntries implements raft.Transport.
func (rt *raftTransport) AppendEntries(ctx context.Context, peer string, args raft.AppendEntriesArgs) (raft.AppendEntriesReply, error) {
	var reply raft.AppendEntriesReply
	err := rt.call(ctx, peer, "AppendEntries", args, &reply)
	return reply, err
}

// InstallSnapshot implements raft.Transport.
func (rt *raftTransport) InstallSnapshot(ctx context.Context, peer string, args raft.InstallSnapshotArgs) (raft.InstallSnapshotReply, error) {
	var reply raft.InstallSnapshotReply
	err := rt.call(ctx, peer, "InstallSnapshot", args, &reply)
	return reply, err
}

var _ raft.Transport = (*raftTransport)(nil)
