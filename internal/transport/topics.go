package transport

import (
	"context"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// Broadcast publishes payload to the given pubsub topic, lazily joining it
// first (adapted from the teacher's network.go Broadcast, which does the
// same lazy-join-then-publish over a single well-known topic; HyperMesh
// generalizes this to per-purpose topics for proof gossip, watch
// notifications, and shard epoch announcements).
func (n *Node) Broadcast(ctx context.Context, topicName string, payload []byte) error {
	t, err := n.topic(topicName)
	if err != nil {
		return err
	}
	return t.Publish(ctx, payload)
}

// Subscribe joins topicName and invokes fn for every message received,
// including this node's own publishes (pubsub does not self-filter at this
// layer; callers that care should tag and skip by source node id).
func (n *Node) Subscribe(ctx context.Context, topicName string, fn func(from string, data []byte)) error {
	t, err := n.topic(topicName)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("transport: subscribe %q: %w", topicName, err)
	}
	go func() {
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return // ctx canceled or subscription torn down
			}
			fn(msg.ReceivedFrom.String(), msg.Data)
		}
	}()
	return nil
}

func (n *Node) topic(name string) (*pubsub.Topic, error) {
	n.topicMu.Lock()
	defer n.topicMu.Unlock()
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("transport: join topic %q: %w", name, err)
	}
	n.topics[name] = t
	return t, nil
}

// Peers returns the set of peer IDs this node currently has open streams
// with (adapted from the teacher's network.go Peers()).
func (n *Node) Peers() []string {
	n.connMu.RLock()
	defer n.connMu.RUnlock()
	out := make([]string, 0, len(n.conns))
	for id := range n.conns {
		out = append(out, id.String())
	}
	return out
}
