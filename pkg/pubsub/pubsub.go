// Package pubsub moves gossip messages and blocks between nodes.
package pubsub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"swarmlog/pkg/tree"
)

var (
	ErrClosed       = errors.New("pubsub closed")
	ErrNoPeers      = errors.New("no peers")
	ErrBlockMissing = errors.New("no peer has the block")
)

const subscriberBuffer = 256

// Message is a payload received on a topic.
type Message struct {
	Peer  string
	Topic string
	Data  []byte
}

// PubSub is the transport capability used by gossip and block sync.
// Broadcast is the eager low latency path, Publish the reliable one.
type PubSub interface {
	Broadcast(ctx context.Context, topic string, data []byte) error
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
	Fetch(ctx context.Context, link tree.Link) ([]byte, error)
}

// BlockSource serves local blocks to peers.
type BlockSource interface {
	GetBlock(ctx context.Context, link tree.Link) ([]byte, error)
}

type subscription struct {
	ctx context.Context
	ch  chan Message
}

// topics fans incoming messages out to local subscribers.
type topics struct {
	mu   sync.Mutex
	subs map[string][]*subscription
}

func newTopics() *topics {
	return &topics{subs: make(map[string][]*subscription)}
}

func (t *topics) subscribe(ctx context.Context, topic string) <-chan Message {
	sub := &subscription{ctx: ctx, ch: make(chan Message, subscriberBuffer)}
	t.mu.Lock()
	t.subs[topic] = append(t.subs[topic], sub)
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.remove(topic, sub)
	}()
	return sub.ch
}

func (t *topics) remove(topic string, sub *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.subs[topic]
	for i, s := range subs {
		if s == sub {
			t.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			close(sub.ch)
			break
		}
	}
	if len(t.subs[topic]) == 0 {
		delete(t.subs, topic)
	}
}

// deliver never blocks: a subscriber that does not keep up loses messages.
func (t *topics) deliver(msg Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs[msg.Topic] {
		if sub.ctx.Err() != nil {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			slog.Warn("dropping message for slow subscriber", "topic", msg.Topic, "peer", msg.Peer)
		}
	}
}

func (t *topics) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic, subs := range t.subs {
		for _, s := range subs {
			close(s.ch)
		}
		delete(t.subs, topic)
	}
}
