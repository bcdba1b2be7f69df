package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"swarmlog/pkg/tree"
)

// MemoryNetwork connects peers within one process. Used for tests and single
// process swarms.
type MemoryNetwork struct {
	mu    sync.RWMutex
	peers map[string]*MemoryPeer
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{peers: make(map[string]*MemoryPeer)}
}

// Join adds a peer that serves blocks from blocks. A nil source serves nothing.
func (n *MemoryNetwork) Join(id string, blocks BlockSource) *MemoryPeer {
	p := &MemoryPeer{id: id, net: n, blocks: blocks, topics: newTopics()}
	n.mu.Lock()
	n.peers[id] = p
	n.mu.Unlock()
	return p
}

func (n *MemoryNetwork) others(self string) []*MemoryPeer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*MemoryPeer, 0, len(n.peers))
	for id, p := range n.peers {
		if id != self {
			out = append(out, p)
		}
	}
	return out
}

type MemoryPeer struct {
	id     string
	net    *MemoryNetwork
	blocks BlockSource
	topics *topics

	mu     sync.Mutex
	filter func(Message) bool
	closed bool
}

func (p *MemoryPeer) ID() string {
	return p.id
}

// SetFilter installs a predicate deciding which inbound messages are delivered.
func (p *MemoryPeer) SetFilter(f func(Message) bool) {
	p.mu.Lock()
	p.filter = f
	p.mu.Unlock()
}

func (p *MemoryPeer) receive(msg Message) {
	p.mu.Lock()
	f, closed := p.filter, p.closed
	p.mu.Unlock()
	if closed || (f != nil && !f(msg)) {
		return
	}
	p.topics.deliver(msg)
}

func (p *MemoryPeer) send(topic string, data []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	for _, other := range p.net.others(p.id) {
		other.receive(Message{Peer: p.id, Topic: topic, Data: data})
	}
	return nil
}

func (p *MemoryPeer) Broadcast(_ context.Context, topic string, data []byte) error {
	return p.send(topic, data)
}

func (p *MemoryPeer) Publish(_ context.Context, topic string, data []byte) error {
	return p.send(topic, data)
}

func (p *MemoryPeer) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	return p.topics.subscribe(ctx, topic), nil
}

func (p *MemoryPeer) Fetch(ctx context.Context, link tree.Link) ([]byte, error) {
	for _, other := range p.net.others(p.id) {
		if other.blocks == nil {
			continue
		}
		data, err := other.blocks.GetBlock(ctx, link)
		if errors.Is(err, tree.ErrBlockNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch %s from %s: %w", link, other.id, err)
		}
		if !link.Verify(data) {
			continue
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrBlockMissing, link)
}

func (p *MemoryPeer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.net.mu.Lock()
	delete(p.net.peers, p.id)
	p.net.mu.Unlock()
	p.topics.closeAll()
}
