package streams

import (
	"context"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"swarmlog/pkg/tree"
	"swarmlog/pkg/types"
)

// RootMapEntry is the newest known root of a stream.
type RootMapEntry struct {
	Link    tree.Link
	Lamport types.LamportTimestamp
	Offset  types.Offset
}

// RootMap is what the node currently believes the swarm looks like.
type RootMap map[types.StreamID]RootMapEntry

func newStreamNrMap[V any]() *skipmap.FuncMap[types.StreamNr, V] {
	return skipmap.NewFunc[types.StreamNr, V](func(a, b types.StreamNr) bool {
		return a < b
	})
}

// Maps is the node-wide stream registry. Entries are created under a single lock and
// never replaced or removed; lookups go to the skip lists without locking.
type Maps struct {
	mu          sync.Mutex
	ownStreams  *skipmap.FuncMap[types.StreamNr, *OwnStream]
	remoteNodes *skipmap.FuncMap[types.NodeID, *RemoteNode]
	subscribers []*subscriber
}

func NewMaps() *Maps {
	return &Maps{
		ownStreams: newStreamNrMap[*OwnStream](),
		remoteNodes: skipmap.NewFunc[types.NodeID, *RemoteNode](func(a, b types.NodeID) bool {
			return a.Compare(b) < 0
		}),
	}
}

// OwnStream returns the own stream nr, creating it with an empty tree if create is set.
func (m *Maps) OwnStream(local types.NodeID, nr types.StreamNr, create bool) (*OwnStream, bool) {
	if s, ok := m.ownStreams.Load(nr); ok || !create {
		return s, ok
	}
	s, _ := m.RestoreOwnStream(local, nr, tree.Tree{})
	return s, true
}

// RestoreOwnStream registers an own stream with a tree loaded from storage. An already
// registered stream is returned unchanged together with false.
func (m *Maps) RestoreOwnStream(local types.NodeID, nr types.StreamNr, t tree.Tree) (*OwnStream, bool) {
	m.mu.Lock()
	s, loaded := m.ownStreams.LoadOrStore(nr, newOwnStream(nr, t))
	m.mu.Unlock()
	if !loaded {
		m.PublishNewStreamID(local.Stream(nr))
	}
	return s, !loaded
}

// GetOrCreateRemoteNode is idempotent: the first call creates the entry, later calls return it.
func (m *Maps) GetOrCreateRemoteNode(id types.NodeID) *RemoteNode {
	if n, ok := m.remoteNodes.Load(id); ok {
		return n
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _ := m.remoteNodes.LoadOrStore(id, newRemoteNode(id))
	return n
}

func (m *Maps) RemoteNode(id types.NodeID) (*RemoteNode, bool) {
	return m.remoteNodes.Load(id)
}

// ReplicatedStream looks up a remote stream, creating it and its node if create is set.
func (m *Maps) ReplicatedStream(id types.StreamID, create bool) (*ReplicatedStream, bool) {
	node, ok := m.remoteNodes.Load(id.Node)
	if !ok && !create {
		return nil, false
	}
	if !ok {
		node = m.GetOrCreateRemoteNode(id.Node)
	}
	if s, ok := node.streams.Load(id.Nr); ok || !create {
		return s, ok
	}

	m.mu.Lock()
	s, loaded := node.streams.LoadOrStore(id.Nr, newReplicatedStream(id))
	m.mu.Unlock()
	if !loaded {
		m.PublishNewStreamID(id)
	}
	return s, true
}

func (m *Maps) OwnStreamNrs() []types.StreamNr {
	nrs := make([]types.StreamNr, 0, m.ownStreams.Len())
	m.ownStreams.Range(func(nr types.StreamNr, _ *OwnStream) bool {
		nrs = append(nrs, nr)
		return true
	})
	return nrs
}

// CurrentStreamIDs lists own streams followed by replicated ones. Computed on every call.
func (m *Maps) CurrentStreamIDs(local types.NodeID) []types.StreamID {
	ids := make([]types.StreamID, 0, m.ownStreams.Len())
	m.ownStreams.Range(func(nr types.StreamNr, _ *OwnStream) bool {
		ids = append(ids, local.Stream(nr))
		return true
	})
	m.remoteNodes.Range(func(node types.NodeID, n *RemoteNode) bool {
		n.streams.Range(func(nr types.StreamNr, _ *ReplicatedStream) bool {
			ids = append(ids, node.Stream(nr))
			return true
		})
		return true
	})
	return ids
}

// RootMap snapshots the roots of every stream that has data. Empty streams are left
// out since there is nothing a peer could fetch for them.
func (m *Maps) RootMap(local types.NodeID) RootMap {
	rm := make(RootMap)
	add := func(id types.StreamID, t tree.Tree) {
		root, ok := t.Root()
		if !ok {
			return
		}
		off, _ := t.LastOffset()
		rm[id] = RootMapEntry{Link: root, Lamport: t.LastLamport(), Offset: off}
	}

	m.ownStreams.Range(func(nr types.StreamNr, s *OwnStream) bool {
		add(local.Stream(nr), s.tree.Get())
		return true
	})
	m.remoteNodes.Range(func(node types.NodeID, n *RemoteNode) bool {
		n.streams.Range(func(nr types.StreamNr, s *ReplicatedStream) bool {
			add(node.Stream(nr), s.validated.Get())
			return true
		})
		return true
	})
	return rm
}

type subscriber struct {
	ctx   context.Context
	mu    sync.Mutex
	queue []types.StreamID
	wake  chan struct{}
}

func (s *subscriber) push(id types.StreamID) {
	s.mu.Lock()
	s.queue = append(s.queue, id)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pop() (types.StreamID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return types.StreamID{}, false
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	return id, true
}

// SubscribeNewStreamIDs delivers every stream id created after the call until ctx is done.
func (m *Maps) SubscribeNewStreamIDs(ctx context.Context) <-chan types.StreamID {
	sub := &subscriber{ctx: ctx, wake: make(chan struct{}, 1)}
	m.mu.Lock()
	m.subscribers = append(m.subscribers, sub)
	m.mu.Unlock()

	out := make(chan types.StreamID)
	go func() {
		defer close(out)
		for {
			id, ok := sub.pop()
			if !ok {
				select {
				case <-sub.wake:
					continue
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- id:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// PublishNewStreamID notifies subscribers. Subscribers that went away are pruned.
func (m *Maps) PublishNewStreamID(id types.StreamID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.subscribers[:0]
	for _, sub := range m.subscribers {
		if sub.ctx.Err() != nil {
			continue
		}
		sub.push(id)
		live = append(live, sub)
	}
	for i := len(live); i < len(m.subscribers); i++ {
		m.subscribers[i] = nil
	}
	m.subscribers = live
}

func (m *Maps) subscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers)
}

// StreamKnownStreams emits every currently known stream and then each newly created
// one, without duplicates, until ctx is done.
func (m *Maps) StreamKnownStreams(ctx context.Context, local types.NodeID) <-chan types.StreamID {
	fresh := m.SubscribeNewStreamIDs(ctx)
	initial := m.CurrentStreamIDs(local)

	out := make(chan types.StreamID)
	go func() {
		defer close(out)
		seen := make(map[types.StreamID]struct{}, len(initial))
		send := func(id types.StreamID) bool {
			if _, ok := seen[id]; ok {
				return true
			}
			seen[id] = struct{}{}
			select {
			case out <- id:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, id := range initial {
			if !send(id) {
				return
			}
		}
		for id := range fresh {
			if !send(id) {
				return
			}
		}
	}()
	return out
}
