// Package streams keeps the in-memory state of every stream known to the node.
package streams

import (
	"context"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"swarmlog/pkg/tree"
	"swarmlog/pkg/types"
	"swarmlog/pkg/variable"
)

// Watermark is the newest (lamport, offset) pair observed for a stream.
type Watermark struct {
	Lamport types.LamportTimestamp
	Offset  types.Offset
}

// RootPath is the channel a root arrived on. Higher values take precedence.
type RootPath int

const (
	RootPathRootMap RootPath = iota
	RootPathSlow
	RootPathFast
)

func (p RootPath) String() string {
	switch p {
	case RootPathFast:
		return "fast"
	case RootPathSlow:
		return "slow"
	default:
		return "rootmap"
	}
}

type RootSource struct {
	Peer string
	Path RootPath
}

type IncomingRoot struct {
	Link   tree.Link
	Source RootSource
}

type OwnStream struct {
	nr         types.StreamNr
	sequencer  chan struct{}
	tree       *variable.Variable[tree.Tree]
	latestSeen *variable.Variable[*Watermark]
}

func newOwnStream(nr types.StreamNr, initial tree.Tree) *OwnStream {
	s := &OwnStream{
		nr:         nr,
		sequencer:  make(chan struct{}, 1),
		tree:       variable.New(initial),
		latestSeen: variable.New[*Watermark](nil),
	}
	s.latestSeen.Set(watermarkOf(initial))
	return s
}

func (s *OwnStream) Nr() types.StreamNr {
	return s.nr
}

func (s *OwnStream) Tree() *variable.Variable[tree.Tree] {
	return s.tree
}

func (s *OwnStream) LatestSeen() *variable.Variable[*Watermark] {
	return s.latestSeen
}

// Lock acquires the sequencer. Only one writer may extend the stream at a time.
func (s *OwnStream) Lock(ctx context.Context) (*OwnStreamGuard, error) {
	select {
	case s.sequencer <- struct{}{}:
		return &OwnStreamGuard{stream: s}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type OwnStreamGuard struct {
	stream   *OwnStream
	released bool
}

func (g *OwnStreamGuard) Tree() tree.Tree {
	return g.stream.tree.Get()
}

// Commit publishes t as the latest tree of the stream.
func (g *OwnStreamGuard) Commit(t tree.Tree) {
	g.stream.tree.Set(t)
	g.stream.latestSeen.Set(watermarkOf(t))
}

func (g *OwnStreamGuard) Unlock() {
	if g.released {
		return
	}
	g.released = true
	<-g.stream.sequencer
}

type ReplicatedStream struct {
	id         types.StreamID
	validated  *variable.Variable[tree.Tree]
	incoming   *variable.Variable[*IncomingRoot]
	latestSeen *variable.Variable[*Watermark]
}

func newReplicatedStream(id types.StreamID) *ReplicatedStream {
	return &ReplicatedStream{
		id:         id,
		validated:  variable.New(tree.Tree{}),
		incoming:   variable.New[*IncomingRoot](nil),
		latestSeen: variable.New[*Watermark](nil),
	}
}

func (s *ReplicatedStream) ID() types.StreamID {
	return s.id
}

func (s *ReplicatedStream) Validated() *variable.Variable[tree.Tree] {
	return s.validated
}

func (s *ReplicatedStream) Incoming() *variable.Variable[*IncomingRoot] {
	return s.incoming
}

func (s *ReplicatedStream) LatestSeen() *variable.Variable[*Watermark] {
	return s.latestSeen
}

// SetIncoming records a root that still needs validation. A root from a lower
// priority path never replaces one from a higher path, and a repeat of the same
// root from the same peer is ignored.
func (s *ReplicatedStream) SetIncoming(link tree.Link, source RootSource) bool {
	if root, ok := s.validated.Get().Root(); ok && root == link {
		return false
	}
	return s.incoming.Transform(func(cur **IncomingRoot) bool {
		if c := *cur; c != nil {
			if c.Source.Path > source.Path {
				return false
			}
			if c.Link == link && c.Source.Peer == source.Peer {
				return false
			}
		}
		*cur = &IncomingRoot{Link: link, Source: source}
		return true
	})
}

// Downgrade is called once link has been processed. A failed root is dropped, a
// successful one keeps its place with the lowest priority so newer roots from any
// path can replace it. Observers are not woken.
func (s *ReplicatedStream) Downgrade(link tree.Link, failed bool) {
	s.incoming.Transform(func(cur **IncomingRoot) bool {
		c := *cur
		if c == nil || c.Link != link {
			return false
		}
		if failed {
			*cur = nil
			return false
		}
		*cur = &IncomingRoot{Link: c.Link, Source: RootSource{Peer: c.Source.Peer, Path: RootPathRootMap}}
		return false
	})
}

// SetValidated advances the validated tree. Trees that do not grow the stream are ignored.
func (s *ReplicatedStream) SetValidated(t tree.Tree) bool {
	changed := s.validated.Transform(func(cur *tree.Tree) bool {
		if t.Count() <= cur.Count() {
			return false
		}
		*cur = t
		return true
	})
	if changed {
		s.UpdateLatestSeen(t.LastLamport(), types.Offset(t.Count()-1))
	}
	return changed
}

// UpdateLatestSeen advances the watermark if lamport is newer than the current one.
func (s *ReplicatedStream) UpdateLatestSeen(lamport types.LamportTimestamp, offset types.Offset) bool {
	return s.latestSeen.Transform(func(cur **Watermark) bool {
		if c := *cur; c != nil && c.Lamport >= lamport {
			return false
		}
		*cur = &Watermark{Lamport: lamport, Offset: offset}
		return true
	})
}

// NodeSeen is the newest activity observed from a remote node.
type NodeSeen struct {
	Lamport types.LamportTimestamp
	Time    time.Time
}

type RemoteNode struct {
	id       types.NodeID
	lastSeen *variable.Variable[NodeSeen]
	streams  *skipmap.FuncMap[types.StreamNr, *ReplicatedStream]
}

func newRemoteNode(id types.NodeID) *RemoteNode {
	return &RemoteNode{
		id:       id,
		lastSeen: variable.New(NodeSeen{}),
		streams:  newStreamNrMap[*ReplicatedStream](),
	}
}

func (n *RemoteNode) ID() types.NodeID {
	return n.id
}

func (n *RemoteNode) LastSeen() *variable.Variable[NodeSeen] {
	return n.lastSeen
}

// Observe advances the node's last seen lamport.
func (n *RemoteNode) Observe(lamport types.LamportTimestamp, at time.Time) {
	n.lastSeen.Transform(func(cur *NodeSeen) bool {
		if lamport <= cur.Lamport && !cur.Time.IsZero() {
			return false
		}
		*cur = NodeSeen{Lamport: lamport, Time: at}
		return true
	})
}

func (n *RemoteNode) StreamNrs() []types.StreamNr {
	nrs := make([]types.StreamNr, 0, n.streams.Len())
	n.streams.Range(func(nr types.StreamNr, _ *ReplicatedStream) bool {
		nrs = append(nrs, nr)
		return true
	})
	return nrs
}

func watermarkOf(t tree.Tree) *Watermark {
	off, ok := t.LastOffset()
	if !ok {
		return nil
	}
	return &Watermark{Lamport: t.LastLamport(), Offset: off}
}
