package gossip

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"swarmlog/pkg/blockstore"
	"swarmlog/pkg/pubsub"
	"swarmlog/pkg/streams"
	"swarmlog/pkg/tree"
	"swarmlog/pkg/types"
)

type rootCall struct {
	stream types.StreamID
	root   tree.Link
	source streams.RootSource
}

type fakeSink struct {
	mu      sync.Mutex
	lamport types.LamportTimestamp
	seen    map[types.StreamID]types.Offset
	roots   chan rootCall
}

func newFakeSink() *fakeSink {
	return &fakeSink{seen: make(map[types.StreamID]types.Offset), roots: make(chan rootCall, 16)}
}

func (s *fakeSink) ObserveLamport(l types.LamportTimestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l > s.lamport {
		s.lamport = l
	}
}

func (s *fakeSink) UpdateHighestSeen(stream types.StreamID, _ types.LamportTimestamp, offset types.Offset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[stream] = offset
}

func (s *fakeSink) UpdateRoot(stream types.StreamID, root tree.Link, source streams.RootSource) {
	select {
	case s.roots <- rootCall{stream: stream, root: root, source: source}:
	default:
	}
}

func (s *fakeSink) next(t *testing.T) rootCall {
	t.Helper()
	select {
	case c := <-s.roots:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for root update")
	}
	return rootCall{}
}

func openStore(t *testing.T) *blockstore.Store {
	t.Helper()
	cfg := blockstore.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "blocks.sqlite")
	s, err := blockstore.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func nodeID(b byte) types.NodeID {
	var n types.NodeID
	n[0] = b
	return n
}

func appendEvents(t *testing.T, f *tree.Forest, tr tree.Tree, lamports ...types.LamportTimestamp) (tree.Tree, []tree.Block) {
	t.Helper()
	evs := make([]tree.EventData, 0, len(lamports))
	for _, l := range lamports {
		evs = append(evs, tree.EventData{Lamport: l, Timestamp: time.Unix(int64(l), 0), Tags: types.NewTagSet("x")})
	}
	next, blocks, err := f.Extend(context.Background(), tr, evs)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	return next, blocks
}

func TestCodec_RoundTrip(t *testing.T) {
	stream := nodeID(1).Stream(2)
	block := tree.NewBlock([]byte("data"))
	off := types.Offset(7)
	in := &RootUpdate{
		Stream:  stream,
		Root:    block.Link,
		Blocks:  []tree.Block{block},
		Lamport: 9,
		Time:    time.UnixMicro(1234).UTC(),
		Offset:  &off,
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out, ok := msg.(*RootUpdate)
	if !ok {
		t.Fatalf("expected root update, got %T", msg)
	}
	if out.Stream != stream || out.Root != block.Link || out.Lamport != 9 || out.Offset == nil || *out.Offset != 7 {
		t.Fatalf("unexpected root update %+v", out)
	}
	if len(out.Blocks) != 1 || string(out.Blocks[0].Data) != "data" || !out.Time.Equal(in.Time) {
		t.Fatalf("unexpected blocks or time %+v", out)
	}

	rm := &RootMap{
		Entries: []RootMapEntry{{Stream: stream, Root: block.Link, Lamport: 3, Offset: 1}},
		Lamport: 4,
	}
	data, err = Encode(rm)
	if err != nil {
		t.Fatalf("encode root map: %v", err)
	}
	msg, err = Decode(data)
	if err != nil {
		t.Fatalf("decode root map: %v", err)
	}
	gotMap, ok := msg.(*RootMap)
	if !ok || len(gotMap.Entries) != 1 || gotMap.Entries[0] != rm.Entries[0] || gotMap.Lamport != 4 {
		t.Fatalf("unexpected root map %+v", msg)
	}
}

func TestCodec_DecodeMalformed(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("garbage"), {0x7f}} {
		if _, err := Decode(data); !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("expected ErrMalformedMessage for %q, got %v", data, err)
		}
	}
}

func TestGossip_PublishIsLatestWins(t *testing.T) {
	g := &Gossip{pending: make(map[types.StreamNr]update), wake: make(chan struct{}, 1)}
	l1, l2, l3 := tree.LinkFromData([]byte("1")), tree.LinkFromData([]byte("2")), tree.LinkFromData([]byte("3"))

	g.Publish(0, l1, nil, 1, 0)
	g.Publish(0, l2, nil, 2, 1)
	g.Publish(1, l3, nil, 3, 0)

	nrs, updates := g.takePending()
	if len(nrs) != 2 || nrs[0] != 0 || nrs[1] != 1 {
		t.Fatalf("unexpected pending streams %v", nrs)
	}
	if updates[0].root != l2 || updates[0].lamport != 2 {
		t.Fatalf("older update was not replaced: %+v", updates[0])
	}
	if nrs, _ := g.takePending(); nrs != nil {
		t.Fatal("pending updates must be cleared after take")
	}
}

func TestGossip_CollectBlocksRespectsBudget(t *testing.T) {
	store := openStore(t)
	big := tree.NewBlock(make([]byte, 600))
	small := tree.NewBlock(make([]byte, 300))
	other := tree.NewBlock(make([]byte, 200))
	if err := store.PutBlocks(context.Background(), []tree.Block{big, small, other}); err != nil {
		t.Fatalf("put: %v", err)
	}

	g := &Gossip{cfg: Config{MaxBroadcastBytes: 1000}, blocks: store}
	missing := tree.LinkFromData([]byte("missing"))
	got := g.collectBlocks(context.Background(), []tree.Link{missing, big.Link, small.Link, other.Link})
	if len(got) != 2 || got[0].Link != big.Link || got[1].Link != small.Link {
		t.Fatalf("unexpected blocks %v", got)
	}
}

func TestGossip_PublishAndIngest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := pubsub.NewMemoryNetwork()
	storeA, storeB := openStore(t), openStore(t)
	peerA := net.Join("a", storeA)
	peerB := net.Join("b", storeB)

	a := New(DefaultConfig(), nodeID(1), storeA, peerA)
	defer a.Close()
	b := New(DefaultConfig(), nodeID(2), storeB, peerB)
	defer b.Close()

	sink := newFakeSink()
	l, err := b.Ingest(ctx, sink)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	defer l.Stop()

	// a malformed message must not end the ingest loop
	if err := peerA.Publish(ctx, DefaultConfig().Topic, []byte("junk")); err != nil {
		t.Fatalf("publish junk: %v", err)
	}

	tr, blocks := appendEvents(t, tree.NewForest(storeA), tree.Tree{}, 1, 2, 3)
	root, _ := tr.Root()
	a.Publish(0, root, []tree.Link{blocks[0].Link}, 3, 2)

	fast := sink.next(t)
	if fast.stream != nodeID(1).Stream(0) || fast.root != root || fast.source.Path != streams.RootPathFast || fast.source.Peer != "a" {
		t.Fatalf("unexpected fast path update %+v", fast)
	}
	slow := sink.next(t)
	if slow.root != root || slow.source.Path != streams.RootPathSlow {
		t.Fatalf("unexpected slow path update %+v", slow)
	}

	if ok, _ := storeB.HasBlock(ctx, root); !ok {
		t.Fatal("broadcast blocks were not stored")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.lamport != 3 || sink.seen[nodeID(1).Stream(0)] != 2 {
		t.Fatalf("unexpected lamport %d or highest seen %v", sink.lamport, sink.seen)
	}
}

func TestGossip_SlowPathOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := pubsub.NewMemoryNetwork()
	storeA := openStore(t)
	peerA := net.Join("a", storeA)
	peerB := net.Join("b", nil)

	cfg := DefaultConfig()
	cfg.FastPath = false
	a := New(cfg, nodeID(1), storeA, peerA)
	defer a.Close()

	b := New(DefaultConfig(), nodeID(2), openStore(t), peerB)
	defer b.Close()
	sink := newFakeSink()
	l, err := b.Ingest(ctx, sink)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	defer l.Stop()

	tr, blocks := appendEvents(t, tree.NewForest(storeA), tree.Tree{}, 1)
	root, _ := tr.Root()
	a.Publish(0, root, []tree.Link{blocks[0].Link}, 1, 0)

	if c := sink.next(t); c.source.Path != streams.RootPathSlow {
		t.Fatalf("expected slow path only, got %+v", c)
	}
	select {
	case c := <-sink.roots:
		t.Fatalf("unexpected second update %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

type failingBroadcast struct {
	pubsub.PubSub
	broadcasts int
	mu         sync.Mutex
}

func (f *failingBroadcast) Broadcast(context.Context, string, []byte) error {
	f.mu.Lock()
	f.broadcasts++
	f.mu.Unlock()
	return errors.New("broadcast refused")
}

func TestGossip_SlowPathSurvivesFailedBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := pubsub.NewMemoryNetwork()
	storeA := openStore(t)
	peerA := &failingBroadcast{PubSub: net.Join("a", storeA)}
	peerB := net.Join("b", nil)

	a := New(DefaultConfig(), nodeID(1), storeA, peerA)
	defer a.Close()
	b := New(DefaultConfig(), nodeID(2), openStore(t), peerB)
	defer b.Close()

	sink := newFakeSink()
	l, err := b.Ingest(ctx, sink)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	defer l.Stop()

	tr, blocks := appendEvents(t, tree.NewForest(storeA), tree.Tree{}, 1)
	root, _ := tr.Root()
	a.Publish(0, root, []tree.Link{blocks[0].Link}, 1, 0)

	c := sink.next(t)
	if c.source.Path != streams.RootPathSlow {
		t.Fatalf("expected slow path update, got %+v", c)
	}
	if c.root != root {
		t.Fatalf("root = %s, want %s", c.root, root)
	}
	peerA.mu.Lock()
	defer peerA.mu.Unlock()
	if peerA.broadcasts != 1 {
		t.Fatalf("broadcasts = %d, want 1", peerA.broadcasts)
	}
}

func TestGossip_PublishRootMap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := pubsub.NewMemoryNetwork()
	peerA := net.Join("a", nil)
	peerB := net.Join("b", nil)

	a := New(DefaultConfig(), nodeID(1), openStore(t), peerA)
	defer a.Close()
	b := New(DefaultConfig(), nodeID(2), openStore(t), peerB)
	defer b.Close()

	sink := newFakeSink()
	l, err := b.Ingest(ctx, sink)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	defer l.Stop()

	root := tree.LinkFromData([]byte("root"))
	stream := nodeID(1).Stream(4)
	go a.PublishRootMap(ctx, func() (streams.RootMap, types.LamportTimestamp) {
		return streams.RootMap{stream: {Link: root, Lamport: 5, Offset: 9}}, 6
	}, 10*time.Millisecond)

	c := sink.next(t)
	if c.stream != stream || c.root != root || c.source.Path != streams.RootPathRootMap {
		t.Fatalf("unexpected root map update %+v", c)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.lamport < 6 || sink.seen[stream] != 9 {
		t.Fatalf("root map did not update lamport/highest seen: %d %v", sink.lamport, sink.seen)
	}
}
