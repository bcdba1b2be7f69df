// Package gossip spreads stream roots through the swarm and ingests roots
// announced by peers.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"swarmlog/pkg/blockstore"
	"swarmlog/pkg/listener"
	"swarmlog/pkg/pubsub"
	"swarmlog/pkg/streams"
	"swarmlog/pkg/tree"
	"swarmlog/pkg/types"
)

const DefaultMaxBroadcastBytes = 1_000_000

type Config struct {
	Topic             string        `yaml:"topic"`
	MaxBroadcastBytes int           `yaml:"max_broadcast_bytes"`
	FastPath          bool          `yaml:"fast_path"`
	SlowPath          bool          `yaml:"slow_path"`
	RootMapInterval   time.Duration `yaml:"root_map_interval"`
}

func DefaultConfig() Config {
	return Config{
		Topic:             "swarmlog",
		MaxBroadcastBytes: DefaultMaxBroadcastBytes,
		FastPath:          true,
		SlowPath:          true,
		RootMapInterval:   10 * time.Second,
	}
}

// BlockStore is what gossip needs from the local block store.
type BlockStore interface {
	GetBlock(ctx context.Context, link tree.Link) ([]byte, error)
	PutBlocks(ctx context.Context, blocks []tree.Block) error
	CreateTempPin() blockstore.TempPin
	AssignTempPin(pin blockstore.TempPin, links []tree.Link) error
	ReleaseTempPin(pin blockstore.TempPin)
}

// Sink receives what ingest learns from peers.
type Sink interface {
	ObserveLamport(lamport types.LamportTimestamp)
	UpdateHighestSeen(stream types.StreamID, lamport types.LamportTimestamp, offset types.Offset)
	UpdateRoot(stream types.StreamID, root tree.Link, source streams.RootSource)
}

type update struct {
	root    tree.Link
	links   []tree.Link
	lamport types.LamportTimestamp
	offset  types.Offset
}

type Gossip struct {
	cfg    Config
	node   types.NodeID
	blocks BlockStore
	net    pubsub.PubSub

	mu      sync.Mutex
	pending map[types.StreamNr]update
	wake    chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts the publish loop. Close stops it.
func New(cfg Config, node types.NodeID, blocks BlockStore, net pubsub.PubSub) *Gossip {
	if cfg.MaxBroadcastBytes <= 0 {
		cfg.MaxBroadcastBytes = DefaultMaxBroadcastBytes
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gossip{
		cfg:     cfg,
		node:    node,
		blocks:  blocks,
		net:     net,
		pending: make(map[types.StreamNr]update),
		wake:    make(chan struct{}, 1),
		cancel:  cancel,
	}
	g.wg.Add(1)
	go g.publishLoop(ctx)
	return g
}

func (g *Gossip) Close() {
	g.cancel()
	g.wg.Wait()
}

// Publish schedules an announcement of root for stream nr. It never blocks; an
// unsent update for the same stream is replaced since the newer root implies it.
func (g *Gossip) Publish(nr types.StreamNr, root tree.Link, links []tree.Link, lamport types.LamportTimestamp, offset types.Offset) {
	g.mu.Lock()
	g.pending[nr] = update{root: root, links: links, lamport: lamport, offset: offset}
	g.mu.Unlock()

	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *Gossip) takePending() ([]types.StreamNr, map[types.StreamNr]update) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.pending) == 0 {
		return nil, nil
	}
	taken := g.pending
	g.pending = make(map[types.StreamNr]update)

	nrs := make([]types.StreamNr, 0, len(taken))
	for nr := range taken {
		nrs = append(nrs, nr)
	}
	sort.Slice(nrs, func(i, j int) bool { return nrs[i] < nrs[j] })
	return nrs, taken
}

func (g *Gossip) publishLoop(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-g.wake:
		case <-ctx.Done():
			return
		}
		nrs, updates := g.takePending()
		for _, nr := range nrs {
			g.publishUpdate(ctx, nr, updates[nr])
		}
	}
}

func (g *Gossip) publishUpdate(ctx context.Context, nr types.StreamNr, u update) {
	offset := u.offset
	msg := &RootUpdate{
		Stream:  g.node.Stream(nr),
		Root:    u.root,
		Lamport: u.lamport,
		Time:    time.Now(),
		Offset:  &offset,
	}
	if g.cfg.FastPath {
		g.broadcast(ctx, msg, u.links)
	}
	if g.cfg.SlowPath {
		g.announce(ctx, msg)
	}
}

// broadcast sends msg together with as many of the blocks behind links as fit the budget.
func (g *Gossip) broadcast(ctx context.Context, msg *RootUpdate, links []tree.Link) {
	fast := *msg
	fast.Blocks = g.collectBlocks(ctx, links)
	data, err := Encode(&fast)
	if err != nil {
		slog.Error("failed to encode root update", "stream", msg.Stream.String(), "error", err)
		return
	}
	if err := g.net.Broadcast(ctx, g.cfg.Topic, data); err != nil {
		if !errors.Is(err, pubsub.ErrNoPeers) {
			slog.Warn("root update broadcast failed", "stream", msg.Stream.String(), "error", err)
		}
		return
	}
	slog.Debug("broadcast root update",
		"stream", msg.Stream.String(),
		"root", msg.Root.String(),
		"blocks", len(fast.Blocks),
		"bytes", len(data))
}

// announce publishes msg without blocks.
func (g *Gossip) announce(ctx context.Context, msg *RootUpdate) {
	data, err := Encode(msg)
	if err != nil {
		slog.Error("failed to encode root update", "stream", msg.Stream.String(), "error", err)
		return
	}
	if err := g.net.Publish(ctx, g.cfg.Topic, data); err != nil && !errors.Is(err, pubsub.ErrNoPeers) {
		slog.Warn("root update publish failed", "stream", msg.Stream.String(), "error", err)
	}
}

// collectBlocks resolves links in order until the byte budget is reached. Blocks
// that are not available locally are skipped.
func (g *Gossip) collectBlocks(ctx context.Context, links []tree.Link) []tree.Block {
	var (
		size   int
		blocks []tree.Block
	)
	for _, link := range links {
		data, err := g.blocks.GetBlock(ctx, link)
		if err != nil {
			slog.Debug("block not available for broadcast", "cid", link.String(), "error", err)
			continue
		}
		if size+len(data) > g.cfg.MaxBroadcastBytes {
			break
		}
		size += len(data)
		blocks = append(blocks, tree.Block{Link: link, Data: data})
	}
	return blocks
}

// RootMapProvider returns the current root map and the current Lamport time.
type RootMapProvider func() (streams.RootMap, types.LamportTimestamp)

// PublishRootMap periodically publishes the node's view of the swarm until ctx is done.
func (g *Gossip) PublishRootMap(ctx context.Context, provider RootMapProvider, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}

		rm, lamport := provider()
		if len(rm) == 0 {
			continue
		}
		msg := &RootMap{Lamport: lamport, Time: time.Now()}
		for id, e := range rm {
			msg.Entries = append(msg.Entries, RootMapEntry{Stream: id, Root: e.Link, Lamport: e.Lamport, Offset: e.Offset})
		}
		sort.Slice(msg.Entries, func(i, j int) bool {
			return msg.Entries[i].Stream.Compare(msg.Entries[j].Stream) < 0
		})

		data, err := Encode(msg)
		if err != nil {
			slog.Error("failed to encode root map", "error", err)
			continue
		}
		if err := g.net.Publish(ctx, g.cfg.Topic, data); err != nil && !errors.Is(err, pubsub.ErrNoPeers) {
			slog.Warn("root map publish failed", "error", err)
			continue
		}
		slog.Debug("published root map", "entries", len(msg.Entries), "lamport", lamport)
	}
}

// Ingest subscribes to the gossip topic and applies every message to sink. The
// returned listener runs until ctx is cancelled or it is stopped.
func (g *Gossip) Ingest(ctx context.Context, sink Sink) (*listener.Listener[pubsub.Message], error) {
	msgs, err := g.net.Subscribe(ctx, g.cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", g.cfg.Topic, err)
	}
	l := listener.New("gossip-ingest", msgs, func(ctx context.Context, msg pubsub.Message) error {
		return g.handle(ctx, sink, msg)
	})
	l.Start(ctx)
	return l, nil
}

func (g *Gossip) handle(ctx context.Context, sink Sink, raw pubsub.Message) error {
	msg, err := Decode(raw.Data)
	if err != nil {
		slog.Debug("received invalid gossip message, skipping", "peer", raw.Peer, "error", err)
		return nil
	}

	switch m := msg.(type) {
	case *RootUpdate:
		g.ingestRootUpdate(ctx, sink, raw.Peer, m)
	case *RootMap:
		sink.ObserveLamport(m.Lamport)
		for _, e := range m.Entries {
			// the sender's clock bounds every event it has seen for the stream
			sink.UpdateHighestSeen(e.Stream, max(e.Lamport, m.Lamport), e.Offset)
			sink.UpdateRoot(e.Stream, e.Root, streams.RootSource{Peer: raw.Peer, Path: streams.RootPathRootMap})
		}
	}
	return nil
}

func (g *Gossip) ingestRootUpdate(ctx context.Context, sink Sink, peer string, u *RootUpdate) {
	slog.Debug("root update",
		"stream", u.Stream.String(),
		"root", u.Root.String(),
		"blocks", len(u.Blocks),
		"lamport", u.Lamport,
		"peer", peer)

	sink.ObserveLamport(u.Lamport)
	if u.Offset != nil {
		sink.UpdateHighestSeen(u.Stream, u.Lamport, *u.Offset)
	}

	path := streams.RootPathFast
	if len(u.Blocks) == 0 {
		path = streams.RootPathSlow
	}

	// the pin keeps gc away from the root until the carried blocks are committed
	pin := g.blocks.CreateTempPin()
	if err := g.blocks.AssignTempPin(pin, []tree.Link{u.Root}); err != nil {
		slog.Error("failed to assign temp pin", "root", u.Root.String(), "error", err)
	}
	valid := make([]tree.Block, 0, len(u.Blocks))
	for _, b := range u.Blocks {
		if !b.Link.Verify(b.Data) {
			slog.Warn("dropping block with mismatching hash", "cid", b.Link.String(), "peer", peer)
			continue
		}
		valid = append(valid, b)
	}
	if err := g.blocks.PutBlocks(ctx, valid); err != nil {
		slog.Error("failed to store gossiped blocks", "root", u.Root.String(), "error", err)
	}
	g.blocks.ReleaseTempPin(pin)

	sink.UpdateRoot(u.Stream, u.Root, streams.RootSource{Peer: peer, Path: path})
}
