// Package store is the event store of a node: own streams written locally and
// streams replicated from peers, exposed through the access layer.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"swarmlog/pkg/blockstore"
	"swarmlog/pkg/clock"
	"swarmlog/pkg/gossip"
	"swarmlog/pkg/listener"
	"swarmlog/pkg/pubsub"
	"swarmlog/pkg/streams"
	"swarmlog/pkg/tree"
	"swarmlog/pkg/types"
	"swarmlog/pkg/variable"
)

type Config struct {
	Gossip       gossip.Config `yaml:"gossip"`
	GCInterval   time.Duration `yaml:"gc_interval"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Gossip:       gossip.DefaultConfig(),
		GCInterval:   5 * time.Minute,
		FetchTimeout: 30 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.Gossip.Topic == "" {
		return fmt.Errorf("%w: gossip topic is empty", ErrInvalidConfig)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("%w: fetch timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// BlockStore is the persistent side of the store.
type BlockStore interface {
	gossip.BlockStore
	SetAlias(ctx context.Context, name []byte, link tree.Link) error
	Aliases(ctx context.Context) (map[string]tree.Link, error)
	GC(ctx context.Context) (int, error)
}

type iTimeProvider interface {
	Now() time.Time
}

type systemTime struct{}

func (systemTime) Now() time.Time { return time.Now() }

type Store struct {
	cfg    Config
	node   types.NodeID
	tp     iTimeProvider
	blocks BlockStore
	net    pubsub.PubSub
	forest *tree.Forest
	maps   *streams.Maps
	gossip *gossip.Gossip

	clock   *clock.LamportClock
	lamport *variable.Variable[types.LamportTimestamp]

	validators *skipmap.FuncMap[types.StreamID, struct{}]

	// held for reading while new blocks are not yet reachable from an alias, for writing by gc
	writeMu sync.RWMutex

	collector *Collector

	ctx       context.Context
	wg        sync.WaitGroup
	jobs      []listener.Job
	close     func()
	closeOnce sync.Once
}

// New restores the streams persisted in blocks, joins the gossip topic on net
// and starts the background loops. Close stops them.
func New(cfg Config, node types.NodeID, blocks BlockStore, net pubsub.PubSub) (*Store, error) {
	return newStore(cfg, node, blocks, net, systemTime{})
}

func newStore(cfg Config, node types.NodeID, blocks BlockStore, net pubsub.PubSub, tp iTimeProvider) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		cfg:     cfg,
		node:    node,
		tp:      tp,
		blocks:  blocks,
		net:     net,
		forest:  tree.NewForest(blocks),
		maps:    streams.NewMaps(),
		clock:   clock.NewLamport(0),
		lamport: variable.New[types.LamportTimestamp](0),
		validators: skipmap.NewFunc[types.StreamID, struct{}](func(a, b types.StreamID) bool {
			return a.Compare(b) < 0
		}),
		ctx: ctx,
	}

	if err := s.restore(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("restore streams: %w", err)
	}

	s.gossip = gossip.New(cfg.Gossip, node, blocks, net)
	ingest, err := s.gossip.Ingest(ctx, s)
	if err != nil {
		cancel()
		s.gossip.Close()
		return nil, err
	}

	if cfg.Gossip.RootMapInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.gossip.PublishRootMap(ctx, s.rootMap, cfg.Gossip.RootMapInterval)
		}()
	}

	s.collector = NewCollector(blocks, &s.writeMu, cfg.GCInterval)
	s.collector.Start(ctx)
	s.jobs = []listener.Job{ingest, s.collector}

	s.close = func() {
		cancel()
		for _, job := range s.jobs {
			job.Stop()
		}
		s.gossip.Close()
		s.wg.Wait()
	}
	return s, nil
}

func (s *Store) Close() {
	s.closeOnce.Do(s.close)
}

// GC removes unreachable blocks right away.
func (s *Store) GC(ctx context.Context) (int, error) {
	return s.collector.Collect(ctx)
}

func (s *Store) NodeID() types.NodeID {
	return s.node
}

func (s *Store) Lamport() types.LamportTimestamp {
	return s.clock.Val()
}

// restore loads every stream whose root was persisted as an alias.
func (s *Store) restore(ctx context.Context) error {
	aliases, err := s.blocks.Aliases(ctx)
	if err != nil {
		return err
	}
	for name, root := range aliases {
		alias, err := streams.ParseStreamAlias([]byte(name))
		if err != nil {
			continue
		}
		id := alias.StreamID()
		t, err := s.forest.Load(ctx, tree.Tree{}, root)
		if err != nil {
			slog.Error("failed to load persisted stream", "stream", id.String(), "root", root.String(), "error", err)
			continue
		}

		if id.Node == s.node {
			s.maps.RestoreOwnStream(s.node, id.Nr, t)
		} else {
			rs := s.replicated(id)
			rs.SetValidated(t)
		}
		s.clock.Observe(t.LastLamport())
		s.advanceLamport()
		slog.Info("restored stream", "stream", id.String(), "events", t.Count())
	}
	return nil
}

// replicated returns the replicated stream id and makes sure it is being validated.
func (s *Store) replicated(id types.StreamID) *streams.ReplicatedStream {
	rs, _ := s.maps.ReplicatedStream(id, true)
	if s.ctx.Err() != nil {
		return rs
	}
	if _, loaded := s.validators.LoadOrStore(id, struct{}{}); !loaded {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.validate(s.ctx, rs)
		}()
	}
	return rs
}

func (s *Store) rootMap() (streams.RootMap, types.LamportTimestamp) {
	return s.maps.RootMap(s.node), s.clock.Val()
}

// RootMap returns the root of every non-empty stream known to the node.
func (s *Store) RootMap() streams.RootMap {
	return s.maps.RootMap(s.node)
}

// Present returns the highest offset available locally for every non-empty stream.
func (s *Store) Present() map[types.StreamID]types.Offset {
	rm := s.maps.RootMap(s.node)
	present := make(map[types.StreamID]types.Offset, len(rm))
	for id, e := range rm {
		present[id] = e.Offset
	}
	return present
}

// StreamIDs lists own streams followed by replicated ones.
func (s *Store) StreamIDs() []types.StreamID {
	return s.maps.CurrentStreamIDs(s.node)
}

func (s *Store) advanceLamport() {
	cur := s.clock.Val()
	s.lamport.Transform(func(v *types.LamportTimestamp) bool {
		if cur <= *v {
			return false
		}
		*v = cur
		return true
	})
}

// ObserveLamport merges a Lamport timestamp received from a peer into the node clock.
func (s *Store) ObserveLamport(lamport types.LamportTimestamp) {
	s.clock.Receive(lamport)
	s.advanceLamport()
}

// UpdateHighestSeen records that a peer announced stream up to (lamport, offset).
func (s *Store) UpdateHighestSeen(id types.StreamID, lamport types.LamportTimestamp, offset types.Offset) {
	if id.Node == s.node {
		return
	}
	s.replicated(id).UpdateLatestSeen(lamport, offset)
	s.maps.GetOrCreateRemoteNode(id.Node).Observe(lamport, s.tp.Now())
}

// UpdateRoot hands a root announced by a peer to the validation of its stream.
// Roots of own streams are ignored.
func (s *Store) UpdateRoot(id types.StreamID, root tree.Link, source streams.RootSource) {
	if id.Node == s.node {
		return
	}
	if s.replicated(id).SetIncoming(root, source) {
		slog.Debug("incoming root", "stream", id.String(), "root", root.String(), "path", source.Path.String(), "peer", source.Peer)
	}
}

var _ gossip.Sink = (*Store)(nil)

var _ BlockStore = (*blockstore.Store)(nil)
