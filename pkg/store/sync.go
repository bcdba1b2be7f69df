package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"swarmlog/pkg/blockstore"
	"swarmlog/pkg/streams"
	"swarmlog/pkg/tree"
)

// validate follows the incoming roots of rs. A newer root interrupts the sync
// of the previous one.
func (s *Store) validate(ctx context.Context, rs *streams.ReplicatedStream) {
	cancel := func() {}
	done := make(chan struct{})
	close(done)
	defer func() {
		cancel()
		<-done
	}()

	for in := range rs.Incoming().Observe(ctx) {
		if in == nil {
			continue
		}
		cancel()
		<-done

		syncCtx, syncCancel := context.WithCancel(ctx)
		cancel, done = syncCancel, make(chan struct{})
		go s.syncIncoming(syncCtx, syncCancel, done, rs, *in)
	}
}

func (s *Store) syncIncoming(ctx context.Context, cancel context.CancelFunc, done chan<- struct{}, rs *streams.ReplicatedStream, root streams.IncomingRoot) {
	defer close(done)
	defer cancel()

	err := s.syncOne(ctx, rs, root.Link)
	switch {
	case err == nil:
		rs.Downgrade(root.Link, false)
	case ctx.Err() != nil:
	default:
		rs.Downgrade(root.Link, true)
		slog.Warn("failed to sync stream",
			"stream", rs.ID().String(),
			"root", root.Link.String(),
			"peer", root.Source.Peer,
			"error", err)
	}
}

// syncOne makes root the validated tree of rs once all of its blocks are
// present locally and the tree is newer than the current one.
func (s *Store) syncOne(ctx context.Context, rs *streams.ReplicatedStream, root tree.Link) error {
	id := rs.ID()
	validated := rs.Validated().Get()

	pin := s.blocks.CreateTempPin()
	defer s.blocks.ReleaseTempPin(pin)
	if err := s.blocks.AssignTempPin(pin, []tree.Link{root}); err != nil {
		return err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	if err := s.fetchMissing(fetchCtx, validated, root); err != nil {
		return err
	}

	t, err := s.forest.Load(ctx, validated, root)
	if err != nil {
		return fmt.Errorf("load %s: %w", root, err)
	}
	if !validated.IsEmpty() && t.LastLamport() <= validated.LastLamport() {
		return fmt.Errorf("%w: %s", ErrStaleRoot, root)
	}
	last, _ := t.LastOffset()
	rs.UpdateLatestSeen(t.LastLamport(), last)

	if err := s.persistRoot(ctx, rs, root); err != nil {
		return err
	}
	s.ObserveLamport(t.LastLamport())
	if rs.SetValidated(t) {
		slog.Debug("stream validated", "stream", id.String(), "root", root.String(), "events", t.Count())
	}
	return nil
}

func (s *Store) persistRoot(ctx context.Context, rs *streams.ReplicatedStream, root tree.Link) error {
	s.writeMu.RLock()
	defer s.writeMu.RUnlock()
	if err := s.blocks.SetAlias(ctx, streams.AliasFromStreamID(rs.ID()).Bytes(), root); err != nil {
		return fmt.Errorf("persist root: %w", err)
	}
	return nil
}

// fetchMissing walks the chunk chain from root until it reaches a chunk of
// base, fetching every block that is not stored locally from peers.
func (s *Store) fetchMissing(ctx context.Context, base tree.Tree, root tree.Link) error {
	known := make(map[tree.Link]struct{})
	for _, l := range base.Links() {
		known[l] = struct{}{}
	}

	cursor := root
	for !cursor.IsZero() {
		if _, ok := known[cursor]; ok {
			return nil
		}
		data, err := s.blocks.GetBlock(ctx, cursor)
		if errors.Is(err, blockstore.ErrNotFound) {
			data, err = s.net.Fetch(ctx, cursor)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", cursor, err)
			}
			if err := s.blocks.PutBlocks(ctx, []tree.Block{{Link: cursor, Data: data}}); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		links, err := tree.BlockLinks(data)
		if err != nil {
			return fmt.Errorf("block %s: %w", cursor, err)
		}
		cursor = tree.Link{}
		if len(links) > 0 {
			cursor = links[0]
		}
	}
	return nil
}
