package store

import (
	"context"
	"fmt"
	"log/slog"

	"swarmlog/pkg/streams"
	"swarmlog/pkg/tree"
	"swarmlog/pkg/types"
)

// AppendEvent is an event handed to Append.
type AppendEvent struct {
	Tags    types.TagSet `json:"tags"`
	Payload []byte       `json:"payload"`
}

// Appended describes where an appended event was stored.
type Appended struct {
	Key       types.EventKey `json:"key"`
	Timestamp int64          `json:"timestamp"`
}

// Append writes events to own stream nr, creating the stream on first use. The
// events get consecutive Lamport timestamps and offsets. The new root is
// persisted before it is announced to peers.
func (s *Store) Append(ctx context.Context, nr types.StreamNr, events []AppendEvent) ([]Appended, error) {
	if len(events) == 0 {
		return nil, ErrEmptyAppend
	}
	if s.ctx.Err() != nil {
		return nil, ErrClosed
	}

	own, _ := s.maps.OwnStream(s.node, nr, true)
	guard, err := own.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer guard.Unlock()

	now := s.tp.Now()
	first := s.clock.Reserve(len(events))
	s.advanceLamport()

	data := make([]tree.EventData, len(events))
	for i, ev := range events {
		data[i] = tree.EventData{
			Lamport:   first + types.LamportTimestamp(i),
			Timestamp: now,
			Tags:      ev.Tags,
			Payload:   ev.Payload,
		}
	}

	base := guard.Tree()
	next, err := s.extend(ctx, nr, base, data)
	if err != nil {
		return nil, err
	}
	guard.Commit(next)

	root, _ := next.Root()
	last, _ := next.LastOffset()
	s.gossip.Publish(nr, root, next.Links(), next.LastLamport(), last)

	id := s.node.Stream(nr)
	out := make([]Appended, len(events))
	for i := range events {
		out[i] = Appended{
			Key: types.EventKey{
				Lamport: data[i].Lamport,
				Stream:  id,
				Offset:  types.Offset(base.Count()) + types.Offset(i),
			},
			Timestamp: now.UnixMicro(),
		}
	}
	slog.Debug("appended events", "stream", id.String(), "count", len(events), "root", root.String())
	return out, nil
}

// extend writes the new chunk and moves the stream alias to it while gc is held off.
func (s *Store) extend(ctx context.Context, nr types.StreamNr, base tree.Tree, data []tree.EventData) (tree.Tree, error) {
	s.writeMu.RLock()
	defer s.writeMu.RUnlock()

	next, _, err := s.forest.Extend(ctx, base, data)
	if err != nil {
		return tree.Tree{}, fmt.Errorf("extend stream %d: %w", nr, err)
	}
	root, _ := next.Root()
	alias := streams.AliasFromStreamID(s.node.Stream(nr))
	if err := s.blocks.SetAlias(ctx, alias.Bytes(), root); err != nil {
		return tree.Tree{}, fmt.Errorf("persist root of stream %d: %w", nr, err)
	}
	return next, nil
}
