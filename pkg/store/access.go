package store

import (
	"context"
	"errors"
	"log/slog"

	"swarmlog/pkg/access"
	"swarmlog/pkg/tree"
	"swarmlog/pkg/types"
	"swarmlog/pkg/variable"
)

var _ access.ConsumerAccess = (*Store)(nil)

var errStopIteration = errors.New("stop iteration")

func (s *Store) LocalStreamIDs() access.StreamSet {
	nrs := s.maps.OwnStreamNrs()
	set := make(access.StreamSet, len(nrs))
	for _, nr := range nrs {
		set[s.node.Stream(nr)] = struct{}{}
	}
	return set
}

func (s *Store) StreamKnownStreams(ctx context.Context) <-chan types.StreamID {
	return s.maps.StreamKnownStreams(ctx, s.node)
}

// trees returns the variable holding the readable tree of id. Unknown remote
// streams are created when create is set so that they pick up future roots.
func (s *Store) trees(id types.StreamID, create bool) (*variable.Variable[tree.Tree], bool) {
	if id.Node == s.node {
		own, ok := s.maps.OwnStream(s.node, id.Nr, false)
		if !ok {
			return nil, false
		}
		return own.Tree(), true
	}
	if create {
		return s.replicated(id).Validated(), true
	}
	rs, ok := s.maps.ReplicatedStream(id, false)
	if !ok {
		return nil, false
	}
	return rs.Validated(), true
}

func closedChan[T any]() <-chan T {
	ch := make(chan T)
	close(ch)
	return ch
}

// StreamForward reads the selected range of one stream and follows the stream
// as it grows until the upper bound is reached. After each catch-up a
// heartbeat for the last event read is emitted.
func (s *Store) StreamForward(ctx context.Context, sel access.StreamEventSelection, mustExist bool) (<-chan access.EventOrHeartbeat, error) {
	if sel.IsEmpty() {
		return closedChan[access.EventOrHeartbeat](), nil
	}
	trees, ok := s.trees(sel.Stream, !mustExist)
	if !ok {
		if mustExist {
			return nil, &access.UnknownStreamError{Stream: sel.Stream}
		}
		return closedChan[access.EventOrHeartbeat](), nil
	}

	out := make(chan access.EventOrHeartbeat)
	go func() {
		defer close(out)
		send := func(e access.EventOrHeartbeat) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- e:
				return nil
			}
		}

		read := sel.FromExclusive
		for t := range trees.Observe(ctx) {
			last, ok := t.LastOffset()
			if !ok {
				continue
			}
			hi := min(last.OrMin(), sel.ToInclusive)
			if hi <= read {
				continue
			}

			var lastEvent types.Event
			err := s.forest.ForEach(ctx, t, sel.Stream, read, hi, false, func(ev types.Event) error {
				lastEvent = ev
				if !sel.Matches(ev.Tags) {
					return nil
				}
				return send(access.EventItem(ev))
			})
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("failed to read stream", "stream", sel.Stream.String(), "error", err)
				}
				return
			}
			if send(access.HeartbeatItem(types.HeartbeatFromEvent(lastEvent))) != nil {
				return
			}

			read = hi
			if read >= sel.ToInclusive {
				return
			}
		}
	}()
	return out, nil
}

// StreamBackward reads the selected range of one stream in descending order.
// The range ends at the data present when it is called.
func (s *Store) StreamBackward(ctx context.Context, sel access.StreamEventSelection) (<-chan types.Event, error) {
	trees, ok := s.trees(sel.Stream, false)
	if !ok {
		return nil, &access.UnknownStreamError{Stream: sel.Stream}
	}
	t := trees.Get()
	last, ok := t.LastOffset()
	if !ok || sel.IsEmpty() {
		return closedChan[types.Event](), nil
	}
	hi := min(last.OrMin(), sel.ToInclusive)

	out := make(chan types.Event)
	go func() {
		defer close(out)
		err := s.forest.ForEach(ctx, t, sel.Stream, sel.FromExclusive, hi, true, func(ev types.Event) error {
			if !sel.Matches(ev.Tags) {
				return nil
			}
			select {
			case <-ctx.Done():
				return errStopIteration
			case out <- ev:
				return nil
			}
		})
		if err != nil && !errors.Is(err, errStopIteration) {
			slog.Error("failed to read stream backwards", "stream", sel.Stream.String(), "error", err)
		}
	}()
	return out, nil
}

// StreamLastSeen reports progress of a stream beyond what has been read. For
// own streams this is the node clock at the current end of the stream, for
// replicated streams the newest (lamport, offset) announced by peers.
func (s *Store) StreamLastSeen(ctx context.Context, id types.StreamID) <-chan types.StreamHeartbeat {
	out := make(chan types.StreamHeartbeat)
	go func() {
		defer close(out)
		var sent types.LamportTimestamp
		emit := func(hb types.StreamHeartbeat) bool {
			if hb.Lamport <= sent {
				return true
			}
			select {
			case <-ctx.Done():
				return false
			case out <- hb:
				sent = hb.Lamport
				return true
			}
		}

		if id.Node == s.node {
			for lamport := range s.lamport.Observe(ctx) {
				own, ok := s.maps.OwnStream(s.node, id.Nr, false)
				if !ok {
					continue
				}
				last, ok := own.Tree().Get().LastOffset()
				if !ok {
					continue
				}
				if !emit(types.StreamHeartbeat{Stream: id, Lamport: lamport, Offset: last}) {
					return
				}
			}
			return
		}

		for w := range s.replicated(id).LatestSeen().Observe(ctx) {
			if w == nil {
				continue
			}
			if !emit(types.StreamHeartbeat{Stream: id, Lamport: w.Lamport, Offset: w.Offset}) {
				return
			}
		}
	}()
	return out
}
