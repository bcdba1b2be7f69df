package access

import (
	"context"
	"log/slog"

	"swarmlog/pkg/types"
)

type unorderedItem struct {
	ev     types.Event
	stream types.StreamID
	stop   bool
}

// unorderedSource yields the matching events of one stream followed by a stop marker.
func unorderedSource(ctx context.Context, acc ConsumerAccess, sel StreamEventSelection) (<-chan unorderedItem, error) {
	events, err := acc.StreamForward(ctx, sel, false)
	if err != nil {
		return nil, err
	}
	out := make(chan unorderedItem)
	go func() {
		defer close(out)
		for e := range events {
			if e.IsHeartbeat {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- unorderedItem{ev: e.Event, stream: sel.Stream}:
			}
		}
		select {
		case <-ctx.Done():
		case out <- unorderedItem{stream: sel.Stream, stop: true}:
		}
	}()
	return out, nil
}

// StreamEventsSourceOrdered delivers the selected events in offset order per
// stream without any order between streams. A bounded selection completes
// once each of its streams is exhausted, and at once if there are none.
// Otherwise all known streams are read until ctx is done.
func StreamEventsSourceOrdered(ctx context.Context, acc ConsumerAccess, sel EventSelection) (<-chan types.Event, error) {
	local := acc.LocalStreamIDs()
	ctx, cancel := context.WithCancel(ctx)

	explicit, bounded := sel.BoundedNonEmptyStreams(local)
	if bounded && len(explicit) == 0 {
		cancel()
		out := make(chan types.Event)
		close(out)
		return out, nil
	}
	wanted := NewStreamSet(explicit...)
	remaining := NewStreamSet(explicit...)
	onlyLocal := sel.Tags.OnlyLocal()

	sources := make(chan (<-chan unorderedItem))
	go func() {
		defer close(sources)
		for id := range acc.StreamKnownStreams(ctx) {
			if bounded && !wanted.Contains(id) {
				continue
			}
			if onlyLocal && !local.Contains(id) {
				continue
			}
			src, err := unorderedSource(ctx, acc, sel.ForStream(id, local.Contains(id)))
			if err != nil {
				slog.Warn("failed to open stream", "stream", id, "error", err)
				continue
			}
			select {
			case <-ctx.Done():
				return
			case sources <- src:
			}
		}
	}()

	merged := mergeUnordered(ctx, sources)
	out := make(chan types.Event)
	go func() {
		defer cancel()
		defer close(out)
		for it := range merged {
			if it.stop {
				if bounded {
					delete(remaining, it.stream)
					if len(remaining) == 0 {
						return
					}
				}
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- it.ev:
			}
		}
	}()
	return out, nil
}
