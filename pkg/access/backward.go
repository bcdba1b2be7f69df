package access

import (
	"context"

	"swarmlog/pkg/types"
)

func backwardLess(a, b types.Event) bool {
	if a.Key.Lamport != b.Key.Lamport {
		return a.Key.Lamport > b.Key.Lamport
	}
	return a.Key.Stream.Compare(b.Key.Stream) > 0
}

// StreamEventsBackward delivers the selected events in descending (lamport,
// stream) order. Only selections with a finite set of streams are supported;
// anything else fails with an UnboundedStreamBackError before any event is read.
func StreamEventsBackward(ctx context.Context, acc ConsumerAccess, sel EventSelection) (<-chan types.Event, error) {
	local := acc.LocalStreamIDs()
	ids, ok := sel.BoundedNonEmptyStreams(local)
	if !ok {
		return nil, &UnboundedStreamBackError{Selection: sel}
	}

	ctx, cancel := context.WithCancel(ctx)
	sources := make([]<-chan types.Event, 0, len(ids))
	for _, id := range ids {
		src, err := acc.StreamBackward(ctx, sel.ForStream(id, local.Contains(id)))
		if err != nil {
			cancel()
			return nil, err
		}
		sources = append(sources, src)
	}

	merged := mergeOrdered(ctx, sources, nil, backwardLess)
	out := make(chan types.Event)
	go func() {
		defer cancel()
		defer close(out)
		for ev := range merged {
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}
	}()
	return out, nil
}
