package access

import (
	"context"
	"log/slog"

	"swarmlog/pkg/types"
)

type forwardKind uint8

const (
	forwardEnvelope forwardKind = iota
	forwardPresent
	forwardTick
)

type forwardItem struct {
	kind forwardKind
	ev   types.Event
	hb   types.StreamHeartbeat
}

func (f forwardItem) key() (types.LamportTimestamp, types.StreamID) {
	switch f.kind {
	case forwardEnvelope:
		return f.ev.Key.Lamport, f.ev.Key.Stream
	default:
		return f.hb.Lamport, f.hb.Stream
	}
}

func forwardLess(a, b forwardItem) bool {
	al, as := a.key()
	bl, bs := b.key()
	if al != bl {
		return al < bl
	}
	return as.Compare(bs) < 0
}

// forwardSource reads one stream for the ordered merge. Events pass through;
// a heartbeat newer than the last item passed is released as a tick so that
// the merge can make progress past a quiet stream.
func forwardSource(ctx context.Context, acc ConsumerAccess, sel StreamEventSelection, mustExist bool) (<-chan forwardItem, error) {
	events, err := acc.StreamForward(ctx, sel, mustExist)
	if err != nil {
		return nil, err
	}
	lastSeen := acc.StreamLastSeen(ctx, sel.Stream)

	out := make(chan forwardItem)
	go func() {
		defer close(out)

		var (
			lastEvent *types.StreamHeartbeat
			lastHB    *types.StreamHeartbeat
		)
		send := func(it forwardItem) bool {
			select {
			case <-ctx.Done():
				return false
			case out <- it:
				return true
			}
		}

		for {
			var it forwardItem
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.IsHeartbeat {
					it = forwardItem{kind: forwardPresent, hb: e.Heartbeat}
				} else {
					it = forwardItem{kind: forwardEnvelope, ev: e.Event}
				}
			case hb, ok := <-lastSeen:
				if !ok {
					lastSeen = nil
					continue
				}
				it = forwardItem{kind: forwardTick, hb: hb}
			}

			switch it.kind {
			case forwardEnvelope:
				hb := types.HeartbeatFromEvent(it.ev)
				lastEvent = &hb
				if !send(it) {
					return
				}
			case forwardPresent:
				hb := it.hb
				lastEvent = &hb
				if !send(it) {
					return
				}
			case forwardTick:
				if lastHB == nil || it.hb.Lamport > lastHB.Lamport {
					hb := it.hb
					lastHB = &hb
				}
			}

			if lastEvent != nil && lastHB != nil && lastHB.After(*lastEvent) {
				if !send(forwardItem{kind: forwardTick, hb: *lastHB}) {
					return
				}
				lastHB = nil
			}
		}
	}()
	return out, nil
}

// StreamEventsForward delivers the selected events in ascending (lamport,
// stream) order. A bounded selection completes once all its streams reached
// their upper bound. Otherwise every stream known at the call is merged from
// the start, streams discovered later join the merge and the result stays open
// until ctx is done.
func StreamEventsForward(ctx context.Context, acc ConsumerAccess, sel EventSelection) (<-chan types.Event, error) {
	local := acc.LocalStreamIDs()
	ctx, cancel := context.WithCancel(ctx)

	openSources := func(ids []types.StreamID, mustExist bool) ([]<-chan forwardItem, error) {
		sources := make([]<-chan forwardItem, 0, len(ids))
		for _, id := range ids {
			src, err := forwardSource(ctx, acc, sel.ForStream(id, local.Contains(id)), mustExist)
			if err != nil {
				return nil, err
			}
			sources = append(sources, src)
		}
		return sources, nil
	}

	if ids, ok := sel.BoundedNonEmptyStreams(local); ok {
		sources, err := openSources(ids, true)
		if err != nil {
			cancel()
			return nil, err
		}
		return envelopes(ctx, cancel, mergeOrdered(ctx, sources, nil, forwardLess)), nil
	}

	// streams known at the start join before anything is emitted, only streams
	// created later can have events ordered before the merge position
	mentioned := sel.MentionedStreams(local)
	sources, err := openSources(mentioned, true)
	if err != nil {
		cancel()
		return nil, err
	}
	initial := NewStreamSet(mentioned...)
	var known []types.StreamID
	for _, id := range acc.StreamIDs() {
		if !initial.Contains(id) {
			initial[id] = struct{}{}
			known = append(known, id)
		}
	}
	more, err := openSources(known, false)
	if err != nil {
		cancel()
		return nil, err
	}
	sources = append(sources, more...)

	late := make(chan (<-chan forwardItem))
	go func() {
		defer close(late)
		for id := range acc.StreamKnownStreams(ctx) {
			if initial.Contains(id) {
				continue
			}
			src, err := forwardSource(ctx, acc, sel.ForStream(id, local.Contains(id)), false)
			if err != nil {
				slog.Warn("failed to open stream", "stream", id, "error", err)
				continue
			}
			select {
			case <-ctx.Done():
				return
			case late <- src:
			}
		}
	}()
	return envelopes(ctx, cancel, mergeOrdered(ctx, sources, late, forwardLess)), nil
}

func envelopes(ctx context.Context, cancel context.CancelFunc, merged <-chan forwardItem) <-chan types.Event {
	out := make(chan types.Event)
	go func() {
		defer cancel()
		defer close(out)
		for it := range merged {
			if it.kind != forwardEnvelope {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- it.ev:
			}
		}
	}()
	return out
}
