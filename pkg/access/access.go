package access

import (
	"context"

	"swarmlog/pkg/types"
)

// EventOrHeartbeat is an item of a single stream's forward read.
type EventOrHeartbeat struct {
	Event       types.Event
	Heartbeat   types.StreamHeartbeat
	IsHeartbeat bool
}

func EventItem(ev types.Event) EventOrHeartbeat {
	return EventOrHeartbeat{Event: ev}
}

func HeartbeatItem(hb types.StreamHeartbeat) EventOrHeartbeat {
	return EventOrHeartbeat{Heartbeat: hb, IsHeartbeat: true}
}

func (e EventOrHeartbeat) Offset() types.Offset {
	if e.IsHeartbeat {
		return e.Heartbeat.Offset
	}
	return e.Event.Key.Offset
}

// ConsumerAccess is the per stream view of the store the merges are built on.
// Returned channels are closed when their stream ends or ctx is done.
type ConsumerAccess interface {
	LocalStreamIDs() StreamSet
	// StreamIDs lists the streams known now.
	StreamIDs() []types.StreamID
	// StreamKnownStreams yields every stream id known now and in the future, once each.
	StreamKnownStreams(ctx context.Context) <-chan types.StreamID
	// StreamForward yields matching events of one stream in offset order. Non
	// matching events and the catch-up point are reported as heartbeats. With
	// mustExist an unknown stream is an UnknownStreamError.
	StreamForward(ctx context.Context, sel StreamEventSelection, mustExist bool) (<-chan EventOrHeartbeat, error)
	// StreamBackward yields matching events of one stream in descending offset
	// order, bounded by the data present at call time.
	StreamBackward(ctx context.Context, sel StreamEventSelection) (<-chan types.Event, error)
	// StreamLastSeen yields heartbeats with strictly increasing Lamport.
	StreamLastSeen(ctx context.Context, id types.StreamID) <-chan types.StreamHeartbeat
}
