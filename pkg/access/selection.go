package access

import (
	"swarmlog/pkg/types"
)

// TagSubscription matches events carrying all of Tags. Local restricts it to
// streams of this node.
type TagSubscription struct {
	Tags  types.TagSet `json:"tags"`
	Local bool         `json:"local"`
}

// TagSubscriptions is a disjunction of subscriptions.
type TagSubscriptions []TagSubscription

// AllTags matches every event.
func AllTags() TagSubscriptions {
	return TagSubscriptions{{Tags: types.TagSet{}}}
}

func (s TagSubscriptions) OnlyLocal() bool {
	if len(s) == 0 {
		return false
	}
	for _, sub := range s {
		if !sub.Local {
			return false
		}
	}
	return true
}

// TagSets returns the subscriptions applicable to a stream.
func (s TagSubscriptions) TagSets(isLocal bool) []types.TagSet {
	sets := make([]types.TagSet, 0, len(s))
	for _, sub := range s {
		if isLocal || !sub.Local {
			sets = append(sets, sub.Tags)
		}
	}
	return sets
}

// MatchesAny reports whether one of sets is a subset of tags.
func MatchesAny(sets []types.TagSet, tags types.TagSet) bool {
	for _, set := range sets {
		if set.IsSubset(tags) {
			return true
		}
	}
	return false
}

// StreamSet is a set of stream ids.
type StreamSet map[types.StreamID]struct{}

func NewStreamSet(ids ...types.StreamID) StreamSet {
	s := make(StreamSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s StreamSet) Contains(id types.StreamID) bool {
	_, ok := s[id]
	return ok
}

func (s StreamSet) Sorted() []types.StreamID {
	ids := make([]types.StreamID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	types.SortStreamIDs(ids)
	return ids
}

// OffsetMapOrMax assigns an offset bound to every stream. Streams without an
// entry get Default.
type OffsetMapOrMax struct {
	Default types.OffsetOrMin                    `json:"default"`
	Entries map[types.StreamID]types.OffsetOrMin `json:"entries,omitempty"`
}

func MinOffsets() OffsetMapOrMax {
	return OffsetMapOrMax{Default: types.MinOffsetOrMin}
}

func MaxOffsets() OffsetMapOrMax {
	return OffsetMapOrMax{Default: types.MaxOffsetOrMin}
}

// OffsetsFrom builds a map with the given entries where all other streams are at min.
func OffsetsFrom(entries map[types.StreamID]types.Offset) OffsetMapOrMax {
	m := OffsetMapOrMax{Default: types.MinOffsetOrMin, Entries: make(map[types.StreamID]types.OffsetOrMin, len(entries))}
	for id, off := range entries {
		m.Entries[id] = off.OrMin()
	}
	return m
}

func (m OffsetMapOrMax) Offset(id types.StreamID) types.OffsetOrMin {
	if off, ok := m.Entries[id]; ok {
		return off
	}
	return m.Default
}

func (m OffsetMapOrMax) Streams() []types.StreamID {
	ids := make([]types.StreamID, 0, len(m.Entries))
	for id := range m.Entries {
		ids = append(ids, id)
	}
	types.SortStreamIDs(ids)
	return ids
}

// EventSelection selects events by tags and by per stream offset ranges
// (From exclusive, To inclusive). Both parts must match.
type EventSelection struct {
	Tags TagSubscriptions `json:"tags"`
	From OffsetMapOrMax   `json:"from"`
	To   OffsetMapOrMax   `json:"to"`
}

// Upto selects everything up to and including to, normally the present.
func Upto(tags TagSubscriptions, to OffsetMapOrMax) EventSelection {
	return EventSelection{Tags: tags, From: MinOffsets(), To: to}
}

// After selects everything after from, including future events.
func After(tags TagSubscriptions, from OffsetMapOrMax) EventSelection {
	return EventSelection{Tags: tags, From: from, To: MaxOffsets()}
}

func (s EventSelection) Matches(ev types.Event, isLocal bool) bool {
	off := ev.Key.Offset.OrMin()
	return MatchesAny(s.Tags.TagSets(isLocal), ev.Tags) &&
		s.From.Offset(ev.Key.Stream) < off &&
		s.To.Offset(ev.Key.Stream) >= off
}

// MentionedStreams returns the streams named by the offset maps, plus the local
// streams when a subscription is local, keeping only those with a non-empty range.
func (s EventSelection) MentionedStreams(local StreamSet) []types.StreamID {
	set := make(StreamSet)
	for id := range s.From.Entries {
		set[id] = struct{}{}
	}
	for id := range s.To.Entries {
		set[id] = struct{}{}
	}
	for _, sub := range s.Tags {
		if sub.Local {
			for id := range local {
				set[id] = struct{}{}
			}
			break
		}
	}

	ids := set.Sorted()
	out := ids[:0]
	for _, id := range ids {
		if s.From.Offset(id) < s.To.Offset(id) {
			out = append(out, id)
		}
	}
	return out
}

// IsBounded reports whether only a finite set of streams can have events in range.
func (s EventSelection) IsBounded() bool {
	return s.From.Default >= s.To.Default
}

// BoundedNonEmptyStreams returns the finite set of streams the selection can
// deliver from, or false if that set is open.
func (s EventSelection) BoundedNonEmptyStreams(local StreamSet) ([]types.StreamID, bool) {
	switch {
	case s.Tags.OnlyLocal():
		return local.Sorted(), true
	case s.IsBounded():
		return s.MentionedStreams(local), true
	default:
		return nil, false
	}
}

func (s EventSelection) ForStream(id types.StreamID, isLocal bool) StreamEventSelection {
	return StreamEventSelection{
		Stream:        id,
		FromExclusive: s.From.Offset(id),
		ToInclusive:   s.To.Offset(id),
		Tags:          s.Tags.TagSets(isLocal),
	}
}

// StreamEventSelection is the part of a selection concerning one stream.
type StreamEventSelection struct {
	Stream        types.StreamID
	FromExclusive types.OffsetOrMin
	ToInclusive   types.OffsetOrMin
	Tags          []types.TagSet
}

func (s StreamEventSelection) IsEmpty() bool {
	return s.FromExclusive >= s.ToInclusive
}

func (s StreamEventSelection) Matches(tags types.TagSet) bool {
	return MatchesAny(s.Tags, tags)
}
