package types

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidNodeID   = errors.New("invalid node id")
	ErrInvalidStreamID = errors.New("invalid stream id")
)

// NodeID is the 32 byte public key derived identity of a node.
type NodeID [32]byte

func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != len(id) {
		return id, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidNodeID, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func ParseNodeID(s string) (NodeID, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("%w: %v", ErrInvalidNodeID, err)
	}
	return NodeIDFromBytes(b)
}

func (n NodeID) String() string {
	return base64.RawURLEncoding.EncodeToString(n[:])
}

func (n NodeID) Compare(other NodeID) int {
	return bytes.Compare(n[:], other[:])
}

// Stream returns the id of the stream with the given number owned by this node.
func (n NodeID) Stream(nr StreamNr) StreamID {
	return StreamID{Node: n, Nr: nr}
}

// StreamNr scopes streams within a node.
type StreamNr uint64

// StreamID is the total identity of a log.
type StreamID struct {
	Node NodeID
	Nr   StreamNr
}

func (s StreamID) String() string {
	return s.Node.String() + "-" + strconv.FormatUint(uint64(s.Nr), 10)
}

func (s StreamID) Compare(other StreamID) int {
	if c := s.Node.Compare(other.Node); c != 0 {
		return c
	}
	switch {
	case s.Nr < other.Nr:
		return -1
	case s.Nr > other.Nr:
		return 1
	}
	return 0
}

func ParseStreamID(s string) (StreamID, error) {
	idx := strings.LastIndexByte(s, '-')
	if idx <= 0 || idx == len(s)-1 {
		return StreamID{}, fmt.Errorf("%w: %q", ErrInvalidStreamID, s)
	}
	node, err := ParseNodeID(s[:idx])
	if err != nil {
		return StreamID{}, fmt.Errorf("%w: %q: %v", ErrInvalidStreamID, s, err)
	}
	nr, err := strconv.ParseUint(s[idx+1:], 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("%w: %q: %v", ErrInvalidStreamID, s, err)
	}
	return node.Stream(StreamNr(nr)), nil
}

func (s StreamID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *StreamID) UnmarshalText(b []byte) error {
	id, err := ParseStreamID(string(b))
	if err != nil {
		return err
	}
	*s = id
	return nil
}

// SortStreamIDs sorts ids in their total order.
func SortStreamIDs(ids []StreamID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
}

// LamportTimestamp is the logical clock value assigned to events.
type LamportTimestamp uint64

// Offset is the zero based position of an event within one stream.
type Offset uint64

// OffsetOrMin extends Offset with a value below zero, used for exclusive lower bounds
// and for "nothing yet".
type OffsetOrMin int64

const (
	MinOffsetOrMin OffsetOrMin = -1
	MaxOffsetOrMin OffsetOrMin = math.MaxInt64
)

func (o Offset) OrMin() OffsetOrMin {
	return OffsetOrMin(o)
}

// Offset returns the offset and false if o is the minimum.
func (o OffsetOrMin) Offset() (Offset, bool) {
	if o < 0 {
		return 0, false
	}
	return Offset(o), true
}

// EventKey orders events primarily by Lamport and secondarily by stream.
type EventKey struct {
	Lamport LamportTimestamp `json:"lamport"`
	Stream  StreamID         `json:"stream"`
	Offset  Offset           `json:"offset"`
}

func (k EventKey) Compare(other EventKey) int {
	switch {
	case k.Lamport < other.Lamport:
		return -1
	case k.Lamport > other.Lamport:
		return 1
	}
	if c := k.Stream.Compare(other.Stream); c != 0 {
		return c
	}
	switch {
	case k.Offset < other.Offset:
		return -1
	case k.Offset > other.Offset:
		return 1
	}
	return 0
}

// TagSet is a sorted set of tags.
type TagSet []string

func NewTagSet(tags ...string) TagSet {
	set := make(TagSet, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		set = append(set, t)
	}
	sort.Strings(set)
	return set
}

// IsSubset reports whether every tag of s is contained in other.
func (s TagSet) IsSubset(other TagSet) bool {
	for _, t := range s {
		idx := sort.SearchStrings(other, t)
		if idx == len(other) || other[idx] != t {
			return false
		}
	}
	return true
}

// Event is a single entry of a stream.
type Event struct {
	Key       EventKey  `json:"key"`
	Tags      TagSet    `json:"tags"`
	Timestamp time.Time `json:"timestamp"`
	Payload   []byte    `json:"payload"`
}

// StreamHeartbeat signals that a stream has progressed to the given Lamport and offset.
type StreamHeartbeat struct {
	Stream  StreamID         `json:"stream"`
	Lamport LamportTimestamp `json:"lamport"`
	Offset  Offset           `json:"offset"`
}

func HeartbeatFromEvent(ev Event) StreamHeartbeat {
	return StreamHeartbeat{Stream: ev.Key.Stream, Lamport: ev.Key.Lamport, Offset: ev.Key.Offset}
}

// After reports whether hb is strictly newer than other. Heartbeats of different streams
// or offsets are incomparable and never after each other.
func (hb StreamHeartbeat) After(other StreamHeartbeat) bool {
	return hb.Stream == other.Stream && hb.Offset == other.Offset && hb.Lamport > other.Lamport
}
