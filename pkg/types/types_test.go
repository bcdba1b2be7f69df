package types

import (
	"errors"
	"testing"
)

func testNode(b byte) NodeID {
	var n NodeID
	for i := range n {
		n[i] = b + byte(i)
	}
	return n
}

func TestStreamID_StringRoundTrip(t *testing.T) {
	ids := []StreamID{
		testNode(0).Stream(0),
		testNode(7).Stream(42),
		testNode(200).Stream(StreamNr(1<<63 + 5)),
	}
	for _, id := range ids {
		parsed, err := ParseStreamID(id.String())
		if err != nil {
			t.Fatalf("parse %q: %v", id.String(), err)
		}
		if parsed != id {
			t.Fatalf("round trip mismatch: %v != %v", parsed, id)
		}
	}
}

func TestParseStreamID_Invalid(t *testing.T) {
	for _, s := range []string{"", "-1", "abc-", testNode(1).String(), "short-3", testNode(1).String() + "-x"} {
		if _, err := ParseStreamID(s); !errors.Is(err, ErrInvalidStreamID) {
			t.Fatalf("expected ErrInvalidStreamID for %q, got %v", s, err)
		}
	}
}

func TestEventKey_Compare(t *testing.T) {
	a := testNode(1).Stream(0)
	b := testNode(2).Stream(0)

	cases := []struct {
		x, y EventKey
		want int
	}{
		{EventKey{Lamport: 1, Stream: b}, EventKey{Lamport: 2, Stream: a}, -1},
		{EventKey{Lamport: 2, Stream: a}, EventKey{Lamport: 2, Stream: b}, -1},
		{EventKey{Lamport: 2, Stream: b, Offset: 1}, EventKey{Lamport: 2, Stream: a, Offset: 9}, 1},
		{EventKey{Lamport: 3, Stream: a, Offset: 1}, EventKey{Lamport: 3, Stream: a, Offset: 1}, 0},
	}
	for i, c := range cases {
		if got := c.x.Compare(c.y); got != c.want {
			t.Fatalf("case %d: expected %d, got %d", i, c.want, got)
		}
	}
}

func TestTagSet_IsSubset(t *testing.T) {
	all := NewTagSet("c", "a", "b", "a")
	if len(all) != 3 {
		t.Fatalf("expected dedup to 3 tags, got %v", all)
	}
	if !NewTagSet("a", "c").IsSubset(all) {
		t.Fatal("expected {a,c} to be a subset")
	}
	if NewTagSet("a", "d").IsSubset(all) {
		t.Fatal("expected {a,d} not to be a subset")
	}
	if !NewTagSet().IsSubset(all) {
		t.Fatal("empty set is a subset of everything")
	}
}

func TestStreamHeartbeat_After(t *testing.T) {
	s := testNode(3).Stream(1)
	hb := StreamHeartbeat{Stream: s, Lamport: 5, Offset: 2}
	if !hb.After(StreamHeartbeat{Stream: s, Lamport: 4, Offset: 2}) {
		t.Fatal("expected newer lamport at same offset to be after")
	}
	if hb.After(StreamHeartbeat{Stream: s, Lamport: 1, Offset: 1}) {
		t.Fatal("heartbeats with different offsets are incomparable")
	}
}
