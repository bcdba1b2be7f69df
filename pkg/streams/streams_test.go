package streams

import (
	"context"
	"errors"
	"testing"
	"time"

	"swarmlog/pkg/tree"
	"swarmlog/pkg/types"
)

func node(b byte) types.NodeID {
	var n types.NodeID
	for i := range n {
		n[i] = b
	}
	return n
}

func link(s string) tree.Link {
	return tree.LinkFromData([]byte(s))
}

func TestStreamAlias_RoundTrip(t *testing.T) {
	ids := []types.StreamID{
		node(0).Stream(0),
		node(1).Stream(42),
		node(0xff).Stream(types.StreamNr(^uint64(0))),
	}
	for _, id := range ids {
		alias := AliasFromStreamID(id)
		if alias[0] != 'S' {
			t.Fatalf("unexpected prefix %q", alias[0])
		}
		parsed, err := ParseStreamAlias(alias.Bytes())
		if err != nil {
			t.Fatalf("parse %v: %v", id, err)
		}
		if parsed.StreamID() != id {
			t.Fatalf("expected %v, got %v", id, parsed.StreamID())
		}
	}
}

func TestParseStreamAlias_Invalid(t *testing.T) {
	valid := AliasFromStreamID(node(3).Stream(9))
	wrongPrefix := valid
	wrongPrefix[0] = 'T'

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"short", valid[:40]},
		{"long", append(valid.Bytes(), 0)},
		{"prefix", wrongPrefix[:]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseStreamAlias(tt.in); !errors.Is(err, ErrInvalidAlias) {
				t.Fatalf("expected ErrInvalidAlias, got %v", err)
			}
		})
	}
}

func TestMaps_GetOrCreateRemoteNodeIsIdempotent(t *testing.T) {
	m := NewMaps()
	a := m.GetOrCreateRemoteNode(node(1))
	b := m.GetOrCreateRemoteNode(node(1))
	if a != b {
		t.Fatal("remote node entry was replaced")
	}
}

func TestMaps_CurrentStreamIDsAndRootMap(t *testing.T) {
	local := node(1)
	m := NewMaps()

	if ids := m.CurrentStreamIDs(local); len(ids) != 0 {
		t.Fatalf("expected no streams, got %v", ids)
	}

	own, _ := m.OwnStream(local, 0, true)
	m.OwnStream(local, 1, true)
	rs, _ := m.ReplicatedStream(node(2).Stream(5), true)

	ids := m.CurrentStreamIDs(local)
	if len(ids) != 3 {
		t.Fatalf("expected 3 streams, got %v", ids)
	}
	if ids[0] != local.Stream(0) || ids[1] != local.Stream(1) || ids[2] != node(2).Stream(5) {
		t.Fatalf("unexpected order %v", ids)
	}

	if rm := m.RootMap(local); len(rm) != 0 {
		t.Fatalf("empty streams must not be advertised, got %v", rm)
	}

	f := tree.NewForest(&memBlocks{data: map[tree.Link][]byte{}})
	ownTree, _, err := f.Extend(context.Background(), tree.Tree{}, []tree.EventData{{Lamport: 3}})
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	guard, err := own.Lock(context.Background())
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	guard.Commit(ownTree)
	guard.Unlock()

	replTree, _, err := f.Extend(context.Background(), tree.Tree{}, []tree.EventData{{Lamport: 7}, {Lamport: 8}})
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	rs.SetIncoming(link("ignored"), RootSource{Peer: "p", Path: RootPathFast})
	if rm := m.RootMap(local); len(rm) != 1 {
		t.Fatalf("incoming roots must not be advertised, got %v", rm)
	}
	rs.SetValidated(replTree)

	rm := m.RootMap(local)
	if len(rm) != 2 {
		t.Fatalf("expected 2 entries, got %v", rm)
	}
	root, _ := ownTree.Root()
	if e := rm[local.Stream(0)]; e.Link != root || e.Lamport != 3 || e.Offset != 0 {
		t.Fatalf("unexpected own entry %+v", e)
	}
	root, _ = replTree.Root()
	if e := rm[node(2).Stream(5)]; e.Link != root || e.Lamport != 8 || e.Offset != 1 {
		t.Fatalf("unexpected replicated entry %+v", e)
	}
	if wm := rs.LatestSeen().Get(); wm == nil || wm.Lamport != 8 {
		t.Fatalf("unexpected latest seen %+v", wm)
	}
}

func TestMaps_PublishNewStreamID(t *testing.T) {
	m := NewMaps()
	local := node(9)

	if ids := m.CurrentStreamIDs(local); len(ids) != 0 {
		t.Fatalf("expected no streams, got %v", ids)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := m.SubscribeNewStreamIDs(ctx)

	goneCtx, gone := context.WithCancel(context.Background())
	m.SubscribeNewStreamIDs(goneCtx)
	gone()

	id := node(1).Stream(0)
	m.PublishNewStreamID(id)

	select {
	case got := <-sub:
		if got != id {
			t.Fatalf("expected %v, got %v", id, got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified")
	}

	if n := m.subscriberCount(); n != 1 {
		t.Fatalf("expected closed subscriber to be pruned, have %d", n)
	}
}

func TestMaps_StreamKnownStreams(t *testing.T) {
	local := node(1)
	m := NewMaps()
	m.OwnStream(local, 0, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	known := m.StreamKnownStreams(ctx, local)

	expect := func(want types.StreamID) {
		t.Helper()
		select {
		case got := <-known:
			if got != want {
				t.Fatalf("expected %v, got %v", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %v", want)
		}
	}

	expect(local.Stream(0))
	m.ReplicatedStream(node(2).Stream(1), true)
	m.ReplicatedStream(node(2).Stream(1), true)
	m.OwnStream(local, 4, true)
	expect(node(2).Stream(1))
	expect(local.Stream(4))
}

func TestReplicatedStream_SetIncomingPriority(t *testing.T) {
	m := NewMaps()
	rs, _ := m.ReplicatedStream(node(2).Stream(0), true)

	fast := RootSource{Peer: "a", Path: RootPathFast}
	slow := RootSource{Peer: "b", Path: RootPathSlow}

	if !rs.SetIncoming(link("r1"), fast) {
		t.Fatal("first root must be accepted")
	}
	if rs.SetIncoming(link("r2"), slow) {
		t.Fatal("slow path must not override fast path")
	}
	if rs.SetIncoming(link("r1"), fast) {
		t.Fatal("same root from same peer must be ignored")
	}

	rs.Downgrade(link("r1"), false)
	if in := rs.Incoming().Get(); in == nil || in.Source.Path != RootPathRootMap {
		t.Fatalf("expected downgraded root, got %+v", in)
	}
	if !rs.SetIncoming(link("r2"), slow) {
		t.Fatal("slow path must override a downgraded root")
	}

	rs.Downgrade(link("r1"), true)
	if in := rs.Incoming().Get(); in == nil || in.Link != link("r2") {
		t.Fatal("downgrade of another link must not change incoming")
	}
	rs.Downgrade(link("r2"), true)
	if in := rs.Incoming().Get(); in != nil {
		t.Fatalf("failed root must be dropped, got %+v", in)
	}
}

func TestOwnStream_LockIsExclusive(t *testing.T) {
	m := NewMaps()
	s, _ := m.OwnStream(node(1), 0, true)

	guard, err := s.Lock(context.Background())
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Lock(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second lock to time out, got %v", err)
	}

	guard.Unlock()
	guard.Unlock()
	guard2, err := s.Lock(context.Background())
	if err != nil {
		t.Fatalf("lock after unlock: %v", err)
	}
	guard2.Unlock()
}

type memBlocks struct {
	data map[tree.Link][]byte
}

func (m *memBlocks) GetBlock(_ context.Context, l tree.Link) ([]byte, error) {
	d, ok := m.data[l]
	if !ok {
		return nil, tree.ErrBlockNotFound
	}
	return d, nil
}

func (m *memBlocks) PutBlocks(_ context.Context, blocks []tree.Block) error {
	for _, b := range blocks {
		m.data[b.Link] = b.Data
	}
	return nil
}
