package blockstore

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"swarmlog/pkg/tree"
	"swarmlog/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "blocks.sqlite")
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("block data "), 100)
	b := tree.NewBlock(data)
	if err := s.PutBlocks(ctx, []tree.Block{b}); err != nil {
		t.Fatalf("put: %v", err)
	}

	// bypass the cache to exercise the compressed path
	s.cache.remove(b.Link)
	got, err := s.GetBlock(ctx, b.Link)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("block data mismatch")
	}

	has, err := s.HasBlock(ctx, b.Link)
	if err != nil || !has {
		t.Fatalf("expected block to exist, got %v %v", has, err)
	}

	_, err = s.GetBlock(ctx, tree.LinkFromData([]byte("missing")))
	if !errors.Is(err, ErrNotFound) || !errors.Is(err, tree.ErrBlockNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStore_PutRejectsHashMismatch(t *testing.T) {
	s := openTestStore(t)
	bad := tree.Block{Link: tree.LinkFromData([]byte("a")), Data: []byte("b")}
	if err := s.PutBlocks(context.Background(), []tree.Block{bad}); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
}

func TestStore_Aliases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	name := []byte("stream-a")
	l1 := tree.LinkFromData([]byte("1"))
	l2 := tree.LinkFromData([]byte("2"))

	if _, ok, err := s.ResolveAlias(ctx, name); err != nil || ok {
		t.Fatalf("expected no alias, got %v %v", ok, err)
	}
	if err := s.SetAlias(ctx, name, l1); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetAlias(ctx, name, l2); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, ok, err := s.ResolveAlias(ctx, name)
	if err != nil || !ok || got != l2 {
		t.Fatalf("expected %s, got %s %v %v", l2, got, ok, err)
	}
	if err := s.SetAlias(ctx, name, tree.Link{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.ResolveAlias(ctx, name); ok {
		t.Fatal("alias was not deleted")
	}
}

func TestStore_GCKeepsReachableAndPinned(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	f := tree.NewForest(s)

	var tr tree.Tree
	for l := types.LamportTimestamp(1); l <= 3; l++ {
		var err error
		tr, _, err = f.Extend(ctx, tr, []tree.EventData{{Lamport: l, Timestamp: time.Unix(0, 0)}})
		if err != nil {
			t.Fatalf("extend: %v", err)
		}
	}
	root, _ := tr.Root()
	if err := s.SetAlias(ctx, []byte("root"), root); err != nil {
		t.Fatalf("alias: %v", err)
	}

	pinned := tree.NewBlock([]byte("pinned"))
	garbage := tree.NewBlock([]byte("garbage"))
	pin := s.CreateTempPin()
	if err := s.AssignTempPin(pin, []tree.Link{pinned.Link}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := s.PutBlocks(ctx, []tree.Block{pinned, garbage}); err != nil {
		t.Fatalf("put: %v", err)
	}

	deleted, err := s.GC(ctx)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted block, got %d", deleted)
	}
	for _, l := range append(tr.Links(), pinned.Link) {
		if ok, _ := s.HasBlock(ctx, l); !ok {
			t.Fatalf("live block %s was collected", l)
		}
	}

	s.ReleaseTempPin(pin)
	if err := s.AssignTempPin(pin, nil); !errors.Is(err, ErrUnknownPin) {
		t.Fatalf("expected ErrUnknownPin, got %v", err)
	}
	if deleted, _ := s.GC(ctx); deleted != 1 {
		t.Fatalf("expected released block to be collected, got %d", deleted)
	}
}

func TestBlockCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newBlockCache(10)
	a, b, d := tree.LinkFromData([]byte("a")), tree.LinkFromData([]byte("b")), tree.LinkFromData([]byte("d"))

	c.set(a, make([]byte, 4))
	c.set(b, make([]byte, 4))
	c.get(a)
	c.set(d, make([]byte, 4))

	if _, ok := c.get(b); ok {
		t.Fatal("least recently used entry was not evicted")
	}
	if _, ok := c.get(a); !ok {
		t.Fatal("recently used entry was evicted")
	}
	if c.len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.len())
	}

	c.set(tree.LinkFromData([]byte("big")), make([]byte, 11))
	if c.len() != 2 {
		t.Fatal("oversized value must not be cached")
	}
}
