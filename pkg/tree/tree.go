// Package tree implements the persistent per-stream event log: a hash linked chain of
// chunk blocks where every append adds one chunk pointing at the previous root.
package tree

import (
	"context"
	"fmt"
	"time"

	"swarmlog/pkg/types"
)

// Blocks is the block store capability the forest works with.
type Blocks interface {
	GetBlock(ctx context.Context, link Link) ([]byte, error)
	PutBlocks(ctx context.Context, blocks []Block) error
}

type chunkRef struct {
	link        Link
	first       types.Offset
	size        int
	lastLamport types.LamportTimestamp
}

// Tree is an immutable snapshot of a stream log. The zero value is the empty tree.
// Copies share chunk references.
type Tree struct {
	chunks []chunkRef
}

func (t Tree) Count() uint64 {
	if len(t.chunks) == 0 {
		return 0
	}
	last := t.chunks[len(t.chunks)-1]
	return uint64(last.first) + uint64(last.size)
}

func (t Tree) IsEmpty() bool {
	return len(t.chunks) == 0
}

// Root returns the link of the newest chunk, or false for the empty tree.
func (t Tree) Root() (Link, bool) {
	if len(t.chunks) == 0 {
		return Link{}, false
	}
	return t.chunks[len(t.chunks)-1].link, true
}

func (t Tree) LastLamport() types.LamportTimestamp {
	if len(t.chunks) == 0 {
		return 0
	}
	return t.chunks[len(t.chunks)-1].lastLamport
}

// LastOffset returns the offset of the newest event, or false for the empty tree.
func (t Tree) LastOffset() (types.Offset, bool) {
	n := t.Count()
	if n == 0 {
		return 0, false
	}
	return types.Offset(n - 1), true
}

func (t Tree) with(ref chunkRef) Tree {
	// full slice expression forces a copy when the backing array is shared
	chunks := append(t.chunks[:len(t.chunks):len(t.chunks)], ref)
	return Tree{chunks: chunks}
}

// Forest builds, loads and reads trees over a block store.
type Forest struct {
	blocks Blocks
}

func NewForest(blocks Blocks) *Forest {
	return &Forest{blocks: blocks}
}

// EventData is an event to append, before offsets are assigned.
type EventData struct {
	Lamport   types.LamportTimestamp
	Timestamp time.Time
	Tags      types.TagSet
	Payload   []byte
}

// Extend appends events as one new chunk and returns the new tree with the blocks
// that became reachable from the new root.
func (f *Forest) Extend(ctx context.Context, t Tree, events []EventData) (Tree, []Block, error) {
	if len(events) == 0 {
		return t, nil, nil
	}

	last := t.LastLamport()
	c := chunk{Count: t.Count() + uint64(len(events))}
	if root, ok := t.Root(); ok {
		c.Prev = root
	}
	for i, ev := range events {
		if (!t.IsEmpty() || i > 0) && ev.Lamport <= last {
			return t, nil, fmt.Errorf("%w: lamport %d after %d", ErrEventOutOfOrder, ev.Lamport, last)
		}
		last = ev.Lamport
		c.Events = append(c.Events, chunkEvent{
			Lamport: ev.Lamport,
			Time:    ev.Timestamp,
			Tags:    ev.Tags,
			Payload: ev.Payload,
		})
	}

	data, err := encodeChunk(&c)
	if err != nil {
		return t, nil, fmt.Errorf("encode chunk: %w", err)
	}
	block := NewBlock(data)
	if err := f.blocks.PutBlocks(ctx, []Block{block}); err != nil {
		return t, nil, fmt.Errorf("put chunk: %w", err)
	}

	next := t.with(chunkRef{
		link:        block.Link,
		first:       c.firstOffset(),
		size:        len(c.Events),
		lastLamport: last,
	})
	return next, []Block{block}, nil
}

// Load reconstructs the tree with the given root. Chunks shared with base are reused
// without being fetched again. Every fetched chunk is checked for count and Lamport
// consistency with its predecessor.
func (f *Forest) Load(ctx context.Context, base Tree, root Link) (Tree, error) {
	if root.IsZero() {
		return Tree{}, fmt.Errorf("%w: empty root", ErrInvalidTree)
	}

	known := make(map[Link]int, len(base.chunks))
	for i, ref := range base.chunks {
		known[ref.link] = i
	}

	var (
		pending []chunkRef
		decoded []*chunk
		prefix  []chunkRef
		cursor  = root
	)
	for !cursor.IsZero() {
		if idx, ok := known[cursor]; ok {
			prefix = base.chunks[:idx+1]
			break
		}
		if err := ctx.Err(); err != nil {
			return Tree{}, err
		}
		data, err := f.blocks.GetBlock(ctx, cursor)
		if err != nil {
			return Tree{}, fmt.Errorf("get chunk %s: %w", cursor, err)
		}
		c, err := decodeChunk(data)
		if err != nil {
			return Tree{}, fmt.Errorf("chunk %s: %w", cursor, err)
		}
		if len(c.Events) == 0 {
			return Tree{}, fmt.Errorf("%w: empty chunk %s", ErrInvalidTree, cursor)
		}
		pending = append(pending, chunkRef{
			link:        cursor,
			first:       c.firstOffset(),
			size:        len(c.Events),
			lastLamport: c.Events[len(c.Events)-1].Lamport,
		})
		decoded = append(decoded, c)
		cursor = c.Prev
	}

	chunks := make([]chunkRef, 0, len(prefix)+len(pending))
	chunks = append(chunks, prefix...)

	var (
		count       uint64
		lastLamport types.LamportTimestamp
	)
	if len(prefix) > 0 {
		p := Tree{chunks: prefix}
		count, lastLamport = p.Count(), p.LastLamport()
	}
	for i := len(pending) - 1; i >= 0; i-- {
		ref, c := pending[i], decoded[i]
		if uint64(ref.first) != count {
			return Tree{}, fmt.Errorf("%w: chunk %s starts at %d, expected %d", ErrInvalidTree, ref.link, ref.first, count)
		}
		for j, ev := range c.Events {
			if (count > 0 || j > 0) && ev.Lamport <= lastLamport {
				return Tree{}, fmt.Errorf("%w: chunk %s lamport %d not after %d", ErrInvalidTree, ref.link, ev.Lamport, lastLamport)
			}
			lastLamport = ev.Lamport
		}
		count = c.Count
		chunks = append(chunks, ref)
	}

	return Tree{chunks: chunks}, nil
}

// ForEach calls fn for every event of t with offset in (fromExclusive, toInclusive],
// ascending or descending by offset. Iteration stops at the first error returned by fn.
func (f *Forest) ForEach(
	ctx context.Context,
	t Tree,
	stream types.StreamID,
	fromExclusive, toInclusive types.OffsetOrMin,
	reverse bool,
	fn func(types.Event) error,
) error {
	if fromExclusive >= toInclusive || t.IsEmpty() {
		return nil
	}

	visit := func(ref chunkRef) error {
		lo := types.OffsetOrMin(ref.first)
		hi := lo + types.OffsetOrMin(ref.size) - 1
		if hi <= fromExclusive || lo > toInclusive {
			return nil
		}
		data, err := f.blocks.GetBlock(ctx, ref.link)
		if err != nil {
			return fmt.Errorf("get chunk %s: %w", ref.link, err)
		}
		c, err := decodeChunk(data)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", ref.link, err)
		}
		emit := func(i int) error {
			off := ref.first + types.Offset(i)
			if off.OrMin() <= fromExclusive || off.OrMin() > toInclusive {
				return nil
			}
			ev := c.Events[i]
			return fn(types.Event{
				Key:       types.EventKey{Lamport: ev.Lamport, Stream: stream, Offset: off},
				Tags:      ev.Tags,
				Timestamp: ev.Time,
				Payload:   ev.Payload,
			})
		}
		if reverse {
			for i := len(c.Events) - 1; i >= 0; i-- {
				if err := emit(i); err != nil {
					return err
				}
			}
			return nil
		}
		for i := range c.Events {
			if err := emit(i); err != nil {
				return err
			}
		}
		return nil
	}

	if reverse {
		for i := len(t.chunks) - 1; i >= 0; i-- {
			if err := visit(t.chunks[i]); err != nil {
				return err
			}
		}
		return nil
	}
	for _, ref := range t.chunks {
		if err := visit(ref); err != nil {
			return err
		}
	}
	return nil
}

// Links returns the links of every chunk of t, newest first.
func (t Tree) Links() []Link {
	links := make([]Link, 0, len(t.chunks))
	for i := len(t.chunks) - 1; i >= 0; i-- {
		links = append(links, t.chunks[i].link)
	}
	return links
}
