package access

import (
	"context"
	"testing"
	"time"

	"swarmlog/pkg/types"
)

func TestMentionedStreams(t *testing.T) {
	a, b, c, l := streamID(1, 0), streamID(2, 0), streamID(3, 0), streamID(4, 0)
	sel := EventSelection{
		Tags: TagSubscriptions{{Tags: types.NewTagSet("x"), Local: true}},
		From: OffsetsFrom(map[types.StreamID]types.Offset{a: 3, b: 1}),
		To: OffsetMapOrMax{Default: types.MinOffsetOrMin, Entries: map[types.StreamID]types.OffsetOrMin{
			a: 3,
			c: 2,
			l: 5,
		}},
	}

	got := sel.MentionedStreams(NewStreamSet(l))
	want := []types.StreamID{c, l}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestBoundedNonEmptyStreams(t *testing.T) {
	a, l := streamID(1, 0), streamID(2, 0)
	local := NewStreamSet(l)

	if _, ok := After(AllTags(), MinOffsets()).BoundedNonEmptyStreams(local); ok {
		t.Fatalf("open selection reported as bounded")
	}

	onlyLocal := After(TagSubscriptions{{Local: true}}, MinOffsets())
	ids, ok := onlyLocal.BoundedNonEmptyStreams(local)
	if !ok || len(ids) != 1 || ids[0] != l {
		t.Fatalf("got %v %v", ids, ok)
	}

	upto := Upto(AllTags(), OffsetsFrom(map[types.StreamID]types.Offset{a: 0}))
	ids, ok = upto.BoundedNonEmptyStreams(local)
	if !ok || len(ids) != 1 || ids[0] != a {
		t.Fatalf("got %v %v", ids, ok)
	}
}

func TestSelectionMatches(t *testing.T) {
	a := streamID(1, 0)
	sel := EventSelection{
		Tags: TagSubscriptions{{Tags: types.NewTagSet("x")}, {Tags: types.NewTagSet("y"), Local: true}},
		From: OffsetsFrom(map[types.StreamID]types.Offset{a: 1}),
		To:   MaxOffsets(),
	}
	ev := types.Event{Key: key(a, 1, 2), Tags: types.NewTagSet("y", "z")}

	if sel.Matches(ev, false) {
		t.Fatalf("local subscription matched remote stream")
	}
	if !sel.Matches(ev, true) {
		t.Fatalf("local subscription did not match local stream")
	}
	ev.Key.Offset = 1
	if sel.Matches(ev, true) {
		t.Fatalf("lower bound is exclusive")
	}
	if sets := sel.ForStream(a, false).Tags; len(sets) != 1 || sets[0][0] != "x" {
		t.Fatalf("got %v", sets)
	}
}

func TestMergeOrderedFixed(t *testing.T) {
	feed := func(xs ...int) <-chan int {
		ch := make(chan int, len(xs))
		for _, x := range xs {
			ch <- x
		}
		close(ch)
		return ch
	}
	merged := mergeOrdered(context.Background(), []<-chan int{feed(1, 3, 5), feed(2, 3, 6), feed(4)}, nil,
		func(a, b int) bool { return a < b })

	var got []int
	for x := range merged {
		got = append(got, x)
	}
	want := []int{1, 2, 3, 3, 4, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v", got)
		}
	}
}

func TestMergeOrderedDropsStragglers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := make(chan int)
	late := make(chan (<-chan int))
	merged := mergeOrdered(ctx, []<-chan int{first}, late, func(a, b int) bool { return a < b })

	first <- 5
	if got := <-merged; got != 5 {
		t.Fatalf("got %d", got)
	}

	straggler := make(chan int, 2)
	straggler <- 3
	straggler <- 7
	close(straggler)
	late <- straggler
	first <- 8
	close(first)
	close(late)

	var got []int
	for x := range merged {
		got = append(got, x)
	}
	if len(got) != 2 || got[0] != 7 || got[1] != 8 {
		t.Fatalf("got %v", got)
	}
}

func TestMergeUnorderedCompletes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sources := make(chan (<-chan int), 2)
	for _, n := range []int{3, 4} {
		ch := make(chan int, n)
		for i := 0; i < n; i++ {
			ch <- i
		}
		close(ch)
		sources <- ch
	}
	close(sources)

	count := 0
	for range mergeUnordered(ctx, sources) {
		count++
	}
	if count != 7 {
		t.Fatalf("got %d items", count)
	}
}
