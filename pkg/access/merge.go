package access

import (
	"container/heap"
	"context"
	"sync"
)

type arrival[T any] struct {
	idx  int
	item T
	ok   bool
}

// pump forwards one item of src at a time, waiting on next before reading on.
func pump[T any](ctx context.Context, idx int, src <-chan T, next <-chan struct{}, out chan<- arrival[T]) {
	for {
		var a arrival[T]
		select {
		case <-ctx.Done():
			return
		case a.item, a.ok = <-src:
			a.idx = idx
		}
		select {
		case <-ctx.Done():
			return
		case out <- a:
		}
		if !a.ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-next:
		}
	}
}

type head[T any] struct {
	idx  int
	item T
}

type headHeap[T any] struct {
	items []head[T]
	less  func(a, b T) bool
}

func (h *headHeap[T]) Len() int { return len(h.items) }

func (h *headHeap[T]) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if h.less(a.item, b.item) {
		return true
	}
	if h.less(b.item, a.item) {
		return false
	}
	return a.idx < b.idx
}

func (h *headHeap[T]) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *headHeap[T]) Push(x any) { h.items = append(h.items, x.(head[T])) }

func (h *headHeap[T]) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

// mergeOrdered merges sources that are each sorted by less into one sorted
// channel. An item is only emitted once every running source has offered its
// next item or ended. Sources received from late join while running; their
// items ordered before the last emitted one are dropped. The result is closed
// when all sources ended and late is nil or closed.
func mergeOrdered[T any](ctx context.Context, sources []<-chan T, late <-chan (<-chan T), less func(a, b T) bool) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		arrivals := make(chan arrival[T])
		var nexts []chan struct{}
		waiting := make(map[int]struct{})
		add := func(src <-chan T) {
			idx := len(nexts)
			next := make(chan struct{}, 1)
			nexts = append(nexts, next)
			waiting[idx] = struct{}{}
			go pump(ctx, idx, src, next, arrivals)
		}
		for _, src := range sources {
			add(src)
		}

		heads := &headHeap[T]{less: less}
		var (
			last    T
			emitted bool
		)
		for {
			if len(waiting) == 0 && heads.Len() > 0 {
				h := heap.Pop(heads).(head[T])
				select {
				case <-ctx.Done():
					return
				case out <- h.item:
				}
				last, emitted = h.item, true
				waiting[h.idx] = struct{}{}
				nexts[h.idx] <- struct{}{}
				continue
			}
			if len(waiting) == 0 && late == nil {
				return
			}

			select {
			case <-ctx.Done():
				return
			case src, ok := <-late:
				if !ok {
					late = nil
					continue
				}
				add(src)
			case a := <-arrivals:
				if !a.ok {
					delete(waiting, a.idx)
					continue
				}
				if emitted && less(a.item, last) {
					nexts[a.idx] <- struct{}{}
					continue
				}
				delete(waiting, a.idx)
				heap.Push(heads, head[T]{idx: a.idx, item: a.item})
			}
		}
	}()
	return out
}

// mergeUnordered forwards items of all sources as they arrive. The result is
// closed when sources is closed and every source ended.
func mergeUnordered[T any](ctx context.Context, sources <-chan (<-chan T)) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		var wg sync.WaitGroup
		defer wg.Wait()
		for {
			var (
				src <-chan T
				ok  bool
			)
			select {
			case <-ctx.Done():
				return
			case src, ok = <-sources:
			}
			if !ok {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				for item := range src {
					select {
					case <-ctx.Done():
						return
					case out <- item:
					}
				}
			}()
		}
	}()
	return out
}
