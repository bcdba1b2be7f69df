package clock

import (
	"sync"
	"testing"
)

func TestLamportClock_NextIsUnique(t *testing.T) {
	lc := NewLamport(0)

	var (
		mu   sync.Mutex
		seen = make(map[uint64]struct{})
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v := uint64(lc.Next())
				mu.Lock()
				if _, dup := seen[v]; dup {
					mu.Unlock()
					t.Errorf("duplicate timestamp %d", v)
					return
				}
				seen[v] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if lc.Val() != 800 {
		t.Fatalf("expected clock at 800, got %d", lc.Val())
	}
}

func TestLamportClock_Observe(t *testing.T) {
	lc := NewLamport(10)
	lc.Observe(5)
	if lc.Val() != 10 {
		t.Fatalf("observe of older value must not rewind, got %d", lc.Val())
	}
	lc.Observe(20)
	if lc.Val() != 20 {
		t.Fatalf("expected 20, got %d", lc.Val())
	}
	if got := lc.Reserve(3); got != 21 || lc.Val() != 23 {
		t.Fatalf("reserve: first=%d val=%d", got, lc.Val())
	}
}

func TestLamportClock_Receive(t *testing.T) {
	lc := NewLamport(5)

	if got := lc.Receive(3); got != 6 {
		t.Fatalf("older timestamp: expected 6, got %d", got)
	}
	if got := lc.Receive(10); got != 10 {
		t.Fatalf("newer timestamp: expected 10, got %d", got)
	}
	if lc.Val() != 10 {
		t.Fatalf("expected clock at 10, got %d", lc.Val())
	}
}
