// Package variable provides an observable single-value cell.
//
// A Variable holds exactly one value. Setting it replaces the value and wakes all
// observers. Observers always start with the current value and then receive later
// values; an observer that falls behind skips straight to the newest value.
package variable

import (
	"context"
	"sync"
)

type Variable[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	changed chan struct{}
}

func New[T any](init T) *Variable[T] {
	return &Variable[T]{
		value:   init,
		changed: make(chan struct{}),
	}
}

// Set replaces the value and notifies observers.
func (v *Variable[T]) Set(value T) {
	v.mu.Lock()
	v.value = value
	v.notifyLocked()
	v.mu.Unlock()
}

// Get returns a snapshot of the current value.
func (v *Variable[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// Transform applies f to the value in place; observers are only notified when f reports a change.
func (v *Variable[T]) Transform(f func(value *T) bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !f(&v.value) {
		return false
	}
	v.notifyLocked()
	return true
}

func (v *Variable[T]) notifyLocked() {
	v.version++
	close(v.changed)
	v.changed = make(chan struct{})
}

func (v *Variable[T]) snapshot() (T, uint64, <-chan struct{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value, v.version, v.changed
}

// Observe streams the current value and every later one until ctx is done.
func (v *Variable[T]) Observe(ctx context.Context) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		var (
			sent    bool
			lastVer uint64
		)
		for {
			value, ver, changed := v.snapshot()
			if !sent || ver != lastVer {
				select {
				case out <- value:
				case <-ctx.Done():
					return
				}
				sent, lastVer = true, ver
				continue
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
