// Package hostsignal models the boolean runtime signals the host delivers:
// network connectivity and surface visibility.
package hostsignal

import (
	"context"
	"sync"
)

// Flag is a boolean that can be observed. The zero value is not usable; use NewFlag.
type Flag struct {
	mu     sync.Mutex
	value  bool
	raised chan struct{} // closed while value is true
	subs   map[int]func(bool)
	nextID int
}

func NewFlag(initial bool) *Flag {
	f := &Flag{
		raised: make(chan struct{}),
		subs:   make(map[int]func(bool)),
	}
	if initial {
		f.value = true
		close(f.raised)
	}
	return f
}

func (f *Flag) Get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Set stores v and notifies subscribers when the value changed.
// Subscribers run on the caller's goroutine, outside the lock.
func (f *Flag) Set(v bool) bool {
	f.mu.Lock()
	if f.value == v {
		f.mu.Unlock()
		return false
	}
	f.value = v
	if v {
		close(f.raised)
	} else {
		f.raised = make(chan struct{})
	}
	subs := make([]func(bool), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
	return true
}

// Subscribe registers fn for change notifications. The returned cancel is idempotent.
func (f *Flag) Subscribe(fn func(bool)) (cancel func()) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Wait blocks until the flag is true or ctx is done.
func (f *Flag) Wait(ctx context.Context) error {
	for {
		f.mu.Lock()
		if f.value {
			f.mu.Unlock()
			return nil
		}
		raised := f.raised
		f.mu.Unlock()

		select {
		case <-raised:
			// re-check: the flag may have dropped again before we woke up
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
