// Package status provides an observable boolean used to publish whether the
// controller has at least one store attached.
package status

import (
	"sync"

	"github.com/maloquacious/goobstore/internal/executor"
)

type subscriber struct {
	exec executor.Executor
	fn   func(bool)
}

// Flag is a boolean value with publish-on-change notification.
type Flag struct {
	// publish serializes Set so notifications are dispatched in order.
	publish sync.Mutex

	mu     sync.Mutex
	value  bool
	nextID int
	subs   map[int]subscriber
}

// NewFlag returns a flag holding initial.
func NewFlag(initial bool) *Flag {
	return &Flag{
		value: initial,
		subs:  make(map[int]subscriber),
	}
}

// Value returns the current value.
func (f *Flag) Value() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Set stores v and notifies subscribers if the value changed.
// It reports whether the value changed. Subscribers must not call Set.
func (f *Flag) Set(v bool) bool {
	f.publish.Lock()
	defer f.publish.Unlock()

	f.mu.Lock()
	if f.value == v {
		f.mu.Unlock()
		return false
	}
	f.value = v
	subs := make([]subscriber, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		fn := s.fn
		s.exec.Execute(func() { fn(v) })
	}
	return true
}

// Subscribe registers fn to be called on exec with every new value.
// A nil exec runs fn inline, on the goroutine that changed the value.
// The returned cancel func unregisters fn.
func (f *Flag) Subscribe(exec executor.Executor, fn func(bool)) (cancel func()) {
	if exec == nil {
		exec = executor.Inline
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = subscriber{exec: exec, fn: fn}
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
