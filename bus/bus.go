// Package bus implements the in-process publish/subscribe hub every mxpane
// component talks through.
package bus

import (
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
)

// Handler receives the payload of a published event.
type Handler func(data interface{})

type subscription struct {
	id   uint64
	fn   Handler
	once bool
}

// EventBus dispatches events synchronously to subscribers in the order they
// subscribed. It is safe for concurrent use; no lock is held while handlers
// run, so handlers may publish and subscribe themselves.
type EventBus struct {
	sync.Mutex
	nextID   uint64
	handlers map[string][]*subscription
}

func New() *EventBus {
	return &EventBus{
		handlers: make(map[string][]*subscription),
	}
}

// Subscribe registers h for name and returns a func that removes it again.
func (b *EventBus) Subscribe(name string, h Handler) func() {
	return b.add(name, h, false)
}

// SubscribeOnce registers h to fire at most one time.
func (b *EventBus) SubscribeOnce(name string, h Handler) func() {
	return b.add(name, h, true)
}

func (b *EventBus) add(name string, h Handler, once bool) func() {
	b.Lock()
	defer b.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[name] = append(b.handlers[name], &subscription{id: id, fn: h, once: once})

	return func() {
		b.remove(name, id)
	}
}

func (b *EventBus) remove(name string, id uint64) {
	b.Lock()
	defer b.Unlock()

	subs := b.handlers[name]
	for i, s := range subs {
		if s.id == id {
			b.setHandlers(name, append(subs[:i:i], subs[i+1:]...))
			return
		}
	}
}

func (b *EventBus) setHandlers(name string, subs []*subscription) {
	if len(subs) == 0 {
		delete(b.handlers, name)
		return
	}

	b.handlers[name] = subs
}

// Publish calls every handler for name with data. A panicking handler is
// logged and the remaining handlers still run.
func (b *EventBus) Publish(name string, data interface{}) {
	b.Lock()
	subs := b.handlers[name]
	run := make([]*subscription, len(subs))
	copy(run, subs)

	// once handlers leave the list before anything runs
	kept := subs[:0:0]
	for _, s := range subs {
		if !s.once {
			kept = append(kept, s)
		}
	}

	if len(kept) != len(subs) {
		b.setHandlers(name, kept)
	}
	b.Unlock()

	logger.Tracef("publish %s to %d handler(s)", name, len(run))

	for _, s := range run {
		b.call(name, s, data)
	}
}

func (b *EventBus) call(name string, s *subscription, data interface{}) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("handler for %s panicked: %s", name, fmt.Sprint(r))
			logger.Debugf("%s", debug.Stack())
		}
	}()

	s.fn(data)
}

// UnsubscribeAll drops the handlers of the given names, or of every event
// when called without arguments.
func (b *EventBus) UnsubscribeAll(names ...string) {
	b.Lock()
	defer b.Unlock()

	if len(names) == 0 {
		b.handlers = make(map[string][]*subscription)
		return
	}

	for _, name := range names {
		delete(b.handlers, name)
	}
}

// Count returns the number of handlers registered for name.
func (b *EventBus) Count(name string) int {
	b.Lock()
	defer b.Unlock()

	return len(b.handlers[name])
}

// Names returns the events that have at least one handler, sorted.
func (b *EventBus) Names() []string {
	b.Lock()
	defer b.Unlock()

	names := make([]string, 0, len(b.handlers))
	for name := range b.handlers {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
