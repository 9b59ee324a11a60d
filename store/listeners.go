package store

import (
	"runtime/debug"
	"sync"
)

type listener[T any] struct {
	id uint64
	fn func(T)
}

// listeners is an ordered set of state listeners. A panicking listener is
// logged and does not keep the others from running.
type listeners[T any] struct {
	mu     sync.Mutex
	nextID uint64
	list   []listener[T]
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.list = append(l.list, listener[T]{id: id, fn: fn})
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		for i, ln := range l.list {
			if ln.id == id {
				l.list = append(l.list[:i:i], l.list[i+1:]...)
				return
			}
		}
	}
}

func (l *listeners[T]) notify(state T) {
	l.mu.Lock()
	list := make([]listener[T], len(l.list))
	copy(list, l.list)
	l.mu.Unlock()

	for _, ln := range list {
		call(ln.fn, state)
	}
}

func (l *listeners[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.list)
}

func call[T any](fn func(T), state T) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("store listener panicked: %v\n%s", r, debug.Stack())
		}
	}()

	fn(state)
}
