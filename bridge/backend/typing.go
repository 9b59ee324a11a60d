package backend

import (
	"context"
	"sync"
	"time"

	"github.com/desertbit/timer"

	"github.com/42wim/mxpane/bridge"
	"github.com/42wim/mxpane/bus"
)

type TypingSender interface {
	SendTyping(ctx context.Context, roomID string, typing bool) error
}

type typingState struct {
	t    *timer.Timer
	stop chan struct{}

	// deadline is when typing=false is due, moved by every keystroke
	deadline time.Time
}

// Typer debounces typing notifications: the first keystroke in a room sends
// typing=true, and typing=false follows once no keystroke arrived for the
// timeout.
type Typer struct {
	sync.Mutex

	ctx     context.Context
	sender  TypingSender
	bus     *bus.EventBus
	timeout time.Duration
	rooms   map[string]*typingState
}

func NewTyper(ctx context.Context, sender TypingSender, b *bus.EventBus, timeout time.Duration) *Typer {
	if timeout == 0 {
		timeout = 3 * time.Second
	}

	return &Typer{
		ctx:     ctx,
		sender:  sender,
		bus:     b,
		timeout: timeout,
		rooms:   make(map[string]*typingState),
	}
}

func (t *Typer) Keystroke(roomID string) {
	t.Lock()
	if st, ok := t.rooms[roomID]; ok {
		st.deadline = time.Now().Add(t.timeout)
		st.t.Reset(t.timeout)
		t.Unlock()

		return
	}

	deadline := time.Now().Add(t.timeout)
	st := &typingState{
		t:        timer.NewTimer(t.timeout),
		stop:     make(chan struct{}),
		deadline: deadline,
	}
	t.rooms[roomID] = st
	t.Unlock()

	t.send(roomID, true)

	go t.wait(roomID, st)
}

// Stop clears the typing notification right away, e.g. after sending.
func (t *Typer) Stop(roomID string) {
	t.Lock()
	st, ok := t.rooms[roomID]
	if ok {
		delete(t.rooms, roomID)
	}
	t.Unlock()

	if !ok {
		return
	}

	st.t.Stop()
	close(st.stop)
	t.send(roomID, false)
}

// Typing reports whether we currently announce typing in roomID.
func (t *Typer) Typing(roomID string) bool {
	t.Lock()
	defer t.Unlock()

	_, ok := t.rooms[roomID]

	return ok
}

func (t *Typer) wait(roomID string, st *typingState) {
	for {
		select {
		case <-st.t.C:
		case <-st.stop:
			return
		case <-t.ctx.Done():
			return
		}

		if t.expire(roomID, st, time.Now()) {
			return
		}
	}
}

// expire ends typing in roomID when st is still current and its deadline
// has passed at now. Otherwise the timer is armed for what is left of the
// deadline, which a keystroke racing the fire has already moved.
func (t *Typer) expire(roomID string, st *typingState, now time.Time) bool {
	t.Lock()
	if t.rooms[roomID] != st {
		t.Unlock()
		return true
	}

	if now.Before(st.deadline) {
		st.t.Reset(st.deadline.Sub(now))
		t.Unlock()
		return false
	}

	delete(t.rooms, roomID)
	t.Unlock()

	t.send(roomID, false)

	return true
}

func (t *Typer) send(roomID string, typing bool) {
	// errors are logged by the sender
	_ = t.sender.SendTyping(t.ctx, roomID, typing)

	if t.bus != nil {
		t.bus.Publish(bus.UserTyping, &bridge.TypingEvent{RoomID: roomID, Typing: typing})
	}
}
