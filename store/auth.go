package store

import (
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/42wim/mxpane/bridge"
	"github.com/42wim/mxpane/bridge/matrix"
	"github.com/42wim/mxpane/bus"
)

type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

type User struct {
	UserID      string
	DeviceID    string
	DisplayName string
}

type AuthState struct {
	IsAuthenticated  bool
	IsLoading        bool
	User             *User
	Homeserver       string
	LoginError       string
	ConnectionStatus ConnectionStatus
}

func (s AuthState) clone() AuthState {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}

	return s
}

func initialAuthState() AuthState {
	return AuthState{ConnectionStatus: StatusDisconnected}
}

// AuthStore projects the auth events on the bus into an AuthState.
type AuthStore struct {
	sync.RWMutex

	state     AuthState
	listeners listeners[AuthState]
	unsubs    []func()
}

func NewAuthStore(b *bus.EventBus) *AuthStore {
	s := &AuthStore{state: initialAuthState()}

	s.unsubs = []func(){
		b.Subscribe(bus.AuthLoginStart, func(interface{}) {
			s.update(func(st *AuthState) {
				st.IsLoading = true
				st.LoginError = ""
				st.ConnectionStatus = StatusConnecting
			})
		}),
		b.Subscribe(bus.AuthLoginSuccess, func(data interface{}) {
			ev, ok := data.(*bridge.LoginSuccessEvent)
			if !ok {
				return
			}

			s.update(func(st *AuthState) { authenticate(st, ev.Credentials) })
		}),
		b.Subscribe(bus.AuthSessionRestored, func(data interface{}) {
			ev, ok := data.(*bridge.SessionRestoredEvent)
			if !ok {
				return
			}

			s.update(func(st *AuthState) { authenticate(st, ev.Credentials) })
		}),
		b.Subscribe(bus.AuthLoginError, func(data interface{}) {
			msg := "Login failed"
			if ev, ok := data.(*bridge.LoginErrorEvent); ok && ev.Error != "" {
				msg = ev.Error
			}

			s.update(func(st *AuthState) {
				st.IsLoading = false
				st.LoginError = msg
				st.ConnectionStatus = StatusError
			})
		}),
		b.Subscribe(bus.AuthLogout, func(interface{}) { s.reset() }),
		b.Subscribe(bus.AuthSessionExpired, func(interface{}) { s.reset() }),
		b.Subscribe(bus.SyncStateChanged, func(data interface{}) {
			ev, ok := data.(*bridge.SyncStateEvent)
			if !ok {
				return
			}

			s.update(func(st *AuthState) {
				if !st.IsAuthenticated {
					return
				}

				if ev.Connected {
					st.ConnectionStatus = StatusConnected
				} else {
					st.ConnectionStatus = StatusConnecting
				}
			})
		}),
	}

	return s
}

func authenticate(st *AuthState, cred bridge.Credentials) {
	st.IsAuthenticated = true
	st.IsLoading = false
	st.LoginError = ""
	st.ConnectionStatus = StatusConnected
	st.Homeserver = cred.Homeserver
	st.User = &User{
		UserID:      cred.UserID,
		DeviceID:    cred.DeviceID,
		DisplayName: matrix.FormatUserID(id.UserID(cred.UserID)),
	}
}

func (s *AuthStore) reset() {
	s.update(func(st *AuthState) { *st = initialAuthState() })
}

func (s *AuthStore) update(fn func(st *AuthState)) {
	s.Lock()
	fn(&s.state)
	snapshot := s.state.clone()
	s.Unlock()

	s.listeners.notify(snapshot)
}

func (s *AuthStore) GetState() AuthState {
	s.RLock()
	defer s.RUnlock()

	return s.state.clone()
}

// Subscribe calls fn with the current state right away and again after
// every change.
func (s *AuthStore) Subscribe(fn func(AuthState)) func() {
	s.RLock()
	snapshot := s.state.clone()
	unsub := s.listeners.add(fn)
	s.RUnlock()

	call(fn, snapshot)

	return unsub
}

func (s *AuthStore) IsAuthenticated() bool {
	s.RLock()
	defer s.RUnlock()

	return s.state.IsAuthenticated
}

func (s *AuthStore) UserID() string {
	s.RLock()
	defer s.RUnlock()

	if s.state.User == nil {
		return ""
	}

	return s.state.User.UserID
}

// Close drops the bus subscriptions. Listeners are kept.
func (s *AuthStore) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
}
