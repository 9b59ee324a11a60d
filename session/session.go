package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/42wim/mxpane/bridge"
	"github.com/42wim/mxpane/bus"
	"github.com/42wim/mxpane/pkg/backendclient"
)

var (
	ErrNoSession = errors.New("no session")
	ErrNotActive = errors.New("session not active")
)

const DefaultMaxAge = 7 * 24 * time.Hour

type State int

const (
	NoSession State = iota
	Restoring
	Validating
	Active
	Expired
)

func (s State) String() string {
	switch s {
	case NoSession:
		return "NoSession"
	case Restoring:
		return "Restoring"
	case Validating:
		return "Validating"
	case Active:
		return "Active"
	case Expired:
		return "Expired"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

type Session struct {
	AccessToken string
	UserID      string
	DeviceID    string
	Homeserver  string
	CreatedAt   time.Time
}

func (s *Session) credentials() bridge.Credentials {
	return bridge.Credentials{
		AccessToken: s.AccessToken,
		UserID:      s.UserID,
		DeviceID:    s.DeviceID,
		Homeserver:  s.Homeserver,
	}
}

type Validator interface {
	// ValidateSession reports whether token belongs to a session the
	// backend considers connected. It must make a single attempt.
	ValidateSession(ctx context.Context, token string) (bool, error)
}

type Authenticator interface {
	Login(ctx context.Context, homeserver, username, password string) (*bridge.LoginResult, error)
	Logout(ctx context.Context) error
}

type Backend interface {
	Validator
	Authenticator
}

type Option func(*Manager)

func WithMaxAge(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.maxAge = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithEncryption is reported in login success events.
func WithEncryption(enabled bool) Option {
	return func(m *Manager) {
		m.encryption = enabled
	}
}

// Manager owns the session token lifecycle. It is the only writer of the
// session store and the only publisher of auth events.
type Manager struct {
	sync.Mutex

	bus     *bus.EventBus
	store   Store
	backend Backend

	maxAge     time.Duration
	now        func() time.Time
	encryption bool

	state   State
	current *Session
	unsub   func()
}

func NewManager(b *bus.EventBus, store Store, backend Backend, opts ...Option) *Manager {
	m := &Manager{
		bus:     b,
		store:   store,
		backend: backend,
		maxAge:  DefaultMaxAge,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.unsub = b.Subscribe(bus.AuthUnauthorized, func(data interface{}) {
		path := ""
		if ev, ok := data.(*bridge.UnauthorizedEvent); ok {
			path = ev.Path
		}

		if m.end(Expired) {
			logger.Infof("access token rejected by backend (%s), logging out", path)
			m.bus.Publish(bus.AuthLogout, &bridge.LogoutEvent{Reason: "unauthorized"})
		}
	})

	return m
}

func (m *Manager) Close() {
	m.unsub()
}

func (m *Manager) State() State {
	m.Lock()
	defer m.Unlock()

	return m.state
}

// Current returns a copy of the active session, or nil.
func (m *Manager) Current() *Session {
	m.Lock()
	defer m.Unlock()

	if m.state != Active || m.current == nil {
		return nil
	}

	s := *m.current

	return &s
}

func (m *Manager) set(state State, s *Session) {
	m.Lock()
	logger.Debugf("%s -> %s", m.state, state)
	m.state = state
	m.current = s
	m.Unlock()
}

func (m *Manager) purge() {
	if err := m.store.Clear(); err != nil {
		logger.Errorf("failed to clear stored session: %s", err)
	}
}

// end leaves Active for next and purges the stored session. It returns false
// when the manager was not Active.
func (m *Manager) end(next State) bool {
	m.Lock()
	if m.state != Active {
		m.Unlock()
		return false
	}

	logger.Debugf("%s -> %s", m.state, next)
	m.state = next
	m.current = nil
	m.Unlock()

	m.purge()

	return true
}

// Start runs startup restoration and returns the state it ended in.
// A fresh install only gets the install sentinel written; an install that
// has the sentinel but no session is left alone.
func (m *Manager) Start(ctx context.Context) (State, error) {
	installed, err := m.store.Installed()
	if err != nil {
		return m.State(), fmt.Errorf("reading install sentinel: %w", err)
	}

	if !installed {
		if err := m.store.MarkInstalled(); err != nil {
			logger.Errorf("failed to write install sentinel: %s", err)
		}
	}

	s, err := m.store.Load()
	switch {
	case errors.Is(err, ErrNoSession):
		if installed {
			logger.Debug("no stored session, waiting for login")
		} else {
			logger.Info("fresh install, waiting for login")
		}

		m.set(NoSession, nil)

		return NoSession, nil
	case err != nil:
		logger.Errorf("discarding stored session: %s", err)
		m.purge()
		m.set(NoSession, nil)

		return NoSession, nil
	}

	m.set(Restoring, nil)

	age := m.now().Sub(s.CreatedAt)
	if age > m.maxAge {
		logger.Infof("stored session for %s is %s old, discarding", s.UserID, age.Round(time.Second))
		m.purge()
		m.set(NoSession, nil)

		return NoSession, nil
	}

	m.set(Validating, nil)

	ok, err := m.backend.ValidateSession(ctx, s.AccessToken)
	if err != nil || !ok {
		reason := "Session no longer valid"
		if err != nil {
			reason = err.Error()
		}

		logger.Infof("stored session for %s rejected: %s", s.UserID, reason)
		m.purge()
		m.set(NoSession, nil)
		m.bus.Publish(bus.AuthSessionExpired, &bridge.SessionExpiredEvent{Reason: reason})

		return NoSession, nil
	}

	m.set(Active, s)
	logger.Infof("restored session for %s on %s", s.UserID, s.Homeserver)
	m.bus.Publish(bus.AuthSessionRestored, &bridge.SessionRestoredEvent{Credentials: s.credentials()})

	return Active, nil
}

// Login authenticates against homeserver. The session is persisted before
// the manager reports Active.
func (m *Manager) Login(ctx context.Context, homeserver, username, password string) error {
	m.bus.Publish(bus.AuthLoginStart, &bridge.LoginStartEvent{Homeserver: homeserver, Username: username})

	res, err := m.backend.Login(ctx, homeserver, username, password)
	if err != nil {
		m.bus.Publish(bus.AuthLoginError, &bridge.LoginErrorEvent{Error: loginMessage(err)})
		return err
	}

	s := &Session{
		AccessToken: res.AccessToken,
		UserID:      res.UserID,
		DeviceID:    res.DeviceID,
		Homeserver:  homeserver,
		CreatedAt:   time.UnixMilli(m.now().UnixMilli()).UTC(),
	}

	if err := m.store.Save(s); err != nil {
		logger.Errorf("failed to persist session for %s: %s", s.UserID, err)
		m.bus.Publish(bus.AuthLoginError, &bridge.LoginErrorEvent{Error: "Failed to save session"})

		return fmt.Errorf("persisting session: %w", err)
	}

	if err := m.store.MarkInstalled(); err != nil {
		logger.Errorf("failed to write install sentinel: %s", err)
	}

	m.set(Active, s)
	logger.Infof("logged in as %s on %s", s.UserID, homeserver)
	m.bus.Publish(bus.AuthLoginSuccess, &bridge.LoginSuccessEvent{
		Credentials:       s.credentials(),
		EncryptionEnabled: m.encryption,
	})

	return nil
}

// Logout ends the active session. A backend failure is logged only, the
// local session is dropped regardless.
func (m *Manager) Logout(ctx context.Context) error {
	if m.State() != Active {
		return ErrNotActive
	}

	if err := m.backend.Logout(ctx); err != nil {
		logger.Errorf("backend logout failed: %s", err)
	}

	if m.end(Expired) {
		m.bus.Publish(bus.AuthLogout, &bridge.LogoutEvent{Reason: "logout"})
	}

	return nil
}

func loginMessage(err error) string {
	var he *backendclient.HTTPError
	if errors.As(err, &he) && he.Message != "" {
		return he.Message
	}

	if err.Error() == "" {
		return "Login failed"
	}

	return err.Error()
}
