package store

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/42wim/mxpane/bridge"
	"github.com/42wim/mxpane/bus"
)

func init() {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	SetLogger(logrus.NewEntry(l))
}

var alice = bridge.Credentials{
	AccessToken: "syt_token",
	UserID:      "@alice:example.org",
	DeviceID:    "DEV",
	Homeserver:  "https://example.org",
}

func TestAuthStoreLogin(t *testing.T) {
	b := bus.New()
	s := NewAuthStore(b)
	defer s.Close()

	assert.Equal(t, StatusDisconnected, s.GetState().ConnectionStatus)

	b.Publish(bus.AuthLoginStart, &bridge.LoginStartEvent{Homeserver: alice.Homeserver, Username: "alice"})
	st := s.GetState()
	assert.True(t, st.IsLoading)
	assert.Equal(t, StatusConnecting, st.ConnectionStatus)

	b.Publish(bus.AuthLoginSuccess, &bridge.LoginSuccessEvent{Credentials: alice})
	st = s.GetState()
	assert.True(t, st.IsAuthenticated)
	assert.False(t, st.IsLoading)
	assert.Equal(t, StatusConnected, st.ConnectionStatus)
	assert.Equal(t, "https://example.org", st.Homeserver)
	require.NotNil(t, st.User)
	assert.Equal(t, "@alice:example.org", st.User.UserID)
	assert.Equal(t, "DEV", st.User.DeviceID)
	assert.Equal(t, "Alice", st.User.DisplayName)
	assert.True(t, s.IsAuthenticated())
	assert.Equal(t, "@alice:example.org", s.UserID())

	b.Publish(bus.AuthLogout, &bridge.LogoutEvent{})
	assert.Equal(t, AuthState{ConnectionStatus: StatusDisconnected}, s.GetState())
	assert.Equal(t, "", s.UserID())
}

func TestAuthStoreLoginError(t *testing.T) {
	b := bus.New()
	s := NewAuthStore(b)
	defer s.Close()

	b.Publish(bus.AuthLoginStart, &bridge.LoginStartEvent{})
	b.Publish(bus.AuthLoginError, &bridge.LoginErrorEvent{Error: "Invalid password"})

	st := s.GetState()
	assert.False(t, st.IsLoading)
	assert.False(t, st.IsAuthenticated)
	assert.Equal(t, StatusError, st.ConnectionStatus)
	assert.Equal(t, "Invalid password", st.LoginError)

	b.Publish(bus.AuthLoginError, &bridge.LoginErrorEvent{})
	assert.Equal(t, "Login failed", s.GetState().LoginError)

	b.Publish(bus.AuthLoginStart, &bridge.LoginStartEvent{})
	assert.Equal(t, "", s.GetState().LoginError)
}

func TestAuthStoreRestoreAndSync(t *testing.T) {
	b := bus.New()
	s := NewAuthStore(b)
	defer s.Close()

	// sync changes are ignored while logged out
	b.Publish(bus.SyncStateChanged, &bridge.SyncStateEvent{Connected: true})
	assert.Equal(t, StatusDisconnected, s.GetState().ConnectionStatus)

	b.Publish(bus.AuthSessionRestored, &bridge.SessionRestoredEvent{Credentials: alice})
	assert.True(t, s.GetState().IsAuthenticated)
	assert.Equal(t, StatusConnected, s.GetState().ConnectionStatus)

	b.Publish(bus.SyncStateChanged, &bridge.SyncStateEvent{Connected: false})
	assert.Equal(t, StatusConnecting, s.GetState().ConnectionStatus)
	assert.True(t, s.GetState().IsAuthenticated)

	b.Publish(bus.SyncStateChanged, &bridge.SyncStateEvent{Connected: true})
	assert.Equal(t, StatusConnected, s.GetState().ConnectionStatus)

	b.Publish(bus.AuthSessionExpired, &bridge.SessionExpiredEvent{})
	assert.False(t, s.GetState().IsAuthenticated)
	assert.Equal(t, StatusDisconnected, s.GetState().ConnectionStatus)
}

func TestAuthStoreSnapshot(t *testing.T) {
	b := bus.New()
	s := NewAuthStore(b)
	defer s.Close()

	b.Publish(bus.AuthLoginSuccess, &bridge.LoginSuccessEvent{Credentials: alice})

	st := s.GetState()
	st.User.UserID = "@mallory:x"
	assert.Equal(t, "@alice:example.org", s.UserID())
}

func TestAuthStoreSubscribe(t *testing.T) {
	b := bus.New()
	s := NewAuthStore(b)
	defer s.Close()

	var seen []AuthState
	unsub := s.Subscribe(func(st AuthState) { seen = append(seen, st) })

	s.Subscribe(func(AuthState) { panic("listener bug") })

	var after int
	s.Subscribe(func(AuthState) { after++ })

	require.Len(t, seen, 1)
	assert.False(t, seen[0].IsAuthenticated)

	b.Publish(bus.AuthLoginSuccess, &bridge.LoginSuccessEvent{Credentials: alice})
	require.Len(t, seen, 2)
	assert.True(t, seen[1].IsAuthenticated)
	assert.Equal(t, 2, after)

	unsub()
	b.Publish(bus.AuthLogout, &bridge.LogoutEvent{})
	assert.Len(t, seen, 2)
	assert.Equal(t, 3, after)
	assert.Equal(t, 2, s.listeners.len())
}

func TestAuthStoreClose(t *testing.T) {
	b := bus.New()
	s := NewAuthStore(b)
	s.Close()

	b.Publish(bus.AuthLoginSuccess, &bridge.LoginSuccessEvent{Credentials: alice})
	assert.False(t, s.IsAuthenticated())
	assert.Equal(t, 0, b.Count(bus.AuthLoginSuccess))
}
