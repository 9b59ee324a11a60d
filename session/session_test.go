package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/42wim/mxpane/bridge"
	"github.com/42wim/mxpane/bus"
	"github.com/42wim/mxpane/pkg/backendclient"
)

func init() {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	SetLogger(logrus.NewEntry(l))
}

type fakeBackend struct {
	sync.Mutex

	valid       bool
	validateErr error
	validated   []string

	loginRes *bridge.LoginResult
	loginErr error

	logoutErr error
	logouts   int
}

func (f *fakeBackend) ValidateSession(ctx context.Context, token string) (bool, error) {
	f.Lock()
	defer f.Unlock()

	f.validated = append(f.validated, token)

	return f.valid, f.validateErr
}

func (f *fakeBackend) Login(ctx context.Context, homeserver, username, password string) (*bridge.LoginResult, error) {
	return f.loginRes, f.loginErr
}

func (f *fakeBackend) Logout(ctx context.Context) error {
	f.Lock()
	f.logouts++
	f.Unlock()

	return f.logoutErr
}

type failingStore struct {
	*BoltStore
}

func (failingStore) Save(*Session) error {
	return errors.New("disk full")
}

// events records the names of every auth event in publish order.
type events struct {
	sync.Mutex
	names []string
	data  []interface{}
}

func watch(b *bus.EventBus) *events {
	ev := &events{}

	for _, name := range []string{
		bus.AuthLoginStart, bus.AuthLoginSuccess, bus.AuthLoginError, bus.AuthLogout,
		bus.AuthSessionRestored, bus.AuthSessionExpired,
	} {
		name := name
		b.Subscribe(name, func(data interface{}) {
			ev.Lock()
			ev.names = append(ev.names, name)
			ev.data = append(ev.data, data)
			ev.Unlock()
		})
	}

	return ev
}

func (e *events) list() []string {
	e.Lock()
	defer e.Unlock()

	return append([]string(nil), e.names...)
}

func (e *events) last() interface{} {
	e.Lock()
	defer e.Unlock()

	return e.data[len(e.data)-1]
}

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newManager(t *testing.T, store Store, backend Backend) (*Manager, *events) {
	b := bus.New()
	ev := watch(b)
	m := NewManager(b, store, backend, WithClock(func() time.Time { return now }))
	t.Cleanup(m.Close)

	return m, ev
}

func stored(age time.Duration) *Session {
	return &Session{
		AccessToken: "syt_stored",
		UserID:      "@alice:example.org",
		DeviceID:    "DEV",
		Homeserver:  "https://example.org",
		CreatedAt:   now.Add(-age),
	}
}

func TestStartFreshInstall(t *testing.T) {
	store := openStore(t)
	backend := &fakeBackend{valid: true}
	m, ev := newManager(t, store, backend)

	state, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoSession, state)
	assert.Empty(t, ev.list())
	assert.Empty(t, backend.validated)

	installed, err := store.Installed()
	require.NoError(t, err)
	assert.True(t, installed)
}

func TestStartSentinelWithoutSession(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.MarkInstalled())

	backend := &fakeBackend{valid: true}
	m, ev := newManager(t, store, backend)

	state, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoSession, state)
	assert.Empty(t, ev.list())
	assert.Empty(t, backend.validated)
	assert.Nil(t, m.Current())
}

func TestStartRestores(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.MarkInstalled())
	require.NoError(t, store.Save(stored(time.Hour)))

	backend := &fakeBackend{valid: true}
	m, ev := newManager(t, store, backend)

	state, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Active, state)
	assert.Equal(t, Active, m.State())
	assert.Equal(t, []string{"syt_stored"}, backend.validated)
	assert.Equal(t, stored(time.Hour), m.Current())

	require.Equal(t, []string{bus.AuthSessionRestored}, ev.list())
	restored := ev.last().(*bridge.SessionRestoredEvent)
	assert.Equal(t, "syt_stored", restored.AccessToken)
	assert.Equal(t, "@alice:example.org", restored.UserID)
	assert.Equal(t, "DEV", restored.DeviceID)
	assert.Equal(t, "https://example.org", restored.Homeserver)
}

func TestStartValidationFailures(t *testing.T) {
	tests := []struct {
		desc    string
		valid   bool
		err     error
		message string
	}{
		{desc: "disconnected", valid: false, message: "Session no longer valid"},
		{desc: "network", err: &backendclient.TransportError{Method: "GET", Path: "/status", Err: errors.New("connection refused")}},
		{desc: "timeout", err: &backendclient.TransportError{Method: "GET", Path: "/status", Err: context.DeadlineExceeded, Timeout: true}},
		{desc: "unauthorized", err: &backendclient.HTTPError{Method: "GET", Path: "/status", StatusCode: 401}},
	}

	for _, tc := range tests {
		store := openStore(t)
		require.NoError(t, store.Save(stored(time.Hour)))

		backend := &fakeBackend{valid: tc.valid, validateErr: tc.err}
		m, ev := newManager(t, store, backend)

		state, err := m.Start(context.Background())
		require.NoError(t, err, tc.desc)
		assert.Equal(t, NoSession, state, tc.desc)
		assert.Len(t, backend.validated, 1, tc.desc)
		assert.Nil(t, m.Current(), tc.desc)

		require.Equal(t, []string{bus.AuthSessionExpired}, ev.list(), tc.desc)
		if tc.message != "" {
			assert.Equal(t, tc.message, ev.last().(*bridge.SessionExpiredEvent).Reason, tc.desc)
		}

		_, err = store.Load()
		assert.ErrorIs(t, err, ErrNoSession, tc.desc)
	}
}

func TestStartTooOld(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.Save(stored(8*24*time.Hour)))

	backend := &fakeBackend{valid: true}
	m, ev := newManager(t, store, backend)

	state, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoSession, state)
	assert.Empty(t, backend.validated)
	assert.Empty(t, ev.list())

	_, err = store.Load()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestStartMaxAgeOption(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.Save(stored(2*time.Hour)))

	b := bus.New()
	m := NewManager(b, store, &fakeBackend{valid: true},
		WithClock(func() time.Time { return now }), WithMaxAge(time.Hour))
	defer m.Close()

	state, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoSession, state)
}

func TestStartMalformed(t *testing.T) {
	store := openStore(t)
	seed(t, store, "matrix_client_session", `{"accessToken":`)

	backend := &fakeBackend{valid: true}
	m, ev := newManager(t, store, backend)

	state, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoSession, state)
	assert.Empty(t, ev.list())
	assert.Empty(t, backend.validated)

	_, err = store.Load()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestLogin(t *testing.T) {
	store := openStore(t)
	backend := &fakeBackend{loginRes: &bridge.LoginResult{
		Success: true, AccessToken: "syt_new", UserID: "@alice:example.org", DeviceID: "NEWDEV",
	}}
	m, ev := newManager(t, store, backend)

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Login(context.Background(), "https://example.org", "alice", "secret"))
	assert.Equal(t, Active, m.State())
	assert.Equal(t, []string{bus.AuthLoginStart, bus.AuthLoginSuccess}, ev.list())

	success := ev.last().(*bridge.LoginSuccessEvent)
	assert.Equal(t, "syt_new", success.AccessToken)
	assert.Equal(t, "https://example.org", success.Homeserver)

	persisted, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, m.Current(), persisted)
	assert.Equal(t, now, persisted.CreatedAt)

	// a restart restores the same session
	m2, _ := newManager(t, store, &fakeBackend{valid: true})
	state, err := m2.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Active, state)
	assert.Equal(t, m.Current(), m2.Current())
}

func TestLoginFailure(t *testing.T) {
	store := openStore(t)
	backend := &fakeBackend{loginErr: &backendclient.HTTPError{
		Method: "POST", Path: "/login", StatusCode: 403, ErrCode: "M_FORBIDDEN", Message: "Invalid password",
	}}
	m, ev := newManager(t, store, backend)

	err := m.Login(context.Background(), "https://example.org", "alice", "wrong")
	require.Error(t, err)
	assert.Equal(t, NoSession, m.State())
	assert.Equal(t, []string{bus.AuthLoginStart, bus.AuthLoginError}, ev.list())
	assert.Equal(t, "Invalid password", ev.last().(*bridge.LoginErrorEvent).Error)

	_, err = store.Load()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestLoginPersistFailure(t *testing.T) {
	store := failingStore{openStore(t)}
	backend := &fakeBackend{loginRes: &bridge.LoginResult{Success: true, AccessToken: "t", UserID: "@a:x"}}
	m, ev := newManager(t, store, backend)

	err := m.Login(context.Background(), "https://x", "a", "b")
	require.Error(t, err)
	assert.Equal(t, NoSession, m.State())
	assert.Nil(t, m.Current())
	assert.Equal(t, []string{bus.AuthLoginStart, bus.AuthLoginError}, ev.list())
}

func TestLogout(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.Save(stored(time.Minute)))

	backend := &fakeBackend{valid: true, logoutErr: errors.New("backend down")}
	m, ev := newManager(t, store, backend)

	assert.ErrorIs(t, m.Logout(context.Background()), ErrNotActive)

	_, err := m.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Logout(context.Background()))

	assert.Equal(t, 1, backend.logouts)
	assert.Equal(t, Expired, m.State())
	assert.Nil(t, m.Current())
	assert.Equal(t, []string{bus.AuthSessionRestored, bus.AuthLogout}, ev.list())

	_, err = store.Load()
	assert.ErrorIs(t, err, ErrNoSession)

	installed, err := store.Installed()
	require.NoError(t, err)
	assert.True(t, installed)
}

func TestUnauthorized(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.Save(stored(time.Minute)))

	b := bus.New()
	ev := watch(b)
	m := NewManager(b, store, &fakeBackend{valid: true}, WithClock(func() time.Time { return now }))
	defer m.Close()

	// ignored while not active
	b.Publish(bus.AuthUnauthorized, &bridge.UnauthorizedEvent{Path: "/rooms"})
	assert.Empty(t, ev.list())

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	b.Publish(bus.AuthUnauthorized, &bridge.UnauthorizedEvent{Path: "/rooms"})
	b.Publish(bus.AuthUnauthorized, &bridge.UnauthorizedEvent{Path: "/rooms"})

	assert.Equal(t, Expired, m.State())
	assert.Equal(t, []string{bus.AuthSessionRestored, bus.AuthLogout}, ev.list())
	assert.Equal(t, "unauthorized", ev.last().(*bridge.LogoutEvent).Reason)

	_, err = store.Load()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "NoSession", NoSession.String())
	assert.Equal(t, "Validating", Validating.String())
	assert.Equal(t, "Expired", Expired.String())
	assert.Equal(t, "State(42)", State(42).String())
}
