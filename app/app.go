package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spf13/viper"

	"github.com/42wim/mxpane/bridge/backend"
	"github.com/42wim/mxpane/bus"
	"github.com/42wim/mxpane/pkg/backendclient"
	"github.com/42wim/mxpane/session"
	"github.com/42wim/mxpane/store"
)

// App holds one instance of every component. It is built once at startup
// and handed to whatever needs it.
type App struct {
	v *viper.Viper

	Bus      *bus.EventBus
	Client   *backendclient.Client
	Backend  *backend.Client
	Session  *session.Manager
	Auth     *store.AuthStore
	Rooms    *store.RoomsStore
	Typer    *backend.Typer
	Listener *backendclient.Listener
	Pusher   *backend.Pusher

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	unsubs   []func()
	connects int32
}

func New(v *viper.Viper, sessions session.Store) (*App, error) {
	if v.GetString("backend.url") == "" {
		return nil, fmt.Errorf("backend.url not set")
	}

	tlsCfg, err := backendclient.TLSConfig(v.GetString("backend.tlscert"), v.GetString("backend.tlskey"),
		v.GetBool("backend.insecure"), logger)
	if err != nil {
		return nil, fmt.Errorf("loading backend TLS settings: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		v:      v,
		Bus:    bus.New(),
		ctx:    ctx,
		cancel: cancel,
	}

	a.Client = backendclient.New(&backendclient.Config{
		URL:        v.GetString("backend.url"),
		Timeout:    v.GetDuration("backend.timeout"),
		Retries:    v.GetInt("backend.retries"),
		RetryDelay: v.GetDuration("backend.retrydelay"),
		TLS:        tlsCfg,
	})

	switch {
	case v.GetBool("trace"):
		a.Client.SetLogLevel("trace")
	case v.GetBool("debug"):
		a.Client.SetLogLevel("debug")
	}

	a.Backend = backend.New(a.Client, a.Bus, &backend.Config{
		EnableEncryption:   v.GetBool("backend.encryption"),
		ReadMarkerThrottle: v.GetDuration("readmarker.throttle"),
	})

	a.Session = session.NewManager(a.Bus, sessions, a.Backend,
		session.WithMaxAge(v.GetDuration("session.maxage")),
		session.WithEncryption(v.GetBool("backend.encryption")),
	)

	a.Auth = store.NewAuthStore(a.Bus)
	a.Rooms = store.NewRoomsStore(a.Bus)
	a.Typer = backend.NewTyper(ctx, a.Backend, a.Bus, v.GetDuration("typing.timeout"))

	a.Listener = backendclient.NewListener(&backendclient.ListenerConfig{
		URL:            v.GetString("backend.push"),
		PluginID:       v.GetString("backend.pluginid"),
		ReconnectDelay: v.GetDuration("push.reconnectdelay"),
		Active:         func() bool { return a.Session.State() == session.Active },
		Token:          a.Client.Token,
		TLS:            tlsCfg,
	}, logger)
	a.Listener.OnConnect = a.onPushConnect

	a.Pusher = backend.NewPusher(a.Bus, a.Listener.Frames)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Pusher.Run(ctx)
	}()

	start := func(interface{}) { a.startPush() }
	stop := func(interface{}) { a.stopPush() }

	a.unsubs = append(a.unsubs,
		a.Bus.Subscribe(bus.AuthLoginSuccess, start),
		a.Bus.Subscribe(bus.AuthSessionRestored, start),
		a.Bus.Subscribe(bus.AuthLogout, stop),
		a.Bus.Subscribe(bus.AuthSessionExpired, stop),
	)

	return a, nil
}

func (a *App) startPush() {
	if a.v.GetString("backend.push") == "" {
		logger.Info("backend.push not set, running without push channel")
		return
	}

	atomic.StoreInt32(&a.connects, 0)
	a.Listener.Start(a.ctx)
}

func (a *App) stopPush() {
	a.Listener.Stop()
}

// onPushConnect refreshes the rooms after a reconnect, the push channel
// does not replay what we missed.
func (a *App) onPushConnect() {
	if atomic.AddInt32(&a.connects, 1) == 1 {
		return
	}

	go func() {
		if err := a.Refresh(a.ctx); err != nil {
			logger.Errorf("refresh after reconnect failed: %s", err)
		}
	}()
}

// Start restores a stored session and loads the rooms when that worked.
func (a *App) Start(ctx context.Context) (session.State, error) {
	state, err := a.Session.Start(ctx)
	if err != nil || state != session.Active {
		return state, err
	}

	return state, a.Refresh(ctx)
}

func (a *App) Login(ctx context.Context, homeserver, username, password string) error {
	if err := a.Session.Login(ctx, homeserver, username, password); err != nil {
		return err
	}

	return a.Refresh(ctx)
}

func (a *App) Logout(ctx context.Context) error {
	return a.Session.Logout(ctx)
}

// Refresh reloads the room list and then the space hierarchy.
func (a *App) Refresh(ctx context.Context) error {
	if _, err := a.Backend.GetRooms(ctx); err != nil {
		return err
	}

	if _, err := a.Backend.SyncHierarchy(ctx); err != nil {
		logger.Errorf("failed to sync space hierarchy: %s", err)
		return err
	}

	return nil
}

// Close stops the push channel, aborts pending requests and drops every
// subscription. The session store is left open.
func (a *App) Close() {
	for _, unsub := range a.unsubs {
		unsub()
	}

	a.Listener.Stop()
	a.cancel()
	a.wg.Wait()

	a.Rooms.Close()
	a.Auth.Close()
	a.Session.Close()
	a.Backend.Close()
	a.Bus.UnsubscribeAll()
}
