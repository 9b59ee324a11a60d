package backendclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/desertbit/timer"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Frame is one message received on the push channel.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ListenerConfig struct {
	URL            string
	PluginID       string
	ReconnectDelay time.Duration
	// Active is asked before every (re)connect. The listener gives up as
	// soon as it returns false.
	Active func() bool
	// Token, when set, is sent as a bearer token on the websocket handshake.
	Token func() string
	TLS   *tls.Config
}

// Listener keeps a websocket to the backend push endpoint open while the
// session is active and hands decoded frames to Frames.
type Listener struct {
	sync.Mutex
	*ListenerConfig

	Frames    chan *Frame
	OnConnect func()

	Dialer *websocket.Dialer

	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	logger *logrus.Entry
}

func NewListener(cfg *ListenerConfig, logger *logrus.Entry) *Listener {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}

	if cfg.Active == nil {
		cfg.Active = func() bool { return true }
	}

	return &Listener{
		ListenerConfig: cfg,
		Frames:         make(chan *Frame, 100),
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			TLSClientConfig:  cfg.TLS,
		},
		logger: logger.WithField("prefix", "push"),
	}
}

// Start runs the receive loop in the background. Calling Start on a running
// listener does nothing.
func (l *Listener) Start(ctx context.Context) {
	l.Lock()
	defer l.Unlock()

	if l.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true

	go l.run(ctx, l.done)
}

// Stop closes the connection and abandons any pending reconnect. It waits for
// the receive loop to exit.
func (l *Listener) Stop() {
	l.Lock()
	cancel, done := l.cancel, l.done
	l.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

func (l *Listener) Running() bool {
	l.Lock()
	defer l.Unlock()

	return l.running
}

func (l *Listener) Connected() bool {
	l.Lock()
	defer l.Unlock()

	return l.conn != nil
}

func (l *Listener) run(ctx context.Context, done chan struct{}) {
	defer func() {
		l.Lock()
		l.running = false
		l.cancel = nil
		l.Unlock()
		close(done)
	}()

	for {
		if !l.Active() {
			l.logger.Debug("session not active, not connecting")
			return
		}

		err := l.receive(ctx)
		if ctx.Err() != nil {
			l.logger.Debug("run: ctx.Done() triggered")
			return
		}

		l.logger.Errorf("push channel closed: %s, reconnecting in %s", err, l.ReconnectDelay)

		t := timer.NewTimer(l.ReconnectDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}

		if !l.Active() {
			l.logger.Info("session no longer active, abandoning reconnect")
			return
		}

		reconnectsTotal.Inc()
	}
}

// receive dials, identifies and reads frames until the connection fails or
// ctx is canceled.
func (l *Listener) receive(ctx context.Context) error {
	header := http.Header{}
	if l.Token != nil {
		if token := l.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	l.logger.Debugf("connecting to %s", l.URL)

	conn, _, err := l.Dialer.DialContext(ctx, l.URL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	identify := map[string]string{"type": "identify", "plugin_id": l.PluginID}
	if err := conn.WriteJSON(identify); err != nil {
		conn.Close()
		return fmt.Errorf("identify: %w", err)
	}

	l.Lock()
	l.conn = conn
	l.Unlock()

	defer func() {
		l.Lock()
		l.conn = nil
		l.Unlock()
	}()

	// unblock ReadMessage when we're told to stop
	closed := make(chan struct{})
	defer close(closed)

	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-closed:
			conn.Close()
		}
	}()

	l.logger.Info("push channel connected")

	if l.OnConnect != nil {
		l.OnConnect()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("closed by backend")
			}

			return err
		}

		frame := &Frame{}
		if err := json.Unmarshal(data, frame); err != nil {
			l.logger.Errorf("dropping malformed frame: %s", err)
			continue
		}

		select {
		case l.Frames <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
