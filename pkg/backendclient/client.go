package backendclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
)

type Config struct {
	URL        string
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	MaxDelay   time.Duration
	TLS        *tls.Config
}

type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   interface{}
	// Retry allows repeating the request on transport errors, 408, 429 and
	// 5xx. Only set it for idempotent calls.
	Retry bool
	// Token overrides the client token for this request.
	Token string
}

// Client talks JSON over HTTP to the message-proxy backend.
type Client struct {
	sync.RWMutex
	*Config

	HTTPClient *http.Client

	token   string
	pending map[uint64]context.CancelFunc
	nextID  uint64

	logger     *logrus.Entry
	rootLogger *logrus.Logger
}

func New(cfg *Config) *Client {
	rootLogger := logrus.New()
	rootLogger.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 13,
		DisableColors: true,
	})

	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	if cfg.Retries < 1 {
		cfg.Retries = 1
	}

	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}

	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 30 * time.Second
	}

	cfg.URL = strings.TrimRight(cfg.URL, "/")

	return &Client{
		Config: cfg,
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: cfg.TLS,
			},
		},
		pending:    make(map[uint64]context.CancelFunc),
		rootLogger: rootLogger,
		logger:     rootLogger.WithFields(logrus.Fields{"prefix": "backendclient"}),
	}
}

func (c *Client) SetToken(token string) {
	c.Lock()
	c.token = token
	c.Unlock()
}

func (c *Client) Token() string {
	c.RLock()
	defer c.RUnlock()

	return c.token
}

// Do sends req and returns the raw response body of a 2xx answer.
func (c *Client) Do(ctx context.Context, req *Request) ([]byte, error) {
	attempts := 1
	if req.Retry {
		attempts = c.Retries
	}

	b := &backoff.Backoff{
		Min:    c.RetryDelay,
		Max:    c.MaxDelay,
		Factor: 2,
	}

	for attempt := 1; ; attempt++ {
		body, err := c.once(ctx, req)
		if err == nil {
			return body, nil
		}

		if attempt >= attempts || !IsRetryable(err) {
			return nil, err
		}

		d := b.Duration()
		retriesTotal.Inc()
		c.logger.Debugf("%s, retrying in %s (attempt %d/%d)", err, d, attempt+1, attempts)

		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, ErrCanceled)
		}
	}
}

func (c *Client) once(ctx context.Context, req *Request) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	id := c.track(cancel)
	defer c.untrack(id)

	hreq, err := c.newRequest(rctx, req)
	if err != nil {
		return nil, err
	}

	c.logger.Debugf("%s %s", req.Method, req.Path)

	resp, err := c.HTTPClient.Do(hreq)
	if err != nil {
		requestsTotal.WithLabelValues(req.Method, "error").Inc()

		if errors.Is(rctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, ErrCanceled)
		}

		return nil, &TransportError{
			Method:  req.Method,
			Path:    req.Path,
			Err:     err,
			Timeout: errors.Is(rctx.Err(), context.DeadlineExceeded),
			Sent:    wasSent(err),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		requestsTotal.WithLabelValues(req.Method, "error").Inc()

		if errors.Is(rctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, ErrCanceled)
		}

		return nil, &TransportError{
			Method:  req.Method,
			Path:    req.Path,
			Err:     err,
			Timeout: errors.Is(rctx.Err(), context.DeadlineExceeded),
			Sent:    true,
		}
	}

	requestsTotal.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseHTTPError(req.Method, req.Path, resp.StatusCode, body)
	}

	c.logger.Tracef("%s %s: %s", req.Method, req.Path, body)

	return body, nil
}

func (c *Client) newRequest(ctx context.Context, req *Request) (*http.Request, error) {
	u := c.URL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader

	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("%s %s: encoding body: %w", req.Method, req.Path, err)
		}

		body = bytes.NewReader(data)
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, err
	}

	hreq.Header.Set("Accept", "application/json")

	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}

	token := req.Token
	if token == "" {
		token = c.Token()
	}

	if token != "" {
		hreq.Header.Set("Authorization", "Bearer "+token)
	}

	return hreq, nil
}

func (c *Client) track(cancel context.CancelFunc) uint64 {
	c.Lock()
	defer c.Unlock()

	c.nextID++
	c.pending[c.nextID] = cancel

	return c.nextID
}

func (c *Client) untrack(id uint64) {
	c.Lock()
	delete(c.pending, id)
	c.Unlock()
}

// Pending returns the number of requests in flight.
func (c *Client) Pending() int {
	c.RLock()
	defer c.RUnlock()

	return len(c.pending)
}

// CancelAll aborts every request in flight.
func (c *Client) CancelAll() {
	c.Lock()
	defer c.Unlock()

	c.logger.Debugf("canceling %d pending request(s)", len(c.pending))

	for id, cancel := range c.pending {
		cancel()
		delete(c.pending, id)
	}
}

// SetLogLevel tries to parse the specified level and if successful sets
// the log level accordingly. Accepted levels are: 'debug', 'info', 'warn',
// 'error', 'fatal' and 'panic'.
func (c *Client) SetLogLevel(level string) {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		c.logger.Warnf("Failed to parse specified log-level '%s': %#v", level, err)
	} else {
		c.rootLogger.SetLevel(l)
	}
}
