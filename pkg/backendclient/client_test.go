package backendclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *Client {
	c := New(&Config{
		URL:        url,
		Timeout:    2 * time.Second,
		Retries:    3,
		RetryDelay: time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	c.SetLogLevel("error")

	return c
}

func TestDoRetriesIdempotent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"rooms":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	body, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/rooms", Retry: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"rooms":[]}`, string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, c.Pending())
}

func TestDoGivesUpAfterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/rooms", Retry: true})
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDoNoRetry(t *testing.T) {
	tests := []struct {
		Desc   string
		Status int
		Retry  bool
	}{
		{Desc: "client error is final", Status: http.StatusBadRequest, Retry: true},
		{Desc: "unauthorized is final", Status: http.StatusUnauthorized, Retry: true},
		{Desc: "non idempotent request", Status: http.StatusInternalServerError, Retry: false},
	}

	for _, tc := range tests {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(tc.Status)
			w.Write([]byte(`{"error":"nope","errcode":"M_UNKNOWN"}`))
		}))

		c := newTestClient(srv.URL)
		_, err := c.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/x", Retry: tc.Retry})
		srv.Close()

		var he *HTTPError
		require.True(t, errors.As(err, &he), tc.Desc)
		assert.Equal(t, tc.Status, he.StatusCode, tc.Desc)
		assert.Equal(t, "nope", he.Message, tc.Desc)
		assert.Equal(t, "M_UNKNOWN", he.ErrCode, tc.Desc)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls), tc.Desc)
	}
}

func TestDoSendsTokenAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hi", body["message"])
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL + "/")
	c.SetToken("secret-token")

	_, err := c.Do(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/send",
		Query:  map[string][]string{"limit": {"10"}},
		Body:   map[string]string{"message": "hi"},
	})
	require.NoError(t, err)
}

func TestDoTokenOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer other", r.Header.Get("Authorization"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.SetToken("mine")

	_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/status", Token: "other"})
	require.NoError(t, err)
}

func TestCancelAll(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(srv.URL)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/slow", Retry: true})
		errc <- err
	}()

	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)
	c.CancelAll()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrCanceled)
	case <-time.After(2 * time.Second):
		t.Fatal("request was not canceled")
	}
}

func TestCallerCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Do(ctx, &Request{Method: http.MethodGet, Path: "/slow"})
	assert.ErrorIs(t, err, ErrCanceled)
	assert.False(t, IsRetryable(err))
}

func TestTimeoutIsAmbiguous(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(srv.URL)
	c.Timeout = 20 * time.Millisecond

	_, err := c.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/send"})

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Timeout)
	assert.True(t, IsAmbiguous(err))
	assert.True(t, IsRetryable(err))
}

func TestDialErrorIsNotAmbiguous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := newTestClient(url)
	_, err := c.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/send"})

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.False(t, te.Sent)
	assert.False(t, IsAmbiguous(err))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsUnauthorized(&HTTPError{StatusCode: 401}))
	assert.True(t, IsUnauthorized(&HTTPError{StatusCode: 403, ErrCode: ErrCodeUnknownToken}))
	assert.False(t, IsUnauthorized(&HTTPError{StatusCode: 403, ErrCode: ErrCodeForbidden}))
	assert.False(t, IsUnauthorized(errors.New("boom")))

	assert.True(t, IsRetryable(&HTTPError{StatusCode: 429}))
	assert.True(t, IsRetryable(&HTTPError{StatusCode: 408}))
	assert.False(t, IsRetryable(&HTTPError{StatusCode: 404}))

	assert.True(t, IsAmbiguous(&HTTPError{StatusCode: 502}))
	assert.False(t, IsAmbiguous(&HTTPError{StatusCode: 400}))

	assert.Equal(t, "GET /x: Not Found (HTTP 404)", (&HTTPError{Method: "GET", Path: "/x", StatusCode: 404}).Error())
}
