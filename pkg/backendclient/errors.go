package backendclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrCanceled is returned when the caller or CancelAll aborted a request.
var ErrCanceled = errors.New("request canceled")

// Matrix error codes the backend passes through.
const (
	ErrCodeUnknownToken = "M_UNKNOWN_TOKEN"
	ErrCodeMissingToken = "M_MISSING_TOKEN"
	ErrCodeForbidden    = "M_FORBIDDEN"
)

// HTTPError is a non-2xx answer from the backend.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	ErrCode    string
	Message    string
}

func (e *HTTPError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}

	if e.ErrCode != "" {
		return fmt.Sprintf("%s %s: %s (%s, HTTP %d)", e.Method, e.Path, msg, e.ErrCode, e.StatusCode)
	}

	return fmt.Sprintf("%s %s: %s (HTTP %d)", e.Method, e.Path, msg, e.StatusCode)
}

// TransportError means no HTTP answer was received. Sent is false only when
// the connection was never established, so the backend cannot have seen the
// request.
type TransportError struct {
	Method  string
	Path    string
	Err     error
	Timeout bool
	Sent    bool
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s %s: timeout: %s", e.Method, e.Path, e.Err)
	}

	return fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func parseHTTPError(method, path string, status int, body []byte) *HTTPError {
	e := &HTTPError{Method: method, Path: path, StatusCode: status}

	var payload struct {
		Error   string `json:"error"`
		ErrCode string `json:"errcode"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}

	if err := json.Unmarshal(body, &payload); err == nil {
		e.ErrCode = payload.ErrCode

		switch {
		case payload.Error != "":
			e.Message = payload.Error
		case payload.Message != "":
			e.Message = payload.Message
		default:
			e.Message = payload.Detail
		}
	}

	return e
}

func wasSent(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return false
	}

	return true
}

// IsRetryable reports whether repeating an idempotent request may succeed:
// transport failures, 408, 429 and 5xx.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrCanceled) {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return true
	}

	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusRequestTimeout ||
			he.StatusCode == http.StatusTooManyRequests ||
			he.StatusCode >= 500
	}

	return false
}

// IsUnauthorized reports whether the backend rejected our access token.
func IsUnauthorized(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}

	return he.StatusCode == http.StatusUnauthorized ||
		he.ErrCode == ErrCodeUnknownToken ||
		he.ErrCode == ErrCodeMissingToken
}

// IsAmbiguous reports whether a non-idempotent request may have been applied
// even though it failed.
func IsAmbiguous(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Sent
	}

	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 500
	}

	return false
}

// StatusCode returns the HTTP status of err or 0.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}

	return 0
}
