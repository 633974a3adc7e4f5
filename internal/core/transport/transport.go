// Package transport opens the long-lived push connection to the Nest API and
// turns it into a sequence of typed events.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Event is one message pushed by the server.
type Event struct {
	// Type is the discriminator ("put", "keep-alive", "auth_revoked", ...).
	Type string
	// Data is the raw JSON payload.
	Data []byte
}

// Conn is an open push connection.
type Conn interface {
	// Recv blocks until the next event arrives or the connection fails.
	Recv(ctx context.Context) (Event, error)
	// Close tears the connection down and unblocks a pending Recv.
	Close() error
}

// Dialer opens push connections.
type Dialer interface {
	Dial(ctx context.Context, url, accessToken string) (Conn, error)
}

// ErrUnauthorized matches connection attempts rejected with 401 or 403.
var ErrUnauthorized = errors.New("transport: unauthorized")

// StatusError is an unexpected HTTP status on connect.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("transport: HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("transport: HTTP %d", e.StatusCode)
}

// Is lets errors.Is match ErrUnauthorized for 401/403.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// RedirectError tells the caller to reconnect to Location.
type RedirectError struct {
	Location string
}

func (e *RedirectError) Error() string {
	return "transport: redirected to " + e.Location
}

// RateLimitError is a 429 on connect.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return "transport: rate limited (retry after " + e.RetryAfter.String() + ")"
	}
	return "transport: rate limited"
}

// ParseRetryAfter parses a Retry-After header given as delta-seconds or an
// HTTP date. It returns 0 when the value is absent or unusable.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// classify maps a non-success connect response to an error.
func classify(resp *http.Response, body string) error {
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		loc, err := resp.Location()
		if err != nil {
			return fmt.Errorf("transport: redirect without location: %w", err)
		}
		return &RedirectError{Location: loc.String()}
	case http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"))}
	default:
		return &StatusError{StatusCode: resp.StatusCode, Body: body}
	}
}
