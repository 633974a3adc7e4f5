// Package command writes device and structure properties back to the Nest
// API. Writes are fire-and-forget from the tree's point of view: the stream
// delivers the confirming patch.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/trymwestin/nest/internal/core/auth"
	"github.com/trymwestin/nest/internal/core/transport"
)

const DefaultBaseURL = "https://developer-api.nest.com"

var (
	ErrUnauthorized = errors.New("command: unauthorized")
	ErrRateLimited  = errors.New("command: rate limited")
	ErrEmptyPath    = errors.New("command: path cannot be empty")
	ErrNoValues     = errors.New("command: nothing to write")
)

// APIError is a non-success response from the write endpoint.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("command: API error %d", e.StatusCode)
	}
	return fmt.Sprintf("command: API error %d: %s", e.StatusCode, e.Message)
}

// Credentials supplies the bearer token and receives rejected statuses.
type Credentials interface {
	CurrentCredential() (auth.Credential, error)
	ReportStatus(code int)
}

// Config tunes the sink.
type Config struct {
	BaseURL string
	// MaxRetries bounds how many 429 responses are retried per write.
	MaxRetries int
	// DefaultRetryWait is used when a 429 carries no usable Retry-After.
	DefaultRetryWait time.Duration
	HTTPClient       *http.Client
}

// DefaultConfig returns the defaults used against the public API.
func DefaultConfig() Config {
	return Config{
		BaseURL:          DefaultBaseURL,
		MaxRetries:       10,
		DefaultRetryWait: 5 * time.Second,
	}
}

// Sink issues authenticated property writes.
type Sink struct {
	cfg   Config
	creds Credentials
	http  *http.Client
	log   *slog.Logger
}

// NewSink creates a sink. Redirects are handled by the sink itself so the
// bearer header survives them.
func NewSink(cfg Config, creds Credentials, log *slog.Logger) *Sink {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.DefaultRetryWait <= 0 {
		cfg.DefaultRetryWait = def.DefaultRetryWait
	}

	var hc http.Client
	if cfg.HTTPClient != nil {
		hc = *cfg.HTTPClient
	}
	if hc.Timeout == 0 {
		hc.Timeout = 30 * time.Second
	}
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Sink{cfg: cfg, creds: creds, http: &hc, log: log}
}

// Set writes values at path (for example /devices/thermostats/<id>).
func (s *Sink) Set(ctx context.Context, path string, values map[string]any) error {
	if strings.TrimSpace(path) == "" {
		return ErrEmptyPath
	}
	if len(values) == 0 {
		return ErrNoValues
	}

	cred, err := s.creds.CurrentCredential()
	if err != nil {
		return fmt.Errorf("command: set %s: %w", path, err)
	}

	body, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("command: marshal %s: %w", path, err)
	}

	target := strings.TrimRight(s.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	redirected := false
	retries := 0

	for {
		resp, respBody, err := s.put(ctx, target, cred.AccessToken, body)
		if err != nil {
			return fmt.Errorf("command: set %s: %w", path, err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			s.log.Debug("property write accepted", "path", path, "status", resp.StatusCode)
			return nil

		case resp.StatusCode == http.StatusTemporaryRedirect && !redirected:
			loc, err := resolveLocation(target, resp.Header.Get("Location"))
			if err != nil {
				return fmt.Errorf("command: set %s: %w", path, err)
			}
			s.log.Debug("following write redirect", "location", loc)
			target = loc
			redirected = true

		case resp.StatusCode == http.StatusTooManyRequests:
			if retries >= s.cfg.MaxRetries {
				return fmt.Errorf("command: set %s: %w after %d retries", path, ErrRateLimited, retries)
			}
			retries++
			wait := transport.ParseRetryAfter(resp.Header.Get("Retry-After"))
			if wait <= 0 {
				wait = s.cfg.DefaultRetryWait
			}
			s.log.Warn("write rate limited", "path", path, "retry_in", wait, "attempt", retries)
			if err := sleep(ctx, wait); err != nil {
				return fmt.Errorf("command: set %s: %w", path, err)
			}

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			s.creds.ReportStatus(resp.StatusCode)
			return fmt.Errorf("command: set %s: %w", path, ErrUnauthorized)

		default:
			return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
		}
	}
}

func (s *Sink) put(ctx context.Context, target, token string, body []byte) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, nil, err
	}
	return resp, respBody, nil
}

func resolveLocation(base, loc string) (string, error) {
	if loc == "" {
		return "", errors.New("redirect without Location")
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u, err := b.Parse(loc)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return strings.TrimSpace(string(body))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
