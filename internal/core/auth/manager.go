// Package auth drives the Nest PIN authorization flow and owns the access
// credential used by the stream and command clients.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultAuthorizeURL = "https://home.nest.com/login/oauth2"
	DefaultTokenURL     = "https://api.home.nest.com/oauth2/access_token"
)

// Config holds the endpoints and options of a Manager.
type Config struct {
	AuthorizeURL string
	TokenURL     string
	// ProductVersion is the minimum client version this integration was built
	// for. Zero disables the check.
	ProductVersion int
	// AccessToken, when set, is used as an already-issued credential and the
	// token store is not consulted.
	AccessToken string
	HTTPClient  *http.Client
}

// Manager owns the credential lifecycle.
type Manager struct {
	cfg        Config
	store      TokenStore
	httpClient *http.Client
	log        *slog.Logger
	now        func() time.Time

	mu              sync.RWMutex
	cred            *Credential
	issued          bool
	pending         bool
	unauthorized    bool
	versionMismatch bool
}

// NewManager creates a manager and loads any cached credential from store.
// A missing or unreadable cache leaves the manager unauthorized.
func NewManager(ctx context.Context, cfg Config, store TokenStore, log *slog.Logger) *Manager {
	if cfg.AuthorizeURL == "" {
		cfg.AuthorizeURL = DefaultAuthorizeURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if store == nil {
		store = NewMemoryTokenStore()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	m := &Manager{
		cfg:        cfg,
		store:      store,
		httpClient: httpClient,
		log:        log,
		now:        time.Now,
	}

	if cfg.AccessToken != "" {
		m.cred = &Credential{AccessToken: cfg.AccessToken}
		m.issued = true
		return m
	}

	cred, err := store.Load(ctx)
	switch {
	case err == nil:
		m.cred = cred
		m.issued = true
		log.Info("loaded cached credential", "expires_at", cred.ExpiresAt)
	case errors.Is(err, ErrNoCredential):
		log.Debug("no cached credential")
	default:
		log.Warn("ignoring unreadable credential cache", "error", err)
	}
	return m
}

// BeginAuthorization returns the URL the user must open to obtain a PIN.
func (m *Manager) BeginAuthorization(clientID, clientSecret string) (string, error) {
	if clientID == "" || clientSecret == "" {
		return "", ErrMissingClient
	}

	u, err := url.Parse(m.cfg.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("auth: authorize url: %w", err)
	}
	q := u.Query()
	q.Set("client_id", clientID)
	q.Set("state", randomState())
	u.RawQuery = q.Encode()

	m.mu.Lock()
	m.pending = true
	m.mu.Unlock()

	return u.String(), nil
}

// State computes the authorization state from the credential and the last
// observed server response.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	switch {
	case m.cred == nil && !m.issued && !m.pending:
		return NeverAuthorized
	case m.cred != nil && m.unauthorized:
		return InvalidToken
	case m.versionMismatch:
		return ClientVersionOutOfDate
	case m.cred.Expired(m.now()):
		if m.pending {
			return Pending
		}
		return AuthorizationRequired
	default:
		return Authorized
	}
}

// CurrentCredential returns a copy of the credential when Authorized.
func (m *Manager) CurrentCredential() (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if st := m.stateLocked(); st != Authorized {
		return Credential{}, fmt.Errorf("%w (%s)", ErrNotAuthorized, st)
	}
	return *m.cred, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ExchangePIN trades a PIN for an access token in a single round trip and
// stores the result. Failures are never retried here.
func (m *Manager) ExchangePIN(ctx context.Context, pin, clientID, clientSecret string) (Credential, error) {
	pin = strings.TrimSpace(pin)
	if pin == "" {
		return Credential{}, ErrEmptyPIN
	}
	if clientID == "" || clientSecret == "" {
		return Credential{}, ErrMissingClient
	}

	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("code", pin)
	form.Set("grant_type", "authorization_code")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, &AuthError{Kind: KindNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Credential{}, &AuthError{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credential{}, &AuthError{Kind: KindNetwork, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		ae := &AuthError{Kind: KindRejected, StatusCode: resp.StatusCode}
		if resp.StatusCode >= 500 {
			ae.Kind = KindNetwork
		}
		var er tokenErrorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			ae.Code = er.Error
			ae.Description = er.ErrorDescription
		} else {
			ae.Err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		m.log.Warn("pin exchange failed", "status", resp.StatusCode, "error", ae.Code)
		return Credential{}, ae
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Credential{}, &AuthError{Kind: KindMalformed, StatusCode: resp.StatusCode, Err: err}
	}
	if tr.AccessToken == "" {
		return Credential{}, &AuthError{Kind: KindMalformed, StatusCode: resp.StatusCode, Err: errors.New("response has no access_token")}
	}

	cred := Credential{AccessToken: tr.AccessToken}
	if tr.ExpiresIn > 0 {
		cred.ExpiresAt = m.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	m.mu.Lock()
	m.cred = &cred
	m.issued = true
	m.pending = false
	m.unauthorized = false
	m.versionMismatch = false
	m.mu.Unlock()

	if err := m.store.Save(ctx, &cred); err != nil {
		m.log.Warn("failed to cache credential", "error", err)
	}
	m.log.Info("pin exchange succeeded", "expires_at", cred.ExpiresAt)
	return cred, nil
}

// ReportStatus records the HTTP status of an authenticated API call.
// 401 and 403 mark the credential invalid.
func (m *Manager) ReportStatus(code int) {
	if code != http.StatusUnauthorized && code != http.StatusForbidden {
		return
	}
	m.mu.Lock()
	m.unauthorized = true
	m.mu.Unlock()
	m.log.Warn("server rejected credential", "status", code)
}

// Revoke marks the current credential invalid after the server reported
// that it was revoked.
func (m *Manager) Revoke() {
	m.mu.Lock()
	m.unauthorized = true
	m.mu.Unlock()
	m.log.Warn("credential revoked by server")
}

// ObserveClientVersion records the client version reported by the server.
// It returns false when the version is below the configured product version.
func (m *Manager) ObserveClientVersion(ctx context.Context, v int) bool {
	m.mu.Lock()
	mismatch := m.cfg.ProductVersion > 0 && v < m.cfg.ProductVersion
	m.versionMismatch = mismatch

	var save *Credential
	if m.cred != nil && m.cred.ClientVersion != v {
		m.cred.ClientVersion = v
		cp := *m.cred
		save = &cp
	}
	m.mu.Unlock()

	if save != nil && m.cfg.AccessToken == "" {
		if err := m.store.Save(ctx, save); err != nil {
			m.log.Warn("failed to cache credential", "error", err)
		}
	}
	if mismatch {
		m.log.Warn("client version out of date", "client_version", v, "product_version", m.cfg.ProductVersion)
	}
	return !mismatch
}

func randomState() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
