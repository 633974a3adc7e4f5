package auth

import "time"

// Credential is a cached access token for the Nest API.
type Credential struct {
	AccessToken   string    `json:"access_token"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	ClientVersion int       `json:"client_version,omitempty"`
}

// Expired reports whether the credential has a known expiry that has passed.
// A zero ExpiresAt never expires.
func (c *Credential) Expired(now time.Time) bool {
	if c == nil || c.AccessToken == "" {
		return true
	}
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt)
}

// State is the authorization state derived from the credential and the most
// recent server response.
type State int

const (
	NeverAuthorized State = iota
	AuthorizationRequired
	Pending
	Authorized
	InvalidToken
	ClientVersionOutOfDate
)

func (s State) String() string {
	switch s {
	case NeverAuthorized:
		return "never_authorized"
	case AuthorizationRequired:
		return "authorization_required"
	case Pending:
		return "pending"
	case Authorized:
		return "authorized"
	case InvalidToken:
		return "invalid_token"
	case ClientVersionOutOfDate:
		return "client_version_out_of_date"
	default:
		return "unknown"
	}
}

// MarshalText lets State appear by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
