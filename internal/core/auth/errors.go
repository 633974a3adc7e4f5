package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthorized is returned by CurrentCredential whenever the manager is
	// not in the Authorized state. Callers must stop and surface the need to
	// re-run the PIN flow rather than retry.
	ErrNotAuthorized = errors.New("auth: not authorized")

	// ErrNoCredential is returned by a TokenStore that holds nothing.
	ErrNoCredential = errors.New("auth: no stored credential")

	ErrMissingClient = errors.New("auth: client id and secret are required")
	ErrEmptyPIN      = errors.New("auth: pin cannot be empty")
)

// ErrorKind classifies a failed PIN exchange.
type ErrorKind string

const (
	KindNetwork   ErrorKind = "network"
	KindRejected  ErrorKind = "rejected"
	KindMalformed ErrorKind = "malformed"
)

// AuthError is returned by ExchangePIN.
type AuthError struct {
	Kind        ErrorKind
	StatusCode  int
	Code        string // OAuth "error" field, when present
	Description string
	Err         error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("auth: pin exchange %s", e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += ": " + e.Code
		if e.Description != "" {
			msg += " - " + e.Description
		}
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsRejected reports whether err is an AuthError caused by the server refusing
// the PIN or the client identifiers.
func IsRejected(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Kind == KindRejected
}
