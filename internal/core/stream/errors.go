package stream

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning = errors.New("stream: already running")
	ErrStopped        = errors.New("stream: client stopped")

	errIdleTimeout = errors.New("no event within idle timeout")
)

// ErrorKind classifies a stream failure.
type ErrorKind string

const (
	KindConnectionLost    ErrorKind = "connection_lost"
	KindProtocolMalformed ErrorKind = "protocol_malformed"
	KindAuthRevoked       ErrorKind = "auth_revoked"
	KindRedirect          ErrorKind = "redirect"
)

// StreamError describes why a streaming session ended.
type StreamError struct {
	Kind ErrorKind
	// Location is set for redirects.
	Location string
	// Snapshot marks a malformed full snapshot, as opposed to a bad patch.
	Snapshot bool
	Err      error
}

func (e *StreamError) Error() string {
	switch {
	case e.Kind == KindRedirect:
		return "stream: redirect to " + e.Location
	case e.Err != nil:
		return fmt.Sprintf("stream: %s: %v", e.Kind, e.Err)
	default:
		return "stream: " + string(e.Kind)
	}
}

func (e *StreamError) Unwrap() error { return e.Err }

// IsAuthRevoked reports whether err means the server rejected the credential.
func IsAuthRevoked(err error) bool {
	var se *StreamError
	return errors.As(err, &se) && se.Kind == KindAuthRevoked
}

// IsProtocolError reports whether err is a malformed-protocol failure.
func IsProtocolError(err error) bool {
	var se *StreamError
	return errors.As(err, &se) && se.Kind == KindProtocolMalformed
}
