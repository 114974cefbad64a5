package session

import "github.com/pkg/errors"

// Sentinel errors for the kinds named in the spec's error-handling design.
// Check with errors.Is; RemoteError additionally carries the peer's text.
var (
	ErrIO                   = errors.New("anytls: io error")
	ErrTLS                  = errors.New("anytls: tls error")
	ErrAuthenticationFailed = errors.New("anytls: authentication failed")
	ErrStreamNotFound       = errors.New("anytls: stream not found")
	ErrSessionClosed        = errors.New("anytls: session closed")
	ErrInvalidFrame         = errors.New("anytls: invalid frame")
	ErrSynAckTimeout        = errors.New("anytls: syn_ack timeout")
	ErrHeartbeatTimeout     = errors.New("anytls: heartbeat timeout")
)

// ErrProtocol wraps a detail string for a generic protocol violation.
func ErrProtocol(detail string) error {
	return errors.Errorf("anytls: protocol error: %s", detail)
}

// RemoteError is returned to a Stream's opener when the peer's SYN_ACK (or
// a Session-wide ALERT) carries an error reason rather than success.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string { return "anytls: remote error: " + e.Reason }

// IsRemoteError reports whether err is (or wraps) a *RemoteError.
func IsRemoteError(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
