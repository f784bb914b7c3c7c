package gateway

import (
	"errors"
	"fmt"
)

// Peer error codes carried on response frames. Classification always happens
// on the code, never on the message text.
const (
	CodeHashConflict  = "HASH_CONFLICT"
	CodeInvalidPatch  = "INVALID_PATCH"
	CodeUnknownMethod = "UNKNOWN_METHOD"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeInternal      = "INTERNAL"
)

var (
	// ErrNotConnected means no live transport exists for the instance.
	ErrNotConnected = errors.New("gateway: instance not connected")

	// ErrTimeout means the peer did not answer within the request window.
	ErrTimeout = errors.New("gateway: request timed out")

	// ErrTransportClosed rejects every request still pending when a
	// connection is torn down.
	ErrTransportClosed = errors.New("gateway: transport closed")

	// ErrUnsupportedProtocol is returned by NewAdapter when the peer
	// negotiated a protocol version this build does not speak.
	ErrUnsupportedProtocol = errors.New("gateway: unsupported protocol version")
)

// RPCError is a structured failure reported by the peer.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("gateway: remote error %s: %s", e.Code, e.Message)
}

// IsNotConnected reports whether err means the instance has no live transport.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsHashConflict reports whether err is the peer's optimistic-concurrency
// rejection of a config patch.
func IsHashConflict(err error) bool {
	var re *RPCError
	return errors.As(err, &re) && re.Code == CodeHashConflict
}

// IsUnreachable reports whether err indicates the peer could not be talked to
// at all, as opposed to the peer answering with a structured failure.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrTransportClosed)
}
