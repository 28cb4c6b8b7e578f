package connection

import (
	"errors"
	"fmt"
)

// Errors returned by the connection package.
var (
	// ErrNotConnected is returned by Send when the transport is not open.
	ErrNotConnected = errors.New("connection: not connected")

	// ErrAlreadyConnected is returned by Connect while a connection is open or opening.
	ErrAlreadyConnected = errors.New("connection: already connected")

	// ErrReconnectExhausted is returned once the manager reached StatusFailed.
	ErrReconnectExhausted = errors.New("connection: reconnect attempts exhausted")

	// ErrHeartbeatTimeout is reported when a heartbeat is not acknowledged in time.
	ErrHeartbeatTimeout = errors.New("connection: heartbeat timeout")

	// ErrProtocol is reported for frames that cannot be parsed.
	ErrProtocol = errors.New("connection: malformed message")

	// ErrDisconnected is returned by Connect when Disconnect ran during the dial.
	ErrDisconnected = errors.New("connection: disconnected while connecting")
)

// WebSocket close codes the manager cares about.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
	CloseUnauthorized    = 4001
	CloseForbidden       = 4003
	// CloseHeartbeatTimeout is sent when the client gives up on a silent server.
	CloseHeartbeatTimeout = 4008
)

// CloseClass groups close codes by how the manager reacts to them.
type CloseClass int

const (
	CloseClassNormal CloseClass = iota
	CloseClassAbnormal
	CloseClassAuth
)

// ClassifyClose maps a close code to its class. Only an explicit normal
// closure is normal; policy and auth rejections are never retried.
func ClassifyClose(code int) CloseClass {
	switch code {
	case CloseNormal:
		return CloseClassNormal
	case ClosePolicyViolation, CloseUnauthorized, CloseForbidden:
		return CloseClassAuth
	default:
		return CloseClassAbnormal
	}
}

// CloseError is returned by Conn.ReadMessage once the transport has closed.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: code=%d reason=%q", e.Code, e.Reason)
}

// ConnectError reports that the transport failed to open.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connection: connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError reports a credential or policy rejection, at handshake time or
// through a close code.
type AuthError struct {
	Code   int
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("connection: rejected by server: code=%d reason=%q", e.Code, e.Reason)
}

// IsAuthError reports whether err is or wraps an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// closeInfo extracts the close code and reason from a read error.
func closeInfo(err error) (int, string) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason
	}
	return CloseAbnormal, err.Error()
}
