package computer

import "errors"

// Sentinel errors for the computer bridge.
// Callers match them with errors.Is; most are wrapped with context.
var (
	// ErrNotConnected is returned when no computer is connected, or the
	// registered connection is no longer open. Nothing was sent.
	ErrNotConnected = errors.New("computer: not connected")

	// ErrMalformedPayload marks an inbound frame that is not valid JSON or
	// an update that lacks computerName or computerId.
	ErrMalformedPayload = errors.New("computer: malformed payload")

	// ErrUnknownType marks a structured frame whose type is not handled.
	ErrUnknownType = errors.New("computer: unknown message type")

	// ErrTimeout is returned when a wait for a reply exceeds the response timeout.
	ErrTimeout = errors.New("computer: timed out waiting for reply")

	// ErrConnectionClosed is returned to anything waiting on a link that closed.
	ErrConnectionClosed = errors.New("computer: connection closed")

	// ErrSendFailed wraps a transport write failure.
	ErrSendFailed = errors.New("computer: send failed")
)
