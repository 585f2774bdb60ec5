package natsbus

import "errors"

var (
	// ErrNotConnected is returned when publishing without a live connection.
	ErrNotConnected = errors.New("nats: not connected")

	// ErrConnectionFailed is returned when the server cannot be reached.
	ErrConnectionFailed = errors.New("nats: connection failed")

	// ErrPublishFailed wraps publish and flush failures.
	ErrPublishFailed = errors.New("nats: publish failed")

	// ErrInvalidSubject is returned for an empty base subject.
	ErrInvalidSubject = errors.New("nats: invalid subject")
)
