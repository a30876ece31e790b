package trails

import "errors"

var (
	// Intent API errors.
	ErrAlreadyExists   = errors.New("participant already exists")
	ErrUnknownParent   = errors.New("unknown parent")
	ErrInvalidDeadline = errors.New("invalid start deadline")
	ErrNotScheduled    = errors.New("session is not scheduled")

	// Registration errors. All of these tear down the transport.
	ErrUnknown          = errors.New("unknown participant")
	ErrNotExpected      = errors.New("session not expecting registration")
	ErrParentMismatch   = errors.New("claimed parent does not match registry")
	ErrAlreadyConnected = errors.New("participant already connected")
	ErrKeyMismatch      = errors.New("public key does not match registry")

	// Data-path errors. These drop the message, not the session.
	ErrSignatureInvalid  = errors.New("signature verification failed")
	ErrSequenceViolation = errors.New("sequence number not monotone")
	ErrNotConnected      = errors.New("session has no live transport")

	// Store errors.
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrStoreUnavailable  = errors.New("durable store unavailable")

	// Transport errors.
	ErrProtocol     = errors.New("protocol error")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)
