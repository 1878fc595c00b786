package progress

import "errors"

var (
	ErrNotFound           = errors.New("progress not found")
	ErrAlreadyInitialized = errors.New("progress already initialized")
	ErrNotInitialized     = errors.New("progress not initialized")
	ErrTerminal           = errors.New("progress is terminal")
	ErrInvalidStatus      = errors.New("invalid progress status")

	// errStopped is returned by an actor whose goroutine has exited. The hub
	// treats it as a signal to rehydrate from the store.
	errStopped = errors.New("progress actor stopped")
)
