package storage

import "errors"

var (
	// ErrInvalidBackend is returned when an invalid backend type is specified
	ErrInvalidBackend = errors.New("invalid storage backend")

	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed is returned when connection to storage fails
	ErrConnectionFailed = errors.New("connection failed")

	// ErrStore wraps every backend failure on a read or write
	ErrStore = errors.New("store error")

	// ErrInvalidMatchclass is returned for names that cannot be used as keys
	ErrInvalidMatchclass = errors.New("invalid matchclass")

	// ErrUnknownParam is returned for daemon parameters that do not exist
	ErrUnknownParam = errors.New("unknown daemon parameter")

	// ErrClosed is returned when attempting to use a closed storage
	ErrClosed = errors.New("storage is closed")
)
