package server

import "errors"

var (
	// ErrNoHandler is returned by Run when no handler factory was set.
	ErrNoHandler = errors.New("no connection handler configured")

	// ErrNoListeners is returned by Run when the configuration has no listeners.
	ErrNoListeners = errors.New("no listeners configured")
)
