package model

import "errors"

var (
	// ErrInvalidConfiguration is returned when the manager configuration cannot be used.
	// It is the only error that prevents a manager from being constructed.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrConfirmationFailed is reported when the authority refuses or cannot be reached
	// while confirming a worker. The session is closed and the worker never becomes active.
	ErrConfirmationFailed = errors.New("confirmation failed")

	// ErrRejectionFailed is reported when the authority cannot record a worker's departure.
	// The worker has already been removed locally.
	ErrRejectionFailed = errors.New("rejection failed")

	// ErrWorkerDisconnected is reported when the session of an active worker is lost.
	ErrWorkerDisconnected = errors.New("connection to the worker has been lost")

	// ErrHandlerPanic wraps a panic recovered from a user supplied callback.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrDispatcherSealed is returned when a handler is registered after launch.
	ErrDispatcherSealed = errors.New("handlers cannot be registered after launch")

	// ErrReservedEvent is returned when a handler is registered for the bootstrap event.
	ErrReservedEvent = errors.New("event name is reserved")

	// ErrAlreadyLaunched is returned when Launch is called twice.
	ErrAlreadyLaunched = errors.New("manager already launched")

	// ErrManagerClosed is returned when operating on a closed manager.
	ErrManagerClosed = errors.New("manager closed")

	// ErrClientClosed is returned when sending to a closed session.
	ErrClientClosed = errors.New("client closed")
)
