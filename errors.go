package panda_ctl

import "errors"

var (
	// ErrServiceUnavailable means the remote service never became reachable.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrServiceCallFailed means a request was sent but the transport or the
	// remote side reported failure.
	ErrServiceCallFailed = errors.New("service call failed")

	// ErrControllerNotLoaded is returned when none of the requested switch
	// targets are loaded in the controller manager.
	ErrControllerNotLoaded = errors.New("controller not loaded")

	// ErrControllerRunning is returned when asked to unload a controller that is
	// still running. Stop it with a switch first.
	ErrControllerRunning = errors.New("controller is running")

	ErrInvalidArgument = errors.New("invalid argument")
)
