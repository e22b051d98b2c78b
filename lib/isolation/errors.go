package isolation

import "errors"

var (
	// ErrContextUnloaded is returned by every call made after Unload.
	ErrContextUnloaded = errors.New("isolation context unloaded")

	// ErrWorkerExited is returned when the worker process is gone: it
	// crashed, was killed by the watchdog, or closed its pipes.
	ErrWorkerExited = errors.New("isolation worker exited")

	// ErrInvalidRoot is returned by Create when the directory is unusable.
	ErrInvalidRoot = errors.New("invalid context root")

	// ErrNotReady is returned by Create when the worker never signals readiness.
	ErrNotReady = errors.New("isolation worker not ready")
)
