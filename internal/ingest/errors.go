package ingest

import (
	"errors"
	"fmt"
)

// Sentinel errors returned across subsystem boundaries.
var (
	// ErrDuplicateJob is returned by Enqueue when a non-terminal job already
	// holds the same (queue, dedup key) and the policy rejects duplicates.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrLockLost is returned when a worker operates on a job whose lease it
	// no longer owns.
	ErrLockLost = errors.New("job lock lost")

	// ErrJobNotFound is returned for lookups of unknown job IDs.
	ErrJobNotFound = errors.New("job not found")

	// ErrConnectionNotFound is returned for lookups of unknown connections.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrUnknownPlatform is returned by the collector registry for
	// unregistered platform keys.
	ErrUnknownPlatform = errors.New("unknown platform")

	// ErrMissingCredential is returned by a collector when the connection
	// lacks a credential the platform requires.
	ErrMissingCredential = errors.New("missing credential")
)

// AuthError marks an expired or revoked credential. Collector-level retry
// never re-attempts it; the connection is marked errored and the job fails.
type AuthError struct {
	Platform string
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s auth failed: %s", e.Platform, e.Reason)
}

// IsAuthError reports whether err wraps an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// TransientError marks a network-level failure worth re-attempting.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }
