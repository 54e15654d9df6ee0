package domain

import "errors"

var (
	// ErrInvalidParams marks malformed source identities, params or keys.
	ErrInvalidParams = errors.New("invalid compile input")
	// ErrNotFound is returned by read-only lookups when no artifact is stored.
	ErrNotFound = errors.New("not found")

	// ErrCompileFailed wraps errors returned by the injected compiler.
	ErrCompileFailed = errors.New("compile failed")
	// ErrStoreFailed wraps backing store read or write failures.
	ErrStoreFailed = errors.New("artifact store failed")
	// ErrLockTimeout means the wait for an in-flight compilation gave up.
	// The compilation itself may still succeed.
	ErrLockTimeout = errors.New("lock wait timed out")

	ErrArtifactConflict = errors.New("conflicting artifact already stored")
	ErrIntegrity        = errors.New("artifact integrity check failed")
)
