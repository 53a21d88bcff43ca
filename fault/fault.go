// Package fault holds the error instances shared across services.
//
// Each error is a typed string so callers can compare with errors.Is and
// classify with the IsErr* helpers even after wrapping.
package fault

import "errors"

// error base
type GenericError string

// classes of error
type InvalidError GenericError
type NotFoundError GenericError
type ProcessError GenericError

// common errors - keep in alphabetic order
var (
	ErrAllSourcesFailed    = ProcessError("All sources failed")
	ErrBackendUnavailable  = ProcessError("backend unavailable")
	ErrInvalidDimensions   = InvalidError("invalid dimensions")
	ErrInvalidPriority     = InvalidError("invalid priority")
	ErrInvalidTaskType     = InvalidError("invalid task type")
	ErrInvalidTTL          = InvalidError("ttl must be positive")
	ErrKeyNotFound         = NotFoundError("key not found")
	ErrNoSources           = InvalidError("no sources configured")
	ErrRateLimited         = ProcessError("rate limited")
	ErrSnapshotDisabled    = ProcessError("snapshot store not configured")
	ErrTaskNotFound        = NotFoundError("task not found")
	ErrUnauthorized        = InvalidError("unauthorized")
	ErrUpstreamUnavailable = ProcessError("upstream unavailable")
)

func (e GenericError) Error() string  { return string(e) }
func (e InvalidError) Error() string  { return string(e) }
func (e NotFoundError) Error() string { return string(e) }
func (e ProcessError) Error() string  { return string(e) }

// determine the class of an error
func IsErrInvalid(e error) bool  { var t InvalidError; return errors.As(e, &t) }
func IsErrNotFound(e error) bool { var t NotFoundError; return errors.As(e, &t) }
func IsErrProcess(e error) bool  { var t ProcessError; return errors.As(e, &t) }
