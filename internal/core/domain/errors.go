package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSession     = errors.New("drm: invalid session")
	ErrUnsupportedContent = errors.New("drm: unsupported content")
	ErrUnsupportedFormat  = errors.New("drm: unsupported format")
	ErrRightsRequired     = errors.New("drm: rights required")
	ErrRightsExpired      = errors.New("drm: rights expired")
	ErrRightsExhausted    = errors.New("drm: rights exhausted")
	ErrIO                 = errors.New("drm: i/o error")
	ErrBackendFailure     = errors.New("drm: backend failure")
	ErrProtocolViolation  = errors.New("drm: protocol violation")
)

// BackendError carries an opaque backend status code through the core.
// errors.Is(err, ErrBackendFailure) reports true for it.
type BackendError struct {
	Op   string
	Code int
	Err  error
}

func (e *BackendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("drm: backend %s failed with code %d", e.Op, e.Code)
	}
	return fmt.Sprintf("drm: backend %s failed with code %d: %v", e.Op, e.Code, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Is(target error) bool { return target == ErrBackendFailure }

// RightsError converts a rights status into the error a decrypt operation
// surfaces. A valid status yields nil.
func RightsError(status RightsStatus) error {
	switch status {
	case RightsValid:
		return nil
	case RightsExpired:
		return ErrRightsExpired
	default:
		return ErrRightsRequired
	}
}

var taxonomy = []error{
	ErrInvalidSession, ErrUnsupportedContent, ErrUnsupportedFormat,
	ErrRightsRequired, ErrRightsExpired, ErrRightsExhausted,
	ErrIO, ErrBackendFailure, ErrProtocolViolation,
}

// WrapBackend passes errors already in the taxonomy through and wraps
// anything else in a BackendError for op.
func WrapBackend(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range taxonomy {
		if errors.Is(err, known) {
			return err
		}
	}
	return &BackendError{Op: op, Err: err}
}
