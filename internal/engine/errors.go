package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/snapper/internal/keys"
)

var (
	// ErrStorageInUse is returned by New when another Snapper in this
	// process holds the same storage.
	ErrStorageInUse = errors.New("storage is already in use by another snapper")

	// ErrClosed is returned by operations on a closed Snapper.
	ErrClosed = errors.New("snapper is closed")
)

// RunError represents a failure detected while driving a run.
//
// RunError includes structured fields for diagnostics and recovery.
type RunError struct {
	// Code identifies the error category.
	Code RunErrorCode

	// Message is a human-readable description.
	Message string

	// Index is the sequence position of the affected item, or -1.
	Index int

	// Key identifies the affected item, if any.
	Key keys.Key

	// Err is the underlying cause.
	Err error
}

// RunErrorCode categorizes run errors.
type RunErrorCode string

const (
	// ErrCodeTransformFailed indicates the transform returned an error.
	ErrCodeTransformFailed RunErrorCode = "TRANSFORM_FAILED"

	// ErrCodeFlushFailed indicates the final flush could not persist
	// pending results. They are lost when the process exits.
	ErrCodeFlushFailed RunErrorCode = "FLUSH_FAILED"

	// ErrCodeStorageInUse indicates the storage is claimed by another Snapper.
	ErrCodeStorageInUse RunErrorCode = "STORAGE_IN_USE"

	// ErrCodeTooManyErrors indicates the consecutive item error limit was hit.
	ErrCodeTooManyErrors RunErrorCode = "TOO_MANY_ERRORS"

	// ErrCodeRunInProgress indicates Start was called while a run was active.
	ErrCodeRunInProgress RunErrorCode = "RUN_IN_PROGRESS"
)

// Error implements the error interface.
func (e *RunError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Key != "" {
		msg = fmt.Sprintf("%s (index=%d, key=%s)", msg, e.Index, truncate(string(e.Key), 64))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RunError) Unwrap() error {
	return e.Err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func hasCode(err error, code RunErrorCode) bool {
	var re *RunError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsTransformError returns true if the error is a transform failure.
// Uses errors.As to handle wrapped and joined errors.
func IsTransformError(err error) bool {
	return hasCode(err, ErrCodeTransformFailed)
}

// IsFlushError returns true if the final flush failed.
func IsFlushError(err error) bool {
	return hasCode(err, ErrCodeFlushFailed)
}

// IsTooManyErrors returns true if the consecutive error limit halted the run.
func IsTooManyErrors(err error) bool {
	return hasCode(err, ErrCodeTooManyErrors)
}

// IsRunInProgress returns true if Start was rejected because a run was active.
func IsRunInProgress(err error) bool {
	return hasCode(err, ErrCodeRunInProgress)
}

func newTransformError(index int, key keys.Key, err error) *RunError {
	return &RunError{
		Code:    ErrCodeTransformFailed,
		Message: "transform returned an error",
		Index:   index,
		Key:     key,
		Err:     err,
	}
}

func newFlushError(pending int, err error) *RunError {
	return &RunError{
		Code:    ErrCodeFlushFailed,
		Message: fmt.Sprintf("final flush failed with %d results pending", pending),
		Index:   -1,
		Err:     err,
	}
}

func newTooManyErrors(index int, key keys.Key, limit int, err error) *RunError {
	return &RunError{
		Code:    ErrCodeTooManyErrors,
		Message: fmt.Sprintf("%d consecutive item errors", limit),
		Index:   index,
		Key:     key,
		Err:     err,
	}
}
