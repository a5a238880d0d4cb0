package types

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// ID represents a unique identifier
type ID string

// String returns the string representation of the ID
func (i ID) String() string {
	return string(i)
}

// IsEmpty returns true if the ID is empty
func (i ID) IsEmpty() bool {
	return string(i) == ""
}

// GenerateID generates a new random identifier
func GenerateID() ID {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err == nil {
		return ID(hex.EncodeToString(b))
	}
	// crypto/rand only fails on broken platforms; keep ids unique per process
	return ID(hex.EncodeToString([]byte(strconv.FormatInt(time.Now().UnixNano(), 10))))
}

// Error represents an error with additional context
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new error with code and message
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with code and message
func WrapError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsErrCode reports whether any error in err's chain carries the given code
func IsErrCode(err error, code string) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// GetErrorCode returns the code of the outermost coded error in err's chain
func GetErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInvalidArgument    = "INVALID_ARGUMENT"
	ErrCodeInvalid            = "INVALID"
	ErrCodeInternal           = "INTERNAL"
	ErrCodeUnavailable        = "UNAVAILABLE"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeCanceled           = "CANCELED"
	ErrCodeFailedPrecondition = "FAILED_PRECONDITION"
)

// Communicator and handshake error codes
const (
	// ErrCodeConfiguration marks a bad auth selection or a missing host,
	// topic or subscription. Always fatal.
	ErrCodeConfiguration = "CONFIGURATION"
	// ErrCodeInvalidChannel marks a channel whose source equals its target.
	ErrCodeInvalidChannel = "INVALID_CHANNEL"
	// ErrCodeSessionLockLost marks the loss of a bus session lock. Recoverable.
	ErrCodeSessionLockLost = "SESSION_LOCK_LOST"
	// ErrCodeSendFailed marks a failed send. Sends are never retried.
	ErrCodeSendFailed = "SEND_FAILED"
	// ErrCodeRetriesExhausted marks a receive that hit its retry bound.
	ErrCodeRetriesExhausted = "RETRIES_EXHAUSTED"
	// ErrCodeSetupFailure marks a worker that did not report a valid OK status.
	ErrCodeSetupFailure = "SETUP_FAILURE"
	// ErrCodeTeardownFault marks a close or drain failure. Logged, never returned.
	ErrCodeTeardownFault = "TEARDOWN_FAULT"
)
