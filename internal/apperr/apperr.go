// Package apperr provides the reason-code error taxonomy used across
// submission, scheduling, scanning, and merging (spec §7).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable reason code.
type Code string

const (
	CodeInvalidTarget   Code = "InvalidTarget"
	CodeInvalidConfig   Code = "InvalidConfig"
	CodeRateLimited     Code = "RateLimited"
	CodeForbidden       Code = "Forbidden"
	CodeNotFound        Code = "NotFound"
	CodeNotCancellable  Code = "NotCancellable"
	CodeStageTimeout    Code = "StageTimeout"
	CodeStageFailed     Code = "StageFailed"
	CodeTaskTimeout     Code = "TaskTimeout"
	CodeTransientTool   Code = "TransientTool"
	CodeStorageError    Code = "StorageError"
	CodeQuotaExceeded   Code = "QuotaExceeded"
)

// httpStatusByCode maps a reason code to its default HTTP status.
var httpStatusByCode = map[Code]int{
	CodeInvalidTarget:  http.StatusBadRequest,
	CodeInvalidConfig:  http.StatusBadRequest,
	CodeRateLimited:    http.StatusTooManyRequests,
	CodeForbidden:      http.StatusForbidden,
	CodeNotFound:       http.StatusNotFound,
	CodeNotCancellable: http.StatusConflict,
	CodeQuotaExceeded:  http.StatusTooManyRequests,
	CodeStorageError:   http.StatusInternalServerError,
}

// Error is a structured, serialisable error carrying a Code, a human
// message, the HTTP status it maps to, and optional machine-readable
// details.
type Error struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches a detail key/value and returns the same error for
// chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New builds an Error for the given code, defaulting its HTTP status from
// httpStatusByCode (500 if unmapped).
func New(code Code, message string) *Error {
	status, ok := httpStatusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{Code: code, Message: message, HTTPStatus: status}
}

// Wrap builds an Error around an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.Err = cause
	return e
}

// Is reports whether err carries the given reason code.
func Is(err error, code Code) bool {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Code == code
	}
	return false
}

// CodeOf extracts the reason code from err, or "" if err is not an *Error.
func CodeOf(err error) Code {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Code
	}
	return ""
}
