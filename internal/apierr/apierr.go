// Package apierr defines the relay's tagged error type. Every error that can
// reach an HTTP handler carries a machine code and the status it maps to, so
// handlers never need a type switch over concrete error types — only over
// whether the error is an *Error at all.
package apierr

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a stable machine-readable error identifier returned in HTTP error
// bodies as {"error": "<code>", "message": "<text>"}.
type Code string

const (
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeSessionNotFound   Code = "SESSION_NOT_FOUND"
	CodeSessionCompleted  Code = "SESSION_COMPLETED"
	CodeIncompleteChunks  Code = "INCOMPLETE_CHUNKS"
	CodeDecryptionFailed  Code = "DECRYPTION_FAILED"
	CodeGitError          Code = "GIT_ERROR"
	CodeSizeMismatch      Code = "SIZE_MISMATCH"
	CodeFileTooLarge      Code = "FILE_TOO_LARGE"
	CodeSha256Mismatch    Code = "SHA256_MISMATCH"
	CodeFileExists        Code = "FILE_EXISTS"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// statusByCode is the fixed mapping from machine code to HTTP status defined
// in spec.md §7. It is intentionally not configurable.
var statusByCode = map[Code]int{
	CodeInvalidInput:     400,
	CodeUnauthorized:     401,
	CodeSessionNotFound:  404,
	CodeSessionCompleted: 409,
	CodeIncompleteChunks: 400,
	CodeDecryptionFailed: 400,
	CodeGitError:         500,
	CodeSizeMismatch:     400,
	CodeFileTooLarge:     400,
	CodeSha256Mismatch:   400,
	CodeFileExists:       409,
	CodeInternal:         500,
}

// Error is the relay's single error type. It always knows its own HTTP
// status, so route handlers can respond without a lookup table of their own.
type Error struct {
	Code    Code
	Status  int
	Message string
	Extra   map[string]interface{}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error with the status fixed by Code, ignoring any caller-
// supplied status — the mapping in spec.md §7 is not negotiable per call site.
func New(code Code, message string) *Error {
	return &Error{Code: code, Status: statusByCode[code], Message: message}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithExtra attaches machine-readable detail (e.g. {"expected":3,"received":2})
// to an error body without changing its code or status.
func (e *Error) WithExtra(extra map[string]interface{}) *Error {
	e.Extra = extra
	return e
}

// As reports whether err is (or wraps) an *Error and returns it.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Internal wraps an arbitrary error as CodeInternal, for the catch-all branch
// every handler needs per spec.md §7 ("unknown exceptions ... mapped to
// INTERNAL_ERROR").
func Internal(err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	return New(CodeInternal, err.Error())
}

// CodeOf returns err's machine code as a lowercase string for metric labels,
// or "internal_error" if err is not (or does not wrap) an *Error.
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return strings.ToLower(string(e.Code))
	}
	return strings.ToLower(string(CodeInternal))
}
