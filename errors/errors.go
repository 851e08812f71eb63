// Package errors provides error handling for notiflow.
//
// It re-exports github.com/cockroachdb/errors so every package gets stack
// traces, wrapping, hints and safe details from a single import:
//
//	if err := client.MarkRead(ctx, id); err != nil {
//	    return errors.Wrapf(err, "mark notification %s read", id)
//	}
//
//	return errors.WithHint(err, "check auth.credentials_path")
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSafeDetails    = crdb.WithSafeDetails
	WithSecondaryError = crdb.WithSecondaryError
	CombineErrors      = crdb.CombineErrors
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapOnce     = crdb.UnwrapOnce
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Sentinel errors shared by the REST client, the realtime feed and the
// manager. Wrap them to add context; check them with Is.
var (
	// ErrNotFound indicates the requested notification does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was rejected as malformed
	ErrInvalidRequest = New("invalid request")

	// ErrUnauthorized indicates a missing or rejected bearer credential
	ErrUnauthorized = New("unauthorized")

	// ErrForbidden indicates the credential is valid but lacks access
	ErrForbidden = New("forbidden")

	// ErrServiceUnavailable indicates the platform API failed server-side
	ErrServiceUnavailable = New("service unavailable")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrConflict indicates the server refused a conflicting change
	ErrConflict = New("resource conflict")

	// ErrNotConnected indicates the realtime feed has no live session
	ErrNotConnected = New("realtime feed not connected")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsUnauthorizedError checks if an error is or wraps ErrUnauthorized or ErrForbidden.
func IsUnauthorizedError(err error) bool {
	return err != nil && IsAny(err, ErrUnauthorized, ErrForbidden)
}

// IsServiceUnavailableError checks if an error is or wraps ErrServiceUnavailable
func IsServiceUnavailableError(err error) bool {
	return err != nil && Is(err, ErrServiceUnavailable)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}
