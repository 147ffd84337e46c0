package models

import (
	"errors"
	"fmt"
)

// Kind is the stable error discriminator carried on every structured error.
// Transport adapters map kinds to HTTP status codes; library code never
// speaks HTTP.
type Kind string

const (
	KindConfig            Kind = "ConfigError"
	KindSchema            Kind = "SchemaError"
	KindValidation        Kind = "ValidationError"
	KindUnknownPreset     Kind = "UnknownPreset"
	KindUnsupportedSchema Kind = "UnsupportedSchemaVersion"
	KindDuplicateImport   Kind = "DuplicateImport"
	KindStore             Kind = "StoreError"
	KindUnavailable       Kind = "ServiceUnavailable"
	KindInternal          Kind = "InternalError"
)

// Error is the structured error carried across package boundaries.
// RowIndex is meaningful only for row-level validation failures (-1 otherwise).
type Error struct {
	Kind     Kind   `json:"kind"`
	Message  string `json:"message"`
	Details  string `json:"details,omitempty"`
	RowIndex int    `json:"row_index,omitempty"`

	wrapped error
}

func (e *Error) Error() string {
	if e.RowIndex >= 0 {
		return fmt.Sprintf("%s (row %d): %s", e.Kind, e.RowIndex, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// E builds a structured error of the given kind.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), RowIndex: -1}
}

// RowError builds a row-scoped validation error.
func RowError(row int, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...), RowIndex: row}
}

// WrapStore tags a transient database fault with its cause.
func WrapStore(err error, context string) *Error {
	return &Error{Kind: KindStore, Message: context, Details: err.Error(), RowIndex: -1, wrapped: err}
}

// KindOf extracts the kind of a structured error, or KindInternal for any
// other error value.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// AsError returns the structured form of err, wrapping foreign errors as
// InternalError so handlers always have a kind to translate.
func AsError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Kind: KindInternal, Message: "internal error", Details: err.Error(), RowIndex: -1, wrapped: err}
}
