// Package errkind defines the error taxonomy surfaced by the indexer core:
// registration, reload, stop, schema compilation, module loading, and the
// transient classes retried by the block-stream engine.
package errkind

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies the category of an indexer-domain error.
type Kind string

const (
	AlreadyExists       Kind = "AlreadyExists"
	NotFound            Kind = "NotFound"
	SchemaInvalid       Kind = "SchemaInvalid"
	ModuleLoad          Kind = "ModuleLoad"
	ModuleTrap          Kind = "ModuleTrap"
	StorageUnavailable  Kind = "StorageUnavailable"
	NodeUnavailable     Kind = "NodeUnavailable"
	Unknown             Kind = "Unknown"
)

// httpStatus maps each Kind to the status code the HTTP API reports it as.
var httpStatus = map[Kind]int{
	AlreadyExists:      http.StatusConflict,
	NotFound:           http.StatusNotFound,
	SchemaInvalid:      http.StatusUnprocessableEntity,
	ModuleLoad:         http.StatusUnprocessableEntity,
	ModuleTrap:         http.StatusInternalServerError,
	StorageUnavailable: http.StatusServiceUnavailable,
	NodeUnavailable:    http.StatusServiceUnavailable,
	Unknown:            http.StatusInternalServerError,
}

// Error is the structured error type returned by registration, reload, stop,
// and the block-stream engine.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an Error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs an Error of the given kind around a causing error.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// Transient reports whether the error kind is a transient class retried by
// the block-stream engine rather than propagated to the
// registration/reload/stop caller. The engine also retries a batch that
// failed with ModuleTrap, which is not transient.
func (k Kind) Transient() bool {
	return k == StorageUnavailable || k == NodeUnavailable
}

// HTTPStatus returns the status code an HTTP handler should report for err.
// Errors that are not *Error report 500.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if status, ok := httpStatus[e.Kind]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// As extracts the *Error from err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err's chain contains an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}
