// Package database provides shared helpers for the PostgreSQL persistence
// layer: sentinel error classification (including lib/pq error codes) and
// input validation for values that end up inside SQL statements.
package database

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"
)

// =============================================================================
// Standard Error Types
// =============================================================================

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when trying to create a duplicate record.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDatabaseError is returned for general database errors.
	ErrDatabaseError = errors.New("database error")
)

// NotFoundError wraps ErrNotFound with context.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s with id '%s' not found", e.Entity, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Entity)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if an error is an already exists error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsInvalidInput checks if an error is an invalid input error.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// =============================================================================
// Postgres Error Classification
// =============================================================================

// Postgres error codes the service reacts to; see
// https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgUndefinedTable      = "42P01"
	pgUndefinedSchema     = "3F000"
)

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation, e.g. inserting a second indexer row with the same uid.
func IsUniqueViolation(err error) bool {
	return pqCode(err) == pgUniqueViolation
}

// IsForeignKeyViolation reports whether err is a Postgres foreign-key
// violation, e.g. an entity row referencing a missing target id.
func IsForeignKeyViolation(err error) bool {
	return pqCode(err) == pgForeignKeyViolation
}

// IsUndefinedRelation reports whether err means a table or schema does not
// exist, the usual symptom of DML against a dropped indexer namespace.
func IsUndefinedRelation(err error) bool {
	code := pqCode(err)
	return code == pgUndefinedTable || code == pgUndefinedSchema
}

// =============================================================================
// Input Validation
// =============================================================================

var (
	// identifierRegex matches SQL-safe identifiers: namespaces, indexer
	// identifiers, entity names. Postgres truncates identifiers at 63 bytes,
	// so anything longer is rejected rather than silently mangled.
	identifierRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,62}$`)

	// hexRegex matches hexadecimal strings with an optional 0x prefix.
	hexRegex = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
)

// ValidateIdentifier validates a namespace, indexer identifier, or entity
// name before it is interpolated into identifier position in SQL.
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("%w: identifier cannot be empty", ErrInvalidInput)
	}
	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("%w: invalid identifier %q", ErrInvalidInput, id)
	}
	return nil
}

// ValidateHex32 validates a hex encoding of a 32-byte value (block hashes,
// contract ids, addresses), with or without a 0x prefix.
func ValidateHex32(s string) error {
	trimmed := strings.TrimPrefix(s, "0x")
	if len(trimmed) != 64 || !hexRegex.MatchString(trimmed) {
		return fmt.Errorf("%w: expected 64 hex chars, got %q", ErrInvalidInput, s)
	}
	return nil
}

// ValidateLimit validates and normalizes a limit parameter.
func ValidateLimit(limit, defaultLimit, maxLimit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// ValidateOffset validates an offset parameter.
func ValidateOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

// SanitizeString removes potentially dangerous characters from a string.
func SanitizeString(s string) string {
	// Remove null bytes and control characters
	s = strings.Map(func(r rune) rune {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
		return r
	}, s)
	// Trim whitespace
	return strings.TrimSpace(s)
}

// =============================================================================
// Pagination
// =============================================================================

// PaginationParams holds pagination parameters.
type PaginationParams struct {
	Limit  int
	Offset int
}

// DefaultPagination returns default pagination parameters.
func DefaultPagination() PaginationParams {
	return PaginationParams{
		Limit:  50,
		Offset: 0,
	}
}

// NewPagination creates validated pagination parameters.
func NewPagination(limit, offset int) PaginationParams {
	return PaginationParams{
		Limit:  ValidateLimit(limit, 50, 1000),
		Offset: ValidateOffset(offset),
	}
}
