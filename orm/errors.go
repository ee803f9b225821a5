package orm

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// DatabaseError wraps database-related errors from GORM
type DatabaseError struct {
	Inner error
}

func (e *DatabaseError) Error() string {
	return "Database operation failed: " + e.Inner.Error()
}

func (e *DatabaseError) Unwrap() error {
	return e.Inner
}

// NotFoundError represents when a tag, category or item is not found
type NotFoundError struct {
	Search string
}

func (e *NotFoundError) Error() string {
	return "Record not found for search: " + e.Search
}

// ConflictError represents a unique constraint violation. Upserts recover
// from it by re-reading the winning row.
type ConflictError struct {
	Conflict string
}

func (e *ConflictError) Error() string {
	return "Conflict error for: " + e.Conflict
}

type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "Bad input: " + e.Reason
}

// UnavailableError means the store could not be reached. Reads retry on it.
type UnavailableError struct {
	Operation string
	Inner     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("Store unavailable during %s: %v", e.Operation, e.Inner)
}

func (e *UnavailableError) Unwrap() error {
	return e.Inner
}

// TimeoutError is returned when a store call exceeds its deadline.
type TimeoutError struct {
	Operation string
}

func (e *TimeoutError) Error() string {
	return "Store call timed out: " + e.Operation
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// CategoryFailure is one failed category inside a batch.
type CategoryFailure struct {
	CategoryID     uint   `json:"categoryId"`
	TagCombination string `json:"tagCombination"`
	Err            error  `json:"-"`
}

// PartialFailureError reports a batch that finished but left some
// categories unprocessed.
type PartialFailureError struct {
	Operation string
	Failures  []CategoryFailure
}

func (e *PartialFailureError) Error() string {
	keys := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		keys = append(keys, f.TagCombination)
	}

	msg := fmt.Sprintf("%s: %d categories failed [%s]", e.Operation, len(e.Failures), strings.Join(keys, " "))
	if len(e.Failures) > 0 && e.Failures[0].Err != nil {
		msg += ": " + e.Failures[0].Err.Error()
	}

	return msg
}

func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}

	return errs
}

func IsNotFound(err error) bool {
	var notFound *NotFoundError

	return errors.As(err, &notFound)
}

// IsUnavailable covers both unreachable stores and timeouts.
func IsUnavailable(err error) bool {
	var unavailable *UnavailableError
	var timeout *TimeoutError

	return errors.As(err, &unavailable) || errors.As(err, &timeout)
}

// CheckContext converts a finished context into the store error vocabulary.
// It returns nil while ctx is live.
func CheckContext(ctx context.Context, operation string) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Operation: operation}
	}

	return fmt.Errorf("%s: %w", operation, context.Cause(ctx))
}

// wrapErrorWithDetails creates a more specific error message
func wrapErrorWithDetails(err error, operation, details string) error {
	if err == nil {
		return nil
	}

	op := fmt.Sprintf("%s (%s)", operation, details)

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &NotFoundError{Search: op}
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &ConflictError{Conflict: op}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Operation: op}
	}

	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) || pgconn.SafeToRetry(err) {
		return &UnavailableError{Operation: op, Inner: err}
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return &UnavailableError{Operation: op, Inner: err}
	}

	// For other database errors, wrap with DatabaseError
	return &DatabaseError{Inner: fmt.Errorf("%s: %w", operation, err)}
}
