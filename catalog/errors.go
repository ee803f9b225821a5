package catalog

import (
	"context"
	"errors"

	"category-engine/coordinator"
	"category-engine/orm"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceError is what the catalog hands to a presentation layer: a status
// code, a message safe to show, and the internal cause.
type ServiceError struct {
	Code    codes.Code
	Message string
	Inner   error
}

func (e *ServiceError) Error() string {
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Inner
}

func (e *ServiceError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}

// wrapServiceError converts internal errors to service errors.
func wrapServiceError(err error, operation string) error {
	if err == nil {
		return nil
	}

	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}

	var validationErr *orm.ValidationError
	if errors.As(err, &validationErr) {
		return &ServiceError{
			Code:    codes.InvalidArgument,
			Message: "Invalid request for " + operation + ": " + validationErr.Reason,
			Inner:   err,
		}
	}

	var notFoundErr *orm.NotFoundError
	if errors.As(err, &notFoundErr) {
		return &ServiceError{
			Code:    codes.NotFound,
			Message: "Nothing found for " + operation,
			Inner:   err,
		}
	}

	var conflictErr *orm.ConflictError
	if errors.As(err, &conflictErr) {
		return &ServiceError{
			Code:    codes.AlreadyExists,
			Message: "Conflicting write during " + operation,
			Inner:   err,
		}
	}

	if errors.Is(err, coordinator.ErrRebuildInProgress) {
		return &ServiceError{
			Code:    codes.Aborted,
			Message: "A rebuild is already running",
			Inner:   err,
		}
	}

	var timeoutErr *orm.TimeoutError
	if errors.As(err, &timeoutErr) {
		return &ServiceError{
			Code:    codes.DeadlineExceeded,
			Message: "Timed out during " + operation,
			Inner:   err,
		}
	}

	if orm.IsUnavailable(err) {
		return &ServiceError{
			Code:    codes.Unavailable,
			Message: "Store unavailable for " + operation,
			Inner:   err,
		}
	}

	if errors.Is(err, context.Canceled) {
		return &ServiceError{
			Code:    codes.Canceled,
			Message: operation + " was cancelled",
			Inner:   err,
		}
	}

	return &ServiceError{
		Code:    codes.Internal,
		Message: "Internal server error during " + operation,
		Inner:   err,
	}
}
