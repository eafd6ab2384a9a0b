package funding

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the funding pool.
var (
	ErrInsufficientCapacity     = errors.New("insufficient capacity")
	ErrBelowMinimum             = errors.New("below minimum investment")
	ErrProjectNotAcceptingFunds = errors.New("project not accepting funds")
	ErrUnknownProject           = errors.New("unknown project")
	ErrUnknownReservation       = errors.New("unknown reservation")
	ErrReservationExists        = errors.New("reservation already exists")
	ErrReservationClosed        = errors.New("reservation closed")
	ErrAlreadyCommitted         = errors.New("reservation already committed")
	ErrTokenExpired             = errors.New("reservation token expired")
	ErrInvalidProjectID         = errors.New("invalid project id")
	ErrInvalidReservationID     = errors.New("invalid reservation id")
	ErrInvalidAmountCents       = errors.New("invalid amount cents")
	ErrInvalidProjectStatus     = errors.New("invalid project status")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidBalance           = errors.New("invalid balance")
)

// CapacityError rejects a reservation and reports the capacity that was left.
type CapacityError struct {
	Available AmountCents
}

// Error returns the formatted error message.
func (capacityError *CapacityError) Error() string {
	return fmt.Sprintf("%v: available %d", ErrInsufficientCapacity, capacityError.Available)
}

// Unwrap returns ErrInsufficientCapacity.
func (capacityError *CapacityError) Unwrap() error {
	return ErrInsufficientCapacity
}

// AvailableFromError extracts the available capacity from a rejection.
func AvailableFromError(err error) (AmountCents, bool) {
	var capacityError *CapacityError
	if errors.As(err, &capacityError) {
		return capacityError.Available, true
	}
	return 0, false
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
