package points

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the point ledger engine.
var (
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrVersionConflict          = errors.New("version conflict")
	ErrTransientFailure         = errors.New("transient failure")
	ErrUsageRolledBackOrMissing = errors.New("usage record rolled back or missing")
	ErrLedgerCorrupted          = errors.New("ledger integrity violation")
	ErrEntryNotFound            = errors.New("ledger entry not found")
	ErrUsageNotFound            = errors.New("usage record not found")
	ErrMissingAdjustReason      = errors.New("admin adjustment requires a reason")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidEntryID           = errors.New("invalid entry id")
	ErrInvalidUsageID           = errors.New("invalid usage id")
	ErrInvalidReservationID     = errors.New("invalid reservation id")
	ErrInvalidSourceKind        = errors.New("invalid source kind")
	ErrInvalidEntryStatus       = errors.New("invalid entry status")
	ErrInvalidUsageStatus       = errors.New("invalid usage status")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidHistoryLimit      = errors.New("invalid history limit")
)

// IsBusinessError reports whether the failure should surface to callers
// as-is rather than as an opaque retry hint.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrUsageRolledBackOrMissing) ||
		errors.Is(err, ErrMissingAdjustReason) ||
		errors.Is(err, ErrInvalidHistoryLimit)
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
