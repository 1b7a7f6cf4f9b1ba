package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credits service.
var (
	ErrAccountNotFound        = errors.New("account not found")
	ErrAccountExists          = errors.New("account already exists")
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrDuplicatePurchase      = errors.New("duplicate purchase")
	ErrInvalidAccountID       = errors.New("invalid account id")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidExecutionMode   = errors.New("invalid execution mode")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
)

// InsufficientCreditsError carries the numbers the API boundary needs to tell
// the user how short they are.
type InsufficientCreditsError struct {
	Total int64
	Cost  int64
}

// Error returns the formatted error message.
func (insufficient InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: have %d, need %d", insufficient.Total, insufficient.Cost)
}

// Unwrap links the error to the ErrInsufficientCredits sentinel.
func (insufficient InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
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
