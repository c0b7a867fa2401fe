package fuelwatch

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the fuelwatch service.
var (
	ErrStationNotFound     = errors.New("station not found")
	ErrTankNotFound        = errors.New("tank not found")
	ErrPumpNotFound        = errors.New("pump not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAnomalyNotFound     = errors.New("anomaly not found")
	ErrRuleNotFound        = errors.New("rule not found")
	ErrUserNotFound        = errors.New("user not found")

	ErrBadTokenFormat    = errors.New("bad token format")
	ErrUnknownReceipt    = errors.New("unknown receipt")
	ErrSignatureMismatch = errors.New("signature mismatch")

	ErrDuplicateExternalRef = errors.New("duplicate external reference")

	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrInvalidSigningSecret = errors.New("invalid signing secret")
	ErrInvalidTransaction   = errors.New("invalid transaction")
	ErrInvalidReading       = errors.New("invalid reading")
)

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
