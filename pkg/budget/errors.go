package budget

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the budget packages.
var (
	ErrRecordNotFound   = errors.New("record not found")
	ErrRecordExists     = errors.New("record already exists")
	ErrInvalidEntityID  = errors.New("invalid entity id")
	ErrInvalidMaterial  = errors.New("invalid material")
	ErrInvalidZone      = errors.New("invalid zone")
	ErrInvalidCost      = errors.New("invalid cost")
	ErrInvalidConfig    = errors.New("invalid config")
	ErrInvalidSettings  = errors.New("invalid settings")
	ErrInvalidRecord    = errors.New("invalid record")
	ErrTransientLookup  = errors.New("transient lookup failure")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// OperationError tags a failure with operation, subject and code segments,
// rendered as "operation.subject.code: cause".
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s: %v", operationError.Path(), operationError.err)
}

func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment, e.g. "store" or "config".
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// Path joins the three segments with dots.
func (operationError OperationError) Path() string {
	return operationError.operation + "." + operationError.subject + "." + operationError.code
}

// WrapError tags err with operation metadata. A nil err stays nil.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{operation: operation, subject: subject, code: code, err: err}
}

// ErrorPath returns the dotted path of the outermost OperationError in err's
// chain, or "" when there is none.
func ErrorPath(err error) string {
	var operationError OperationError
	if !errors.As(err, &operationError) {
		return ""
	}
	return operationError.Path()
}
