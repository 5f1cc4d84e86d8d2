// Package errors provides the error taxonomy shared across WalletVault
// components. Errors are classified by kind so transports can map them to
// status codes and callers can branch without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for handling purposes.
type Kind int

const (
	// KindInternal is the default for unclassified failures.
	KindInternal Kind = iota
	// KindValidation marks bad input shape or range. Never retried.
	KindValidation
	// KindNotFound marks a lookup with no matching record.
	KindNotFound
	// KindInsufficientBalance marks a business-rule violation on quantity.
	KindInsufficientBalance
	// KindInvalidOperation marks a structurally invalid request, such as a
	// self-transfer.
	KindInvalidOperation
	// KindAuthentication marks a missing or unverifiable credential.
	KindAuthentication
	// KindAuthorization marks a verified principal lacking privilege.
	KindAuthorization
	// KindPartialTransfer marks a transfer whose source debit succeeded but
	// whose destination credit failed. Never downgraded to success.
	KindPartialTransfer
	// KindTransport marks a connection-layer fault that drives reconnection.
	KindTransport
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindInvalidOperation:
		return "invalid_operation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindPartialTransfer:
		return "partial_transfer"
	case KindTransport:
		return "transport"
	default:
		return "internal"
	}
}

// Sentinel errors for common conditions.
var (
	ErrRecordNotFound      = errors.New("record not found")
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrInvalidToken        = errors.New("invalid authentication token")
	ErrAdminRequired       = errors.New("admin privileges required")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrMaxAttemptsReached  = errors.New("max reconnection attempts reached")
)

// Error carries a classified error with component/operation context.
type Error struct {
	Kind      Kind
	Err       error
	Message   string
	Component string
	Operation string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a plain message.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a standardized error with context following the pattern
// "component.operation: action failed: %w".
func Wrap(err error, component, operation, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, operation, action, err)
}

// WrapKind wraps an error with classification and context.
func WrapKind(kind Kind, err error, component, operation, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, operation, action)
	return &Error{
		Kind:      kind,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: operation,
	}
}

// KindOf returns the classification of err, or KindInternal when none is
// attached. Sentinels carry an implied kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return KindNotFound
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrInvalidToken):
		return KindAuthentication
	case errors.Is(err, ErrAdminRequired):
		return KindAuthorization
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrMaxAttemptsReached):
		return KindTransport
	}
	return KindInternal
}

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsNotFound reports whether err is a missing-record rejection.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsInsufficientBalance reports whether err is a balance-rule violation.
func IsInsufficientBalance(err error) bool { return KindOf(err) == KindInsufficientBalance }

// IsInvalidOperation reports whether err is a structurally invalid request.
func IsInvalidOperation(err error) bool { return KindOf(err) == KindInvalidOperation }

// IsAuthentication reports whether err is a credential failure.
func IsAuthentication(err error) bool { return KindOf(err) == KindAuthentication }

// IsAuthorization reports whether err is a privilege failure.
func IsAuthorization(err error) bool { return KindOf(err) == KindAuthorization }

// IsPartialTransfer reports whether err is a half-applied transfer.
func IsPartialTransfer(err error) bool { return KindOf(err) == KindPartialTransfer }

// IsTransport reports whether err is a connection-layer fault.
func IsTransport(err error) bool { return KindOf(err) == KindTransport }

// HTTPStatus maps an error to the status code the admin API reports.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindInvalidOperation, KindInsufficientBalance:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
