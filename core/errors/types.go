// Package errors implements the five-class failure taxonomy used by the sync
// core, with classification from error content and per-class retry behavior.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// FailureClass classifies a handler or storage failure. The class decides
// whether an action is retried or dead-lettered.
type FailureClass int

const (
	// ClassNetwork indicates a connectivity failure. Retryable.
	ClassNetwork FailureClass = iota

	// ClassTimeout indicates a deadline was exceeded. Retryable.
	ClassTimeout

	// ClassPermission indicates an authentication or authorization failure.
	// Never retried: the outcome cannot change without user action.
	ClassPermission

	// ClassBusiness indicates server-side validation or constraint rejection.
	// Never retried.
	ClassBusiness

	// ClassUnknown covers everything unclassified. Retried with a
	// conservative budget so genuine transients are not lost.
	ClassUnknown
)

var classNames = map[FailureClass]string{
	ClassNetwork:    "network",
	ClassTimeout:    "timeout",
	ClassPermission: "permission",
	ClassBusiness:   "business",
	ClassUnknown:    "unknown",
}

func (c FailureClass) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return "unknown"
}

// ParseFailureClass maps a stored class name back to its FailureClass.
func ParseFailureClass(name string) FailureClass {
	for class, n := range classNames {
		if n == name {
			return class
		}
	}
	return ClassUnknown
}

// ClassBehavior defines the handling behavior for a failure class.
type ClassBehavior struct {
	// Retryable indicates whether failures of this class should be retried.
	Retryable bool

	// DeadLetter indicates whether the failure routes straight to the
	// dead-letter store without consuming retry budget.
	DeadLetter bool

	// Notify indicates whether to surface the failure to the user.
	Notify bool
}

// DefaultBehaviors returns the default behavior for each failure class.
func DefaultBehaviors() map[FailureClass]ClassBehavior {
	return map[FailureClass]ClassBehavior{
		ClassNetwork:    {Retryable: true, DeadLetter: false, Notify: false},
		ClassTimeout:    {Retryable: true, DeadLetter: false, Notify: false},
		ClassPermission: {Retryable: false, DeadLetter: true, Notify: true},
		ClassBusiness:   {Retryable: false, DeadLetter: true, Notify: true},
		ClassUnknown:    {Retryable: true, DeadLetter: false, Notify: false},
	}
}

// ClassifiedError wraps an error with its failure class.
type ClassifiedError struct {
	Class      FailureClass
	Message    string
	Underlying error
	StatusCode int
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Class, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s] %s", e.Class, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ClassifiedError) Unwrap() error {
	return e.Underlying
}

// Is matches another ClassifiedError by class.
func (e *ClassifiedError) Is(target error) bool {
	var ce *ClassifiedError
	if errors.As(target, &ce) {
		return e.Class == ce.Class
	}
	return false
}

// NewClassifiedError creates a ClassifiedError with the given class and message.
func NewClassifiedError(class FailureClass, message string, underlying error) *ClassifiedError {
	return &ClassifiedError{
		Class:      class,
		Message:    message,
		Underlying: underlying,
	}
}

// WithStatusCode attaches an HTTP status code to the error.
func (e *ClassifiedError) WithStatusCode(code int) *ClassifiedError {
	e.StatusCode = code
	return e
}

// GetClass extracts the FailureClass from an error, defaulting to unknown.
func GetClass(err error) FailureClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassUnknown
}

// GetBehavior returns the handling behavior for an error's class.
func GetBehavior(err error) ClassBehavior {
	return DefaultBehaviors()[GetClass(err)]
}

// IsRetryable reports whether an error should be retried based on its class.
func IsRetryable(err error) bool {
	return GetBehavior(err).Retryable
}

// Sentinel errors per class.
var (
	ErrNetworkUnavailable = NewClassifiedError(ClassNetwork, "network unavailable", nil)
	ErrConnectionReset    = NewClassifiedError(ClassNetwork, "connection reset", nil)

	ErrRequestTimeout = NewClassifiedError(ClassTimeout, "request timed out", nil).WithStatusCode(http.StatusRequestTimeout)

	ErrPermissionDenied = NewClassifiedError(ClassPermission, "permission denied", nil).WithStatusCode(http.StatusForbidden)
	ErrUnauthorized     = NewClassifiedError(ClassPermission, "unauthorized", nil).WithStatusCode(http.StatusUnauthorized)

	ErrConstraintViolation = NewClassifiedError(ClassBusiness, "constraint violation", nil).WithStatusCode(http.StatusConflict)
	ErrValidationRejected  = NewClassifiedError(ClassBusiness, "validation rejected", nil).WithStatusCode(http.StatusUnprocessableEntity)
)

// WrapWithClass wraps an error with a class, preserving the class of an
// already classified error.
func WrapWithClass(class FailureClass, message string, err error) error {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return &ClassifiedError{
			Class:      ce.Class,
			Message:    message,
			Underlying: err,
			StatusCode: ce.StatusCode,
		}
	}

	return NewClassifiedError(class, message, err)
}
