package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the chain.
// If err is nil, Wrap returns nil.
// If err is already a watchkit Error, code, category and context fields
// are preserved. Context deadline/cancel map to AMBIGUOUS: an in-flight
// external call that was abandoned has an unknown outcome and must be
// reconciled, not retried.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var werr *Error
	if errors.As(err, &werr) {
		wrapped := &Error{
			code:      werr.code,
			category:  werr.category,
			message:   message,
			cause:     err,
			metadata:  werr.Metadata(),
			retryable: werr.retryable,
			endpoint:  werr.endpoint,
			taskID:    werr.taskID,
			zone:      werr.zone,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return New(CodeAmbiguous, message, append(opts, WithCause(err), WithRetryable(false))...)
	}

	return New(CodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error under a specific code, discarding any code
// carried by the cause.
func WrapWithCode(err error, code Code, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsRecoveryError extracts a RecoveryError from a chain, or nil.
func AsRecoveryError(err error) RecoveryError {
	var werr *Error
	if errors.As(err, &werr) {
		return werr
	}
	return nil
}

// Is checks if any error in the chain has the given code.
func Is(err error, code Code) bool {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.code == code
	}
	return false
}

// IsCategory checks if any error in the chain has the given category.
func IsCategory(err error, category Category) bool {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable. Unclassified errors are
// not retryable: blind retry of an unknown failure can repeat a side effect.
func IsRetryable(err error) bool {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Retryable()
	}
	return false
}

// IsTransient checks if the error is transient.
func IsTransient(err error) bool {
	return IsCategory(err, CategoryTransient)
}

// IsAuth checks if the error is an auth failure.
func IsAuth(err error) bool {
	return IsCategory(err, CategoryAuth)
}

// IsAmbiguous checks if the error marks an unknown outcome.
func IsAmbiguous(err error) bool {
	return Is(err, CodeAmbiguous)
}

// GetCode extracts the code from an error, or empty string.
func GetCode(err error) Code {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.code
	}
	return ""
}

// GetCategory extracts the category from an error, or empty string.
func GetCategory(err error) Category {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.category
	}
	return ""
}

// Cause returns the root cause of the error chain.
func Cause(err error) error {
	for {
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := unwrapper.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(CodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
