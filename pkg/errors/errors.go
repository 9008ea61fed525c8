// Package errors provides error wrapping utilities for context-aware error messages
// and the failure taxonomy shared by the dispatcher, the workflow engine and the host driver.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies where a failure came from.
type Kind string

const (
	KindTransport    Kind = "TRANSPORT"
	KindTimeout      Kind = "TIMEOUT"
	KindApplication  Kind = "APPLICATION"
	KindNoCapability Kind = "NO_CAPABILITY"
	KindInternal     Kind = "INTERNAL"
)

// Code narrows a Kind for callers that need to branch on a specific failure.
type Code string

const (
	CodeNone                       Code = ""
	CodeOperationFailureGCEligible Code = "OPERATION_FAILURE_GC_ELIGIBLE"
	CodeHostNotConnected           Code = "HOST_NOT_CONNECTED"
	CodeAgentReplaced              Code = "HOST_AGENT_REPLACED"
	CodeMalformedResponse          Code = "MALFORMED_RESPONSE"
	CodeMigrateFailed              Code = "FAILED_TO_MIGRATE_VM_ON_HYPERVISOR"
	CodeStopVMFailed               Code = "FAILED_TO_STOP_VM_ON_HYPERVISOR"
	CodeIncompatibleHost           Code = "HOST_INCOMPATIBLE_WITH_CLUSTER"
	CodeSchedulerClosed            Code = "SCHEDULER_CLOSED"
	CodeStepPanicked               Code = "FLOW_STEP_PANICKED"
)

// Error is a classified failure. Its Kind and Retryable flag are decided once, where
// the low-level failure is first observed, and are carried unchanged by every wrapper.
type Error struct {
	Kind      Kind
	Code      Code
	Retryable bool
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Code != CodeNone {
		msg = fmt.Sprintf("[%s] %s", e.Code, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// New creates a classified error with the default retry policy of its kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Retryable: retryableByDefault(kind),
		Message:   fmt.Sprintf(format, args...),
	}
}

// Classify attaches a classification to a low-level failure.
// An error that already carries one is returned as is.
func Classify(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	var ce *Error
	if stderrors.As(cause, &ce) {
		return cause
	}
	e := New(kind, format, args...)
	e.Cause = cause
	return e
}

// Operation builds the descriptive, user facing error of a failed operation.
// When cause is classified the result inherits its kind and retry flag.
func Operation(code Code, cause error, format string, args ...any) *Error {
	e := &Error{
		Kind:    KindApplication,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
	var ce *Error
	if stderrors.As(cause, &ce) {
		e.Kind = ce.Kind
		e.Retryable = ce.Retryable
	}
	return e
}

// GCEligible widens a transport or timeout failure into a failure that leaves the
// target resource in an indeterminate state to be reconciled later. Failures of any
// other kind are returned unchanged.
func GCEligible(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	switch KindOf(err) {
	case KindTransport, KindTimeout:
	default:
		return err
	}
	return &Error{
		Kind:      KindOf(err),
		Code:      CodeOperationFailureGCEligible,
		Retryable: false,
		Message:   fmt.Sprintf(format, args...),
		Cause:     err,
	}
}

// KindOf returns the classification of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var ce *Error
	if stderrors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HasCode reports whether any classified error in err's chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var ce *Error
		if !stderrors.As(err, &ce) {
			return false
		}
		if ce.Code == code {
			return true
		}
		err = ce.Cause
	}
	return false
}

// IsGCEligible reports whether err asks for reconciliation rather than a hard failure.
func IsGCEligible(err error) bool {
	return HasCode(err, CodeOperationFailureGCEligible)
}

// IsRetryable reports the retry eligibility decided at classification time.
func IsRetryable(err error) bool {
	var ce *Error
	if stderrors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// Is and As re-export the standard helpers so callers need a single errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func retryableByDefault(kind Kind) bool {
	return kind == KindTransport || kind == KindTimeout
}
