// Package apperr defines the typed errors returned by the session, payment and ledger
// components. Every error carries a machine-readable code and a kind that tells the caller
// whether money may have moved.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by what it implies about system state
type Kind string

const (
	KindValidation         Kind = "VALIDATION"
	KindPolicy             Kind = "POLICY"
	KindState              Kind = "STATE"
	KindExecutionAmbiguous Kind = "EXECUTION_AMBIGUOUS"
	KindExecutionFailed    Kind = "EXECUTION_FAILED"
	KindPartialCompletion  Kind = "PARTIAL_COMPLETION"
	KindInternal           Kind = "INTERNAL"
)

// Reason codes
const (
	CodeValidation          = "VALIDATION"
	CodeTargetMismatch      = "TARGET_MISMATCH"
	CodeCeilingExceeded     = "CEILING_EXCEEDED"
	CodeBudgetExceeded      = "BUDGET_EXCEEDED"
	CodeExpired             = "EXPIRED"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeNotFound            = "NOT_FOUND"
	CodeInvalidState        = "INVALID_STATE"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodePolicyDenied        = "POLICY_DENIED"
	CodeEnablementMissing   = "ENABLEMENT_MISSING"
	CodeExecutionFailed     = "EXECUTION_FAILED"
	CodeExecutionAmbiguous  = "EXECUTION_AMBIGUOUS"
	CodeChallengeMissing    = "CHALLENGE_MISSING"
	CodeVerifyFailed        = "VERIFY_FAILED"
	CodeSettleAborted       = "SETTLE_ABORTED"
	CodeNetworkError        = "NETWORK_ERROR"
	CodePartialCompletion   = "PARTIAL_COMPLETION"
	CodePriceMismatch       = "PRICE_MISMATCH"
	CodeResourceUndelivered = "RESOURCE_UNDELIVERED"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeInternal            = "INTERNAL"
)

// Error is the structured error carried across component boundaries
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Code
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, apperr.ErrInvalidState) works
// regardless of message or wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is
var (
	ErrValidation          = &Error{Kind: KindValidation, Code: CodeValidation}
	ErrTargetMismatch      = &Error{Kind: KindPolicy, Code: CodeTargetMismatch}
	ErrCeilingExceeded     = &Error{Kind: KindPolicy, Code: CodeCeilingExceeded}
	ErrBudgetExceeded      = &Error{Kind: KindPolicy, Code: CodeBudgetExceeded}
	ErrExpired             = &Error{Kind: KindPolicy, Code: CodeExpired}
	ErrSessionNotFound     = &Error{Kind: KindState, Code: CodeSessionNotFound}
	ErrInvalidState        = &Error{Kind: KindState, Code: CodeInvalidState}
	ErrInsufficientBalance = &Error{Kind: KindPolicy, Code: CodeInsufficientBalance}
	ErrPolicyDenied        = &Error{Kind: KindPolicy, Code: CodePolicyDenied}
	ErrEnablementMissing   = &Error{Kind: KindState, Code: CodeEnablementMissing}
	ErrExecutionFailed     = &Error{Kind: KindExecutionFailed, Code: CodeExecutionFailed}
	ErrExecutionAmbiguous  = &Error{Kind: KindExecutionAmbiguous, Code: CodeExecutionAmbiguous}
	ErrChallengeMissing    = &Error{Kind: KindExecutionFailed, Code: CodeChallengeMissing}
	ErrVerifyFailed        = &Error{Kind: KindExecutionFailed, Code: CodeVerifyFailed}
	ErrSettleAborted       = &Error{Kind: KindExecutionFailed, Code: CodeSettleAborted}
	ErrNetwork             = &Error{Kind: KindExecutionFailed, Code: CodeNetworkError}
	ErrPartialCompletion   = &Error{Kind: KindPartialCompletion, Code: CodePartialCompletion}
	ErrPriceMismatch       = &Error{Kind: KindExecutionFailed, Code: CodePriceMismatch}
	ErrResourceUndelivered = &Error{Kind: KindPartialCompletion, Code: CodeResourceUndelivered}
	ErrUnauthorized        = &Error{Kind: KindValidation, Code: CodeUnauthorized}
)

// New builds an error of the given kind and code
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind and code around a cause
func Wrap(err error, kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation is shorthand for a request-shape error
func Validation(format string, args ...any) *Error {
	return New(KindValidation, CodeValidation, format, args...)
}

// InvalidState is shorthand for a wrong-status error
func InvalidState(format string, args ...any) *Error {
	return New(KindState, CodeInvalidState, format, args...)
}

// NotFound is shorthand for a missing session
func NotFound(sessionID string) *Error {
	return New(KindState, CodeSessionNotFound, "session %s not found", sessionID)
}

// As extracts the first *Error in the chain
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for untyped errors
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, or CodeInternal for untyped errors
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error to a response status for the API layer
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case CodeSessionNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindPolicy:
		return http.StatusPaymentRequired
	case KindState:
		return http.StatusConflict
	case KindExecutionFailed, KindExecutionAmbiguous, KindPartialCompletion:
		// The envelope's kind tells a clean failure from one that moved money
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
