package errors

import (
	stderrors "errors"
	"fmt"
)

// Code is the stable identifier surfaced to callers for a failure class.
type Code string

const (
	CodeValidation          Code = "VALIDATION"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInsufficientQty     Code = "INSUFFICIENT_QUANTITY"
	CodePermissionDenied    Code = "PERMISSION_DENIED"
	CodeUserNotBDA          Code = "USER_NOT_BDA"
	CodeUserHadRestricted   Code = "USER_HAD_RESTRICTED"
	CodeContentionExhausted Code = "CONTENTION_EXHAUSTED"
	CodeDataError           Code = "DATA_ERROR"
	CodeChain               Code = "CHAIN_ERROR"
	CodeUnsupported         Code = "UNSUPPORTED"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
)

var (
	ErrValidation          = &Error{Code: CodeValidation}
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrInsufficientQty     = &Error{Code: CodeInsufficientQty}
	ErrPermissionDenied    = &Error{Code: CodePermissionDenied}
	ErrUserNotBDA          = &Error{Code: CodeUserNotBDA}
	ErrUserHadRestricted   = &Error{Code: CodeUserHadRestricted}
	ErrContentionExhausted = &Error{Code: CodeContentionExhausted}
	ErrDataError           = &Error{Code: CodeDataError}
	ErrChain               = &Error{Code: CodeChain}
	ErrUnsupported         = &Error{Code: CodeUnsupported}
	ErrInvalidTransition   = &Error{Code: CodeInvalidTransition}
)

// Error is a typed settlement failure. Two errors match under errors.Is when
// their codes are equal, so callers compare against the exported sentinels.
type Error struct {
	Code Code
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("settlement: %s: %s", e.Op, msg)
	}
	return "settlement: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New builds a typed error with a formatted message.
func New(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error. A nil err yields nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf reports the code of the first typed error in the chain, or the
// empty code when err carries none.
func CodeOf(err error) Code {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Code
	}
	return ""
}

// Is and As re-export the standard helpers so callers need only one import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
