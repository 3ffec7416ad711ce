package store

import (
	"errors"
	"fmt"

	"github.com/corvohq/fitq/internal/molecule"
	"github.com/corvohq/fitq/internal/ordering"
)

type ErrorCode string

const (
	ErrorCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrorCodeInvalidValue    ErrorCode = "INVALID_VALUE"
	ErrorCodeConnection      ErrorCode = "CONNECTION"
	ErrorCodeOperation       ErrorCode = "OPERATION"
	ErrorCodeNoPendingWork   ErrorCode = "NO_PENDING_WORK"
	ErrorCodeInvalidShape    ErrorCode = "INVALID_SHAPE"
	ErrorCodeMalformedCoords ErrorCode = "MALFORMED_COORDINATES"
)

// StoreError is the single error type callers see from the store. Err keeps
// the backend or validation error that caused it.
type StoreError struct {
	Code ErrorCode
	Msg  string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is matches sentinels by code, so errors.Is(err, ErrNotFound) works for any
// not-found error regardless of message.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Code == e.Code
}

var (
	ErrNotFound      = &StoreError{Code: ErrorCodeNotFound}
	ErrInvalidValue  = &StoreError{Code: ErrorCodeInvalidValue}
	ErrConnection    = &StoreError{Code: ErrorCodeConnection}
	ErrOperation     = &StoreError{Code: ErrorCodeOperation}
	ErrNoPendingWork = &StoreError{Code: ErrorCodeNoPendingWork}
)

func NewNotFoundError(format string, args ...any) error {
	return &StoreError{Code: ErrorCodeNotFound, Msg: fmt.Sprintf(format, args...)}
}

func NewInvalidValueError(format string, args ...any) error {
	return &StoreError{Code: ErrorCodeInvalidValue, Msg: fmt.Sprintf(format, args...)}
}

func NewConnectionError(msg string, err error) error {
	return &StoreError{Code: ErrorCodeConnection, Msg: msg, Err: err}
}

func NewOperationError(msg string, err error) error {
	return &StoreError{Code: ErrorCodeOperation, Msg: msg, Err: err}
}

func NewNoPendingWorkError(requested, got int) error {
	return &StoreError{
		Code: ErrorCodeNoPendingWork,
		Msg:  fmt.Sprintf("requested %d jobs, only %d pending", requested, got),
	}
}

// Code returns the error code of err, or "" if err is not a StoreError.
func Code(err error) ErrorCode {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

func IsNotFoundError(err error) bool      { return Code(err) == ErrorCodeNotFound }
func IsInvalidValueError(err error) bool  { return Code(err) == ErrorCodeInvalidValue }
func IsConnectionError(err error) bool    { return Code(err) == ErrorCodeConnection }
func IsOperationError(err error) bool     { return Code(err) == ErrorCodeOperation }
func IsNoPendingWorkError(err error) bool { return Code(err) == ErrorCodeNoPendingWork }

// domainError lifts errors from the molecule, ordering and nbody packages into
// the store taxonomy. Errors that are already StoreErrors pass through; order
// mismatches and unknown subsets become INVALID_VALUE.
func domainError(msg string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	var shape *ordering.InvalidShapeError
	if errors.As(err, &shape) {
		return &StoreError{Code: ErrorCodeInvalidShape, Msg: msg, Err: err}
	}
	var coords *molecule.MalformedCoordinateDataError
	if errors.As(err, &coords) {
		return &StoreError{Code: ErrorCodeMalformedCoords, Msg: msg, Err: err}
	}
	return &StoreError{Code: ErrorCodeInvalidValue, Msg: msg, Err: err}
}
