package composite

import (
	"errors"
	"fmt"
	"net/http"

	"deghost/internal/arena"
)

// Kind classifies every failure a session can report.
type Kind string

const (
	KindTooManyFrames      Kind = "too_many_frames"
	KindInvalidDimensions  Kind = "invalid_dimensions"
	KindInvalidAngle       Kind = "invalid_angle"
	KindInvalidSensitivity Kind = "invalid_sensitivity"
	KindInvalidMinSize     Kind = "invalid_min_size"
	KindInvalidOrder       Kind = "invalid_order"
	KindInvalidFrames      Kind = "invalid_frames"
	KindOutOfMemory        Kind = "out_of_memory"
	KindFrameDecode        Kind = "frame_decode"
	KindMergeFailed        Kind = "merge_failed"
	KindEncodeFailed       Kind = "encode_failed"
	KindInvalidState       Kind = "invalid_state"
)

// Contract reports whether the kind is a caller error rejected before any
// native resource is touched.
func (k Kind) Contract() bool {
	switch k {
	case KindTooManyFrames, KindInvalidDimensions, KindInvalidAngle,
		KindInvalidSensitivity, KindInvalidMinSize, KindInvalidOrder,
		KindInvalidFrames, KindInvalidState:
		return true
	}
	return false
}

// HTTPStatus maps the kind onto a response code for the HTTP surface.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidState:
		return http.StatusConflict
	case KindOutOfMemory:
		return http.StatusInsufficientStorage
	case KindFrameDecode:
		return http.StatusUnprocessableEntity
	case KindMergeFailed, KindEncodeFailed:
		return http.StatusInternalServerError
	}
	if k.Contract() {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Error is the structured error returned by every session operation.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Detail == "" && t.Err == nil
}

var (
	ErrTooManyFrames      = &Error{Kind: KindTooManyFrames}
	ErrInvalidDimensions  = &Error{Kind: KindInvalidDimensions}
	ErrInvalidAngle       = &Error{Kind: KindInvalidAngle}
	ErrInvalidSensitivity = &Error{Kind: KindInvalidSensitivity}
	ErrInvalidMinSize     = &Error{Kind: KindInvalidMinSize}
	ErrInvalidOrder       = &Error{Kind: KindInvalidOrder}
	ErrInvalidFrames      = &Error{Kind: KindInvalidFrames}
	ErrOutOfMemory        = &Error{Kind: KindOutOfMemory}
	ErrFrameDecode        = &Error{Kind: KindFrameDecode}
	ErrMergeFailed        = &Error{Kind: KindMergeFailed}
	ErrEncodeFailed       = &Error{Kind: KindEncodeFailed}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
)

// KindOf extracts the kind of err, or "" when err is not a session error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// fromArena maps arena sentinels onto session kinds.
func fromArena(op string, err error) *Error {
	switch {
	case errors.Is(err, arena.ErrTooManyFrames):
		return wrapError(KindTooManyFrames, op, err)
	case errors.Is(err, arena.ErrOutOfMemory):
		return wrapError(KindOutOfMemory, op, err)
	case errors.Is(err, arena.ErrEmptyBuffer):
		return wrapError(KindInvalidFrames, op, err)
	default:
		return wrapError(KindOutOfMemory, op, err)
	}
}
