package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide between retry, user feedback and drop.
type ErrorKind string

const (
	KindValidation        ErrorKind = "VALIDATION"
	KindInsufficientStock ErrorKind = "INSUFFICIENT_STOCK"
	KindInvalidTransition ErrorKind = "INVALID_STATE_TRANSITION"
	KindGateway           ErrorKind = "GATEWAY"
	KindAuthentication    ErrorKind = "AUTHENTICATION"
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindConflict          ErrorKind = "CONFLICT"
	KindInternal          ErrorKind = "INTERNAL"
)

// Sentinel values usable with errors.Is.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrInsufficientStock = &Error{Kind: KindInsufficientStock}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrGateway           = &Error{Kind: KindGateway}
	ErrAuthentication    = &Error{Kind: KindAuthentication}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConflict          = &Error{Kind: KindConflict}

	// ErrConcurrentUpdate is returned by stores when an optimistic version check fails.
	ErrConcurrentUpdate = &Error{Kind: KindConflict, Message: "concurrent update"}
)

// Error is the domain error carried across the checkout core.
type Error struct {
	Kind      ErrorKind
	Op        string
	Message   string
	ProductID int64
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works for wrapped values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message != "" && t.Message != e.Message {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func ValidationError(op, format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func InsufficientStockError(op string, productID int64, requested, available int) error {
	return &Error{
		Kind:      KindInsufficientStock,
		Op:        op,
		ProductID: productID,
		Message:   fmt.Sprintf("product %d: requested %d, available %d", productID, requested, available),
	}
}

func InvalidTransitionError(op string, from, to string) error {
	return &Error{Kind: KindInvalidTransition, Op: op, Message: fmt.Sprintf("%s -> %s", from, to)}
}

func GatewayError(op string, err error) error {
	return &Error{Kind: KindGateway, Op: op, Err: err}
}

func AuthenticationError(op, reason string) error {
	return &Error{Kind: KindAuthentication, Op: op, Message: reason}
}

func NotFoundError(op, format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

func ConflictError(op, format string, args ...interface{}) error {
	return &Error{Kind: KindConflict, Op: op, Message: fmt.Sprintf(format, args...)}
}
