// Package chaterr defines the error kinds surfaced by chat sessions.
package chaterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient covers network and backend failures worth retrying by the user.
	KindTransient
	KindNotFound
	// KindMalformed marks events or payloads missing required fields.
	KindMalformed
	KindPermission
	// KindClosed is returned for operations on a torn-down session.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindMalformed:
		return "malformed"
	case KindPermission:
		return "permission"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per kind, so errors.Is works against a bare kind.
var (
	ErrTransient  = errors.New("transient failure")
	ErrNotFound   = errors.New("not found")
	ErrMalformed  = errors.New("malformed event")
	ErrPermission = errors.New("permission denied")
	ErrClosed     = errors.New("session closed")
)

func (k Kind) sentinel() error {
	switch k {
	case KindTransient:
		return ErrTransient
	case KindNotFound:
		return ErrNotFound
	case KindMalformed:
		return ErrMalformed
	case KindPermission:
		return ErrPermission
	case KindClosed:
		return ErrClosed
	}
	return nil
}

// Error wraps an underlying cause with a kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if s := e.Kind.sentinel(); s != nil {
		msg = s.Error()
	}
	if e.Err != nil && !errors.Is(e.Err, e.Kind.sentinel()) {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinel as well as the wrapped cause.
func (e *Error) Is(target error) bool {
	if s := e.Kind.sentinel(); s != nil && target == s {
		return true
	}
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind && (other.Op == "" || other.Op == e.Op)
	}
	return false
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transient(op string, err error) error  { return newError(KindTransient, op, err) }
func NotFound(op string, err error) error   { return newError(KindNotFound, op, err) }
func Malformed(op string, err error) error  { return newError(KindMalformed, op, err) }
func Permission(op string, err error) error { return newError(KindPermission, op, err) }
func Closed(op string) error                { return newError(KindClosed, op, nil) }

// Malformedf builds a Malformed error from a format string.
func Malformedf(op, format string, args ...any) error {
	return newError(KindMalformed, op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Wrap attaches kind to err unless it already carries one. Unclassified errors
// from collaborators are treated as transient.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return Transient(op, err)
}
