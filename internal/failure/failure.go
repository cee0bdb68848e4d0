// Package failure defines the error kinds reported by the sync pipeline.
//
// Every kind is terminal for the call that produced it. Callers that want to
// retry do so themselves.
package failure

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNetworkUnavailable
	KindFetchFailed
	KindParseFailed
	KindPersistenceFailed
)

func (k Kind) String() string {
	switch k {
	case KindNetworkUnavailable:
		return "network_unavailable"
	case KindFetchFailed:
		return "fetch_failed"
	case KindParseFailed:
		return "parse_failed"
	case KindPersistenceFailed:
		return "persistence_failed"
	default:
		return "unknown"
	}
}

var (
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrFetchFailed        = errors.New("fetch failed")
	ErrParseFailed        = errors.New("parse failed")
	ErrPersistenceFailed  = errors.New("persistence failed")
)

// UserMessage is the only text shown to end users for any failure.
const UserMessage = "could not retrieve data"

// Error carries a kind, the operation that failed and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.sentinel())
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.sentinel(), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels. A NetworkUnavailable error is also a
// FetchFailed error.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNetworkUnavailable:
		return e.Kind == KindNetworkUnavailable
	case ErrFetchFailed:
		return e.Kind == KindFetchFailed || e.Kind == KindNetworkUnavailable
	case ErrParseFailed:
		return e.Kind == KindParseFailed
	case ErrPersistenceFailed:
		return e.Kind == KindPersistenceFailed
	}
	return false
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindNetworkUnavailable:
		return ErrNetworkUnavailable
	case KindFetchFailed:
		return ErrFetchFailed
	case KindParseFailed:
		return ErrParseFailed
	case KindPersistenceFailed:
		return ErrPersistenceFailed
	}
	return errors.New("unknown failure")
}

func NetworkUnavailable(op string, err error) error {
	return &Error{Kind: KindNetworkUnavailable, Op: op, Err: err}
}

func FetchFailed(op string, err error) error {
	return &Error{Kind: KindFetchFailed, Op: op, Err: err}
}

func ParseFailed(op string, err error) error {
	return &Error{Kind: KindParseFailed, Op: op, Err: err}
}

func PersistenceFailed(op string, err error) error {
	return &Error{Kind: KindPersistenceFailed, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
