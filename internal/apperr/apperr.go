// Package apperr is the error taxonomy shared by the sync client and the API server.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure. Its String form is the taxonomy name.
type Kind int

const (
	KindUnknown Kind = iota
	KindStorage
	KindNetwork
	KindTimeout
	KindValidation
	KindAuth
	KindRateLimited
	KindConfiguration
	KindNotFound
	KindConflict
	KindServer
)

var kindNames = map[Kind]string{
	KindUnknown:       "UnknownError",
	KindStorage:       "StorageError",
	KindNetwork:       "NetworkError",
	KindTimeout:       "TimeoutError",
	KindValidation:    "ValidationError",
	KindAuth:          "AuthError",
	KindRateLimited:   "RateLimitedError",
	KindConfiguration: "ConflictResolutionConfigError",
	KindNotFound:      "NotFoundError",
	KindConflict:      "ConflictError",
	KindServer:        "ServerError",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Transient reports whether a retry of the same request may succeed.
func (k Kind) Transient() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimited, KindServer:
		return true
	}
	return false
}

// Error is a classified failure. Status is the HTTP status when the failure
// came from a response; RetryAfter is set for rate-limited responses.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	Status     int
	RetryAfter time.Duration
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without an underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RetryAfter returns the server-advised wait carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimited && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}
