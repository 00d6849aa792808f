package notifier

import (
	"errors"
	"fmt"
)

// Kind categorizes a channel error for retry decisions.
type Kind string

const (
	KindConnection  Kind = "connection"
	KindTimeout     Kind = "timeout"
	KindRateLimit   Kind = "rate_limit"
	KindUnavailable Kind = "unavailable"
	KindRecipient   Kind = "invalid_recipient"
	KindAuth        Kind = "auth"
	KindRejected    Kind = "rejected"
)

// Error is a classified channel failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindTimeout, KindRateLimit, KindUnavailable:
		return true
	}
	return false
}

func NewError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Classify maps err to a failure status. Classified errors follow their
// kind; anything else (deadlines, network errors, unknown provider
// failures) is transient and gets the bounded retry.
func Classify(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var ce *Error
	if errors.As(err, &ce) && !ce.Retryable() {
		return StatusPermanent
	}
	return StatusTransient
}

// HTTPKind maps an upstream HTTP status to an error kind.
func HTTPKind(code int) Kind {
	switch {
	case code == 429:
		return KindRateLimit
	case code == 401 || code == 403:
		return KindAuth
	case code == 404 || code == 400 || code == 422:
		return KindRecipient
	case code >= 500:
		return KindUnavailable
	}
	return KindRejected
}
