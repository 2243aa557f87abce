package models

import (
	"errors"
	"fmt"
)

// Failure taxonomy. ErrInvalidConversationType is a programmer error; the rest
// are transient remote failures that leave cached state untouched.
var (
	ErrInvalidConversationType  = errors.New("invalid conversation type")
	ErrHistoryFetchFailed       = errors.New("history fetch failed")
	ErrConversationsFetchFailed = errors.New("conversations fetch failed")
	ErrMarkReadFailed           = errors.New("mark read failed")
	ErrSendFailed               = errors.New("send failed")
	ErrSearchFailed             = errors.New("search failed")
)

// OpError ties a failure kind to the conversation it happened on and the
// transport cause. errors.Is matches both Kind and Err.
type OpError struct {
	Op   string
	Key  string
	Kind error
	Err  error
}

// NewOpError wraps err with a failure kind.
func NewOpError(op, key string, kind, err error) *OpError {
	return &OpError{Op: op, Key: key, Kind: kind, Err: err}
}

func (e *OpError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Op
	if e.Key != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Key)
	}
	if e.Kind != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Kind)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *OpError) Unwrap() []error {
	if e == nil {
		return nil
	}
	var out []error
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Transient reports whether err is a recoverable remote failure.
func Transient(err error) bool {
	for _, kind := range []error{
		ErrHistoryFetchFailed,
		ErrConversationsFetchFailed,
		ErrMarkReadFailed,
		ErrSendFailed,
		ErrSearchFailed,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
