package resolver

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("recipient not found")
	ErrBlocked        = errors.New("recipient is blocked")
	ErrInvalidAddress = errors.New("recipient address is invalid")
)

// Error is a resolution failure for one recipient. Reason is one of the
// package sentinels and is matched with errors.Is.
type Error struct {
	Reason  error
	Kind    string
	ID      string
	Address string
	Detail  string
}

func (e *Error) Error() string {
	target := e.Address
	if e.Kind != "" || e.ID != "" {
		target = e.Kind + ":" + e.ID
	}
	msg := fmt.Sprintf("resolve %s: %v", target, e.Reason)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Reason }

// IsResolution reports whether err is a recipient resolution failure.
func IsResolution(err error) bool {
	var re *Error
	return errors.As(err, &re)
}
