package outbox

import "errors"

var (
	ErrNotFound   = errors.New("message not found")
	ErrNotPending = errors.New("message is not pending")
	// ErrNotRetryable is returned when a manual reprocess targets a
	// message that is not in the error state.
	ErrNotRetryable = errors.New("message is not in error state")
	ErrDuplicateID  = errors.New("duplicate message or provider id")
)
