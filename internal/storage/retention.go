package storage

import (
	"context"
	"fmt"
	"time"
)

// Retention bounds how long finished rows are kept.
type Retention struct {
	// Messages older than this in a terminal state are deleted, together with
	// the failure log of the same age. Zero disables.
	Messages time.Duration
	// Processed or rejected raw webhook payloads older than this are deleted. Zero disables.
	RawEvents   time.Duration
	MaxAttempts int
}

type SweepResult struct {
	Messages  int64
	RawEvents int64
}

// Sweep deletes rows past their retention window. The status ledger is
// never pruned.
func Sweep(ctx context.Context, st Store, r Retention, now time.Time) (SweepResult, error) {
	var res SweepResult
	if r.Messages > 0 {
		n, err := st.DeleteTerminalBefore(ctx, now.Add(-r.Messages), r.MaxAttempts)
		if err != nil {
			return res, fmt.Errorf("retention delete messages: %w", err)
		}
		res.Messages = n
	}
	if r.RawEvents > 0 {
		n, err := st.PruneRawEvents(ctx, now.Add(-r.RawEvents))
		if err != nil {
			return res, fmt.Errorf("retention prune raw events: %w", err)
		}
		res.RawEvents = n
	}
	return res, nil
}
