package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"courier/internal/outbox"
	logx "courier/pkg/logx"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (tests, dry runs)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DueQuery selects pending messages eligible for dispatch.
type DueQuery struct {
	Now   time.Time
	Limit int
	// LeaseCutoff: rows leased at or after this instant are in flight and skipped.
	LeaseCutoff time.Time
}

// RetryQuery selects failed messages whose backoff elapsed.
type RetryQuery struct {
	Now         time.Time
	Limit       int
	MaxAttempts int
}

// StatsQuery parameterizes Stats.
type StatsQuery struct {
	Now         time.Time
	DayStart    time.Time
	MaxAttempts int
}

// Store owns the three durable collections (queued messages, status ledger,
// entity cache) plus the raw webhook payload log.
//
// Implementations must make UpdateStatus and Claim atomic conditional
// writes: concurrent webhook deliveries for the same message may race.
type Store interface {
	// Queue.
	Enqueue(ctx context.Context, m *outbox.Message) error
	Get(ctx context.Context, id string) (outbox.Message, error)
	FindByProviderMessageID(ctx context.Context, providerID string) (outbox.Message, error)
	FetchDue(ctx context.Context, q DueQuery) ([]outbox.Message, error)
	Claim(ctx context.Context, id string, now, leaseCutoff time.Time) (bool, error)
	UpdateStatus(ctx context.Context, id string, status outbox.Status, providerID string, at time.Time) (bool, error)
	ClearError(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, f outbox.Failure, at time.Time) error
	Cancel(ctx context.Context, id string, leaseCutoff time.Time) error
	DueForRetry(ctx context.Context, q RetryQuery) ([]outbox.Message, error)
	Requeue(ctx context.Context, id string, resetAttempts bool, at time.Time) error
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time, maxAttempts int) (int64, error)
	Stats(ctx context.Context, q StatsQuery) (outbox.Stats, error)
	CountSentSince(ctx context.Context, since time.Time) (int, error)
	DeliveryWindow(ctx context.Context, since time.Time) (outbox.DeliveryWindow, error)

	// Status ledger. AppendStatusEvent reports false when (provider id, status)
	// was already recorded.
	AppendStatusEvent(ctx context.Context, ev outbox.StatusEvent) (bool, error)
	StatusEvents(ctx context.Context, providerID string) ([]outbox.StatusEvent, error)

	// Raw webhook payloads.
	SaveRawEvent(ctx context.Context, ev *outbox.RawEvent) error
	MarkRawEvent(ctx context.Context, id string, state outbox.RawEventState, errMsg string, at time.Time) error
	RawEventsForRedrive(ctx context.Context, receivedBefore time.Time, limit int) ([]outbox.RawEvent, error)
	PruneRawEvents(ctx context.Context, cutoff time.Time) (int64, error)

	// Entity cache.
	GetEntity(ctx context.Context, kind, id string) (outbox.EntityRef, bool, error)
	UpsertEntity(ctx context.Context, ref outbox.EntityRef) error
	TouchEntity(ctx context.Context, kind, id string, at time.Time) error
	SetEntityBlocked(ctx context.Context, kind, id string, blocked bool) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver {
	case "", "none":
		return nil, ErrDisabled
	case "memory", "mem":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// terminal reports whether a message may be removed by retention.
func terminal(m outbox.Message, maxAttempts int) bool {
	if m.Status >= outbox.StatusSent {
		return true
	}
	return m.Status == outbox.StatusError && (m.Permanent || m.Attempts >= maxAttempts)
}

func leased(m outbox.Message, leaseCutoff time.Time) bool {
	return m.LockedAt != nil && !m.LockedAt.Before(leaseCutoff)
}

func truncMilli(t time.Time) time.Time { return time.UnixMilli(t.UnixMilli()) }

func ptrTime(t time.Time) *time.Time {
	v := truncMilli(t)
	return &v
}
