// Package retry owns attempt bookkeeping: exponential backoff schedules,
// permanent-failure decisions, the requeue sweep and manual reprocessing.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"courier/internal/outbox"
	"courier/internal/resolver"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// JitterRatio inflates each delay by up to this fraction. Zero disables jitter.
	JitterRatio float64

	// RetryResolutionFailures schedules resolution failures like transport
	// failures instead of failing them permanently on the first attempt.
	RetryResolutionFailures bool
	// ResetAttemptsOnReprocess zeroes attempts on manual reprocess.
	ResetAttemptsOnReprocess bool
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Minute
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Hour
	}
	if c.JitterRatio < 0 {
		c.JitterRatio = 0
	}
	return c
}

// Store is the queue subset the manager writes through.
type Store interface {
	Get(ctx context.Context, id string) (outbox.Message, error)
	ClearError(ctx context.Context, id string, at time.Time) error
	UpdateStatus(ctx context.Context, id string, status outbox.Status, providerID string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, f outbox.Failure, at time.Time) error
	DueForRetry(ctx context.Context, q storage.RetryQuery) ([]outbox.Message, error)
	Requeue(ctx context.Context, id string, resetAttempts bool, at time.Time) error
}

// Attempt is the result of one dispatch attempt.
type Attempt struct {
	Success           bool
	ProviderMessageID string
	Err               error
}

// Outcome is the state written for an attempt.
type Outcome struct {
	Status        outbox.Status
	Attempts      int
	Permanent     bool
	NextAttemptAt *time.Time
}

type Manager struct {
	mu    sync.Mutex
	cfg   Config
	store Store
	clock clockwork.Clock
	rng   *rand.Rand
	log   logx.Logger
}

func New(cfg Config, store Store, clock clockwork.Clock, log logx.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	seed := uint64(time.Now().UnixNano())
	return &Manager{
		cfg:   cfg.normalized(),
		store: store,
		clock: clock,
		rng:   rand.New(rand.NewPCG(seed, seed<<7|3)),
		log:   log.With(logx.String("comp", "retry")),
	}
}

func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.normalized()
	m.mu.Unlock()
}

func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// ComputeDelay is min(MaxDelay, BaseDelay * Multiplier^attempt), without jitter.
func (m *Manager) ComputeDelay(attempt int) time.Duration {
	return computeDelay(m.Config(), attempt)
}

func computeDelay(cfg Config, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

// jittered adds up to JitterRatio of extra delay.
func (m *Manager) jittered(cfg Config, d time.Duration) time.Duration {
	if cfg.JitterRatio <= 0 || d <= 0 {
		return d
	}
	span := int64(float64(d) * cfg.JitterRatio)
	if span <= 0 {
		return d
	}
	m.mu.Lock()
	extra := m.rng.Int64N(span + 1)
	m.mu.Unlock()
	return d + time.Duration(extra)
}

// ShouldRetry reports whether a failed message still has retry budget.
func (m *Manager) ShouldRetry(ctx context.Context, id string) (bool, error) {
	msg, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	cfg := m.Config()
	return msg.Status == outbox.StatusError && !msg.Permanent && msg.Attempts < cfg.MaxAttempts, nil
}

// RecordAttempt writes the bookkeeping for one attempt. A success clears the
// last error and advances to Sent; a failure increments attempts and either
// schedules the next attempt or marks the message permanently failed.
func (m *Manager) RecordAttempt(ctx context.Context, id string, a Attempt) (Outcome, error) {
	now := m.clock.Now()
	if a.Success {
		// Sent first: a failed write must leave the lease in place.
		if _, err := m.store.UpdateStatus(ctx, id, outbox.StatusSent, a.ProviderMessageID, now); err != nil {
			return Outcome{}, err
		}
		if err := m.store.ClearError(ctx, id, now); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: outbox.StatusSent}, nil
	}

	msg, err := m.store.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	cfg := m.Config()
	attempts := msg.Attempts + 1
	out := Outcome{Status: outbox.StatusError, Attempts: attempts}

	switch {
	case attempts >= cfg.MaxAttempts:
		out.Permanent = true
	case resolver.IsResolution(a.Err) && !cfg.RetryResolutionFailures:
		out.Permanent = true
	default:
		next := now.Add(m.jittered(cfg, computeDelay(cfg, attempts)))
		out.NextAttemptAt = &next
	}

	errText := "unknown error"
	if a.Err != nil {
		errText = a.Err.Error()
	}
	f := outbox.Failure{
		Attempts:      attempts,
		LastError:     errText,
		NextAttemptAt: out.NextAttemptAt,
		Permanent:     out.Permanent,
	}
	if err := m.store.MarkFailed(ctx, id, f, now); err != nil {
		return Outcome{}, err
	}

	fields := []logx.Field{logx.String("id", id), logx.Int("attempts", attempts), logx.Err(a.Err)}
	if out.Permanent {
		m.log.Warn("message failed permanently", fields...)
	} else {
		m.log.Info("message failed, retry scheduled", append(fields, logx.Time("next_attempt_at", *out.NextAttemptAt))...)
	}
	return out, nil
}

// DueForRetry lists failed messages whose backoff has elapsed.
func (m *Manager) DueForRetry(ctx context.Context, limit int) ([]outbox.Message, error) {
	cfg := m.Config()
	return m.store.DueForRetry(ctx, storage.RetryQuery{
		Now:         m.clock.Now(),
		Limit:       limit,
		MaxAttempts: cfg.MaxAttempts,
	})
}

// Sweep moves due failed messages back to Pending, keeping their attempt count.
func (m *Manager) Sweep(ctx context.Context, limit int) (int, error) {
	due, err := m.DueForRetry(ctx, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, msg := range due {
		err := m.store.Requeue(ctx, msg.ID, false, m.clock.Now())
		if errors.Is(err, outbox.ErrNotRetryable) || errors.Is(err, outbox.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		m.log.Debug("requeued failed messages", logx.Int("count", n))
	}
	return n, nil
}

// Reprocess is the operator-triggered reset of a failed message. Whether
// attempts are zeroed follows ResetAttemptsOnReprocess.
func (m *Manager) Reprocess(ctx context.Context, id string) error {
	cfg := m.Config()
	if err := m.store.Requeue(ctx, id, cfg.ResetAttemptsOnReprocess, m.clock.Now()); err != nil {
		return err
	}
	m.log.Info("message reprocessed", logx.String("id", id), logx.Bool("reset_attempts", cfg.ResetAttemptsOnReprocess))
	return nil
}
