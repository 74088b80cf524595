// Package webhook ingests provider callbacks: every payload is persisted
// before anything else, then verified, normalized and applied to the queue
// and the status ledger.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"courier/internal/eventbus"
	"courier/internal/outbox"
	logx "courier/pkg/logx"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

type Config struct {
	// Secret enables HMAC-SHA256 verification. Empty accepts every payload.
	Secret string
	// RedriveGrace keeps re-drive away from payloads that are still being
	// ingested.
	RedriveGrace time.Duration
	// MaxAttempts is how many times a payload is processed before it is
	// marked dead.
	MaxAttempts int
}

func (c Config) normalized() Config {
	if c.RedriveGrace <= 0 {
		c.RedriveGrace = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Store is the persistence the ingestor writes through.
type Store interface {
	SaveRawEvent(ctx context.Context, ev *outbox.RawEvent) error
	MarkRawEvent(ctx context.Context, id string, state outbox.RawEventState, errMsg string, at time.Time) error
	RawEventsForRedrive(ctx context.Context, receivedBefore time.Time, limit int) ([]outbox.RawEvent, error)
	FindByProviderMessageID(ctx context.Context, providerID string) (outbox.Message, error)
	UpdateStatus(ctx context.Context, id string, status outbox.Status, providerID string, at time.Time) (bool, error)
	AppendStatusEvent(ctx context.Context, ev outbox.StatusEvent) (bool, error)
}

// Result reports one ingestion. Accepted means the payload passed
// verification; AppliedStatus is the highest status that moved a message.
type Result struct {
	RawEventID    string         `json:"raw_event_id"`
	Accepted      bool           `json:"accepted"`
	Relevant      bool           `json:"relevant"`
	AppliedStatus *outbox.Status `json:"applied_status,omitempty"`
	Duplicate     bool           `json:"duplicate,omitempty"`
	MessageFound  bool           `json:"message_found,omitempty"`
	Updates       int            `json:"updates,omitempty"`
}

// RedriveResult counts one re-drive sweep.
type RedriveResult struct {
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

type Ingestor struct {
	mu    sync.RWMutex
	cfg   Config
	store Store
	bus   eventbus.Bus
	clock clockwork.Clock
	log   logx.Logger
}

func New(cfg Config, store Store, bus eventbus.Bus, clock clockwork.Clock, log logx.Logger) *Ingestor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ingestor{
		cfg:   cfg.normalized(),
		store: store,
		bus:   bus,
		clock: clock,
		log:   log.With(logx.String("comp", "webhook")),
	}
}

func (w *Ingestor) Apply(cfg Config) {
	w.mu.Lock()
	w.cfg = cfg.normalized()
	w.mu.Unlock()
}

func (w *Ingestor) config() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex signature (optionally prefixed "sha256=") in
// constant time. An empty secret accepts everything.
func Verify(secret string, payload []byte, signature string) bool {
	if secret == "" {
		return true
	}
	sig := strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// Ingest persists payload and then runs it through handle. The raw event is
// stored even when verification or processing fails afterwards.
func (w *Ingestor) Ingest(ctx context.Context, payload []byte, signature string) (Result, error) {
	ev := &outbox.RawEvent{
		ReceivedAt: w.clock.Now(),
		Payload:    payload,
		Signature:  signature,
		State:      outbox.RawReceived,
	}
	if err := w.store.SaveRawEvent(ctx, ev); err != nil {
		return Result{}, fmt.Errorf("persist webhook: %w", err)
	}
	return w.handle(ctx, *ev)
}

// Redrive re-runs stored payloads that were never processed or failed,
// through the same path as Ingest, fewest attempts first. Rejected and dead
// payloads are not re-driven.
func (w *Ingestor) Redrive(ctx context.Context, limit int) (RedriveResult, error) {
	var out RedriveResult
	cfg := w.config()
	evs, err := w.store.RawEventsForRedrive(ctx, w.clock.Now().Add(-cfg.RedriveGrace), limit)
	if err != nil {
		return out, err
	}
	for _, ev := range evs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out.Attempted++
		if _, err := w.handle(ctx, ev); err != nil {
			out.Failed++
			out.Errors = append(out.Errors, ev.ID+": "+err.Error())
			continue
		}
		out.Succeeded++
	}
	if out.Attempted > 0 {
		w.log.Info("webhook redrive done",
			logx.Int("attempted", out.Attempted), logx.Int("succeeded", out.Succeeded), logx.Int("failed", out.Failed))
	}
	return out, nil
}

// handle verifies, processes and records the outcome of one stored payload.
func (w *Ingestor) handle(ctx context.Context, ev outbox.RawEvent) (Result, error) {
	res := Result{RawEventID: ev.ID}
	cfg := w.config()

	if !Verify(cfg.Secret, ev.Payload, ev.Signature) {
		w.mark(ctx, ev.ID, outbox.RawRejected, ErrInvalidSignature.Error())
		w.log.Warn("webhook rejected", logx.String("raw_event_id", ev.ID))
		w.publish(res, ErrInvalidSignature)
		return res, ErrInvalidSignature
	}
	res.Accepted = true

	processed, err := w.process(ctx, ev)
	processed.RawEventID, processed.Accepted = ev.ID, true
	if err != nil {
		state := outbox.RawError
		if ev.Attempts+1 >= cfg.MaxAttempts {
			state = outbox.RawDead
		}
		w.mark(ctx, ev.ID, state, err.Error())
		w.log.Warn("webhook processing failed", logx.String("raw_event_id", ev.ID),
			logx.String("state", string(state)), logx.Int("attempts", ev.Attempts+1), logx.Err(err))
		w.publish(processed, err)
		return processed, err
	}
	w.mark(ctx, ev.ID, outbox.RawProcessed, "")
	w.publish(processed, nil)
	return processed, nil
}

// process applies the payload. Panics become errors so the raw event is
// marked for re-drive instead of taking the caller down.
func (w *Ingestor) process(ctx context.Context, ev outbox.RawEvent) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing webhook: %v", r)
		}
	}()

	parsed, err := Parse(ev.Payload)
	if err != nil {
		return res, err
	}
	res.Relevant = parsed.Relevant
	if !parsed.Relevant {
		w.log.Debug("webhook ignored", logx.String("raw_event_id", ev.ID), logx.String("event", parsed.Event))
		return res, nil
	}

	now := w.clock.Now()
	for _, u := range parsed.Updates {
		occurred := u.OccurredAt
		if occurred.IsZero() {
			occurred = ev.ReceivedAt
		}

		// The ledger is the idempotency boundary; it is written even when the
		// message is unknown to the queue.
		appended, err := w.store.AppendStatusEvent(ctx, outbox.StatusEvent{
			ProviderMessageID: u.ProviderMessageID,
			Status:            u.Status,
			OccurredAt:        occurred,
			SourceAddress:     u.SourceAddress,
			RawPayload:        ev.Payload,
			RecordedAt:        now,
		})
		if err != nil {
			return res, fmt.Errorf("append status event: %w", err)
		}
		res.Updates++
		if !appended {
			res.Duplicate = true
		}

		msg, err := w.store.FindByProviderMessageID(ctx, u.ProviderMessageID)
		if errors.Is(err, outbox.ErrNotFound) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("find message: %w", err)
		}
		res.MessageFound = true

		changed, err := w.store.UpdateStatus(ctx, msg.ID, u.Status, "", occurred)
		if err != nil {
			return res, fmt.Errorf("update status: %w", err)
		}
		if !changed {
			continue
		}
		if res.AppliedStatus == nil || u.Status > *res.AppliedStatus {
			st := u.Status
			res.AppliedStatus = &st
		}
		eventbus.Publish(w.bus, eventbus.TopicMessageStatus, now, eventbus.MessageEvent{
			ID:                msg.ID,
			ProviderMessageID: u.ProviderMessageID,
			Recipient:         msg.Recipient().String(),
			Status:            u.Status.String(),
		})
	}
	return res, nil
}

func (w *Ingestor) mark(ctx context.Context, id string, state outbox.RawEventState, msg string) {
	if err := w.store.MarkRawEvent(ctx, id, state, msg, w.clock.Now()); err != nil {
		w.log.Error("mark raw event failed", logx.String("raw_event_id", id), logx.String("state", string(state)), logx.Err(err))
	}
}

func (w *Ingestor) publish(res Result, err error) {
	ev := eventbus.WebhookEvent{RawEventID: res.RawEventID, Relevant: res.Relevant, Duplicate: res.Duplicate}
	if res.AppliedStatus != nil {
		ev.Status = res.AppliedStatus.String()
	}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Publish(w.bus, eventbus.TopicWebhookReceived, w.clock.Now(), ev)
}
