// Package dispatch drains the queue through the sender, one message at a
// time, under the rate/window policy.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"courier/internal/eventbus"
	"courier/internal/metrics"
	"courier/internal/outbox"
	"courier/internal/policy"
	"courier/internal/resolver"
	"courier/internal/retry"
	"courier/internal/sender"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

// Stop reasons besides the policy ones.
const (
	StopBusy        = "busy"
	StopCanceled    = "canceled"
	StopStoreError  = "store_error"
	StopPolicyError = "policy_error"
)

// ErrRejected wraps a provider answer with OK=false.
var ErrRejected = errors.New("provider rejected message")

// TransportError is a sender call that failed or timed out.
type TransportError struct {
	Sender string
	Err    error
}

func (e *TransportError) Error() string { return fmt.Sprintf("sender %s: %v", e.Sender, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

type Config struct {
	BatchSize   int
	SendTimeout time.Duration
	// Lease is how long a claimed message stays invisible to other batches.
	Lease time.Duration
}

func (c Config) normalized() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.Lease < c.SendTimeout {
		c.Lease = 2 * c.SendTimeout
	}
	return c
}

type Store interface {
	FetchDue(ctx context.Context, q storage.DueQuery) ([]outbox.Message, error)
	Claim(ctx context.Context, id string, now, leaseCutoff time.Time) (bool, error)
	UpdateStatus(ctx context.Context, id string, status outbox.Status, providerID string, at time.Time) (bool, error)
	StatusEvents(ctx context.Context, providerID string) ([]outbox.StatusEvent, error)
}

type Resolver interface {
	Resolve(ctx context.Context, ref outbox.Recipient) (resolver.Address, error)
	MarkUsed(ctx context.Context, kind, id string)
}

type Gate interface {
	MayDispatchNow(ctx context.Context) (policy.Decision, error)
	VolumeAllows(ctx context.Context) (policy.Decision, error)
	InterDispatchDelay() time.Duration
}

type Recorder interface {
	RecordAttempt(ctx context.Context, id string, a retry.Attempt) (retry.Outcome, error)
}

// Deps are the collaborators of a Dispatcher. Bus and Metrics are optional.
type Deps struct {
	Store    Store
	Resolver Resolver
	Policy   Gate
	Retry    Recorder
	Sender   sender.Sender
	Bus      eventbus.Bus
	Metrics  *metrics.Metrics
	Clock    clockwork.Clock
}

// Summary reports one ProcessBatch call.
type Summary struct {
	Processed  int    `json:"processed"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	StopReason string `json:"stop_reason,omitempty"`
}

type Dispatcher struct {
	mu     sync.Mutex
	cfg    Config
	sender sender.Sender

	deps    Deps
	clock   clockwork.Clock
	running atomic.Bool
	log     logx.Logger
}

func New(cfg Config, deps Deps, log logx.Logger) (*Dispatcher, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("dispatch: store is required")
	case deps.Resolver == nil:
		return nil, errors.New("dispatch: resolver is required")
	case deps.Policy == nil:
		return nil, errors.New("dispatch: policy is required")
	case deps.Retry == nil:
		return nil, errors.New("dispatch: retry manager is required")
	case deps.Sender == nil:
		return nil, errors.New("dispatch: sender is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:    cfg.normalized(),
		sender: deps.Sender,
		deps:   deps,
		clock:  clock,
		log:    log.With(logx.String("comp", "dispatch")),
	}, nil
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.normalized()
	d.mu.Unlock()
}

// SetSender swaps the sender used by the next batch.
func (d *Dispatcher) SetSender(s sender.Sender) {
	if s == nil {
		return
	}
	d.mu.Lock()
	d.sender = s
	d.mu.Unlock()
}

// LeaseCutoff is the instant before which a claim has expired.
func (d *Dispatcher) LeaseCutoff() time.Time {
	cfg, _ := d.snapshot()
	return d.clock.Now().Add(-cfg.Lease)
}

func (d *Dispatcher) snapshot() (Config, sender.Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.sender
}

// ProcessBatch dispatches up to limit due messages (BatchSize when limit
// <= 0). It never returns delivery failures: those are handed to the retry
// manager and counted in the summary. Overlapping calls return StopBusy.
func (d *Dispatcher) ProcessBatch(ctx context.Context, limit int) Summary {
	if !d.running.CompareAndSwap(false, true) {
		return Summary{StopReason: StopBusy}
	}
	defer d.running.Store(false)

	sum := d.processBatch(ctx, limit)
	if d.deps.Metrics != nil {
		d.deps.Metrics.BatchStopped(sum.StopReason)
	}
	if sum.Processed > 0 || sum.StopReason != "" {
		d.log.Debug("batch done",
			logx.Int("processed", sum.Processed), logx.Int("succeeded", sum.Succeeded),
			logx.Int("failed", sum.Failed), logx.String("stop_reason", sum.StopReason))
	}
	return sum
}

func (d *Dispatcher) processBatch(ctx context.Context, limit int) Summary {
	var sum Summary
	cfg, snd := d.snapshot()
	if limit <= 0 {
		limit = cfg.BatchSize
	}

	dec, err := d.deps.Policy.MayDispatchNow(ctx)
	if err != nil {
		d.log.Warn("policy check failed", logx.Err(err))
		sum.StopReason = StopPolicyError
		return sum
	}
	if !dec.Allowed {
		sum.StopReason = dec.Reason
		return sum
	}

	now := d.clock.Now()
	due, err := d.deps.Store.FetchDue(ctx, storage.DueQuery{Now: now, Limit: limit, LeaseCutoff: now.Add(-cfg.Lease)})
	if err != nil {
		d.log.Error("fetch due failed", logx.Err(err))
		sum.StopReason = StopStoreError
		return sum
	}

	for i, msg := range due {
		if ctx.Err() != nil {
			sum.StopReason = StopCanceled
			return sum
		}
		dec, err := d.deps.Policy.VolumeAllows(ctx)
		if err != nil {
			d.log.Warn("volume check failed", logx.Err(err))
			sum.StopReason = StopPolicyError
			return sum
		}
		if !dec.Allowed {
			sum.StopReason = dec.Reason
			return sum
		}

		now := d.clock.Now()
		ok, err := d.deps.Store.Claim(ctx, msg.ID, now, now.Add(-cfg.Lease))
		if err != nil {
			d.log.Warn("claim failed", logx.String("id", msg.ID), logx.Err(err))
			continue
		}
		if !ok {
			// Cancelled or taken by another batch since FetchDue.
			continue
		}

		sum.Processed++
		called, err := d.dispatchOne(ctx, cfg, snd, msg)
		if err != nil {
			sum.Failed++
		} else {
			sum.Succeeded++
		}

		if !called || i == len(due)-1 {
			continue
		}
		if !d.wait(ctx, d.deps.Policy.InterDispatchDelay()) {
			sum.StopReason = StopCanceled
			return sum
		}
	}
	return sum
}

// dispatchOne resolves, sends and records one claimed message. called
// reports whether the sender was invoked.
func (d *Dispatcher) dispatchOne(ctx context.Context, cfg Config, snd sender.Sender, msg outbox.Message) (called bool, err error) {
	log := d.log.With(logx.String("id", msg.ID), logx.String("recipient", msg.Recipient().String()))

	addr, err := d.deps.Resolver.Resolve(ctx, msg.Recipient())
	if err != nil {
		if d.deps.Metrics != nil {
			d.deps.Metrics.ResolutionFailed()
		}
		log.Info("recipient resolution failed", logx.Err(err))
		d.fail(ctx, msg, err)
		return false, err
	}

	providerID, err := d.send(ctx, cfg, snd, msg, addr.Address)
	if err != nil {
		log.Info("send failed", logx.Err(err))
		d.fail(ctx, msg, err)
		return true, err
	}

	// The provider accepted the message, so a failed write is never handed
	// to retry. RecordAttempt stores Sent a second time.
	at := d.clock.Now()
	_, storeErr := d.deps.Store.UpdateStatus(ctx, msg.ID, outbox.StatusSent, providerID, at)
	if storeErr != nil {
		log.Warn("store sent status failed", logx.String("provider_id", providerID), logx.Err(storeErr))
	}
	if _, err := d.deps.Retry.RecordAttempt(ctx, msg.ID, retry.Attempt{Success: true, ProviderMessageID: providerID}); err != nil {
		if storeErr != nil {
			// The lease keeps the message out of batches until it expires.
			log.Error("message sent but not recorded", logx.String("provider_id", providerID), logx.Err(err))
			return true, fmt.Errorf("store sent status: %w", err)
		}
		log.Warn("record success failed", logx.Err(err))
	}
	d.deps.Resolver.MarkUsed(ctx, addr.Kind, addr.ID)

	log.Debug("message sent", logx.String("provider_id", providerID))
	eventbus.Publish(d.deps.Bus, eventbus.TopicMessageSent, at, eventbus.MessageEvent{
		ID:                msg.ID,
		ProviderMessageID: providerID,
		Recipient:         msg.Recipient().String(),
		Status:            outbox.StatusSent.String(),
		Attempts:          msg.Attempts + 1,
	})
	d.reconcile(ctx, log, msg, providerID)
	return true, nil
}

// reconcile applies ledger entries recorded before providerID was stored,
// when the webhook path could not match them to msg. Entries appended after
// the read find the message by provider id themselves.
func (d *Dispatcher) reconcile(ctx context.Context, log logx.Logger, msg outbox.Message, providerID string) {
	evs, err := d.deps.Store.StatusEvents(ctx, providerID)
	if err != nil {
		log.Warn("read status ledger failed", logx.String("provider_id", providerID), logx.Err(err))
		return
	}
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].Status < evs[j].Status })
	for _, ev := range evs {
		if ev.Status <= outbox.StatusSent {
			continue
		}
		changed, err := d.deps.Store.UpdateStatus(ctx, msg.ID, ev.Status, "", ev.OccurredAt)
		if err != nil {
			log.Warn("apply early status failed", logx.String("status", ev.Status.String()), logx.Err(err))
			return
		}
		if !changed {
			continue
		}
		log.Debug("early status applied", logx.String("status", ev.Status.String()))
		eventbus.Publish(d.deps.Bus, eventbus.TopicMessageStatus, d.clock.Now(), eventbus.MessageEvent{
			ID:                msg.ID,
			ProviderMessageID: providerID,
			Recipient:         msg.Recipient().String(),
			Status:            ev.Status.String(),
		})
	}
}

// send calls the sender under SendTimeout and converts rejections and
// panics into errors.
func (d *Dispatcher) send(ctx context.Context, cfg Config, snd sender.Sender, msg outbox.Message, address string) (providerID string, err error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()

	start := d.clock.Now()
	result := "error"
	defer func() {
		if r := recover(); r != nil {
			err = &TransportError{Sender: snd.Name(), Err: fmt.Errorf("panic: %v", r)}
		}
		if d.deps.Metrics != nil {
			d.deps.Metrics.ObserveSend(snd.Name(), result, d.clock.Since(start))
		}
	}()

	var res sender.Result
	if msg.Kind.IsMedia() {
		res, err = snd.SendFile(ctx, address, msg.Kind, msg.AttachmentRef, msg.Body, msg.AttachmentName)
	} else {
		res, err = snd.SendText(ctx, address, msg.Body)
	}
	if err != nil {
		return "", &TransportError{Sender: snd.Name(), Err: err}
	}
	if !res.OK {
		result = "rejected"
		reason := res.Error
		if reason == "" {
			reason = "no reason given"
		}
		return "", fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	if res.ProviderMessageID == "" {
		result = "rejected"
		return "", fmt.Errorf("%w: missing provider message id", ErrRejected)
	}
	result = "ok"
	return res.ProviderMessageID, nil
}

func (d *Dispatcher) fail(ctx context.Context, msg outbox.Message, cause error) {
	out, err := d.deps.Retry.RecordAttempt(ctx, msg.ID, retry.Attempt{Err: cause})
	if err != nil {
		d.log.Error("record failure failed", logx.String("id", msg.ID), logx.Err(err))
		return
	}
	topic := eventbus.TopicMessageFailed
	if out.Permanent {
		topic = eventbus.TopicMessageDead
	}
	eventbus.Publish(d.deps.Bus, topic, d.clock.Now(), eventbus.MessageEvent{
		ID:        msg.ID,
		Recipient: msg.Recipient().String(),
		Status:    out.Status.String(),
		Attempts:  out.Attempts,
		Error:     cause.Error(),
	})
}

// wait sleeps on the injected clock. It reports false if ctx ended first.
func (d *Dispatcher) wait(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	t := d.clock.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.Chan():
		return true
	}
}
