// Package messaging is the caller-facing facade of the delivery subsystem.
// Producers enqueue through Send; everything after that (dispatch, retry,
// webhook ingestion, health) runs behind it on schedules owned by Service.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"courier/internal/dispatch"
	"courier/internal/eventbus"
	"courier/internal/health"
	"courier/internal/metrics"
	"courier/internal/outbox"
	"courier/internal/resolver"
	"courier/internal/retry"
	"courier/internal/sender"
	"courier/internal/storage"
	"courier/internal/validation"
	"courier/internal/webhook"
	logx "courier/pkg/logx"
)

var (
	ErrInvalidRecipient    = errors.New("invalid recipient")
	ErrChannelDisconnected = errors.New("channel disconnected")
	ErrInvalidRequest      = errors.New("invalid request")
)

type Config struct {
	BatchSize       int
	RetrySweepLimit int
	RedriveLimit    int
	Retention       storage.Retention

	EntitySyncKinds []string
	EntitySyncBatch int

	// RequireConnection rejects Send while the channel is not connected.
	// The connection report is cached for ConnectionTTL.
	RequireConnection bool
	ConnectionTTL     time.Duration

	// Location anchors "today" in Stats and the cron schedules.
	Location *time.Location
	Schedule Schedule
}

func (c Config) normalized() Config {
	if c.RetrySweepLimit <= 0 {
		c.RetrySweepLimit = 100
	}
	if c.RedriveLimit <= 0 {
		c.RedriveLimit = 100
	}
	if c.EntitySyncBatch <= 0 {
		c.EntitySyncBatch = 200
	}
	if c.ConnectionTTL <= 0 {
		c.ConnectionTTL = 30 * time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	c.Schedule = c.Schedule.normalized()
	return c
}

// Deps are the components the service drives. Bus and Metrics are optional.
type Deps struct {
	Store      storage.Store
	Resolver   *resolver.Resolver
	Retry      *retry.Manager
	Dispatcher *dispatch.Dispatcher
	Webhooks   *webhook.Ingestor
	Health     *health.Monitor
	Sender     sender.Sender
	Bus        eventbus.Bus
	Metrics    *metrics.Metrics
	Clock      clockwork.Clock
}

// SendRequest is one message submitted by a producer.
type SendRequest struct {
	Recipient      outbox.Recipient  `json:"recipient"`
	Kind           outbox.Kind       `json:"kind" validate:"required,oneof=text image document audio video"`
	Body           string            `json:"body,omitempty" validate:"required_if=Kind text"`
	AttachmentRef  string            `json:"attachment_ref,omitempty" validate:"required_unless=Kind text"`
	AttachmentName string            `json:"attachment_name,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	ScheduledFor   *time.Time        `json:"scheduled_for,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	sender sender.Sender
	conn   *cachedConn

	deps  Deps
	clock clockwork.Clock
	log   logx.Logger

	sched   *cron.Cron
	entries map[string]cron.EntryID
	jobs    map[string]func(ctx context.Context) error
	// runCtx is the context handed to scheduled jobs; set by Start.
	runCtx context.Context
}

type cachedConn struct {
	conn health.Connection
	at   time.Time
}

func New(cfg Config, deps Deps, log logx.Logger) (*Service, error) {
	if deps.Store == nil || deps.Resolver == nil || deps.Retry == nil || deps.Dispatcher == nil ||
		deps.Webhooks == nil || deps.Health == nil {
		return nil, errors.New("messaging: missing dependency")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg.normalized(),
		sender: deps.Sender,
		deps:   deps,
		clock:  deps.Clock,
		log:    log.With(logx.String("comp", "messaging")),
		runCtx: context.Background(),
	}
	s.jobs = map[string]func(ctx context.Context) error{
		JobDispatch:   s.runDispatch,
		JobRetrySweep: s.runRetrySweep,
		JobRedrive:    s.runRedrive,
		JobRetention:  s.runRetention,
		JobEntitySync: s.runEntitySync,
		JobHealth:     s.runHealth,
	}
	return s, nil
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetSender swaps the channel adapter everywhere it is used.
func (s *Service) SetSender(snd sender.Sender) {
	if snd == nil {
		return
	}
	s.mu.Lock()
	s.sender = snd
	s.conn = nil
	s.mu.Unlock()
	s.deps.Dispatcher.SetSender(snd)
	s.deps.Health.SetSender(snd)
}

// Send validates and enqueues one message and returns its queue id.
// checkRequest validates a blank-trimmed copy of req. Rule failures under
// the recipient map to ErrInvalidRecipient unless some other field failed too.
func checkRequest(req SendRequest) error {
	req.Body = strings.TrimSpace(req.Body)
	req.AttachmentRef = strings.TrimSpace(req.AttachmentRef)
	req.Recipient = outbox.Recipient{
		Kind:    strings.TrimSpace(req.Recipient.Kind),
		ID:      strings.TrimSpace(req.Recipient.ID),
		Address: strings.TrimSpace(req.Recipient.Address),
	}
	err := validation.Struct(req)
	var verr *validation.Error
	if !errors.As(err, &verr) {
		return err
	}
	for _, f := range verr.Fields {
		if !f.Under("recipient") {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrInvalidRecipient, err)
}

func (s *Service) Send(ctx context.Context, req SendRequest) (string, error) {
	if req.Kind == "" {
		req.Kind = outbox.KindText
	}
	if err := checkRequest(req); err != nil {
		return "", err
	}

	cfg := s.config()
	if cfg.RequireConnection {
		if c := s.connection(ctx, cfg); !c.Connected {
			return "", fmt.Errorf("%w: %s", ErrChannelDisconnected, c.State)
		}
	}

	addr, err := s.deps.Resolver.Resolve(ctx, req.Recipient)
	if resolver.IsResolution(err) {
		return "", fmt.Errorf("%w: %w", ErrInvalidRecipient, err)
	}
	if err != nil {
		return "", fmt.Errorf("resolve recipient: %w", err)
	}

	msg := &outbox.Message{
		RecipientKind:        strings.TrimSpace(req.Recipient.Kind),
		RecipientID:          strings.TrimSpace(req.Recipient.ID),
		RecipientAddress:     addr.Address,
		RecipientDisplayName: addr.DisplayName,
		Kind:                 req.Kind,
		Body:                 req.Body,
		AttachmentRef:        req.AttachmentRef,
		AttachmentName:       req.AttachmentName,
		Priority:             req.Priority,
		ScheduledFor:         req.ScheduledFor,
		Metadata:             req.Metadata,
		CreatedAt:            s.clock.Now(),
	}
	if err := s.deps.Store.Enqueue(ctx, msg); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.Enqueued(msg.Kind)
	}
	eventbus.Publish(s.deps.Bus, eventbus.TopicMessageQueued, msg.CreatedAt, eventbus.MessageEvent{
		ID:        msg.ID,
		Recipient: msg.Recipient().String(),
		Status:    outbox.StatusPending.String(),
	})
	s.log.Debug("message queued",
		logx.String("id", msg.ID), logx.String("kind", string(msg.Kind)),
		logx.String("recipient", msg.Recipient().String()), logx.Int("priority", msg.Priority))
	return msg.ID, nil
}

// Cancel withdraws a message that has not been dispatched yet.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.deps.Store.Cancel(ctx, id, s.deps.Dispatcher.LeaseCutoff()); err != nil {
		return err
	}
	s.log.Info("message canceled", logx.String("id", id))
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (outbox.Message, error) {
	return s.deps.Store.Get(ctx, id)
}

// History returns the status ledger of a dispatched message.
func (s *Service) History(ctx context.Context, id string) ([]outbox.StatusEvent, error) {
	msg, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.ProviderMessageID == "" {
		return []outbox.StatusEvent{}, nil
	}
	return s.deps.Store.StatusEvents(ctx, msg.ProviderMessageID)
}

func (s *Service) Stats(ctx context.Context) (outbox.Stats, error) {
	cfg := s.config()
	now := s.clock.Now().In(cfg.Location)
	y, m, d := now.Date()
	return s.deps.Store.Stats(ctx, storage.StatsQuery{
		Now:         now,
		DayStart:    time.Date(y, m, d, 0, 0, 0, 0, cfg.Location),
		MaxAttempts: s.deps.Retry.Config().MaxAttempts,
	})
}

// Webhook ingests one provider callback.
func (s *Service) Webhook(ctx context.Context, payload []byte, signature string) (webhook.Result, error) {
	return s.deps.Webhooks.Ingest(ctx, payload, signature)
}

// Reprocess puts a failed message back in the queue.
func (s *Service) Reprocess(ctx context.Context, id string) error {
	return s.deps.Retry.Reprocess(ctx, id)
}

func (s *Service) SyncEntity(ctx context.Context, kind, id string) (outbox.EntityRef, error) {
	return s.deps.Resolver.Sync(ctx, kind, id)
}

func (s *Service) SyncEntities(ctx context.Context, kind string, limit, offset int) (resolver.BatchResult, error) {
	return s.deps.Resolver.SyncBatch(ctx, kind, limit, offset)
}

func (s *Service) SetBlocked(ctx context.Context, kind, id string, blocked bool) error {
	return s.deps.Resolver.SetBlocked(ctx, kind, id, blocked)
}

// Connection queries the channel and refreshes the cached report.
func (s *Service) Connection(ctx context.Context) health.Connection {
	c := s.deps.Health.Status(ctx)
	s.storeConn(c)
	return c
}

// Pairing returns the provider's pairing payload (QR or one-time code).
func (s *Service) Pairing(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	snd := s.sender
	s.mu.Unlock()
	if snd == nil {
		return nil, errors.New("no sender configured")
	}
	return snd.PairingState(ctx)
}

// Logout disconnects the channel session.
func (s *Service) Logout(ctx context.Context) error {
	s.mu.Lock()
	snd := s.sender
	s.conn = nil
	s.mu.Unlock()
	if snd == nil {
		return errors.New("no sender configured")
	}
	if err := snd.Disconnect(ctx); err != nil {
		return err
	}
	s.log.Info("channel logged out", logx.String("sender", snd.Name()))
	return nil
}

// Health runs a health check and refreshes the queue and health gauges.
func (s *Service) Health(ctx context.Context) health.Report {
	rep := s.deps.Health.Health(ctx)
	s.storeConn(rep.Connection)
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetHealth(string(rep.Overall), health.Levels()...)
		if st, err := s.Stats(ctx); err == nil {
			s.deps.Metrics.SetQueue(st)
		}
	}
	return rep
}

func (s *Service) connection(ctx context.Context, cfg Config) health.Connection {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c != nil && s.clock.Since(c.at) < cfg.ConnectionTTL {
		return c.conn
	}
	return s.Connection(ctx)
}

func (s *Service) storeConn(c health.Connection) {
	s.mu.Lock()
	s.conn = &cachedConn{conn: c, at: s.clock.Now()}
	s.mu.Unlock()
}
