// Package health reports whether the sending channel is usable and how
// deliveries have been going recently.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"courier/internal/eventbus"
	"courier/internal/outbox"
	"courier/internal/sender"
	logx "courier/pkg/logx"
)

// ConnState classifies the provider's connection report.
type ConnState string

const (
	Connected       ConnState = "connected"
	AwaitingPairing ConnState = "awaiting_pairing"
	NotProvisioned  ConnState = "not_provisioned"
	UnknownError    ConnState = "unknown_error"
)

// Level is the overall health. Disconnection always forces Critical.
type Level string

const (
	Healthy  Level = "healthy"
	Degraded Level = "degraded"
	Critical Level = "critical"
)

// Levels lists every level, best first.
func Levels() []string { return []string{string(Healthy), string(Degraded), string(Critical)} }

type Connection struct {
	Connected    bool      `json:"connected"`
	State        ConnState `json:"state"`
	ChannelState string    `json:"channel_state,omitempty"`
	Address      string    `json:"address,omitempty"`
	DisplayName  string    `json:"display_name,omitempty"`
	Error        string    `json:"error,omitempty"`
}

type Report struct {
	Overall        Level      `json:"overall"`
	Reasons        []string   `json:"reasons"`
	Connection     Connection `json:"connection"`
	LastSentAt     *time.Time `json:"last_sent_at,omitempty"`
	SentInWindow   int        `json:"sent_in_window"`
	RecentFailures int        `json:"recent_failures"`
	// SuccessRate is sent / (sent + failed) over Lookback; -1 without samples.
	SuccessRate float64   `json:"success_rate"`
	CheckedAt   time.Time `json:"checked_at"`
}

type Config struct {
	Lookback          time.Duration
	MaxRecentFailures int
	MinSuccessRate    float64
	// MinSamples is the attempt count below which the success rate is not judged.
	MinSamples int
	// MaxSilence degrades health when the last successful send is older. Zero disables.
	MaxSilence time.Duration
	Timeout    time.Duration
}

func (c Config) normalized() Config {
	if c.Lookback <= 0 {
		c.Lookback = time.Hour
	}
	if c.MaxRecentFailures <= 0 {
		c.MaxRecentFailures = 10
	}
	if c.MinSuccessRate <= 0 || c.MinSuccessRate > 1 {
		c.MinSuccessRate = 0.8
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Source provides delivery counters.
type Source interface {
	DeliveryWindow(ctx context.Context, since time.Time) (outbox.DeliveryWindow, error)
}

type Monitor struct {
	mu     sync.Mutex
	cfg    Config
	sender sender.Sender
	last   Level

	src   Source
	bus   eventbus.Bus
	clock clockwork.Clock
	log   logx.Logger
}

func New(cfg Config, snd sender.Sender, src Source, bus eventbus.Bus, clock clockwork.Clock, log logx.Logger) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		cfg:    cfg.normalized(),
		sender: snd,
		last:   Healthy,
		src:    src,
		bus:    bus,
		clock:  clock,
		log:    log.With(logx.String("comp", "health")),
	}
}

func (m *Monitor) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.normalized()
	m.mu.Unlock()
}

func (m *Monitor) SetSender(s sender.Sender) {
	if s == nil {
		return
	}
	m.mu.Lock()
	m.sender = s
	m.mu.Unlock()
}

func (m *Monitor) snapshot() (Config, sender.Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg, m.sender
}

// Status asks the sender for its connection report and classifies it.
func (m *Monitor) Status(ctx context.Context) Connection {
	cfg, snd := m.snapshot()
	if snd == nil {
		return Connection{State: NotProvisioned, Error: "no sender configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	raw, err := snd.ConnectionInfo(ctx)
	if errors.Is(err, sender.ErrNotProvisioned) {
		return Connection{State: NotProvisioned, Error: err.Error()}
	}
	if err != nil {
		return Connection{State: UnknownError, Error: err.Error()}
	}
	return Classify(raw)
}

// Health aggregates connection state and the trailing delivery window.
// A state change is published on the bus.
func (m *Monitor) Health(ctx context.Context) Report {
	cfg, _ := m.snapshot()
	now := m.clock.Now()
	rep := Report{
		Connection:  m.Status(ctx),
		SuccessRate: -1,
		CheckedAt:   now,
		Reasons:     []string{},
	}

	var critical bool
	if !rep.Connection.Connected {
		critical = true
		rep.Reasons = append(rep.Reasons, "channel "+string(rep.Connection.State))
	}

	if m.src != nil {
		w, err := m.src.DeliveryWindow(ctx, now.Add(-cfg.Lookback))
		if err != nil {
			m.log.Warn("delivery window unavailable", logx.Err(err))
			rep.Reasons = append(rep.Reasons, "delivery stats unavailable")
		} else {
			rep.LastSentAt = w.LastSentAt
			rep.SentInWindow = w.Sent
			rep.RecentFailures = w.Failed
			if total := w.Sent + w.Failed; total > 0 {
				rep.SuccessRate = float64(w.Sent) / float64(total)
			}
			if w.Failed > cfg.MaxRecentFailures {
				rep.Reasons = append(rep.Reasons, fmt.Sprintf("%d failures in the last %s", w.Failed, cfg.Lookback))
			}
			if w.Sent+w.Failed >= cfg.MinSamples && rep.SuccessRate < cfg.MinSuccessRate {
				rep.Reasons = append(rep.Reasons, fmt.Sprintf("success rate %.0f%% below %.0f%%", rep.SuccessRate*100, cfg.MinSuccessRate*100))
			}
			if cfg.MaxSilence > 0 && (w.LastSentAt == nil || now.Sub(*w.LastSentAt) > cfg.MaxSilence) {
				rep.Reasons = append(rep.Reasons, fmt.Sprintf("no successful send for more than %s", cfg.MaxSilence))
			}
		}
	}

	switch {
	case critical:
		rep.Overall = Critical
	case len(rep.Reasons) > 0:
		rep.Overall = Degraded
	default:
		rep.Overall = Healthy
	}
	m.transition(rep)
	return rep
}

func (m *Monitor) transition(rep Report) {
	m.mu.Lock()
	prev := m.last
	m.last = rep.Overall
	m.mu.Unlock()
	if prev == rep.Overall {
		return
	}
	fields := []logx.Field{logx.String("from", string(prev)), logx.String("to", string(rep.Overall)), logx.Any("reasons", rep.Reasons)}
	if rep.Overall == Healthy {
		m.log.Info("health recovered", fields...)
	} else {
		m.log.Warn("health changed", fields...)
	}
	eventbus.Publish(m.bus, eventbus.TopicHealthChanged, rep.CheckedAt, eventbus.HealthEvent{
		From:    string(prev),
		To:      string(rep.Overall),
		Reasons: rep.Reasons,
	})
}

// Last returns the level of the most recent Health call.
func (m *Monitor) Last() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

var connectedStates = map[string]bool{
	"open": true, "connected": true, "ready": true, "online": true, "authenticated": true, "inchat": true,
}

var pairingStates = map[string]bool{
	"connecting": true, "qr": true, "qrcode": true, "pairing": true, "unpaired": true, "unpaired_idle": true,
	"close": true, "closed": true, "disconnected": true, "logout": true, "notlogged": true,
}

var unprovisionedStates = map[string]bool{
	"not_found": true, "notfound": true, "not_provisioned": true, "deleted": true, "removed": true,
}

var (
	statePaths   = []string{"instance.state", "state", "instance.status", "status", "connectionStatus"}
	addressPaths = []string{"instance.owner", "instance.wuid", "owner", "wuid", "wid", "me.id", "number"}
	namePaths    = []string{"instance.profileName", "profileName", "instance.pushName", "pushName", "pushname", "name"}
	pairingPaths = []string{"pairingCode", "qrcode", "qr", "code", "base64"}
)

// Classify maps a provider connection report onto a ConnState.
func Classify(raw json.RawMessage) Connection {
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil || root == nil {
		return Connection{State: UnknownError, Error: "unreadable connection report"}
	}
	c := Connection{
		ChannelState: stringAt(root, statePaths...),
		Address:      trimJID(stringAt(root, addressPaths...)),
		DisplayName:  stringAt(root, namePaths...),
	}
	state := strings.ToLower(strings.TrimSpace(c.ChannelState))
	switch {
	case connectedStates[state]:
		c.State, c.Connected = Connected, true
	case pairingStates[state], stringAt(root, pairingPaths...) != "":
		c.State = AwaitingPairing
	case unprovisionedStates[state]:
		c.State = NotProvisioned
	default:
		c.State = UnknownError
		if c.ChannelState == "" {
			c.Error = "connection report carries no state"
		} else {
			c.Error = "unrecognized channel state " + c.ChannelState
		}
	}
	return c
}

func stringAt(m map[string]any, paths ...string) string {
	for _, path := range paths {
		cur := any(m)
		for _, part := range strings.Split(path, ".") {
			obj, ok := cur.(map[string]any)
			if !ok {
				cur = nil
				break
			}
			cur = obj[part]
		}
		if s, ok := cur.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func trimJID(s string) string {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		return s[:i]
	}
	return s
}
