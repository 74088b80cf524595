// Package alert forwards operator-relevant bus events (health transitions,
// permanently failed messages) to a notifier, rate limited.
package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"courier/internal/eventbus"
	logx "courier/pkg/logx"
)

// Notifier delivers one alert text.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type Config struct {
	// PerMinute caps alerts; bursts up to Burst are allowed.
	PerMinute int
	Burst     int
	// DeadMessages also alerts on every permanently failed message.
	DeadMessages bool
	Timeout      time.Duration
}

func (c Config) normalized() Config {
	if c.PerMinute <= 0 {
		c.PerMinute = 6
	}
	if c.Burst <= 0 {
		c.Burst = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

type Alerter struct {
	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	notifier Notifier

	dropped atomic.Uint64
	log     logx.Logger
}

func New(cfg Config, n Notifier, log logx.Logger) *Alerter {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Alerter{notifier: n, log: log.With(logx.String("comp", "alert"))}
	a.Apply(cfg)
	return a
}

func (a *Alerter) Apply(cfg Config) {
	cfg = cfg.normalized()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
	a.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), cfg.Burst)
}

// Dropped reports alerts suppressed by the rate limit.
func (a *Alerter) Dropped() uint64 { return a.dropped.Load() }

// Run forwards bus events until ctx is done.
func (a *Alerter) Run(ctx context.Context, bus eventbus.Bus) {
	if bus == nil || a.notifier == nil {
		return
	}
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.Handle(ctx, ev)
		}
	}
}

// Handle formats and sends one event if it is alert-worthy and the rate
// limit allows it.
func (a *Alerter) Handle(ctx context.Context, ev eventbus.Event) {
	a.mu.Lock()
	cfg, lim := a.cfg, a.limiter
	a.mu.Unlock()

	text, ok := Format(ev, cfg.DeadMessages)
	if !ok {
		return
	}
	if !lim.Allow() {
		a.dropped.Add(1)
		a.log.Debug("alert suppressed by rate limit", logx.String("type", ev.Type))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := a.notifier.Notify(sctx, text); err != nil {
		a.log.Warn("alert delivery failed", logx.String("type", ev.Type), logx.Err(err))
	}
}

// Format renders an event as alert text.
func Format(ev eventbus.Event, deadMessages bool) (string, bool) {
	switch ev.Type {
	case eventbus.TopicHealthChanged:
		d, ok := ev.Data.(eventbus.HealthEvent)
		if !ok {
			return "", false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "courier health: %s -> %s", d.From, d.To)
		for _, r := range d.Reasons {
			b.WriteString("\n- ")
			b.WriteString(r)
		}
		return b.String(), true
	case eventbus.TopicMessageDead:
		if !deadMessages {
			return "", false
		}
		d, ok := ev.Data.(eventbus.MessageEvent)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("courier: message %s to %s failed permanently after %d attempt(s): %s",
			d.ID, d.Recipient, d.Attempts, d.Error), true
	}
	return "", false
}
