// Package policy gates dispatch on a time-of-day window and trailing send
// caps, and paces consecutive sends with a randomized delay.
package policy

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	logx "courier/pkg/logx"
)

const (
	ReasonOutsideWindow = "outside_window"
	ReasonHourlyCap     = "hourly_cap"
	ReasonDailyCap      = "daily_cap"
)

type Config struct {
	EnforceWindow bool
	// StartHour is inclusive, EndHour exclusive. StartHour > EndHour wraps midnight.
	StartHour int
	EndHour   int
	Location  *time.Location

	// Zero disables a cap.
	HourlyCap int
	DailyCap  int

	MinDelay time.Duration
	MaxDelay time.Duration
}

func (c Config) normalized() Config {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	return c
}

// Counter reports how many messages were sent since an instant.
type Counter interface {
	CountSentSince(ctx context.Context, since time.Time) (int, error)
}

// Decision is the outcome of a gate check. Reason is empty when allowed.
type Decision struct {
	Allowed bool
	Reason  string
}

var allow = Decision{Allowed: true}

type Policy struct {
	mu      sync.Mutex
	cfg     Config
	counter Counter
	clock   clockwork.Clock
	rng     *rand.Rand
	log     logx.Logger
}

func New(cfg Config, counter Counter, clock clockwork.Clock, log logx.Logger) *Policy {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	now := uint64(time.Now().UnixNano())
	return &Policy{
		cfg:     cfg.normalized(),
		counter: counter,
		clock:   clock,
		rng:     rand.New(rand.NewPCG(now, now>>17|1)),
		log:     log.With(logx.String("comp", "policy")),
	}
}

// WithRand replaces the delay source, for deterministic tests.
func (p *Policy) WithRand(r *rand.Rand) *Policy {
	p.mu.Lock()
	p.rng = r
	p.mu.Unlock()
	return p
}

func (p *Policy) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.normalized()
	p.mu.Unlock()
}

func (p *Policy) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// InWindow reports whether t falls inside the dispatch window.
func (p *Policy) InWindow(t time.Time) bool {
	return inWindow(p.config(), t)
}

func inWindow(cfg Config, t time.Time) bool {
	if !cfg.EnforceWindow || cfg.StartHour == cfg.EndHour {
		return true
	}
	h := t.In(cfg.Location).Hour()
	if cfg.StartHour < cfg.EndHour {
		return h >= cfg.StartHour && h < cfg.EndHour
	}
	return h >= cfg.StartHour || h < cfg.EndHour
}

// MayDispatchNow checks the window gate and then the volume gate.
func (p *Policy) MayDispatchNow(ctx context.Context) (Decision, error) {
	cfg := p.config()
	if !inWindow(cfg, p.clock.Now()) {
		return Decision{Reason: ReasonOutsideWindow}, nil
	}
	return p.volume(ctx, cfg)
}

// VolumeAllows checks only the trailing send caps. The dispatcher calls it
// before every message since a long batch may cross a cap mid-loop.
func (p *Policy) VolumeAllows(ctx context.Context) (Decision, error) {
	return p.volume(ctx, p.config())
}

func (p *Policy) volume(ctx context.Context, cfg Config) (Decision, error) {
	if p.counter == nil || (cfg.HourlyCap <= 0 && cfg.DailyCap <= 0) {
		return allow, nil
	}
	now := p.clock.Now()
	if cfg.HourlyCap > 0 {
		n, err := p.counter.CountSentSince(ctx, now.Add(-time.Hour))
		if err != nil {
			return Decision{}, fmt.Errorf("count hourly sends: %w", err)
		}
		if n >= cfg.HourlyCap {
			p.log.Debug("hourly cap reached", logx.Int("sent", n), logx.Int("cap", cfg.HourlyCap))
			return Decision{Reason: ReasonHourlyCap}, nil
		}
	}
	if cfg.DailyCap > 0 {
		n, err := p.counter.CountSentSince(ctx, now.Add(-24*time.Hour))
		if err != nil {
			return Decision{}, fmt.Errorf("count daily sends: %w", err)
		}
		if n >= cfg.DailyCap {
			p.log.Debug("daily cap reached", logx.Int("sent", n), logx.Int("cap", cfg.DailyCap))
			return Decision{Reason: ReasonDailyCap}, nil
		}
	}
	return allow, nil
}

// InterDispatchDelay returns a uniformly random duration in [MinDelay, MaxDelay].
func (p *Policy) InterDispatchDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	lo, hi := p.cfg.MinDelay, p.cfg.MaxDelay
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(p.rng.Int64N(int64(hi-lo)+1))
}
