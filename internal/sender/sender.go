// Package sender abstracts the external sending channel.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"courier/internal/outbox"
	logx "courier/pkg/logx"
)

// Result is the provider's answer to a send. A transport problem is
// reported as an error instead; OK=false means the provider was reached
// and refused the message.
type Result struct {
	OK                bool
	ProviderMessageID string
	Error             string
}

// Sender is the channel a message leaves through.
type Sender interface {
	Name() string
	SendText(ctx context.Context, address, body string) (Result, error)
	SendFile(ctx context.Context, address string, kind outbox.Kind, ref, caption, filename string) (Result, error)
	// ConnectionInfo and PairingState return the provider's JSON as-is.
	ConnectionInfo(ctx context.Context) (json.RawMessage, error)
	PairingState(ctx context.Context) (json.RawMessage, error)
	Disconnect(ctx context.Context) error
}

// Config selects and configures the adapter.
type Config struct {
	Driver   string
	BaseURL  string
	Instance string
	APIKey   string
	Timeout  time.Duration

	// BreakerFailures consecutive transport failures open the breaker for
	// BreakerCooldown. Zero BreakerFailures disables the breaker.
	BreakerFailures int
	BreakerCooldown time.Duration
}

var (
	ErrUnknownDriver = errors.New("unknown sender driver")
	// ErrNotProvisioned means the provider does not know the configured instance.
	ErrNotProvisioned = errors.New("sender instance not provisioned")
)

// New builds the configured adapter.
func New(cfg Config, log logx.Logger) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		return NewLog(log), nil
	case "rest", "http":
		return NewREST(cfg, nil, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
