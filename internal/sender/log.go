package sender

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/google/uuid"

	"courier/internal/outbox"
	logx "courier/pkg/logx"
)

// LogSender accepts every send and only logs it. Used for dry runs.
type LogSender struct {
	log          logx.Logger
	disconnected atomic.Bool
}

func NewLog(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log.With(logx.String("comp", "sender"), logx.String("driver", "log"))}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) SendText(ctx context.Context, address, body string) (Result, error) {
	_ = ctx
	id := uuid.NewString()
	s.log.Info("send text", logx.String("to", address), logx.Int("len", len(body)), logx.String("provider_id", id))
	return Result{OK: true, ProviderMessageID: id}, nil
}

func (s *LogSender) SendFile(ctx context.Context, address string, kind outbox.Kind, ref, caption, filename string) (Result, error) {
	_ = ctx
	id := uuid.NewString()
	s.log.Info("send file",
		logx.String("to", address), logx.String("kind", string(kind)),
		logx.String("file", filename), logx.Int("caption_len", len(caption)), logx.String("provider_id", id))
	return Result{OK: true, ProviderMessageID: id}, nil
}

func (s *LogSender) ConnectionInfo(ctx context.Context) (json.RawMessage, error) {
	_ = ctx
	if s.disconnected.Load() {
		return json.RawMessage(`{"instance":{"state":"close"}}`), nil
	}
	return json.RawMessage(`{"instance":{"state":"open"}}`), nil
}

func (s *LogSender) PairingState(ctx context.Context) (json.RawMessage, error) {
	_ = ctx
	return json.RawMessage(`{"state":"open"}`), nil
}

func (s *LogSender) Disconnect(ctx context.Context) error {
	_ = ctx
	s.disconnected.Store(true)
	s.log.Info("disconnected")
	return nil
}
