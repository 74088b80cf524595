package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"courier/internal/eventbus"
	logx "courier/pkg/logx"
)

type recorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *recorder) Notify(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

func (r *recorder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func healthEvent(from, to string, reasons ...string) eventbus.Event {
	return eventbus.Event{Type: eventbus.TopicHealthChanged, Data: eventbus.HealthEvent{From: from, To: to, Reasons: reasons}}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	text, ok := Format(healthEvent("healthy", "critical", "channel awaiting_pairing"), false)
	require.True(t, ok)
	require.Equal(t, "courier health: healthy -> critical\n- channel awaiting_pairing", text)

	dead := eventbus.Event{Type: eventbus.TopicMessageDead, Data: eventbus.MessageEvent{ID: "m1", Recipient: "customer:7", Attempts: 5, Error: "timeout"}}
	_, ok = Format(dead, false)
	require.False(t, ok)
	text, ok = Format(dead, true)
	require.True(t, ok)
	require.Contains(t, text, "m1 to customer:7 failed permanently after 5 attempt(s): timeout")

	_, ok = Format(eventbus.Event{Type: eventbus.TopicMessageSent}, true)
	require.False(t, ok)
}

func TestHandleIsRateLimited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rec := &recorder{}
	a := New(Config{PerMinute: 1, Burst: 2}, rec, logx.Nop())
	for i := 0; i < 4; i++ {
		a.Handle(ctx, healthEvent("healthy", "degraded"))
	}
	require.Len(t, rec.Texts(), 2)
	require.EqualValues(t, 2, a.Dropped())

	// Ignored events do not consume the budget.
	a.Apply(Config{PerMinute: 1, Burst: 1})
	a.Handle(ctx, eventbus.Event{Type: eventbus.TopicMessageQueued})
	a.Handle(ctx, healthEvent("degraded", "healthy"))
	require.Len(t, rec.Texts(), 3)
}

func TestRunForwardsBusEvents(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	a := New(Config{DeadMessages: true}, rec, logx.Nop())
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx, bus)
		close(done)
	}()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TopicMessageDead, Data: eventbus.MessageEvent{ID: "m1"}})
		return len(rec.Texts()) > 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestTelegramNotify(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		path string
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		path = r.URL.Path
		_ = json.Unmarshal(b, &body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"group"},"text":"x"}}`))
	}))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "123:abc", ChatID: 42, ThreadID: 7, APIURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, tg.Notify(context.Background(), "courier health: healthy -> critical"))

	mu.Lock()
	defer mu.Unlock()
	require.True(t, strings.HasSuffix(path, "/sendMessage"), path)
	require.Equal(t, "courier health: healthy -> critical", body["text"])
	require.EqualValues(t, "42", body["chat_id"])

	_, err = NewTelegram(TelegramConfig{ChatID: 42})
	require.Error(t, err)
	_, err = NewTelegram(TelegramConfig{Token: "123:abc"})
	require.Error(t, err)
}
