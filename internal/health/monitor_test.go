package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"courier/internal/eventbus"
	"courier/internal/outbox"
	"courier/internal/sender"
	logx "courier/pkg/logx"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw       string
		state     ConnState
		connected bool
	}{
		{`{"instance":{"instanceName":"main","state":"open"}}`, Connected, true},
		{`{"state":"CONNECTED"}`, Connected, true},
		{`{"instance":{"state":"connecting"}}`, AwaitingPairing, false},
		{`{"instance":{"state":"close"}}`, AwaitingPairing, false},
		{`{"pairingCode":"WZYEH1YY","code":"2@abc","count":1}`, AwaitingPairing, false},
		{`{"status":"UNPAIRED"}`, AwaitingPairing, false},
		{`{"state":"not_found"}`, NotProvisioned, false},
		{`{"state":"exploded"}`, UnknownError, false},
		{`{}`, UnknownError, false},
		{`not json`, UnknownError, false},
	}
	for _, tc := range cases {
		c := Classify(json.RawMessage(tc.raw))
		require.Equal(t, tc.state, c.State, tc.raw)
		require.Equal(t, tc.connected, c.Connected, tc.raw)
	}

	c := Classify(json.RawMessage(`{"instance":{"state":"open","owner":"5515999998888@s.whatsapp.net","profileName":"Front desk"}}`))
	require.Equal(t, "5515999998888", c.Address)
	require.Equal(t, "Front desk", c.DisplayName)
	require.Equal(t, "open", c.ChannelState)
}

type stubSender struct {
	sender.LogSender
	info json.RawMessage
	err  error
}

func (s *stubSender) ConnectionInfo(context.Context) (json.RawMessage, error) { return s.info, s.err }

type stubSource struct {
	w   outbox.DeliveryWindow
	err error
}

func (s *stubSource) DeliveryWindow(context.Context, time.Time) (outbox.DeliveryWindow, error) {
	return s.w, s.err
}

func newMonitor(t *testing.T, cfg Config, snd *stubSender, src *stubSource) (*Monitor, *clockwork.FakeClock, <-chan eventbus.Event) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC))
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	t.Cleanup(unsub)
	return New(cfg, snd, src, bus, clock, logx.Nop()), clock, ch
}

func open() *stubSender {
	return &stubSender{info: json.RawMessage(`{"instance":{"state":"open"}}`)}
}

func TestStatusErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m, _, _ := newMonitor(t, Config{}, &stubSender{err: fmt.Errorf("connection state: %w", sender.ErrNotProvisioned)}, nil)
	require.Equal(t, NotProvisioned, m.Status(ctx).State)

	m, _, _ = newMonitor(t, Config{}, &stubSender{err: errors.New("dial tcp: refused")}, nil)
	c := m.Status(ctx)
	require.Equal(t, UnknownError, c.State)
	require.Contains(t, c.Error, "refused")
}

func TestHealthStateMachine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	snd := open()
	src := &stubSource{}
	m, clock, events := newMonitor(t, Config{MaxRecentFailures: 3, MinSuccessRate: 0.8, MinSamples: 5}, snd, src)

	last := clock.Now().Add(-time.Minute)
	src.w = outbox.DeliveryWindow{Sent: 10, Failed: 1, LastSentAt: &last}
	rep := m.Health(ctx)
	require.Equal(t, Healthy, rep.Overall)
	require.Empty(t, rep.Reasons)
	require.InDelta(t, 10.0/11.0, rep.SuccessRate, 1e-9)
	require.Empty(t, events, "no transition from the initial healthy state")

	// Too many failures.
	src.w = outbox.DeliveryWindow{Sent: 40, Failed: 4, LastSentAt: &last}
	rep = m.Health(ctx)
	require.Equal(t, Degraded, rep.Overall)
	require.Len(t, rep.Reasons, 1)

	// Low success rate alone also degrades.
	src.w = outbox.DeliveryWindow{Sent: 2, Failed: 3, LastSentAt: &last}
	rep = m.Health(ctx)
	require.Equal(t, Degraded, rep.Overall)
	require.Contains(t, rep.Reasons[0], "success rate")

	// Disconnection forces critical whatever the numbers say.
	snd.info = json.RawMessage(`{"instance":{"state":"close"}}`)
	src.w = outbox.DeliveryWindow{Sent: 100, LastSentAt: &last}
	rep = m.Health(ctx)
	require.Equal(t, Critical, rep.Overall)
	require.Equal(t, []string{"channel awaiting_pairing"}, rep.Reasons)
	require.Equal(t, Critical, m.Last())

	snd.info = json.RawMessage(`{"instance":{"state":"open"}}`)
	require.Equal(t, Healthy, m.Health(ctx).Overall)

	var transitions []eventbus.HealthEvent
	for len(events) > 0 {
		ev := <-events
		require.Equal(t, eventbus.TopicHealthChanged, ev.Type)
		transitions = append(transitions, ev.Data.(eventbus.HealthEvent))
	}
	require.Len(t, transitions, 3)
	require.Equal(t, "healthy", transitions[0].From)
	require.Equal(t, "degraded", transitions[0].To)
	require.Equal(t, "critical", transitions[1].To)
	require.Equal(t, "healthy", transitions[2].To)
}

func TestHealthSmallSamplesAndSilence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &stubSource{w: outbox.DeliveryWindow{Sent: 0, Failed: 2}}
	m, clock, _ := newMonitor(t, Config{MinSamples: 5}, open(), src)

	rep := m.Health(ctx)
	require.Equal(t, Healthy, rep.Overall, "two failures are below the sample floor")
	require.Zero(t, rep.SuccessRate)

	m.Apply(Config{MinSamples: 5, MaxSilence: 30 * time.Minute})
	last := clock.Now().Add(-time.Hour)
	src.w = outbox.DeliveryWindow{LastSentAt: &last}
	rep = m.Health(ctx)
	require.Equal(t, Degraded, rep.Overall)
	require.Equal(t, -1.0, rep.SuccessRate)

	src.err = errors.New("database is locked")
	rep = m.Health(ctx)
	require.Equal(t, Degraded, rep.Overall)
	require.Equal(t, []string{"delivery stats unavailable"}, rep.Reasons)
}
