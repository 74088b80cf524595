package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"courier/internal/eventbus"
	"courier/internal/outbox"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

func TestNormalizeStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   any
		want outbox.Status
		ok   bool
	}{
		{"DELIVERY_ACK", outbox.StatusDelivered, true},
		{"server_ack", outbox.StatusSent, true},
		{" Read ", outbox.StatusRead, true},
		{"PLAYED", outbox.StatusRead, true},
		{"PENDING", outbox.StatusPending, true},
		{"error", outbox.StatusError, true},
		{json.Number("2"), outbox.StatusDelivered, true},
		{json.Number("-1"), outbox.StatusError, true},
		{json.Number("4"), outbox.StatusRead, true},
		{"3", outbox.StatusRead, true},
		{json.Number("9"), 0, false},
		{"teleported", 0, false},
		{nil, 0, false},
	}
	for _, tc := range cases {
		got, ok := NormalizeStatus(tc.in)
		require.Equal(t, tc.ok, ok, "%v", tc.in)
		if tc.ok {
			require.Equal(t, tc.want, got, "%v", tc.in)
		}
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	t.Run("status update object", func(t *testing.T) {
		p, err := Parse([]byte(`{"event":"messages.update","instance":"main","data":{"keyId":"ABC","remoteJid":"5515999998888@s.whatsapp.net","status":"DELIVERY_ACK","messageTimestamp":1767261600}}`))
		require.NoError(t, err)
		require.True(t, p.Relevant)
		require.Equal(t, []Update{{
			ProviderMessageID: "ABC",
			Status:            outbox.StatusDelivered,
			OccurredAt:        time.Unix(1767261600, 0),
			SourceAddress:     "5515999998888",
		}}, p.Updates)
	})

	t.Run("numeric ack with id object and ms timestamp", func(t *testing.T) {
		p, err := Parse([]byte(`{"event":"message_ack","data":{"id":{"id":"XYZ","_serialized":"true_5515@c.us_XYZ"},"ack":3,"from":"5515999998888@c.us","t":1767261600123}}`))
		require.NoError(t, err)
		require.Equal(t, "message.ack", p.Event)
		require.Len(t, p.Updates, 1)
		require.Equal(t, "XYZ", p.Updates[0].ProviderMessageID)
		require.Equal(t, outbox.StatusRead, p.Updates[0].Status)
		require.Equal(t, time.UnixMilli(1767261600123), p.Updates[0].OccurredAt)
	})

	t.Run("flat payload and batch", func(t *testing.T) {
		p, err := Parse([]byte(`{"type":"status","id":"F1","status":"read","date_time":"2026-01-01T10:00:00Z"}`))
		require.NoError(t, err)
		require.Equal(t, outbox.StatusRead, p.Updates[0].Status)
		require.Equal(t, time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC), p.Updates[0].OccurredAt.UTC())

		p, err = Parse([]byte(`{"event":"MESSAGES_UPDATE","date_time":"2026-01-01T10:00:00Z","data":[{"key":{"id":"A"},"update":{"status":"READ"}},{"key":{"id":"B"},"status":"SERVER_ACK"},{"status":"READ"}]}`))
		require.NoError(t, err)
		require.Len(t, p.Updates, 2)
		require.Equal(t, "A", p.Updates[0].ProviderMessageID)
		require.Equal(t, outbox.StatusSent, p.Updates[1].Status)
		require.False(t, p.Updates[1].OccurredAt.IsZero(), "falls back to envelope timestamp")
	})

	t.Run("not relevant", func(t *testing.T) {
		for _, payload := range []string{
			`{"event":"connection.update","data":{"state":"open"}}`,
			`{"event":"messages.upsert","data":{"key":{"id":"A"},"status":"READ"}}`,
			`{"event":"messages.update","data":{"keyId":"A","status":"PENDING"}}`,
			`{"event":"messages.update","data":{"keyId":"A","status":"ERROR"}}`,
			`{"event":"ack","data":{"ack":2}}`,
			`{}`,
		} {
			p, err := Parse([]byte(payload))
			require.NoError(t, err, payload)
			require.False(t, p.Relevant, payload)
			require.Empty(t, p.Updates, payload)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		for _, payload := range []string{`{bad`, `[1,2]`, `null`, `{"event":"ack","data":"x"}`} {
			_, err := Parse([]byte(payload))
			require.ErrorIs(t, err, ErrMalformedPayload, payload)
		}
	})
}

func TestVerify(t *testing.T) {
	t.Parallel()

	body := []byte(`{"event":"ack"}`)
	sig := Sign("s3cret", body)
	require.True(t, Verify("s3cret", body, sig))
	require.True(t, Verify("s3cret", body, "sha256="+sig))
	require.False(t, Verify("s3cret", body, Sign("other", body)))
	require.False(t, Verify("s3cret", body, "zz-not-hex"))
	require.False(t, Verify("s3cret", body, ""))
	require.True(t, Verify("", body, ""))
}

type fixture struct {
	w     *Ingestor
	st    storage.Store
	clock *clockwork.FakeClock
	bus   eventbus.Bus
}

func newFixture(t *testing.T, cfg Config, wrap func(storage.Store) Store) fixture {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	clock := clockwork.NewFakeClockAt(time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC))
	var store Store = st
	if wrap != nil {
		store = wrap(st)
	}
	bus := eventbus.New()
	return fixture{w: New(cfg, store, bus, clock, logx.Nop()), st: st, clock: clock, bus: bus}
}

// sent enqueues a message and marks it sent under providerID.
func (f fixture) sent(t *testing.T, id, providerID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.st.Enqueue(ctx, &outbox.Message{ID: id, Kind: outbox.KindText, RecipientAddress: "5515999998888", CreatedAt: f.clock.Now()}))
	ok, err := f.st.UpdateStatus(ctx, id, outbox.StatusSent, providerID, f.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
}

func (f fixture) redrivable(t *testing.T) []outbox.RawEvent {
	t.Helper()
	evs, err := f.st.RawEventsForRedrive(context.Background(), f.clock.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	return evs
}

func delivered(id string) []byte {
	return []byte(`{"event":"messages.update","data":{"keyId":"` + id + `","status":"DELIVERY_ACK"}}`)
}

func TestIngestIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, Config{}, nil)
	f.sent(t, "m1", "ABC")
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	res, err := f.w.Ingest(ctx, delivered("ABC"), "")
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.True(t, res.Relevant)
	require.True(t, res.MessageFound)
	require.False(t, res.Duplicate)
	require.NotNil(t, res.AppliedStatus)
	require.Equal(t, outbox.StatusDelivered, *res.AppliedStatus)
	require.NotEmpty(t, res.RawEventID)

	first, err := f.st.Get(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, first.DeliveredAt)

	f.clock.Advance(time.Minute)
	res, err = f.w.Ingest(ctx, delivered("ABC"), "")
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Nil(t, res.AppliedStatus)

	again, err := f.st.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, outbox.StatusDelivered, again.Status)
	require.True(t, first.DeliveredAt.Equal(*again.DeliveredAt))

	ledger, err := f.st.StatusEvents(ctx, "ABC")
	require.NoError(t, err)
	require.Len(t, ledger, 1)

	require.Empty(t, f.redrivable(t), "both payloads processed")

	var topics []string
	for len(events) > 0 {
		topics = append(topics, (<-events).Type)
	}
	require.Equal(t, []string{eventbus.TopicMessageStatus, eventbus.TopicWebhookReceived, eventbus.TopicWebhookReceived}, topics)
}

func TestIngestOutOfOrderStaysMonotonic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, Config{}, nil)
	f.sent(t, "m1", "ABC")

	_, err := f.w.Ingest(ctx, []byte(`{"event":"message_ack","data":{"id":"ABC","ack":3}}`), "")
	require.NoError(t, err)
	res, err := f.w.Ingest(ctx, delivered("ABC"), "")
	require.NoError(t, err)
	require.True(t, res.MessageFound)
	require.Nil(t, res.AppliedStatus)

	m, err := f.st.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, outbox.StatusRead, m.Status)
	require.NotNil(t, m.ReadAt)

	ledger, err := f.st.StatusEvents(ctx, "ABC")
	require.NoError(t, err)
	require.Len(t, ledger, 2, "both first occurrences are kept for audit")
}

func TestIngestUnknownMessageStillRecorded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, Config{}, nil)
	res, err := f.w.Ingest(ctx, delivered("GONE"), "")
	require.NoError(t, err)
	require.True(t, res.Relevant)
	require.False(t, res.MessageFound)
	require.Nil(t, res.AppliedStatus)

	ledger, err := f.st.StatusEvents(ctx, "GONE")
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	require.Equal(t, outbox.StatusDelivered, ledger[0].Status)
}

func TestIngestIrrelevantEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	res, err := f.w.Ingest(context.Background(), []byte(`{"event":"connection.update","data":{"state":"open"}}`), "")
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.False(t, res.Relevant)
	require.Empty(t, f.redrivable(t))
}

func TestSignatureVerification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, Config{Secret: "s3cret"}, nil)
	f.sent(t, "m1", "ABC")
	body := delivered("ABC")

	res, err := f.w.Ingest(ctx, body, "deadbeef")
	require.ErrorIs(t, err, ErrInvalidSignature)
	require.False(t, res.Accepted)
	require.NotEmpty(t, res.RawEventID, "rejected payloads are still persisted")
	require.Empty(t, f.redrivable(t), "rejected payloads are never re-driven")

	m, err := f.st.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, outbox.StatusSent, m.Status)

	res, err = f.w.Ingest(ctx, body, "sha256="+Sign("s3cret", body))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, outbox.StatusDelivered, *res.AppliedStatus)
}

// flakyStore fails or panics on selected calls.
type flakyStore struct {
	storage.Store
	appendFailures atomic.Int32
	panicOnFind    atomic.Bool
	// failProvider always fails appends for that provider id.
	failProvider string
}

func (s *flakyStore) AppendStatusEvent(ctx context.Context, ev outbox.StatusEvent) (bool, error) {
	if s.failProvider != "" && ev.ProviderMessageID == s.failProvider {
		return false, errors.New("database is locked")
	}
	if s.appendFailures.Load() > 0 {
		s.appendFailures.Add(-1)
		return false, errors.New("database is locked")
	}
	return s.Store.AppendStatusEvent(ctx, ev)
}

func (s *flakyStore) FindByProviderMessageID(ctx context.Context, id string) (outbox.Message, error) {
	if s.panicOnFind.Load() {
		panic("corrupt row")
	}
	return s.Store.FindByProviderMessageID(ctx, id)
}

func TestRedriveReusesIngestPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var flaky *flakyStore
	f := newFixture(t, Config{RedriveGrace: time.Minute}, func(st storage.Store) Store {
		flaky = &flakyStore{Store: st}
		return flaky
	})
	f.sent(t, "m1", "ABC")

	flaky.appendFailures.Store(1)
	res, err := f.w.Ingest(ctx, delivered("ABC"), "")
	require.Error(t, err)
	require.True(t, res.Accepted)

	_, err = f.w.Ingest(ctx, []byte(`{bad`), "")
	require.ErrorIs(t, err, ErrMalformedPayload)

	flaky.panicOnFind.Store(true)
	_, err = f.w.Ingest(ctx, []byte(`{"event":"status","id":"ZZZ","status":"read"}`), "")
	require.ErrorContains(t, err, "panic")
	flaky.panicOnFind.Store(false)

	left := f.redrivable(t)
	require.Len(t, left, 3)
	for _, ev := range left {
		require.Equal(t, outbox.RawError, ev.State)
		require.Equal(t, 1, ev.Attempts)
	}

	// Within the grace period nothing is picked up.
	out, err := f.w.Redrive(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, out.Attempted)

	f.clock.Advance(2 * time.Minute)
	out, err = f.w.Redrive(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 3, out.Attempted)
	require.Equal(t, 2, out.Succeeded)
	require.Equal(t, 1, out.Failed)

	m, err := f.st.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, outbox.StatusDelivered, m.Status)

	// The malformed payload keeps its place until it runs out of attempts.
	left = f.redrivable(t)
	require.Len(t, left, 1)
	require.Equal(t, 2, left[0].Attempts)

	n, err := f.st.PruneRawEvents(ctx, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestRedriveGivesUpOnPayloadsThatKeepFailing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, Config{RedriveGrace: time.Minute, MaxAttempts: 3}, func(st storage.Store) Store {
		return &flakyStore{Store: st, failProvider: "POISON"}
	})
	f.sent(t, "m1", "GOOD")

	for i := 0; i < 2; i++ {
		_, err := f.w.Ingest(ctx, delivered("POISON"), "")
		require.ErrorContains(t, err, "database is locked")
	}
	for i := 0; i < 2; i++ {
		_, err := f.w.Ingest(ctx, []byte(`{bad`), "")
		require.ErrorIs(t, err, ErrMalformedPayload)
	}
	// Persisted but never processed, as after a crash between the two.
	f.clock.Advance(time.Second)
	require.NoError(t, f.st.SaveRawEvent(ctx, &outbox.RawEvent{ID: "late", ReceivedAt: f.clock.Now(), Payload: delivered("GOOD")}))
	f.clock.Advance(2 * time.Minute)

	// The untried payload goes first even though it is the newest.
	out, err := f.w.Redrive(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, out.Attempted)
	require.Equal(t, 1, out.Succeeded)
	require.Equal(t, 1, out.Failed)

	m, err := f.st.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, outbox.StatusDelivered, m.Status)

	for i := 0; i < 4; i++ {
		_, err := f.w.Redrive(ctx, 2)
		require.NoError(t, err)
	}
	require.Empty(t, f.redrivable(t), "failing payloads stop after MaxAttempts")

	out, err = f.w.Redrive(ctx, 2)
	require.NoError(t, err)
	require.Zero(t, out.Attempted)

	n, err := f.st.PruneRawEvents(ctx, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 5, n)
}
