package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"courier/internal/health"
	"courier/internal/messaging"
	"courier/internal/outbox"
	"courier/internal/resolver"
	"courier/internal/webhook"
	logx "courier/pkg/logx"
)

type fakeCaller struct {
	mu       sync.Mutex
	sent     []messaging.SendRequest
	sendErr  error
	msgs     map[string]outbox.Message
	canceled []string
	blocked  map[string]bool
	ran      []string
	sigSeen  string
	whErr    error
	whRes    webhook.Result
	conn     health.Connection
	batchArg [2]int
}

func newFake() *fakeCaller {
	return &fakeCaller{msgs: map[string]outbox.Message{}, blocked: map[string]bool{}}
}

func (f *fakeCaller) Send(_ context.Context, req messaging.SendRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, req)
	id := fmt.Sprintf("q-%d", len(f.sent))
	f.msgs[id] = outbox.Message{ID: id, Kind: req.Kind, Body: req.Body, Status: outbox.StatusPending}
	return id, nil
}

func (f *fakeCaller) Get(_ context.Context, id string) (outbox.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok {
		return outbox.Message{}, outbox.ErrNotFound
	}
	return m, nil
}

func (f *fakeCaller) History(ctx context.Context, id string) ([]outbox.StatusEvent, error) {
	if _, err := f.Get(ctx, id); err != nil {
		return nil, err
	}
	return []outbox.StatusEvent{}, nil
}

func (f *fakeCaller) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok {
		return outbox.ErrNotFound
	}
	if m.Status != outbox.StatusPending {
		return outbox.ErrNotPending
	}
	f.canceled = append(f.canceled, id)
	delete(f.msgs, id)
	return nil
}

func (f *fakeCaller) Reprocess(context.Context, string) error { return outbox.ErrNotRetryable }

func (f *fakeCaller) Stats(context.Context) (outbox.Stats, error) {
	return outbox.Stats{PendingCount: 3, ByStatus: map[string]int{"pending": 3}}, nil
}

func (f *fakeCaller) Health(context.Context) health.Report {
	return health.Report{Overall: health.Critical, Connection: f.conn}
}

func (f *fakeCaller) Connection(context.Context) health.Connection { return f.conn }

func (f *fakeCaller) Pairing(context.Context) ([]byte, error) {
	return []byte(`{"qr":"abc"}`), nil
}

func (f *fakeCaller) Logout(context.Context) error { return nil }

func (f *fakeCaller) SyncEntity(_ context.Context, kind, id string) (outbox.EntityRef, error) {
	if id == "missing" {
		return outbox.EntityRef{}, &resolver.Error{Reason: resolver.ErrNotFound, Kind: kind, ID: id}
	}
	return outbox.EntityRef{Kind: kind, ID: id, Address: "5511999990000", AddressValid: true}, nil
}

func (f *fakeCaller) SyncEntities(_ context.Context, _ string, limit, offset int) (resolver.BatchResult, error) {
	f.mu.Lock()
	f.batchArg = [2]int{limit, offset}
	f.mu.Unlock()
	return resolver.BatchResult{Synced: 2}, nil
}

func (f *fakeCaller) SetBlocked(_ context.Context, kind, id string, blocked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[kind+":"+id] = blocked
	return nil
}

func (f *fakeCaller) Webhook(_ context.Context, _ []byte, sig string) (webhook.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sigSeen = sig
	return f.whRes, f.whErr
}

func (f *fakeCaller) Jobs() []messaging.JobInfo {
	return []messaging.JobInfo{{Name: messaging.JobDispatch, Spec: "@every 30s", Enabled: true}}
}

func (f *fakeCaller) RunJob(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, name)
	return nil
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func apiError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var e APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestSendGetCancel(t *testing.T) {
	t.Parallel()

	f := newFake()
	h := New(Config{}, f, logx.Nop()).Handler()

	rec := do(t, h, http.MethodPost, "/v1/messages",
		`{"recipient":{"kind":"colaborador","id":"42"},"kind":"text","body":"hello","priority":2}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"id":"q-1"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))
	require.Equal(t, "colaborador", f.sent[0].Recipient.Kind)
	require.Equal(t, 2, f.sent[0].Priority)

	rec = do(t, h, http.MethodGet, "/v1/messages/q-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var msg outbox.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	require.Equal(t, "hello", msg.Body)
	require.Equal(t, outbox.StatusPending, msg.Status)

	rec = do(t, h, http.MethodGet, "/v1/messages/q-1/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, h, http.MethodDelete, "/v1/messages/q-1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/messages/q-1", "", requestIDHeader, "req-7")
	require.Equal(t, http.StatusNotFound, rec.Code)
	e := apiError(t, rec)
	require.Equal(t, "not_found", e.Code)
	require.Equal(t, "req-7", e.RequestID)
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"invalid recipient", fmt.Errorf("%w: %w", messaging.ErrInvalidRecipient, &resolver.Error{Reason: resolver.ErrBlocked}), http.StatusBadRequest, "invalid_recipient"},
		{"invalid request", fmt.Errorf("%w: no body", messaging.ErrInvalidRequest), http.StatusBadRequest, "invalid_request"},
		{"disconnected", fmt.Errorf("%w: awaiting_pairing", messaging.ErrChannelDisconnected), http.StatusServiceUnavailable, "channel_disconnected"},
		{"store failure", fmt.Errorf("enqueue: disk full"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFake()
			f.sendErr = tc.err
			rec := do(t, New(Config{}, f, logx.Nop()).Handler(), http.MethodPost, "/v1/messages", `{"body":"x"}`)
			require.Equal(t, tc.want, rec.Code)
			require.Equal(t, tc.code, apiError(t, rec).Code)
		})
	}
}

func TestRequestBodyValidation(t *testing.T) {
	t.Parallel()

	f := newFake()
	h := New(Config{MaxBodyBytes: 64}, f, logx.Nop()).Handler()

	rec := do(t, h, http.MethodPost, "/v1/messages", `{"bdy":"x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/messages", `{"body":"x"} {"body":"y"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/messages", `{"body":"`+strings.Repeat("x", 200)+`"}`)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Empty(t, f.sent)

	rec = do(t, h, http.MethodPut, "/v1/stats", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/messages/q-9/reprocess", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "not_retryable", apiError(t, rec).Code)
}

func TestWebhookEndpoint(t *testing.T) {
	t.Parallel()

	f := newFake()
	h := New(Config{SignatureHeader: "X-Hub-Signature"}, f, logx.Nop()).Handler()
	sent := outbox.StatusSent
	f.whRes = webhook.Result{RawEventID: "raw-1", Accepted: true, Relevant: true, AppliedStatus: &sent}

	rec := do(t, h, http.MethodPost, "/webhooks", `{"event":"messages.update"}`, "X-Hub-Signature", "sha256=ab")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "sha256=ab", f.sigSeen)

	f.whErr = webhook.ErrInvalidSignature
	f.whRes = webhook.Result{RawEventID: "raw-2"}
	rec = do(t, h, http.MethodPost, "/webhooks", `{}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	f.whErr = fmt.Errorf("apply status: database is locked")
	f.whRes = webhook.Result{RawEventID: "raw-3", Accepted: true}
	rec = do(t, h, http.MethodPost, "/webhooks", `{}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	f.whErr = fmt.Errorf("persist webhook: disk full")
	f.whRes = webhook.Result{}
	rec = do(t, h, http.MethodPost, "/webhooks", `{}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestOperationalEndpoints(t *testing.T) {
	t.Parallel()

	f := newFake()
	f.conn = health.Connection{Connected: false, State: health.AwaitingPairing}
	h := New(Config{Metrics: true}, f, logx.Nop()).Handler()

	rec := do(t, h, http.MethodGet, "/v1/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), `"overall":"critical"`)

	rec = do(t, h, http.MethodGet, "/v1/connection", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"state":"awaiting_pairing"`)

	rec = do(t, h, http.MethodGet, "/v1/connection/pairing", "")
	require.JSONEq(t, `{"qr":"abc"}`, rec.Body.String())

	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/v1/connection/logout", "").Code)

	rec = do(t, h, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"pending_count":3`)

	rec = do(t, h, http.MethodPost, "/v1/entities/colaborador/42/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"address":"5511999990000"`)

	rec = do(t, h, http.MethodPost, "/v1/entities/colaborador/missing/sync", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/entities/colaborador/sync?limit=50&offset=100", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, [2]int{50, 100}, f.batchArg)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/entities/colaborador/sync?limit=-1", "").Code)

	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPut, "/v1/entities/cliente/7/blocked", `{"blocked":true}`).Code)
	require.True(t, f.blocked["cliente:7"])
	rec = do(t, h, http.MethodPut, "/v1/entities/cliente/7/blocked", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "blocked: required")

	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/v1/jobs/dispatch/run", "").Code)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/v1/jobs/bogus/run", "").Code)
	require.Equal(t, []string{"dispatch"}, f.ran)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsToggleAndServe(t *testing.T) {
	t.Parallel()

	srv := New(Config{}, newFake(), logx.Nop())
	require.Equal(t, http.StatusNotFound, do(t, srv.Handler(), http.MethodGet, "/metrics", "").Code)
	srv.Apply(Config{Metrics: true})
	require.Equal(t, http.StatusOK, do(t, srv.Handler(), http.MethodGet, "/metrics", "").Code)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Post("http://"+ln.Addr().String()+"/v1/messages", "application/json", bytes.NewBufferString(`{"body":"hi"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestPprofGuard(t *testing.T) {
	t.Parallel()

	srv := New(Config{Addr: "0.0.0.0:8090"}, newFake(), logx.Nop())
	h := srv.Handler()
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/debug/pprof/", "").Code)

	srv.Apply(Config{Addr: "0.0.0.0:8090", Pprof: true})
	require.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/debug/pprof/", "").Code)

	srv.Apply(Config{Addr: "0.0.0.0:8090", Pprof: true, DebugToken: "t0k"})
	require.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/debug/pprof/", "", "Authorization", "Bearer nope").Code)
	rec := do(t, h, http.MethodGet, "/debug/pprof/cmdline", "", "Authorization", "Bearer t0k")
	require.Equal(t, http.StatusOK, rec.Code)

	srv.Apply(Config{Addr: "127.0.0.1:8090", Pprof: true})
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/debug/pprof/", "").Code)

	require.True(t, IsLoopbackAddr("localhost:1"))
	require.False(t, IsLoopbackAddr(":8090"))
	require.False(t, IsLoopbackAddr("10.0.0.1:80"))
}
