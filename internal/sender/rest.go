package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"courier/internal/outbox"
	logx "courier/pkg/logx"
)

const maxResponseBody = 1 << 20

// TransportError is a failure to get an answer from the provider: network
// errors, timeouts, 5xx/429 responses or an open circuit breaker.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: provider status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// REST talks to an HTTP provider exposing per-instance endpoints:
//
//	POST   /message/sendText/{instance}
//	POST   /message/sendMedia/{instance}
//	GET    /instance/connectionState/{instance}
//	GET    /instance/connect/{instance}
//	DELETE /instance/logout/{instance}
type REST struct {
	base     string
	instance string
	apiKey   string
	timeout  time.Duration
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	log      logx.Logger
}

// NewREST builds the adapter. A nil client uses a default one.
func NewREST(cfg Config, client *http.Client, log logx.Logger) (*REST, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("rest sender: base_url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("rest sender: base_url: %w", err)
	}
	if strings.TrimSpace(cfg.Instance) == "" {
		return nil, errors.New("rest sender: instance is required")
	}
	if client == nil {
		client = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &REST{
		base:     base,
		instance: url.PathEscape(cfg.Instance),
		apiKey:   cfg.APIKey,
		timeout:  timeout,
		client:   client,
		log:      log.With(logx.String("comp", "sender"), logx.String("driver", "rest")),
	}
	if cfg.BreakerFailures > 0 {
		cooldown := cfg.BreakerCooldown
		if cooldown <= 0 {
			cooldown = time.Minute
		}
		threshold := uint32(cfg.BreakerFailures)
		s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "sender-rest",
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				s.log.Warn("circuit breaker state changed",
					logx.String("breaker", name), logx.String("from", from.String()), logx.String("to", to.String()))
			},
		})
	}
	return s, nil
}

func (s *REST) Name() string { return "rest" }

type response struct {
	status int
	body   []byte
}

func (s *REST) call(ctx context.Context, op, method, path string, payload any) (response, error) {
	exec := func() (interface{}, error) { return s.do(ctx, op, method, path, payload) }
	if s.breaker == nil {
		out, err := exec()
		if err != nil {
			return response{}, err
		}
		return out.(response), nil
	}
	out, err := s.breaker.Execute(exec)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return response{}, &TransportError{Op: op, Err: err}
	}
	if err != nil {
		return response{}, err
	}
	return out.(response), nil
}

func (s *REST) do(ctx context.Context, op, method, path string, payload any) (response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return response{}, fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, body)
	if err != nil {
		return response{}, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return response{}, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return response{}, &TransportError{Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return response{}, &TransportError{Op: op, Status: resp.StatusCode, Err: errors.New(providerMessage(b, resp.Status))}
	}
	return response{status: resp.StatusCode, body: b}, nil
}

func (s *REST) SendText(ctx context.Context, address, body string) (Result, error) {
	resp, err := s.call(ctx, "send text", http.MethodPost, "/message/sendText/"+s.instance, map[string]any{
		"number": address,
		"text":   body,
	})
	if err != nil {
		return Result{}, err
	}
	return sendResult(resp), nil
}

func (s *REST) SendFile(ctx context.Context, address string, kind outbox.Kind, ref, caption, filename string) (Result, error) {
	payload := map[string]any{
		"number":    address,
		"mediatype": string(kind),
		"media":     ref,
	}
	if caption != "" {
		payload["caption"] = caption
	}
	if filename != "" {
		payload["fileName"] = filename
	}
	resp, err := s.call(ctx, "send media", http.MethodPost, "/message/sendMedia/"+s.instance, payload)
	if err != nil {
		return Result{}, err
	}
	return sendResult(resp), nil
}

func (s *REST) ConnectionInfo(ctx context.Context) (json.RawMessage, error) {
	return s.getJSON(ctx, "connection state", "/instance/connectionState/"+s.instance)
}

func (s *REST) PairingState(ctx context.Context) (json.RawMessage, error) {
	return s.getJSON(ctx, "connect", "/instance/connect/"+s.instance)
}

func (s *REST) Disconnect(ctx context.Context) error {
	resp, err := s.call(ctx, "logout", http.MethodDelete, "/instance/logout/"+s.instance, nil)
	if err != nil {
		return err
	}
	if resp.status >= 300 {
		return fmt.Errorf("logout: provider status %d: %s", resp.status, providerMessage(resp.body, http.StatusText(resp.status)))
	}
	return nil
}

func (s *REST) getJSON(ctx context.Context, op, path string) (json.RawMessage, error) {
	resp, err := s.call(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", op, ErrNotProvisioned)
	}
	if resp.status >= 300 {
		return nil, fmt.Errorf("%s: provider status %d: %s", op, resp.status, providerMessage(resp.body, http.StatusText(resp.status)))
	}
	if !json.Valid(resp.body) {
		return nil, fmt.Errorf("%s: provider returned invalid json", op)
	}
	return json.RawMessage(resp.body), nil
}

func sendResult(resp response) Result {
	if resp.status >= 300 {
		return Result{Error: providerMessage(resp.body, http.StatusText(resp.status))}
	}
	id := providerMessageID(resp.body)
	if id == "" {
		return Result{Error: "provider response carries no message id"}
	}
	return Result{OK: true, ProviderMessageID: id}
}

// providerMessageID reads key.id, id or messageId from a send response.
func providerMessageID(b []byte) string {
	var v struct {
		Key *struct {
			ID string `json:"id"`
		} `json:"key"`
		ID        json.RawMessage `json:"id"`
		MessageID string          `json:"messageId"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return ""
	}
	if v.Key != nil && v.Key.ID != "" {
		return v.Key.ID
	}
	if id := rawScalar(v.ID); id != "" {
		return id
	}
	return v.MessageID
}

func rawScalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

type providerError struct {
	Message  json.RawMessage `json:"message"`
	Error    string          `json:"error"`
	Response *struct {
		Message json.RawMessage `json:"message"`
	} `json:"response"`
}

// providerMessage extracts a human-readable error from a provider body.
func providerMessage(b []byte, fallback string) string {
	var v providerError
	if err := json.Unmarshal(b, &v); err == nil {
		if msg := flattenMessage(v.Message); msg != "" {
			return msg
		}
		if v.Response != nil {
			if msg := flattenMessage(v.Response.Message); msg != "" {
				return msg
			}
		}
		if v.Error != "" {
			return v.Error
		}
	}
	if s := strings.TrimSpace(string(b)); s != "" && len(s) <= 200 {
		return s
	}
	return fallback
}

func flattenMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, "; ")
	}
	return ""
}
