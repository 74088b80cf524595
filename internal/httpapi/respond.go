package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"courier/internal/messaging"
	"courier/internal/outbox"
	"courier/internal/resolver"
	"courier/internal/webhook"
)

const requestIDHeader = "X-Request-ID"

// APIError is the body of every non-2xx response.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, APIError{Code: code, Message: msg, RequestID: requestID(w, r)})
}

// writeErr maps domain errors to status codes.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusOf(err)
	writeError(w, r, status, code, err.Error())
}

func statusOf(err error) (int, string) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge, "body_too_large"
	case errors.Is(err, messaging.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, messaging.ErrInvalidRecipient):
		return http.StatusBadRequest, "invalid_recipient"
	case errors.Is(err, messaging.ErrChannelDisconnected):
		return http.StatusServiceUnavailable, "channel_disconnected"
	case errors.Is(err, outbox.ErrNotFound), errors.Is(err, resolver.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, outbox.ErrNotPending):
		return http.StatusConflict, "not_pending"
	case errors.Is(err, outbox.ErrNotRetryable):
		return http.StatusConflict, "not_retryable"
	case errors.Is(err, resolver.ErrBlocked), errors.Is(err, resolver.ErrInvalidAddress):
		return http.StatusUnprocessableEntity, "unresolvable"
	case errors.Is(err, webhook.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, webhook.ErrMalformedPayload):
		return http.StatusBadRequest, "malformed_payload"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// decodeJSON reads one JSON value. Unknown fields and trailing data are
// rejected.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return fmt.Errorf("%w: %v", messaging.ErrInvalidRequest, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data after body", messaging.ErrInvalidRequest)
	}
	return nil
}

// requestID returns the request id, generating and echoing one if absent.
func requestID(w http.ResponseWriter, r *http.Request) string {
	if id := w.Header().Get(requestIDHeader); id != "" {
		return id
	}
	id := ""
	if r != nil {
		id = strings.TrimSpace(r.Header.Get(requestIDHeader))
	}
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, id)
	return id
}
