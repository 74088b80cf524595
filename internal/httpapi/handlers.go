package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"courier/internal/messaging"
	"courier/internal/validation"
	"courier/internal/webhook"
	logx "courier/pkg/logx"
)

func (s *Server) limitBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config().MaxBodyBytes)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	s.limitBody(w, r)
	var req messaging.SendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	id, err := s.api.Send(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	msg, err := s.api.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.api.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.api.Cancel(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	if err := s.api.Reprocess(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.api.Stats(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleHealth answers 503 while the channel is disconnected so load
// balancers and probes can use it directly.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.api.Health(r.Context())
	status := http.StatusOK
	if !rep.Connection.Connected {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.api.Connection(r.Context()))
}

func (s *Server) handlePairing(w http.ResponseWriter, r *http.Request) {
	raw, err := s.api.Pairing(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.api.Logout(r.Context()); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncOne(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	ref, err := s.api.SyncEntity(r.Context(), v["kind"], v["id"])
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (s *Server) handleSyncBatch(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 200)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	res, err := s.api.SyncEntities(r.Context(), mux.Vars(r)["kind"], limit, offset)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBlocked(w http.ResponseWriter, r *http.Request) {
	s.limitBody(w, r)
	var body struct {
		Blocked *bool `json:"blocked" validate:"required"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := validation.Struct(body); err != nil {
		writeErr(w, r, fmt.Errorf("%w: %w", messaging.ErrInvalidRequest, err))
		return
	}
	v := mux.Vars(r)
	if err := s.api.SetBlocked(r.Context(), v["kind"], v["id"], *body.Blocked); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.api.Jobs())
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	known := false
	for _, j := range s.api.Jobs() {
		known = known || j.Name == name
	}
	if !known {
		writeError(w, r, http.StatusNotFound, "not_found", fmt.Sprintf("unknown job %q", name))
		return
	}
	if err := s.api.RunJob(r.Context(), name); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebhook stores the payload before anything else. A payload that
// was stored but failed processing is still acknowledged; re-drive picks
// it up later.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	cfg := s.config()
	s.limitBody(w, r)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	res, err := s.api.Webhook(r.Context(), payload, r.Header.Get(cfg.SignatureHeader))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, webhook.ErrInvalidSignature), errors.Is(err, webhook.ErrMalformedPayload):
		writeErr(w, r, err)
	case res.RawEventID != "":
		s.log.Warn("webhook stored but not applied", logx.String("raw_event_id", res.RawEventID), logx.Err(err))
		writeJSON(w, http.StatusAccepted, res)
	default:
		writeErr(w, r, err)
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", messaging.ErrInvalidRequest, key)
	}
	return n, nil
}
