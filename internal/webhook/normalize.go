package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"courier/internal/outbox"
)

// Update is one status change carried by a provider callback, already in
// canonical form.
type Update struct {
	ProviderMessageID string
	Status            outbox.Status
	OccurredAt        time.Time // zero when the payload carries no timestamp
	SourceAddress     string
}

// Parsed is the canonical view of a payload.
type Parsed struct {
	Event    string
	Relevant bool
	Updates  []Update
}

// Event families that carry a message id and an acknowledgement.
var statusEvents = map[string]bool{
	"messages.update": true,
	"message.update":  true,
	"message.ack":     true,
	"messages.ack":    true,
	"onack":           true,
	"ack":             true,
	"status":          true,
	"message.status":  true,
}

var statusWords = map[string]outbox.Status{
	"error":        outbox.StatusError,
	"failed":       outbox.StatusError,
	"pending":      outbox.StatusPending,
	"clock":        outbox.StatusPending,
	"sent":         outbox.StatusSent,
	"server":       outbox.StatusSent,
	"server_ack":   outbox.StatusSent,
	"delivered":    outbox.StatusDelivered,
	"delivery_ack": outbox.StatusDelivered,
	"device":       outbox.StatusDelivered,
	"received":     outbox.StatusDelivered,
	"read":         outbox.StatusRead,
	"read_ack":     outbox.StatusRead,
	"seen":         outbox.StatusRead,
	"played":       outbox.StatusRead,
}

var (
	idPaths        = []string{"key.id", "keyId", "messageId", "message_id", "id.id", "id._serialized", "id"}
	statusPaths    = []string{"status", "update.status", "ack", "update.ack"}
	addressPaths   = []string{"key.remoteJid", "remoteJid", "from", "to", "chatId", "number"}
	timestampPaths = []string{"messageTimestamp", "timestamp", "t", "date_time"}
)

// NormalizeEvent lowercases an event name and unifies separators.
func NormalizeEvent(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", ".")
}

// NormalizeStatus maps a symbolic status or a numeric ack code onto the
// canonical ordinal. Ack codes: -1 error, 0 pending, 1 sent, 2 delivered,
// 3 read, 4 played (read).
func NormalizeStatus(v any) (outbox.Status, bool) {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return ackStatus(n)
	case float64:
		return ackStatus(int64(t))
	case int:
		return ackStatus(int64(t))
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return ackStatus(n)
		}
		st, ok := statusWords[s]
		return st, ok
	}
	return 0, false
}

func ackStatus(n int64) (outbox.Status, bool) {
	switch {
	case n < 0:
		return outbox.StatusError, true
	case n == 0:
		return outbox.StatusPending, true
	case n == 1:
		return outbox.StatusSent, true
	case n == 2:
		return outbox.StatusDelivered, true
	case n <= 4:
		return outbox.StatusRead, true
	}
	return 0, false
}

// Parse decodes a payload. Only status families with a usable id and a
// forward status (Sent or later) yield updates; everything else is valid
// but not relevant. A payload that is not a JSON object is an error.
func Parse(payload []byte) (Parsed, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return Parsed{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if root == nil {
		return Parsed{}, fmt.Errorf("%w: not an object", ErrMalformedPayload)
	}

	p := Parsed{Event: NormalizeEvent(firstString(root, "event", "type", "name"))}
	if !statusEvents[p.Event] {
		return p, nil
	}

	var items []map[string]any
	switch data := root["data"].(type) {
	case map[string]any:
		items = append(items, data)
	case []any:
		for _, it := range data {
			if m, ok := it.(map[string]any); ok {
				items = append(items, m)
			}
		}
	case nil:
		items = append(items, root)
	default:
		return p, fmt.Errorf("%w: unexpected data %T", ErrMalformedPayload, data)
	}

	fallbackTS := parseTimestamp(first(root, timestampPaths...))
	for _, it := range items {
		id := scalarString(first(it, idPaths...))
		if id == "" {
			continue
		}
		st, ok := NormalizeStatus(first(it, statusPaths...))
		if !ok || st < outbox.StatusSent {
			continue
		}
		ts := parseTimestamp(first(it, timestampPaths...))
		if ts.IsZero() {
			ts = fallbackTS
		}
		p.Updates = append(p.Updates, Update{
			ProviderMessageID: id,
			Status:            st,
			OccurredAt:        ts,
			SourceAddress:     addressOf(scalarString(first(it, addressPaths...))),
		})
	}
	p.Relevant = len(p.Updates) > 0
	return p, nil
}

// first returns the value at the first dotted path present in m.
func first(m map[string]any, paths ...string) any {
	for _, path := range paths {
		if v, ok := lookup(m, path); ok && v != nil {
			return v
		}
	}
	return nil
}

func lookup(m map[string]any, path string) (any, bool) {
	cur := any(m)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	}
	return ""
}

// addressOf drops a channel suffix such as "@s.whatsapp.net".
func addressOf(s string) string {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		return s[:i]
	}
	return s
}

// parseTimestamp accepts unix seconds or milliseconds (number or numeric
// string) and RFC 3339 strings.
func parseTimestamp(v any) time.Time {
	var n int64
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}
		}
		n = int64(f)
	case string:
		s := strings.TrimSpace(t)
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}
		}
		n = parsed
	default:
		return time.Time{}
	}
	switch {
	case n <= 0:
		return time.Time{}
	case n >= 1e12:
		return time.UnixMilli(n)
	default:
		return time.Unix(n, 0)
	}
}
