// Package outbox holds the domain types shared by the delivery subsystem:
// queued messages, the status ledger, raw webhook payloads and cached
// entity references.
package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the delivery state of a queued message.
//
// The values form a total order. Forward transitions are applied
// monotonically; the only backward moves are the explicit ones owned by
// the retry path (failure -> Error, requeue -> Pending).
type Status int

const (
	StatusError     Status = 0
	StatusPending   Status = 1
	StatusSent      Status = 2
	StatusDelivered Status = 3
	StatusRead      Status = 4
)

var statusNames = map[Status]string{
	StatusError:     "error",
	StatusPending:   "pending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s Status) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		parsed, err := ParseStatus(name)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if !Status(n).Valid() {
		return fmt.Errorf("status: unknown ordinal %d", n)
	}
	*s = Status(n)
	return nil
}

// ParseStatus parses a canonical status name.
func ParseStatus(s string) (Status, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for st, name := range statusNames {
		if name == want {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

// AllStatuses lists every status in ordinal order.
func AllStatuses() []Status {
	return []Status{StatusError, StatusPending, StatusSent, StatusDelivered, StatusRead}
}

// Kind is the content type of a message.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindDocument Kind = "document"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
)

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindDocument, KindAudio, KindVideo:
		return true
	}
	return false
}

// IsMedia reports whether the kind carries an attachment.
func (k Kind) IsMedia() bool { return k.Valid() && k != KindText }

// Message is one outbound unit of work.
type Message struct {
	ID                string `json:"id"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`

	RecipientKind        string `json:"recipient_kind,omitempty"`
	RecipientID          string `json:"recipient_id,omitempty"`
	RecipientAddress     string `json:"recipient_address,omitempty"`
	RecipientDisplayName string `json:"recipient_display_name,omitempty"`

	Kind           Kind   `json:"kind"`
	Body           string `json:"body,omitempty"`
	AttachmentRef  string `json:"attachment_ref,omitempty"`
	AttachmentName string `json:"attachment_name,omitempty"`

	Priority     int        `json:"priority"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`

	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	Permanent     bool       `json:"permanent,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LockedAt      *time.Time `json:"-"`

	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Recipient returns the reference the message was addressed to.
func (m Message) Recipient() Recipient {
	return Recipient{Kind: m.RecipientKind, ID: m.RecipientID, Address: m.RecipientAddress}
}

// Recipient is either a structured (kind, id) entity reference or a raw
// channel address.
type Recipient struct {
	Kind    string `json:"kind,omitempty" validate:"required_without=Address"`
	ID      string `json:"id,omitempty" validate:"required_without=Address"`
	Address string `json:"address,omitempty"`
}

// IsEntity reports whether r points at a business entity.
func (r Recipient) IsEntity() bool {
	return strings.TrimSpace(r.Kind) != "" && strings.TrimSpace(r.ID) != ""
}

func (r Recipient) String() string {
	if r.IsEntity() {
		return r.Kind + ":" + r.ID
	}
	return r.Address
}

// Failure describes a failed attempt written by the retry path.
type Failure struct {
	Attempts      int
	LastError     string
	NextAttemptAt *time.Time
	Permanent     bool
}

// StatusEvent is one entry in the append-only status ledger.
// (ProviderMessageID, Status) is unique.
type StatusEvent struct {
	ProviderMessageID string          `json:"provider_message_id"`
	Status            Status          `json:"status"`
	OccurredAt        time.Time       `json:"occurred_at"`
	SourceAddress     string          `json:"source_address,omitempty"`
	RawPayload        json.RawMessage `json:"raw_payload,omitempty"`
	RecordedAt        time.Time       `json:"recorded_at"`
}

// RawEventState tracks the processing outcome of a persisted webhook payload.
type RawEventState string

const (
	RawReceived  RawEventState = "received"
	RawProcessed RawEventState = "processed"
	RawError     RawEventState = "error"
	// RawRejected marks payloads that failed signature verification.
	// They are kept for audit and never re-driven.
	RawRejected RawEventState = "rejected"
	// RawDead marks payloads that failed on every attempt allowed and are
	// not re-driven again.
	RawDead RawEventState = "dead"
)

// RawEvent is a webhook payload persisted before any processing.
type RawEvent struct {
	ID          string        `json:"id"`
	ReceivedAt  time.Time     `json:"received_at"`
	Payload     []byte        `json:"payload"`
	Signature   string        `json:"signature,omitempty"`
	State       RawEventState `json:"state"`
	Error       string        `json:"error,omitempty"`
	Attempts    int           `json:"attempts"`
	ProcessedAt *time.Time    `json:"processed_at,omitempty"`
}

// EntityRef is the cached mapping of a business entity to a channel address.
type EntityRef struct {
	Kind         string     `json:"kind"`
	ID           string     `json:"id"`
	Address      string     `json:"address"`
	RawContact   string     `json:"raw_contact,omitempty"`
	DisplayName  string     `json:"display_name,omitempty"`
	Email        string     `json:"email,omitempty"`
	Blocked      bool       `json:"blocked"`
	AddressValid bool       `json:"address_valid"`
	SyncedAt     time.Time  `json:"synced_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	UseCount     int        `json:"use_count"`
}

// Stats is the aggregate view exposed to callers.
type Stats struct {
	ByStatus       map[string]int `json:"by_status"`
	PendingCount   int            `json:"pending_count"`
	ScheduledCount int            `json:"scheduled_count"`
	SentToday      int            `json:"sent_today"`
	ErrorCount     int            `json:"error_count"`
	PermanentCount int            `json:"permanent_count"`
}

// DeliveryWindow summarizes send outcomes within a lookback window.
type DeliveryWindow struct {
	Sent int
	// Failed counts failed attempts, including those of messages retried
	// or sent since.
	Failed     int
	LastSentAt *time.Time
}
