// Package eventbus fans lifecycle events out to in-process subscribers
// (metrics, alerting, debug taps).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the delivery subsystem.
const (
	TopicMessageQueued   = "message.queued"
	TopicMessageSent     = "message.sent"
	TopicMessageFailed   = "message.failed"
	TopicMessageDead     = "message.dead"
	TopicMessageStatus   = "message.status"
	TopicWebhookReceived = "webhook.received"
	TopicHealthChanged   = "health.changed"
)

// Event is a small in-memory signal.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a slow subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// MessageEvent is the payload of the message.* topics.
type MessageEvent struct {
	ID                string `json:"id"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Recipient         string `json:"recipient,omitempty"`
	Status            string `json:"status"`
	Attempts          int    `json:"attempts,omitempty"`
	Error             string `json:"error,omitempty"`
}

// WebhookEvent is the payload of webhook.received.
type WebhookEvent struct {
	RawEventID string `json:"raw_event_id"`
	Relevant   bool   `json:"relevant"`
	Status     string `json:"status,omitempty"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	Error      string `json:"error,omitempty"`
}

// HealthEvent is the payload of health.changed.
type HealthEvent struct {
	From    string   `json:"from"`
	To      string   `json:"to"`
	Reasons []string `json:"reasons,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Publish is a nil-safe shorthand used by components whose bus is optional.
func Publish(b Bus, topic string, at time.Time, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: topic, Time: at, Data: data})
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch between snapshot and send.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Dropped reports how many deliveries were skipped because a subscriber
// buffer was full. Buses not created by New report zero.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}
