package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"courier/internal/outbox"
)

// memoryStore keeps every collection in process memory. It implements the
// same contract as the sqlite backend and backs tests and dry runs.
type memoryStore struct {
	mu sync.Mutex

	seq      uint64
	messages map[string]*memRow
	byProv   map[string]string

	ledger   map[string]map[outbox.Status]outbox.StatusEvent
	raw      map[string]*outbox.RawEvent
	rawOrder []string
	entities map[string]*outbox.EntityRef
	// failures holds one stamp per recorded failed attempt.
	failures []time.Time
}

type memRow struct {
	seq uint64
	m   outbox.Message
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		messages: map[string]*memRow{},
		byProv:   map[string]string{},
		ledger:   map[string]map[outbox.Status]outbox.StatusEvent{},
		raw:      map[string]*outbox.RawEvent{},
		entities: map[string]*outbox.EntityRef{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) Enqueue(ctx context.Context, m *outbox.Message) error {
	_ = ctx
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.CreatedAt = truncMilli(m.CreatedAt)
	m.UpdatedAt = m.CreatedAt
	m.Status = outbox.StatusPending

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return outbox.ErrDuplicateID
	}
	s.seq++
	s.messages[m.ID] = &memRow{seq: s.seq, m: cloneMessage(*m)}
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (outbox.Message, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.messages[id]
	if !ok {
		return outbox.Message{}, outbox.ErrNotFound
	}
	return cloneMessage(r.m), nil
}

func (s *memoryStore) FindByProviderMessageID(ctx context.Context, providerID string) (outbox.Message, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byProv[providerID]
	if !ok || providerID == "" {
		return outbox.Message{}, outbox.ErrNotFound
	}
	r, ok := s.messages[id]
	if !ok {
		return outbox.Message{}, outbox.ErrNotFound
	}
	return cloneMessage(r.m), nil
}

func (s *memoryStore) FetchDue(ctx context.Context, q DueQuery) ([]outbox.Message, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]*memRow, 0)
	for _, r := range s.messages {
		m := r.m
		if m.Status != outbox.StatusPending || leased(m, q.LeaseCutoff) {
			continue
		}
		if m.ScheduledFor != nil && m.ScheduledFor.After(q.Now) {
			continue
		}
		rows = append(rows, r)
	}
	return s.ordered(rows, q.Limit), nil
}

func (s *memoryStore) DueForRetry(ctx context.Context, q RetryQuery) ([]outbox.Message, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]*memRow, 0)
	for _, r := range s.messages {
		m := r.m
		if m.Status != outbox.StatusError || m.Permanent || m.Attempts >= q.MaxAttempts {
			continue
		}
		if m.NextAttemptAt != nil && m.NextAttemptAt.After(q.Now) {
			continue
		}
		rows = append(rows, r)
	}
	return s.ordered(rows, q.Limit), nil
}

// ordered sorts by priority desc, then creation (FIFO), then insertion order.
func (s *memoryStore) ordered(rows []*memRow, limit int) []outbox.Message {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.m.Priority != b.m.Priority {
			return a.m.Priority > b.m.Priority
		}
		if !a.m.CreatedAt.Equal(b.m.CreatedAt) {
			return a.m.CreatedAt.Before(b.m.CreatedAt)
		}
		return a.seq < b.seq
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]outbox.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, cloneMessage(r.m))
	}
	return out
}

func (s *memoryStore) Claim(ctx context.Context, id string, now, leaseCutoff time.Time) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.messages[id]
	if !ok {
		return false, outbox.ErrNotFound
	}
	if r.m.Status != outbox.StatusPending || leased(r.m, leaseCutoff) {
		return false, nil
	}
	r.m.LockedAt = ptrTime(now)
	r.m.LastAttemptAt = ptrTime(now)
	r.m.UpdatedAt = truncMilli(now)
	return true, nil
}

func (s *memoryStore) UpdateStatus(ctx context.Context, id string, status outbox.Status, providerID string, at time.Time) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.messages[id]
	if !ok {
		return false, outbox.ErrNotFound
	}
	if status <= r.m.Status {
		return false, nil
	}
	if providerID != "" && r.m.ProviderMessageID == "" {
		if other, taken := s.byProv[providerID]; taken && other != id {
			return false, outbox.ErrDuplicateID
		}
		r.m.ProviderMessageID = providerID
		s.byProv[providerID] = id
	}
	r.m.Status = status
	stamp(&r.m, status, at)
	r.m.LockedAt = nil
	r.m.UpdatedAt = truncMilli(at)
	return true, nil
}

func stamp(m *outbox.Message, status outbox.Status, at time.Time) {
	switch status {
	case outbox.StatusSent:
		if m.SentAt == nil {
			m.SentAt = ptrTime(at)
		}
	case outbox.StatusDelivered:
		if m.DeliveredAt == nil {
			m.DeliveredAt = ptrTime(at)
		}
	case outbox.StatusRead:
		if m.ReadAt == nil {
			m.ReadAt = ptrTime(at)
		}
	}
}

func (s *memoryStore) ClearError(ctx context.Context, id string, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.messages[id]
	if !ok {
		return outbox.ErrNotFound
	}
	r.m.LastError = ""
	r.m.NextAttemptAt = nil
	r.m.LockedAt = nil
	r.m.UpdatedAt = truncMilli(at)
	return nil
}

func (s *memoryStore) MarkFailed(ctx context.Context, id string, f outbox.Failure, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.messages[id]
	if !ok {
		return outbox.ErrNotFound
	}
	if r.m.Status > outbox.StatusPending {
		return nil
	}
	r.m.Status = outbox.StatusError
	r.m.Attempts = f.Attempts
	r.m.LastError = f.LastError
	r.m.Permanent = f.Permanent
	r.m.NextAttemptAt = nil
	if f.NextAttemptAt != nil {
		r.m.NextAttemptAt = ptrTime(*f.NextAttemptAt)
	}
	r.m.LastAttemptAt = ptrTime(at)
	r.m.LockedAt = nil
	r.m.UpdatedAt = truncMilli(at)
	s.failures = append(s.failures, truncMilli(at))
	return nil
}

func (s *memoryStore) Cancel(ctx context.Context, id string, leaseCutoff time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.messages[id]
	if !ok {
		return outbox.ErrNotFound
	}
	if r.m.Status != outbox.StatusPending || leased(r.m, leaseCutoff) {
		return outbox.ErrNotPending
	}
	delete(s.messages, id)
	return nil
}

func (s *memoryStore) Requeue(ctx context.Context, id string, resetAttempts bool, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.messages[id]
	if !ok {
		return outbox.ErrNotFound
	}
	if r.m.Status != outbox.StatusError {
		return outbox.ErrNotRetryable
	}
	r.m.Status = outbox.StatusPending
	r.m.NextAttemptAt = nil
	r.m.Permanent = false
	r.m.LockedAt = nil
	if resetAttempts {
		r.m.Attempts = 0
	}
	r.m.UpdatedAt = truncMilli(at)
	return nil
}

func (s *memoryStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, maxAttempts int) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.messages {
		if r.m.CreatedAt.Before(cutoff) && terminal(r.m, maxAttempts) {
			if r.m.ProviderMessageID != "" {
				delete(s.byProv, r.m.ProviderMessageID)
			}
			delete(s.messages, id)
			n++
		}
	}
	kept := s.failures[:0]
	for _, at := range s.failures {
		if !at.Before(cutoff) {
			kept = append(kept, at)
		}
	}
	s.failures = kept
	return n, nil
}

func (s *memoryStore) Stats(ctx context.Context, q StatsQuery) (outbox.Stats, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	st := outbox.Stats{ByStatus: map[string]int{}}
	for _, r := range s.messages {
		m := r.m
		st.ByStatus[m.Status.String()]++
		switch m.Status {
		case outbox.StatusPending:
			st.PendingCount++
			if m.ScheduledFor != nil && m.ScheduledFor.After(q.Now) {
				st.ScheduledCount++
			}
		case outbox.StatusError:
			st.ErrorCount++
			if m.Permanent || m.Attempts >= q.MaxAttempts {
				st.PermanentCount++
			}
		}
		if m.SentAt != nil && !m.SentAt.Before(q.DayStart) {
			st.SentToday++
		}
	}
	return st, nil
}

func (s *memoryStore) CountSentSince(ctx context.Context, since time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.messages {
		if r.m.SentAt != nil && !r.m.SentAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) DeliveryWindow(ctx context.Context, since time.Time) (outbox.DeliveryWindow, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var w outbox.DeliveryWindow
	for _, r := range s.messages {
		m := r.m
		if m.SentAt != nil {
			if !m.SentAt.Before(since) {
				w.Sent++
			}
			if w.LastSentAt == nil || m.SentAt.After(*w.LastSentAt) {
				t := *m.SentAt
				w.LastSentAt = &t
			}
		}
	}
	for _, at := range s.failures {
		if !at.Before(since) {
			w.Failed++
		}
	}
	return w, nil
}

func (s *memoryStore) AppendStatusEvent(ctx context.Context, ev outbox.StatusEvent) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	byStatus, ok := s.ledger[ev.ProviderMessageID]
	if !ok {
		byStatus = map[outbox.Status]outbox.StatusEvent{}
		s.ledger[ev.ProviderMessageID] = byStatus
	}
	if _, dup := byStatus[ev.Status]; dup {
		return false, nil
	}
	ev.OccurredAt = truncMilli(ev.OccurredAt)
	ev.RecordedAt = truncMilli(ev.RecordedAt)
	byStatus[ev.Status] = ev
	return true, nil
}

func (s *memoryStore) StatusEvents(ctx context.Context, providerID string) ([]outbox.StatusEvent, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbox.StatusEvent, 0, len(s.ledger[providerID]))
	for _, ev := range s.ledger[providerID] {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out, nil
}

func (s *memoryStore) SaveRawEvent(ctx context.Context, ev *outbox.RawEvent) error {
	_ = ctx
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	ev.ReceivedAt = truncMilli(ev.ReceivedAt)
	if ev.State == "" {
		ev.State = outbox.RawReceived
	}
	cp := *ev
	cp.Payload = append([]byte(nil), ev.Payload...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.raw[ev.ID]; !ok {
		s.rawOrder = append(s.rawOrder, ev.ID)
	}
	s.raw[ev.ID] = &cp
	return nil
}

func (s *memoryStore) MarkRawEvent(ctx context.Context, id string, state outbox.RawEventState, errMsg string, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.raw[id]
	if !ok {
		return outbox.ErrNotFound
	}
	ev.State = state
	ev.Error = errMsg
	ev.Attempts++
	ev.ProcessedAt = ptrTime(at)
	return nil
}

func (s *memoryStore) RawEventsForRedrive(ctx context.Context, receivedBefore time.Time, limit int) ([]outbox.RawEvent, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbox.RawEvent, 0)
	for _, id := range s.rawOrder {
		ev, ok := s.raw[id]
		if !ok {
			continue
		}
		if ev.State != outbox.RawReceived && ev.State != outbox.RawError {
			continue
		}
		if !ev.ReceivedAt.Before(receivedBefore) {
			continue
		}
		cp := *ev
		cp.Payload = append([]byte(nil), ev.Payload...)
		out = append(out, cp)
	}
	// Fewest attempts first, so payloads that keep failing cannot starve
	// newer ones.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Attempts < out[j].Attempts })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) PruneRawEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	kept := s.rawOrder[:0]
	for _, id := range s.rawOrder {
		ev, ok := s.raw[id]
		if !ok {
			continue
		}
		if ev.ReceivedAt.Before(cutoff) && (ev.State == outbox.RawProcessed || ev.State == outbox.RawRejected || ev.State == outbox.RawDead) {
			delete(s.raw, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	s.rawOrder = kept
	return n, nil
}

func entityKey(kind, id string) string { return kind + "\x00" + id }

func (s *memoryStore) GetEntity(ctx context.Context, kind, id string) (outbox.EntityRef, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.entities[entityKey(kind, id)]
	if !ok {
		return outbox.EntityRef{}, false, nil
	}
	return *ref, true, nil
}

func (s *memoryStore) UpsertEntity(ctx context.Context, ref outbox.EntityRef) error {
	_ = ctx
	ref.SyncedAt = truncMilli(ref.SyncedAt)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entities[entityKey(ref.Kind, ref.ID)]
	if ok {
		ref.Blocked = cur.Blocked
		ref.LastUsedAt = cur.LastUsedAt
		ref.UseCount = cur.UseCount
	}
	s.entities[entityKey(ref.Kind, ref.ID)] = &ref
	return nil
}

func (s *memoryStore) TouchEntity(ctx context.Context, kind, id string, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.entities[entityKey(kind, id)]
	if !ok {
		return nil
	}
	ref.LastUsedAt = ptrTime(at)
	ref.UseCount++
	return nil
}

func (s *memoryStore) SetEntityBlocked(ctx context.Context, kind, id string, blocked bool) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.entities[entityKey(kind, id)]
	if !ok {
		return outbox.ErrNotFound
	}
	ref.Blocked = blocked
	return nil
}

func cloneMessage(m outbox.Message) outbox.Message {
	if m.Metadata != nil {
		md := make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		m.Metadata = md
	}
	return m
}
