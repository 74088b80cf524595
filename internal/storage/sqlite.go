package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"courier/internal/outbox"
	logx "courier/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const messageColumns = `id, provider_message_id, recipient_kind, recipient_id, recipient_address, recipient_display_name,
  kind, body, attachment_ref, attachment_name, priority, scheduled_for, status, attempts, permanent,
  last_attempt_at, next_attempt_at, last_error, locked_at, sent_at, delivered_at, read_at, metadata,
  created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (outbox.Message, error) {
	var (
		m                                   outbox.Message
		providerID, metadata                sql.NullString
		kind                                string
		scheduled, lastAttempt, nextAttempt sql.NullInt64
		locked, sentAt, deliveredAt, readAt sql.NullInt64
		status, permanent                   int
		createdAt, updatedAt                int64
	)
	err := r.Scan(
		&m.ID, &providerID, &m.RecipientKind, &m.RecipientID, &m.RecipientAddress, &m.RecipientDisplayName,
		&kind, &m.Body, &m.AttachmentRef, &m.AttachmentName, &m.Priority, &scheduled, &status, &m.Attempts, &permanent,
		&lastAttempt, &nextAttempt, &m.LastError, &locked, &sentAt, &deliveredAt, &readAt, &metadata,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return outbox.Message{}, err
	}
	m.ProviderMessageID = providerID.String
	m.Kind = outbox.Kind(kind)
	m.Status = outbox.Status(status)
	m.Permanent = permanent != 0
	m.ScheduledFor = fromNullMilli(scheduled)
	m.LastAttemptAt = fromNullMilli(lastAttempt)
	m.NextAttemptAt = fromNullMilli(nextAttempt)
	m.LockedAt = fromNullMilli(locked)
	m.SentAt = fromNullMilli(sentAt)
	m.DeliveredAt = fromNullMilli(deliveredAt)
	m.ReadAt = fromNullMilli(readAt)
	m.CreatedAt = time.UnixMilli(createdAt)
	m.UpdatedAt = time.UnixMilli(updatedAt)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
			return outbox.Message{}, fmt.Errorf("decode metadata for %s: %w", m.ID, err)
		}
	}
	return m, nil
}

func (s *sqliteStore) queryMessages(ctx context.Context, query string, args ...any) ([]outbox.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]outbox.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Enqueue(ctx context.Context, m *outbox.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.CreatedAt = truncMilli(m.CreatedAt)
	m.UpdatedAt = m.CreatedAt
	m.Status = outbox.StatusPending

	var metadata any
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return err
		}
		metadata = string(b)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages(`+messageColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, nullStr(m.ProviderMessageID), m.RecipientKind, m.RecipientID, m.RecipientAddress, m.RecipientDisplayName,
		string(m.Kind), m.Body, m.AttachmentRef, m.AttachmentName, m.Priority, nullMilli(m.ScheduledFor),
		int(m.Status), m.Attempts, boolInt(m.Permanent),
		nullMilli(m.LastAttemptAt), nullMilli(m.NextAttemptAt), m.LastError, nullMilli(m.LockedAt),
		nullMilli(m.SentAt), nullMilli(m.DeliveredAt), nullMilli(m.ReadAt), metadata,
		m.CreatedAt.UnixMilli(), m.UpdatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return outbox.ErrDuplicateID
	}
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (outbox.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Message{}, outbox.ErrNotFound
	}
	return m, err
}

func (s *sqliteStore) FindByProviderMessageID(ctx context.Context, providerID string) (outbox.Message, error) {
	if providerID == "" {
		return outbox.Message{}, outbox.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE provider_message_id = ?`, providerID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Message{}, outbox.ErrNotFound
	}
	return m, err
}

func (s *sqliteStore) FetchDue(ctx context.Context, q DueQuery) ([]outbox.Message, error) {
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE status = ?
		  AND (scheduled_for IS NULL OR scheduled_for <= ?)
		  AND (locked_at IS NULL OR locked_at < ?)
		ORDER BY priority DESC, created_at ASC, rowid ASC
		LIMIT ?`,
		int(outbox.StatusPending), q.Now.UnixMilli(), q.LeaseCutoff.UnixMilli(), sqlLimit(q.Limit),
	)
}

func (s *sqliteStore) DueForRetry(ctx context.Context, q RetryQuery) ([]outbox.Message, error) {
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE status = ? AND permanent = 0 AND attempts < ?
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY priority DESC, created_at ASC, rowid ASC
		LIMIT ?`,
		int(outbox.StatusError), q.MaxAttempts, q.Now.UnixMilli(), sqlLimit(q.Limit),
	)
}

func (s *sqliteStore) Claim(ctx context.Context, id string, now, leaseCutoff time.Time) (bool, error) {
	ms := now.UnixMilli()
	res, err := s.db.ExecContext(ctx, `UPDATE messages
		SET locked_at = ?, last_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND (locked_at IS NULL OR locked_at < ?)`,
		ms, ms, ms, id, int(outbox.StatusPending), leaseCutoff.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	return s.affectedOrMissing(ctx, res, id)
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id string, status outbox.Status, providerID string, at time.Time) (bool, error) {
	ms := at.UnixMilli()
	st := int(status)
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET
		status = ?,
		provider_message_id = COALESCE(provider_message_id, ?),
		sent_at      = CASE WHEN ? = 2 THEN COALESCE(sent_at, ?) ELSE sent_at END,
		delivered_at = CASE WHEN ? = 3 THEN COALESCE(delivered_at, ?) ELSE delivered_at END,
		read_at      = CASE WHEN ? = 4 THEN COALESCE(read_at, ?) ELSE read_at END,
		locked_at = NULL,
		updated_at = ?
		WHERE id = ? AND status < ?`,
		st, nullStr(providerID), st, ms, st, ms, st, ms, ms, id, st,
	)
	if isUniqueViolation(err) {
		return false, outbox.ErrDuplicateID
	}
	if err != nil {
		return false, err
	}
	return s.affectedOrMissing(ctx, res, id)
}

func (s *sqliteStore) ClearError(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages
		SET last_error = '', next_attempt_at = NULL, locked_at = NULL, updated_at = ?
		WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id string, f outbox.Failure, at time.Time) error {
	ms := at.UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `UPDATE messages SET
		status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, permanent = ?,
		last_attempt_at = ?, locked_at = NULL, updated_at = ?
		WHERE id = ? AND status <= ?`,
		int(outbox.StatusError), f.Attempts, f.LastError, nullMilli(f.NextAttemptAt), boolInt(f.Permanent),
		ms, ms, id, int(outbox.StatusPending),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Release the only connection before looking the row up.
		_ = tx.Rollback()
		_, err := s.affectedOrMissing(ctx, res, id)
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO send_failures(message_id, attempt, failed_at) VALUES(?,?,?)`,
		id, f.Attempts, ms); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Cancel(ctx context.Context, id string, leaseCutoff time.Time) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages
		WHERE id = ? AND status = ? AND (locked_at IS NULL OR locked_at < ?)`,
		id, int(outbox.StatusPending), leaseCutoff.UnixMilli(),
	)
	if err != nil {
		return err
	}
	ok, err := s.affectedOrMissing(ctx, res, id)
	if err != nil {
		return err
	}
	if !ok {
		return outbox.ErrNotPending
	}
	return nil
}

func (s *sqliteStore) Requeue(ctx context.Context, id string, resetAttempts bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET
		status = ?, next_attempt_at = NULL, permanent = 0, locked_at = NULL,
		attempts = CASE WHEN ? THEN 0 ELSE attempts END,
		updated_at = ?
		WHERE id = ? AND status = ?`,
		int(outbox.StatusPending), boolInt(resetAttempts), at.UnixMilli(), id, int(outbox.StatusError),
	)
	if err != nil {
		return err
	}
	ok, err := s.affectedOrMissing(ctx, res, id)
	if err != nil {
		return err
	}
	if !ok {
		return outbox.ErrNotRetryable
	}
	return nil
}

func (s *sqliteStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, maxAttempts int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages
		WHERE created_at < ?
		  AND (status >= ? OR (status = ? AND (permanent = 1 OR attempts >= ?)))`,
		cutoff.UnixMilli(), int(outbox.StatusSent), int(outbox.StatusError), maxAttempts,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM send_failures WHERE failed_at < ?`, cutoff.UnixMilli()); err != nil {
		return n, err
	}
	return n, nil
}

func (s *sqliteStore) Stats(ctx context.Context, q StatsQuery) (outbox.Stats, error) {
	st := outbox.Stats{ByStatus: map[string]int{}}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var status, n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return st, err
		}
		st.ByStatus[outbox.Status(status).String()] = n
		switch outbox.Status(status) {
		case outbox.StatusPending:
			st.PendingCount = n
		case outbox.StatusError:
			st.ErrorCount = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, err
	}

	err = s.db.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(CASE WHEN status = ? AND scheduled_for > ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? AND (permanent = 1 OR attempts >= ?) THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN sent_at >= ? THEN 1 ELSE 0 END), 0)
		FROM messages`,
		int(outbox.StatusPending), q.Now.UnixMilli(),
		int(outbox.StatusError), q.MaxAttempts,
		q.DayStart.UnixMilli(),
	).Scan(&st.ScheduledCount, &st.PermanentCount, &st.SentToday)
	return st, err
}

func (s *sqliteStore) CountSentSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE sent_at >= ?`, since.UnixMilli()).Scan(&n)
	return n, err
}

func (s *sqliteStore) DeliveryWindow(ctx context.Context, since time.Time) (outbox.DeliveryWindow, error) {
	var (
		w    outbox.DeliveryWindow
		last sql.NullInt64
	)
	ms := since.UnixMilli()
	err := s.db.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(CASE WHEN sent_at >= ? THEN 1 ELSE 0 END), 0),
		(SELECT COUNT(*) FROM send_failures WHERE failed_at >= ?),
		MAX(sent_at)
		FROM messages`, ms, ms,
	).Scan(&w.Sent, &w.Failed, &last)
	if err != nil {
		return w, err
	}
	w.LastSentAt = fromNullMilli(last)
	return w, nil
}

func (s *sqliteStore) AppendStatusEvent(ctx context.Context, ev outbox.StatusEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO status_events(provider_message_id, status, occurred_at, source_address, raw_payload, recorded_at)
		VALUES(?,?,?,?,?,?)
		ON CONFLICT(provider_message_id, status) DO NOTHING`,
		ev.ProviderMessageID, int(ev.Status), ev.OccurredAt.UnixMilli(), ev.SourceAddress, []byte(ev.RawPayload), ev.RecordedAt.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) StatusEvents(ctx context.Context, providerID string) ([]outbox.StatusEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT provider_message_id, status, occurred_at, source_address, raw_payload, recorded_at
		FROM status_events WHERE provider_message_id = ? ORDER BY status`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]outbox.StatusEvent, 0)
	for rows.Next() {
		var (
			ev                 outbox.StatusEvent
			status             int
			occurred, recorded int64
			raw                []byte
		)
		if err := rows.Scan(&ev.ProviderMessageID, &status, &occurred, &ev.SourceAddress, &raw, &recorded); err != nil {
			return nil, err
		}
		ev.Status = outbox.Status(status)
		ev.OccurredAt = time.UnixMilli(occurred)
		ev.RecordedAt = time.UnixMilli(recorded)
		if len(raw) > 0 {
			ev.RawPayload = raw
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveRawEvent(ctx context.Context, ev *outbox.RawEvent) error {
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
	_, err := s.db.ExecContext(ctx, `INSERT INTO raw_events(id, received_at, payload, signature, state, error, attempts, processed_at)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, error = excluded.error`,
		ev.ID, ev.ReceivedAt.UnixMilli(), ev.Payload, ev.Signature, string(ev.State), ev.Error, ev.Attempts, nullMilli(ev.ProcessedAt),
	)
	return err
}

func (s *sqliteStore) MarkRawEvent(ctx context.Context, id string, state outbox.RawEventState, errMsg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE raw_events
		SET state = ?, error = ?, attempts = attempts + 1, processed_at = ?
		WHERE id = ?`, string(state), errMsg, at.UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) RawEventsForRedrive(ctx context.Context, receivedBefore time.Time, limit int) ([]outbox.RawEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, received_at, payload, signature, state, error, attempts, processed_at
		FROM raw_events
		WHERE state IN (?, ?) AND received_at < ?
		ORDER BY attempts ASC, received_at ASC, rowid ASC
		LIMIT ?`,
		string(outbox.RawReceived), string(outbox.RawError), receivedBefore.UnixMilli(), sqlLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]outbox.RawEvent, 0)
	for rows.Next() {
		var (
			ev        outbox.RawEvent
			received  int64
			state     string
			processed sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &received, &ev.Payload, &ev.Signature, &state, &ev.Error, &ev.Attempts, &processed); err != nil {
			return nil, err
		}
		ev.ReceivedAt = time.UnixMilli(received)
		ev.State = outbox.RawEventState(state)
		ev.ProcessedAt = fromNullMilli(processed)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneRawEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM raw_events WHERE received_at < ? AND state IN (?, ?, ?)`,
		cutoff.UnixMilli(), string(outbox.RawProcessed), string(outbox.RawRejected), string(outbox.RawDead))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) GetEntity(ctx context.Context, kind, id string) (outbox.EntityRef, bool, error) {
	var (
		ref            outbox.EntityRef
		blocked, valid int
		synced         int64
		lastUsed       sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT kind, id, address, raw_contact, display_name, email, blocked, address_valid,
		synced_at, last_used_at, use_count FROM entities WHERE kind = ? AND id = ?`, kind, id,
	).Scan(&ref.Kind, &ref.ID, &ref.Address, &ref.RawContact, &ref.DisplayName, &ref.Email, &blocked, &valid,
		&synced, &lastUsed, &ref.UseCount)
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.EntityRef{}, false, nil
	}
	if err != nil {
		return outbox.EntityRef{}, false, err
	}
	ref.Blocked = blocked != 0
	ref.AddressValid = valid != 0
	ref.SyncedAt = time.UnixMilli(synced)
	ref.LastUsedAt = fromNullMilli(lastUsed)
	return ref, true, nil
}

func (s *sqliteStore) UpsertEntity(ctx context.Context, ref outbox.EntityRef) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO entities(kind, id, address, raw_contact, display_name, email, blocked, address_valid, synced_at, last_used_at, use_count)
		VALUES(?,?,?,?,?,?,?,?,?,NULL,0)
		ON CONFLICT(kind, id) DO UPDATE SET
		  address = excluded.address,
		  raw_contact = excluded.raw_contact,
		  display_name = excluded.display_name,
		  email = excluded.email,
		  address_valid = excluded.address_valid,
		  synced_at = excluded.synced_at`,
		ref.Kind, ref.ID, ref.Address, ref.RawContact, ref.DisplayName, ref.Email,
		boolInt(ref.Blocked), boolInt(ref.AddressValid), ref.SyncedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) TouchEntity(ctx context.Context, kind, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE entities SET last_used_at = ?, use_count = use_count + 1
		WHERE kind = ? AND id = ?`, at.UnixMilli(), kind, id)
	return err
}

func (s *sqliteStore) SetEntityBlocked(ctx context.Context, kind, id string, blocked bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE entities SET blocked = ? WHERE kind = ? AND id = ?`,
		boolInt(blocked), kind, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// affectedOrMissing turns a conditional update result into (applied, err),
// reporting ErrNotFound when the row does not exist at all.
func (s *sqliteStore) affectedOrMissing(ctx context.Context, res sql.Result, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, outbox.ErrNotFound
	}
	return false, err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return outbox.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE CONSTRAINT")
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMilli(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
