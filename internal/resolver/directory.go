package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// Record is the read-only projection of a business row the resolver syncs from.
type Record struct {
	ID          string
	DisplayName string
	RawContact  string
	Email       string
}

// Directory exposes the owning business tables, one per entity kind.
type Directory interface {
	// Lookup returns ErrNotFound when the kind or id is unknown.
	Lookup(ctx context.Context, kind, id string) (Record, error)
	// List pages through rows of kind that carry a non-empty raw contact.
	List(ctx context.Context, kind string, limit, offset int) ([]Record, error)
}

// MapDirectory is an in-memory Directory keyed by kind then id.
type MapDirectory struct {
	mu    sync.RWMutex
	kinds map[string]map[string]Record
}

func NewMapDirectory() *MapDirectory {
	return &MapDirectory{kinds: map[string]map[string]Record{}}
}

func (d *MapDirectory) Put(kind string, rec Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, ok := d.kinds[kind]
	if !ok {
		rows = map[string]Record{}
		d.kinds[kind] = rows
	}
	rows[rec.ID] = rec
}

func (d *MapDirectory) Lookup(ctx context.Context, kind, id string) (Record, error) {
	_ = ctx
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.kinds[kind][id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (d *MapDirectory) List(ctx context.Context, kind string, limit, offset int) ([]Record, error) {
	_ = ctx
	d.mu.RLock()
	rows := make([]Record, 0, len(d.kinds[kind]))
	for _, rec := range d.kinds[kind] {
		if strings.TrimSpace(rec.RawContact) != "" {
			rows = append(rows, rec)
		}
	}
	d.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	if offset >= len(rows) {
		return nil, nil
	}
	rows = rows[offset:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// TableMapping names the table and columns backing one entity kind.
// EmailColumn may be empty.
type TableMapping struct {
	Table         string `json:"table"`
	IDColumn      string `json:"id_column"`
	NameColumn    string `json:"name_column"`
	ContactColumn string `json:"contact_column"`
	EmailColumn   string `json:"email_column"`
}

var identRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func (m TableMapping) validate() error {
	for label, v := range map[string]string{
		"table":          m.Table,
		"id_column":      m.IDColumn,
		"name_column":    m.NameColumn,
		"contact_column": m.ContactColumn,
	} {
		if !identRe.MatchString(v) {
			return fmt.Errorf("invalid %s identifier %q", label, v)
		}
	}
	if m.EmailColumn != "" && !identRe.MatchString(m.EmailColumn) {
		return fmt.Errorf("invalid email_column identifier %q", m.EmailColumn)
	}
	return nil
}

func (m TableMapping) selectList() string {
	email := "''"
	if m.EmailColumn != "" {
		email = "COALESCE(CAST(" + m.EmailColumn + " AS TEXT), '')"
	}
	return fmt.Sprintf("CAST(%s AS TEXT), COALESCE(CAST(%s AS TEXT), ''), COALESCE(CAST(%s AS TEXT), ''), %s",
		m.IDColumn, m.NameColumn, m.ContactColumn, email)
}

// SQLDirectory reads business rows through database/sql. Identifiers come
// from configuration and are validated before they reach a query.
type SQLDirectory struct {
	db     *sql.DB
	owned  bool
	tables map[string]TableMapping
}

// NewSQLDirectory wraps an existing handle.
func NewSQLDirectory(db *sql.DB, tables map[string]TableMapping) (*SQLDirectory, error) {
	if db == nil {
		return nil, errors.New("directory: db is required")
	}
	for kind, m := range tables {
		if err := m.validate(); err != nil {
			return nil, fmt.Errorf("directory kind %q: %w", kind, err)
		}
	}
	cp := make(map[string]TableMapping, len(tables))
	for k, v := range tables {
		cp[k] = v
	}
	return &SQLDirectory{db: db, tables: cp}, nil
}

// OpenSQLDirectory opens a sqlite database file read by the directory.
func OpenSQLDirectory(path string, tables map[string]TableMapping) (*SQLDirectory, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("directory: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	d, err := NewSQLDirectory(db, tables)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	d.owned = true
	return d, nil
}

func (d *SQLDirectory) Close() error {
	if d == nil || !d.owned {
		return nil
	}
	return d.db.Close()
}

func (d *SQLDirectory) mapping(kind string) (TableMapping, error) {
	m, ok := d.tables[kind]
	if !ok {
		return TableMapping{}, fmt.Errorf("%w: unknown kind %q", ErrNotFound, kind)
	}
	return m, nil
}

func (d *SQLDirectory) Lookup(ctx context.Context, kind, id string) (Record, error) {
	m, err := d.mapping(kind)
	if err != nil {
		return Record{}, err
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", m.selectList(), m.Table, m.IDColumn)
	var rec Record
	err = d.db.QueryRowContext(ctx, q, id).Scan(&rec.ID, &rec.DisplayName, &rec.RawContact, &rec.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("directory lookup %s:%s: %w", kind, id, err)
	}
	return rec, nil
}

func (d *SQLDirectory) List(ctx context.Context, kind string, limit, offset int) ([]Record, error) {
	m, err := d.mapping(kind)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s IS NOT NULL AND TRIM(CAST(%s AS TEXT)) <> '' ORDER BY %s LIMIT ? OFFSET ?",
		m.selectList(), m.Table, m.ContactColumn, m.ContactColumn, m.IDColumn)
	rows, err := d.db.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("directory list %s: %w", kind, err)
	}
	defer rows.Close()
	out := make([]Record, 0)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.DisplayName, &rec.RawContact, &rec.Email); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
