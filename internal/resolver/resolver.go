// Package resolver turns recipient references into canonical channel
// addresses, backed by a write-through entity cache that is synced from
// the owning business tables.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"courier/internal/outbox"
	logx "courier/pkg/logx"
)

type Config struct {
	CountryCode    string
	DomesticLength int
	MinLength      int
	MaxLength      int
	// AllowRawAddress accepts literal addresses that bypass the cache.
	AllowRawAddress bool
	// CacheTTL marks cached references stale after this age. Zero never expires.
	CacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.DomesticLength <= 0 {
		c.DomesticLength = 11
	}
	if c.MinLength <= 0 {
		c.MinLength = 12
	}
	if c.MaxLength <= 0 {
		c.MaxLength = 13
	}
	return c
}

// Cache is the entity-reference collection owned by the resolver.
type Cache interface {
	GetEntity(ctx context.Context, kind, id string) (outbox.EntityRef, bool, error)
	UpsertEntity(ctx context.Context, ref outbox.EntityRef) error
	TouchEntity(ctx context.Context, kind, id string, at time.Time) error
	SetEntityBlocked(ctx context.Context, kind, id string, blocked bool) error
}

// Address is a resolved recipient.
type Address struct {
	Kind        string
	ID          string
	Address     string
	DisplayName string
	Email       string
}

type BatchResult struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

type Resolver struct {
	mu    sync.RWMutex
	cfg   Config
	cache Cache
	dir   Directory
	clock clockwork.Clock
	log   logx.Logger
}

func New(cfg Config, cache Cache, dir Directory, clock clockwork.Clock, log logx.Logger) *Resolver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		cfg:   cfg.withDefaults(),
		cache: cache,
		dir:   dir,
		clock: clock,
		log:   log.With(logx.String("comp", "resolver")),
	}
}

func (r *Resolver) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

func (r *Resolver) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Normalize applies the configured canonical address rules to raw.
func (r *Resolver) Normalize(raw string) string {
	cfg := r.config()
	return Normalize(raw, cfg.CountryCode, cfg.DomesticLength)
}

func (r *Resolver) valid(cfg Config, addr string) bool {
	return ValidLength(addr, cfg.MinLength, cfg.MaxLength)
}

// Resolve maps ref to a concrete address. Entity references consult the
// cache and sync on miss or staleness; raw addresses are only normalized
// and length-checked.
func (r *Resolver) Resolve(ctx context.Context, ref outbox.Recipient) (Address, error) {
	cfg := r.config()
	if !ref.IsEntity() {
		return r.resolveRaw(cfg, ref.Address)
	}
	kind, id := strings.TrimSpace(ref.Kind), strings.TrimSpace(ref.ID)

	cached, ok, err := r.cache.GetEntity(ctx, kind, id)
	if err != nil {
		return Address{}, fmt.Errorf("entity cache: %w", err)
	}
	if ok && cached.Blocked {
		return Address{}, &Error{Reason: ErrBlocked, Kind: kind, ID: id}
	}

	entity := cached
	if !ok || r.needsSync(cfg, cached) {
		synced, err := r.Sync(ctx, kind, id)
		switch {
		case err == nil:
			entity = synced
		case ok && !errors.Is(err, ErrNotFound):
			r.log.Warn("sync failed, using cached reference",
				logx.String("kind", kind), logx.String("id", id), logx.Err(err))
		default:
			return Address{}, err
		}
	}

	if entity.Blocked {
		return Address{}, &Error{Reason: ErrBlocked, Kind: kind, ID: id}
	}
	// Bounds are configurable, so validity is decided now, not at sync time.
	if !r.valid(cfg, entity.Address) {
		return Address{}, &Error{Reason: ErrInvalidAddress, Kind: kind, ID: id, Address: entity.Address}
	}
	return Address{
		Kind:        kind,
		ID:          id,
		Address:     entity.Address,
		DisplayName: entity.DisplayName,
		Email:       entity.Email,
	}, nil
}

func (r *Resolver) resolveRaw(cfg Config, raw string) (Address, error) {
	if !cfg.AllowRawAddress {
		return Address{}, &Error{Reason: ErrInvalidAddress, Address: raw, Detail: "raw addresses are disabled"}
	}
	addr := Normalize(raw, cfg.CountryCode, cfg.DomesticLength)
	if !r.valid(cfg, addr) {
		return Address{}, &Error{Reason: ErrInvalidAddress, Address: raw}
	}
	return Address{Address: addr}, nil
}

func (r *Resolver) needsSync(cfg Config, ref outbox.EntityRef) bool {
	if !ref.AddressValid || !r.valid(cfg, ref.Address) {
		return true
	}
	return cfg.CacheTTL > 0 && r.clock.Since(ref.SyncedAt) > cfg.CacheTTL
}

// Sync pulls one entity from the directory and upserts it into the cache.
// The returned reference reflects the stored row, including flags the
// directory does not own.
func (r *Resolver) Sync(ctx context.Context, kind, id string) (outbox.EntityRef, error) {
	if r.dir == nil {
		return outbox.EntityRef{}, &Error{Reason: ErrNotFound, Kind: kind, ID: id, Detail: "no directory configured"}
	}
	rec, err := r.dir.Lookup(ctx, kind, id)
	if errors.Is(err, ErrNotFound) {
		return outbox.EntityRef{}, &Error{Reason: ErrNotFound, Kind: kind, ID: id}
	}
	if err != nil {
		return outbox.EntityRef{}, err
	}
	ref, err := r.upsert(ctx, kind, rec)
	if err != nil {
		return outbox.EntityRef{}, err
	}
	stored, ok, err := r.cache.GetEntity(ctx, kind, ref.ID)
	if err != nil {
		return outbox.EntityRef{}, err
	}
	if !ok {
		return ref, nil
	}
	return stored, nil
}

func (r *Resolver) upsert(ctx context.Context, kind string, rec Record) (outbox.EntityRef, error) {
	cfg := r.config()
	addr := Normalize(rec.RawContact, cfg.CountryCode, cfg.DomesticLength)
	ref := outbox.EntityRef{
		Kind:         kind,
		ID:           rec.ID,
		Address:      addr,
		RawContact:   rec.RawContact,
		DisplayName:  strings.TrimSpace(rec.DisplayName),
		Email:        strings.TrimSpace(rec.Email),
		AddressValid: r.valid(cfg, addr),
		SyncedAt:     r.clock.Now(),
	}
	if err := r.cache.UpsertEntity(ctx, ref); err != nil {
		return outbox.EntityRef{}, fmt.Errorf("entity cache upsert %s:%s: %w", kind, rec.ID, err)
	}
	return ref, nil
}

// SyncBatch upserts a page of entities of one kind. Per-row failures are
// counted and do not abort the batch.
func (r *Resolver) SyncBatch(ctx context.Context, kind string, limit, offset int) (BatchResult, error) {
	var res BatchResult
	if r.dir == nil {
		return res, errors.New("no directory configured")
	}
	rows, err := r.dir.List(ctx, kind, limit, offset)
	if err != nil {
		return res, err
	}
	for _, rec := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if strings.TrimSpace(rec.ID) == "" {
			res.Failed++
			continue
		}
		ref, err := r.upsert(ctx, kind, rec)
		if err != nil || !ref.AddressValid {
			res.Failed++
			if err != nil {
				r.log.Warn("batch sync row failed", logx.String("kind", kind), logx.String("id", rec.ID), logx.Err(err))
			}
			continue
		}
		res.Synced++
	}
	r.log.Debug("batch sync done",
		logx.String("kind", kind), logx.Int("synced", res.Synced), logx.Int("failed", res.Failed))
	return res, nil
}

// MarkUsed updates last-used bookkeeping after a successful dispatch.
func (r *Resolver) MarkUsed(ctx context.Context, kind, id string) {
	if kind == "" || id == "" {
		return
	}
	if err := r.cache.TouchEntity(ctx, kind, id, r.clock.Now()); err != nil {
		r.log.Debug("touch entity failed", logx.String("kind", kind), logx.String("id", id), logx.Err(err))
	}
}

// SetBlocked flips the blocked guard, syncing the entity first when it is
// not cached yet.
func (r *Resolver) SetBlocked(ctx context.Context, kind, id string, blocked bool) error {
	err := r.cache.SetEntityBlocked(ctx, kind, id, blocked)
	if !errors.Is(err, outbox.ErrNotFound) {
		return err
	}
	if _, err := r.Sync(ctx, kind, id); err != nil {
		return err
	}
	return r.cache.SetEntityBlocked(ctx, kind, id, blocked)
}
