// Package entitystore maps memory records onto the owner-indexed remote
// entity store and implements resilient retrieval on top of it.
package entitystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/starford/memvault/internal/apperr"
	"github.com/starford/memvault/internal/keyindex"
	"github.com/starford/memvault/internal/models"
	"github.com/starford/memvault/internal/remote"
)

// Entity attributes written with every record.
const (
	AttrType      = "type"
	AttrOwner     = "owner"
	AttrCategory  = "category"
	AttrKind      = "kind"
	AttrMemoryID  = "memoryId"
	AttrEncrypted = "encrypted"

	// EntityType is the value of AttrType for memory records.
	EntityType = "memvault.memory"
)

// Defaults for Config fields left zero.
const (
	DefaultPageSize = 100
	DefaultLimit    = 50
)

// Config tunes the adapter.
type Config struct {
	// Owner is the identity the remote client signs as.
	Owner            string
	FailureThreshold int
	PageSize         int
	DefaultLimit     int
	// EntityTTL is the expiry requested for written entities. Zero lets the
	// store apply its own default.
	EntityTTL time.Duration
	// CacheSize is the payload cache budget in bytes. Zero disables it.
	CacheSize int64
	CacheTTL  time.Duration
	// EntityURLTemplate and TxURLTemplate build explorer links. "{key}" and
	// "{hash}" are replaced.
	EntityURLTemplate string
	TxURLTemplate     string
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = DefaultLimit
	}
	return c
}

// Adapter persists memory records as remote entities.
type Adapter struct {
	client  remote.Client
	index   *keyindex.Index
	cfg     Config
	breaker *Breaker
	cache   *payloadCache
	logger  *slog.Logger
}

// New creates an adapter over client. The local key index records every key
// this process writes or discovers.
func New(client remote.Client, index *keyindex.Index, cfg Config, logger *slog.Logger) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("entitystore: nil client")
	}
	if index == nil {
		return nil, errors.New("entitystore: nil key index")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	cache, err := newPayloadCache(cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("entitystore: payload cache: %w", err)
	}
	return &Adapter{
		client:  client,
		index:   index,
		cfg:     cfg,
		breaker: NewBreaker(cfg.FailureThreshold),
		cache:   cache,
		logger:  logger,
	}, nil
}

// Owner returns the identity records are listed under by default.
func (a *Adapter) Owner() string { return a.cfg.Owner }

// Index returns the local key index.
func (a *Adapter) Index() *keyindex.Index { return a.index }

// Close releases the payload cache.
func (a *Adapter) Close() { a.cache.close() }

// BreakerTripped reports whether recovery fetches are suspended.
func (a *Adapter) BreakerTripped() bool { return a.breaker.Tripped() }

// ResetBreaker re-enables recovery fetches.
func (a *Adapter) ResetBreaker() { a.breaker.Reset() }

// Create writes a new record and returns its remote key.
func (a *Adapter) Create(ctx context.Context, rec *models.MemoryRecord) (models.WriteResult, error) {
	if rec.RemoteKey != "" {
		return models.WriteResult{}, fmt.Errorf("entitystore: record %s already stored at %s: %w", rec.ID, rec.RemoteKey, apperr.ErrConflict)
	}
	payload, err := encode(rec)
	if err != nil {
		return models.WriteResult{}, err
	}

	res, err := a.client.CreateEntity(ctx, payload, attributes(rec), a.cfg.EntityTTL)
	if err != nil {
		return models.WriteResult{}, fmt.Errorf("entitystore: create %s: %w", rec.ID, err)
	}
	rec.RemoteKey = res.Key

	if err := a.index.Add(res.Key); err != nil {
		a.logger.Warn("entitystore: key index add failed",
			slog.String("key", res.Key), slog.String("error", err.Error()))
	}
	a.cache.set(res.Key, payload)
	return a.result(res.Key, res.TxHash), nil
}

// Update overwrites the entity at remoteKey. The key never changes.
func (a *Adapter) Update(ctx context.Context, remoteKey string, rec *models.MemoryRecord) (models.WriteResult, error) {
	if remoteKey == "" {
		return models.WriteResult{}, fmt.Errorf("entitystore: update %s: empty remote key: %w", rec.ID, apperr.ErrInvalidInput)
	}
	if rec.RemoteKey != "" && rec.RemoteKey != remoteKey {
		return models.WriteResult{}, fmt.Errorf("entitystore: record %s belongs to %s, not %s: %w", rec.ID, rec.RemoteKey, remoteKey, apperr.ErrConflict)
	}
	payload, err := encode(rec)
	if err != nil {
		return models.WriteResult{}, err
	}

	tx, err := a.client.UpdateEntity(ctx, remoteKey, payload, attributes(rec), a.cfg.EntityTTL)
	if err != nil {
		return models.WriteResult{}, fmt.Errorf("entitystore: update %s: %w", rec.ID, err)
	}
	rec.RemoteKey = remoteKey

	if err := a.index.Add(remoteKey); err != nil {
		a.logger.Warn("entitystore: key index add failed",
			slog.String("key", remoteKey), slog.String("error", err.Error()))
	}
	a.cache.set(remoteKey, payload)
	return a.result(remoteKey, tx), nil
}

// Delete removes the entity at remoteKey. It returns false when the remote
// rejected the delete, leaving local state untouched. An entity that is
// already gone counts as deleted.
func (a *Adapter) Delete(ctx context.Context, remoteKey string) bool {
	if err := a.client.DeleteEntity(ctx, remoteKey); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		a.logger.Warn("entitystore: delete failed",
			slog.String("key", remoteKey), slog.String("error", err.Error()))
		return false
	}
	a.forget(remoteKey)
	return true
}

// FetchOne loads and decodes a single record from the remote. It bypasses
// the breaker and the payload cache.
func (a *Adapter) FetchOne(ctx context.Context, remoteKey string) (*models.MemoryRecord, error) {
	payload, err := a.fetchPayload(ctx, remoteKey)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			a.forget(remoteKey)
		}
		return nil, fmt.Errorf("entitystore: fetch %s: %w", remoteKey, err)
	}
	rec, err := decode(remoteKey, payload)
	if err != nil {
		return nil, fmt.Errorf("entitystore: fetch %s: %w", remoteKey, err)
	}
	return rec, nil
}

// ListOptions controls ListByOwner.
type ListOptions struct {
	WithPayload bool
	// Limit is the page size. Zero uses the configured page size.
	Limit int
	// FetchAll follows cursors until the listing is exhausted. Otherwise
	// only the first page is returned.
	FetchAll bool
}

// ListByOwner returns the raw entities owned by owner.
func (a *Adapter) ListByOwner(ctx context.Context, owner string, opts ListOptions) ([]remote.Entity, error) {
	size := opts.Limit
	if size <= 0 {
		size = a.cfg.PageSize
	}
	var out []remote.Entity
	err := a.walkOwned(ctx, owner, opts.WithPayload, size, func(batch []remote.Entity) (bool, error) {
		out = append(out, batch...)
		return !opts.FetchAll, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// walkOwned pages through the owner's entities, calling fn per page until
// fn asks to stop or the listing is exhausted.
func (a *Adapter) walkOwned(ctx context.Context, owner string, withPayload bool, size int, fn func([]remote.Entity) (stop bool, err error)) error {
	if owner == "" {
		owner = a.cfg.Owner
	}
	q := remote.NewQuery().OwnedBy(owner).WithAttributes(true).WithPayload(withPayload).Limit(size)
	for {
		page, err := a.client.Query(ctx, q)
		if err != nil {
			return fmt.Errorf("entitystore: list %s: %w", owner, err)
		}
		stop, err := fn(page.Entities)
		if err != nil {
			return err
		}
		if stop || !page.HasNextPage() {
			return nil
		}
		q = q.Next(page)
	}
}

// fetchPayload point-fetches the payload for key and refreshes the cache.
func (a *Adapter) fetchPayload(ctx context.Context, key string) ([]byte, error) {
	e, err := a.client.GetEntity(ctx, key)
	if err != nil {
		return nil, err
	}
	if !e.HasPayload() {
		return nil, fmt.Errorf("entity %s has no payload: %w", key, apperr.ErrRemoteUnavailable)
	}
	a.cache.set(key, e.Payload)
	return e.Payload, nil
}

func (a *Adapter) forget(key string) {
	if err := a.index.Remove(key); err != nil {
		a.logger.Warn("entitystore: key index remove failed",
			slog.String("key", key), slog.String("error", err.Error()))
	}
	a.cache.del(key)
}

func (a *Adapter) result(key, tx string) models.WriteResult {
	return models.WriteResult{
		RemoteKey: key,
		TxRef:     tx,
		RecordURL: link(a.cfg.EntityURLTemplate, "{key}", key),
		TxURL:     link(a.cfg.TxURLTemplate, "{hash}", tx),
	}
}

func link(tmpl, placeholder, value string) string {
	if tmpl == "" || value == "" {
		return ""
	}
	return strings.ReplaceAll(tmpl, placeholder, value)
}

func attributes(rec *models.MemoryRecord) []remote.Attribute {
	return []remote.Attribute{
		{Key: AttrType, Value: EntityType},
		{Key: AttrOwner, Value: rec.AccessPolicy.Owner},
		{Key: AttrCategory, Value: rec.Category},
		{Key: AttrKind, Value: string(rec.Kind)},
		{Key: AttrMemoryID, Value: rec.ID},
		{Key: AttrEncrypted, Value: strconv.FormatBool(rec.Encrypted)},
	}
}

func encode(rec *models.MemoryRecord) ([]byte, error) {
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("entitystore: record %s: %w: %v", rec.ID, apperr.ErrInvalidInput, err)
	}
	payload, err := rec.Marshal()
	if err != nil {
		return nil, fmt.Errorf("entitystore: encode %s: %w", rec.ID, err)
	}
	return payload, nil
}
