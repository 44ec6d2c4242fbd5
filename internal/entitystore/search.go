package entitystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/starford/memvault/internal/apperr"
	"github.com/starford/memvault/internal/checksum"
	"github.com/starford/memvault/internal/models"
	"github.com/starford/memvault/internal/remote"
)

// SearchQuery selects records for SearchOwned.
type SearchQuery struct {
	// Text is matched case-insensitively against content, category, kind
	// and tags. Empty matches everything.
	Text string
	// Owner lists entities under this identity instead of the adapter's and
	// keeps only records whose access policy names it as owner.
	Owner string
	Kind  models.Kind
	Limit int
	// Match is an extra predicate applied with the other filters.
	Match func(*models.MemoryRecord) bool
	// Transform runs after decode and before filtering. An error skips the
	// record.
	Transform func(*models.MemoryRecord) error
}

var errBreakerOpen = errors.New("recovery fetches suspended")

// SearchOwned returns matching records in arrival order. Per-entity failures
// are logged and skipped; only enumeration failures reach the caller.
func (a *Adapter) SearchOwned(ctx context.Context, q SearchQuery) ([]*models.MemoryRecord, error) {
	if q.Limit <= 0 {
		q.Limit = a.cfg.DefaultLimit
	}

	var out []*models.MemoryRecord
	err := a.walkOwned(ctx, q.Owner, true, a.cfg.PageSize, func(batch []remote.Entity) (bool, error) {
		out = a.collect(out, a.resolveEntities(ctx, batch, q, true), q)
		return len(out) >= q.Limit, nil
	})
	if err != nil {
		keys := a.index.All()
		if len(keys) == 0 {
			return nil, fmt.Errorf("%w: %v", apperr.ErrEnumerationFailed, err)
		}
		a.logger.Warn("entitystore: listing failed, searching local key index",
			slog.Int("keys", len(keys)), slog.String("error", err.Error()))
		return a.searchKeys(ctx, keys, q)
	}
	if len(out) > 0 || a.breaker.Tripped() {
		return out, nil
	}

	keys, err := a.AllKeys(ctx, q.Owner)
	if err != nil {
		return nil, err
	}
	return a.searchKeys(ctx, keys, q)
}

// FindByID returns the record with the given logical id.
func (a *Adapter) FindByID(ctx context.Context, owner, id string) (*models.MemoryRecord, error) {
	return a.FindByIDWith(ctx, owner, id, nil)
}

// FindByIDWith is FindByID with a transform applied to candidates.
func (a *Adapter) FindByIDWith(ctx context.Context, owner, id string, transform func(*models.MemoryRecord) error) (*models.MemoryRecord, error) {
	recs, err := a.SearchOwned(ctx, SearchQuery{
		Owner:     owner,
		Limit:     1,
		Match:     func(r *models.MemoryRecord) bool { return r.ID == id },
		Transform: transform,
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("entitystore: memory %s: %w", id, apperr.ErrNotFound)
	}
	return recs[0], nil
}

// AllKeys enumerates every remote key owned by owner without payloads and
// merges them into the local key index. Locally known keys missing from the
// listing are appended. When the listing fails the local index is used
// alone.
func (a *Adapter) AllKeys(ctx context.Context, owner string) ([]string, error) {
	var keys []string
	err := a.walkOwned(ctx, owner, false, a.cfg.PageSize, func(batch []remote.Entity) (bool, error) {
		for _, e := range batch {
			keys = append(keys, e.Key)
		}
		return false, nil
	})
	if err != nil {
		local := a.index.All()
		if len(local) == 0 {
			return nil, fmt.Errorf("%w: %v", apperr.ErrEnumerationFailed, err)
		}
		a.logger.Warn("entitystore: key enumeration failed, using local key index",
			slog.Int("keys", len(local)), slog.String("error", err.Error()))
		return local, nil
	}

	if err := a.index.AddAll(keys); err != nil {
		a.logger.Warn("entitystore: key index merge failed", slog.String("error", err.Error()))
	}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	for _, k := range a.index.All() {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// searchKeys point-fetches keys in page-sized batches until limit matches.
// The payload cache is not consulted: a key is only trusted once the remote
// returns it.
func (a *Adapter) searchKeys(ctx context.Context, keys []string, q SearchQuery) ([]*models.MemoryRecord, error) {
	var out []*models.MemoryRecord
	for start := 0; start < len(keys) && len(out) < q.Limit; start += a.cfg.PageSize {
		if a.breaker.Tripped() {
			break
		}
		end := min(start+a.cfg.PageSize, len(keys))
		batch := make([]remote.Entity, 0, end-start)
		for _, k := range keys[start:end] {
			batch = append(batch, remote.Entity{Key: k})
		}
		out = a.collect(out, a.resolveEntities(ctx, batch, q, false), q)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Adapter) collect(out, recs []*models.MemoryRecord, q SearchQuery) []*models.MemoryRecord {
	for _, r := range recs {
		if len(out) >= q.Limit {
			break
		}
		if matches(r, q) {
			out = append(out, r)
		}
	}
	return out
}

// resolveEntities decodes a batch concurrently, recovering missing payloads.
// Unresolvable entities are dropped; order is preserved. listed marks a batch
// that came from the owner listing, whose keys the remote just confirmed.
func (a *Adapter) resolveEntities(ctx context.Context, batch []remote.Entity, q SearchQuery, listed bool) []*models.MemoryRecord {
	if len(batch) == 0 {
		return nil
	}
	resolved := make([]*models.MemoryRecord, len(batch))
	var g errgroup.Group
	g.SetLimit(len(batch))
	for i, e := range batch {
		g.Go(func() error {
			resolved[i] = a.resolve(ctx, e, q, listed)
			return nil
		})
	}
	_ = g.Wait()

	out := resolved[:0]
	for _, r := range resolved {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (a *Adapter) resolve(ctx context.Context, e remote.Entity, q SearchQuery, listed bool) *models.MemoryRecord {
	if t, ok := e.Attr(AttrType); ok && t != EntityType {
		return nil
	}
	payload := e.Payload
	if len(payload) == 0 {
		p, err := a.recover(ctx, e.Key, listed)
		if err != nil {
			if !errors.Is(err, errBreakerOpen) {
				a.logger.Warn("entitystore: recovery fetch failed",
					slog.String("key", e.Key), slog.String("error", err.Error()))
			}
			return nil
		}
		payload = p
	}

	rec, err := decode(e.Key, payload)
	if err != nil {
		a.logger.Warn("entitystore: skipping undecodable entity",
			slog.String("key", e.Key), slog.String("error", err.Error()))
		return nil
	}
	if q.Transform != nil {
		if err := q.Transform(rec); err != nil {
			a.logger.Warn("entitystore: skipping record",
				slog.String("key", e.Key), slog.String("id", rec.ID), slog.String("error", err.Error()))
			return nil
		}
	}
	return rec
}

// recover fetches a payload the listing did not inline, honouring the
// breaker. The cache is only used for listed keys. NotFound evicts the key
// locally and does not count as a failure.
func (a *Adapter) recover(ctx context.Context, key string, listed bool) ([]byte, error) {
	if listed {
		if p, ok := a.cache.get(key); ok {
			return p, nil
		}
	}
	if !a.breaker.Allow() {
		return nil, errBreakerOpen
	}
	p, err := a.fetchPayload(ctx, key)
	switch {
	case err == nil:
		a.breaker.Success()
		return p, nil
	case errors.Is(err, apperr.ErrNotFound):
		a.forget(key)
		return nil, err
	case ctx.Err() != nil:
		return nil, err
	}
	if a.breaker.Failure() {
		a.logger.Warn("entitystore: recovery fetches suspended after consecutive failures",
			slog.Int("threshold", a.cfg.FailureThreshold))
	}
	return nil, err
}

func decode(key string, payload []byte) (*models.MemoryRecord, error) {
	rec, err := models.UnmarshalRecord(key, payload)
	if err != nil {
		return nil, err
	}
	if !checksum.Verify(rec.Content, rec.Metadata.Checksum) {
		return nil, fmt.Errorf("record %s: checksum mismatch", rec.ID)
	}
	return rec, nil
}

func matches(r *models.MemoryRecord, q SearchQuery) bool {
	if q.Match != nil && !q.Match(r) {
		return false
	}
	if q.Kind != "" && r.Kind != q.Kind {
		return false
	}
	if q.Text != "" {
		needle := strings.ToLower(q.Text)
		hay := strings.ToLower(strings.Join([]string{
			r.Content, r.Category, string(r.Kind), strings.Join(r.Tags, " "),
		}, " "))
		if !strings.Contains(hay, needle) {
			return false
		}
	}
	if q.Owner != "" && r.AccessPolicy.Owner != q.Owner {
		return false
	}
	return true
}
