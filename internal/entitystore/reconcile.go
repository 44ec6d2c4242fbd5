package entitystore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starford/memvault/internal/remote"
)

// ReconcileResult summarises a Reconcile run.
type ReconcileResult struct {
	Total   int `json:"total"`
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// Reconcile brings the local key index in line with the remote listing:
//   - keys listed remotely but unknown locally are added
//   - local keys the remote no longer lists are dropped
//
// Unlike AllKeys it never falls back to local state.
func (a *Adapter) Reconcile(ctx context.Context, owner string) (ReconcileResult, error) {
	var keys []string
	err := a.walkOwned(ctx, owner, false, a.cfg.PageSize, func(batch []remote.Entity) (bool, error) {
		for _, e := range batch {
			keys = append(keys, e.Key)
		}
		return false, nil
	})
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("entitystore: reconcile: %w", err)
	}

	remoteSet := make(map[string]struct{}, len(keys))
	var res ReconcileResult
	for _, k := range keys {
		remoteSet[k] = struct{}{}
		if !a.index.Contains(k) {
			res.Added++
			a.logger.Debug("reconcile: discovered", slog.String("key", k))
		}
	}
	for _, k := range a.index.All() {
		if _, ok := remoteSet[k]; !ok {
			res.Removed++
			a.cache.del(k)
			a.logger.Debug("reconcile: removed stale", slog.String("key", k))
		}
	}

	if err := a.index.ReplaceAll(keys); err != nil {
		return ReconcileResult{}, fmt.Errorf("entitystore: reconcile: %w", err)
	}
	res.Total = a.index.Len()
	return res, nil
}
