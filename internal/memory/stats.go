package memory

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/starford/memvault/internal/models"
)

// Stats is an estimate of what the owner has stored. Size figures come from
// a sample of the first known keys.
type Stats struct {
	TotalMemories      int                 `json:"totalMemories"`
	SampledMemories    int                 `json:"sampledMemories"`
	AverageSize        int                 `json:"averageSize"`
	EstimatedTotalSize int64               `json:"estimatedTotalSize"`
	EncryptedInSample  int                 `json:"encryptedInSample"`
	KindsInSample      map[models.Kind]int `json:"kindsInSample"`
	Locked             bool                `json:"locked"`
	BreakerTripped     bool                `json:"breakerTripped"`
}

// Stats enumerates known keys and samples up to the configured number of
// records to estimate storage use.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	keys, err := s.store.AllKeys(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("memory: stats: %w", err)
	}
	sample := keys[:min(len(keys), s.cfg.StatsSampleSize)]

	sizes := make([]int, len(sample))
	recs := make([]*models.MemoryRecord, len(sample))
	var g errgroup.Group
	g.SetLimit(max(len(sample), 1))
	for i, key := range sample {
		g.Go(func() error {
			rec, err := s.store.FetchOne(ctx, key)
			if err != nil {
				s.logger.Debug("stats: sample fetch failed",
					slog.String("key", key), slog.String("error", err.Error()))
				return nil
			}
			payload, err := rec.Marshal()
			if err != nil {
				return nil
			}
			sizes[i], recs[i] = len(payload), rec
			return nil
		})
	}
	_ = g.Wait()

	st := &Stats{
		TotalMemories:  len(keys),
		KindsInSample:  make(map[models.Kind]int),
		Locked:         s.Locked(),
		BreakerTripped: s.store.BreakerTripped(),
	}
	total := 0
	for i, rec := range recs {
		if rec == nil {
			continue
		}
		st.SampledMemories++
		total += sizes[i]
		st.KindsInSample[rec.Kind]++
		if rec.Encrypted {
			st.EncryptedInSample++
		}
	}
	if st.SampledMemories > 0 {
		st.AverageSize = total / st.SampledMemories
	}
	st.EstimatedTotalSize = int64(st.AverageSize) * int64(st.TotalMemories)
	return st, nil
}
