package dedupe

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"example.com/stravasync/internal/domain"
	"example.com/stravasync/internal/observability"
)

// Resolve keeps one record per content hash, the one with the largest upstream id.
// Re-uploads receive higher ids than the original so the largest id is authoritative.
// Output is ordered by start time, then upstream id, both descending.
func Resolve(batch []domain.Activity) []domain.Activity {
	winners := make(map[string]domain.Activity, len(batch))
	for _, a := range batch {
		current, ok := winners[a.ContentHash]
		if !ok || a.UpstreamID > current.UpstreamID {
			winners[a.ContentHash] = a
		}
	}

	out := make([]domain.Activity, 0, len(winners))
	for _, a := range winners {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].UpstreamID > out[j].UpstreamID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// Reconciler removes stored rows superseded by a newer upload of the same ride.
type Reconciler struct {
	store  domain.ActivityStore
	logger zerolog.Logger
}

// NewReconciler constructs a Reconciler.
func NewReconciler(store domain.ActivityStore, logger zerolog.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// Reconcile hard-deletes every live stored row whose content hash matches an incoming
// record under a different upstream id. unique must already be resolved.
func (r *Reconciler) Reconcile(ctx context.Context, userID string, unique []domain.Activity) ([]int64, error) {
	if len(unique) == 0 {
		return nil, nil
	}

	winners := make(map[string]int64, len(unique))
	hashes := make([]string, 0, len(unique))
	for _, a := range unique {
		winners[a.ContentHash] = a.UpstreamID
		hashes = append(hashes, a.ContentHash)
	}

	stored, err := r.store.FindByContentHashes(ctx, userID, hashes)
	if err != nil {
		return nil, fmt.Errorf("%w: load stored activities: %v", domain.ErrPersistenceFailed, err)
	}

	var stale []int64
	for _, s := range stored {
		if winner, ok := winners[s.ContentHash]; ok && winner != s.UpstreamID {
			stale = append(stale, s.UpstreamID)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}

	if err := r.store.DeleteByUpstreamIDs(ctx, stale); err != nil {
		return nil, fmt.Errorf("%w: delete superseded activities: %v", domain.ErrPersistenceFailed, err)
	}
	observability.RecordStaleRemoved(len(stale))
	r.logger.Info().Str("user_id", userID).Ints64("upstream_ids", stale).Msg("removed superseded activities")
	return stale, nil
}
