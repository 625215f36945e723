package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"example.com/stravasync/internal/domain"
	"example.com/stravasync/internal/observability"
)

// DefaultBatchSize bounds the rows written per transaction.
const DefaultBatchSize = 20

// Batches splits records into consecutive groups of at most size records.
func Batches(records []domain.Activity, size int) [][]domain.Activity {
	if size <= 0 {
		size = DefaultBatchSize
	}
	out := make([][]domain.Activity, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		out = append(out, records[start:end])
	}
	return out
}

// Persister upserts activity batches, stamping each record with its local start time.
type Persister struct {
	activities domain.ActivityStore
	users      domain.UserStore
	fallback   *time.Location
	logger     zerolog.Logger
}

// NewPersister constructs a Persister. fallback is used for users without a configured zone.
func NewPersister(activities domain.ActivityStore, users domain.UserStore, fallback *time.Location, logger zerolog.Logger) *Persister {
	if fallback == nil {
		fallback = time.UTC
	}
	return &Persister{activities: activities, users: users, fallback: fallback, logger: logger}
}

// Location resolves the zone used for the user's local start times.
func (p *Persister) Location(ctx context.Context, userID string) (*time.Location, error) {
	loc, err := p.users.Location(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: load user zone: %v", domain.ErrPersistenceFailed, err)
	}
	if loc == nil {
		return p.fallback, nil
	}
	return loc, nil
}

// Persist writes records in batches of batchSize. The first failing batch stops the
// remaining ones; batches already written stay committed.
func (p *Persister) Persist(ctx context.Context, userID string, records []domain.Activity, batchSize int) error {
	loc, err := p.Location(ctx, userID)
	if err != nil {
		return err
	}
	for i, batch := range Batches(records, batchSize) {
		if _, err := p.write(ctx, loc, batch); err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}
	}
	return nil
}

// PersistBatch writes a single batch and returns the rows as stored.
func (p *Persister) PersistBatch(ctx context.Context, userID string, batch []domain.Activity) ([]domain.Activity, error) {
	loc, err := p.Location(ctx, userID)
	if err != nil {
		return nil, err
	}
	return p.write(ctx, loc, batch)
}

func (p *Persister) write(ctx context.Context, loc *time.Location, batch []domain.Activity) ([]domain.Activity, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	rows := make([]domain.Activity, len(batch))
	for i, a := range batch {
		a.StartTimeLocal = a.StartTime.In(loc)
		rows[i] = a
	}
	if err := p.activities.UpsertActivities(ctx, rows); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistenceFailed, err)
	}
	observability.RecordActivityPersisted(time.Now(), len(rows))
	return rows, nil
}
