// Package domain defines the records, errors and store contracts of the sync service.
package domain

import "context"

// Service exposes read access to the synced activity history.
type Service struct {
	repo ActivityStore
}

// NewService constructs a Service.
func NewService(repo ActivityStore) *Service {
	return &Service{repo: repo}
}

// ListActivitiesByUser fetches non-deleted activities with cursor pagination.
func (s *Service) ListActivitiesByUser(ctx context.Context, userID string, cursor *Cursor, limit int) ([]Activity, *Cursor, error) {
	if userID == "" {
		return nil, nil, ErrAuthenticationRequired
	}
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListByUser(ctx, userID, cursor, limit)
}
