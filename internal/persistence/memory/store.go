// Package memory provides in-process implementations of the domain stores for
// local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"example.com/stravasync/internal/domain"
)

type eventKey struct {
	eventTime  int64
	objectID   int64
	objectType string
	aspectType string
	ownerID    int64
}

// Store keeps credentials, activities, users and the webhook log in memory.
type Store struct {
	mu          sync.RWMutex
	credentials map[string]domain.Credential
	activities  map[int64]domain.Activity
	events      map[eventKey]struct{}
	locations   map[string]*time.Location
	connected   map[string]bool
	now         func() time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		credentials: make(map[string]domain.Credential),
		activities:  make(map[int64]domain.Activity),
		events:      make(map[eventKey]struct{}),
		locations:   make(map[string]*time.Location),
		connected:   make(map[string]bool),
		now:         time.Now,
	}
}

// SetClock overrides the time source used for created/updated/deleted timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetLocation records the user's configured time zone.
func (s *Store) SetLocation(userID string, loc *time.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[userID] = loc
}

// Connected reports the user's connected marker.
func (s *Store) Connected(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected[userID]
}

// GetCredential implements domain.CredentialStore.
func (s *Store) GetCredential(ctx context.Context, userID string) (*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.credentials[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", domain.ErrCredentialNotFound, userID)
	}
	return &cred, nil
}

// GetCredentialByAthlete implements domain.CredentialStore.
func (s *Store) GetCredentialByAthlete(ctx context.Context, athleteID int64) (*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cred := range s.credentials {
		if cred.AthleteID == athleteID {
			c := cred
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: athlete %d", domain.ErrCredentialNotFound, athleteID)
}

// SaveCredential implements domain.CredentialStore. It overwrites any existing credential.
func (s *Store) SaveCredential(ctx context.Context, credential domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if credential.UpdatedAt.IsZero() {
		credential.UpdatedAt = s.now().UTC()
	}
	s.credentials[credential.UserID] = credential
	s.connected[credential.UserID] = true
	return nil
}

// DeleteCredential implements domain.CredentialStore.
func (s *Store) DeleteCredential(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credentials, userID)
	return nil
}

// DisconnectAthlete implements domain.CredentialStore.
func (s *Store) DisconnectAthlete(ctx context.Context, athleteID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, cred := range s.credentials {
		if cred.AthleteID == athleteID {
			delete(s.credentials, userID)
			s.connected[userID] = false
		}
	}
	return nil
}

// FindByContentHashes implements domain.ActivityStore.
func (s *Store) FindByContentHashes(ctx context.Context, userID string, hashes []string) ([]domain.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		wanted[h] = struct{}{}
	}
	var out []domain.Activity
	for _, a := range s.activities {
		if a.UserID != userID || a.DeletedAt != nil {
			continue
		}
		if _, ok := wanted[a.ContentHash]; ok {
			out = append(out, a)
		}
	}
	sortActivities(out)
	return out, nil
}

// DeleteByUpstreamIDs implements domain.ActivityStore.
func (s *Store) DeleteByUpstreamIDs(ctx context.Context, upstreamIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range upstreamIDs {
		delete(s.activities, id)
	}
	return nil
}

// UpsertActivities implements domain.ActivityStore. Like the partial unique index in
// Postgres it rejects a second live row for the same (user, content hash).
func (s *Store) UpsertActivities(ctx context.Context, activities []domain.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range activities {
		for id, existing := range s.activities {
			if id != a.UpstreamID && existing.DeletedAt == nil &&
				existing.UserID == a.UserID && existing.ContentHash == a.ContentHash {
				return fmt.Errorf("%w: duplicate content hash %s for user %s", domain.ErrPersistenceFailed, a.ContentHash, a.UserID)
			}
		}
	}

	now := s.now().UTC()
	for _, a := range activities {
		if existing, ok := s.activities[a.UpstreamID]; ok {
			a.CreatedAt = existing.CreatedAt
		} else {
			a.CreatedAt = now
		}
		a.UpdatedAt = now
		a.DeletedAt = nil
		s.activities[a.UpstreamID] = a
	}
	return nil
}

// SoftDeleteByUpstreamID implements domain.ActivityStore.
func (s *Store) SoftDeleteByUpstreamID(ctx context.Context, upstreamID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.activities[upstreamID]
	if !ok || a.DeletedAt != nil {
		return false, nil
	}
	now := s.now().UTC()
	a.DeletedAt = &now
	s.activities[upstreamID] = a
	return true, nil
}

// ListByUser implements domain.ActivityStore.
func (s *Store) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	all := make([]domain.Activity, 0)
	for _, a := range s.activities {
		if a.UserID == userID && a.DeletedAt == nil {
			all = append(all, a)
		}
	}
	s.mu.RUnlock()
	sortActivities(all)

	out := make([]domain.Activity, 0, limit)
	for _, a := range all {
		if cursor != nil && !before(a, *cursor) {
			continue
		}
		out = append(out, a)
		if len(out) == limit+1 {
			break
		}
	}

	var next *domain.Cursor
	if len(out) > limit {
		last := out[limit-1]
		next = &domain.Cursor{StartTime: last.StartTime, UpstreamID: last.UpstreamID}
		out = out[:limit]
	}
	return out, next, nil
}

// All returns every stored activity of the user including soft-deleted rows.
func (s *Store) All(userID string) []domain.Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Activity
	for _, a := range s.activities {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sortActivities(out)
	return out
}

// Live returns the user's non-deleted activities.
func (s *Store) Live(userID string) []domain.Activity {
	var out []domain.Activity
	for _, a := range s.All(userID) {
		if a.DeletedAt == nil {
			out = append(out, a)
		}
	}
	return out
}

// RecordWebhookEvent implements domain.WebhookLog.
func (s *Store) RecordWebhookEvent(ctx context.Context, event domain.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := eventKey{
		eventTime:  event.EventTime,
		objectID:   event.ObjectID,
		objectType: event.ObjectType,
		aspectType: event.AspectType,
		ownerID:    event.OwnerID,
	}
	if _, seen := s.events[key]; seen {
		return false, nil
	}
	s.events[key] = struct{}{}
	return true, nil
}

// WebhookEventCount returns the number of distinct deliveries recorded.
func (s *Store) WebhookEventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Location implements domain.UserStore. A nil location means the user has none configured.
func (s *Store) Location(ctx context.Context, userID string) (*time.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locations[userID], nil
}

// PurgeRecentSync implements domain.UserStore.
func (s *Store) PurgeRecentSync(ctx context.Context, userID string, since time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected[userID] = false
	now := s.now().UTC()
	for id, a := range s.activities {
		if a.UserID != userID || a.DeletedAt != nil || a.CreatedAt.Before(since) {
			continue
		}
		deleted := now
		a.DeletedAt = &deleted
		s.activities[id] = a
	}
	return nil
}

// Rank implements domain.Ranker across all users' live activities on the same local day.
func (s *Store) Rank(ctx context.Context, activity domain.Activity) (domain.Ranking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day := localDay(activity)
	ranking := domain.Ranking{Day: day, DistanceRank: 1, ElevationRank: 1, Participants: 1}
	for _, a := range s.activities {
		if a.DeletedAt != nil || a.UpstreamID == activity.UpstreamID || !localDay(a).Equal(day) {
			continue
		}
		ranking.Participants++
		if a.Distance > activity.Distance {
			ranking.DistanceRank++
		}
		if a.ElevationGain > activity.ElevationGain {
			ranking.ElevationRank++
		}
	}
	return ranking, nil
}

func localDay(a domain.Activity) time.Time {
	t := a.StartTimeLocal
	if t.IsZero() {
		t = a.StartTime
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func before(a domain.Activity, c domain.Cursor) bool {
	if a.StartTime.Equal(c.StartTime) {
		return a.UpstreamID < c.UpstreamID
	}
	return a.StartTime.Before(c.StartTime)
}

func sortActivities(items []domain.Activity) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].StartTime.Equal(items[j].StartTime) {
			return items[i].UpstreamID > items[j].UpstreamID
		}
		return items[i].StartTime.After(items[j].StartTime)
	})
}
