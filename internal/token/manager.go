// Package token keeps a user's upstream OAuth credential fresh.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"example.com/stravasync/internal/domain"
	"example.com/stravasync/internal/observability"
	"example.com/stravasync/internal/strava"
)

// DefaultMargin is how long before expiry a token is refreshed.
const DefaultMargin = 10 * time.Minute

// Refresher performs the upstream refresh grant.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (strava.TokenSet, error)
}

// Result reports the access token to use and whether it was just rotated.
type Result struct {
	Refreshed   bool
	AccessToken string
	Credential  domain.Credential
}

// Manager returns valid access tokens, refreshing them shortly before they expire.
// Concurrent refreshes for one user are not serialised; the last writer wins.
type Manager struct {
	store     domain.CredentialStore
	refresher Refresher
	margin    time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// Option customises the Manager.
type Option func(*Manager)

// WithMargin overrides the refresh margin.
func WithMargin(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.margin = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger overrides the manager logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager constructs a Manager.
func NewManager(store domain.CredentialStore, refresher Refresher, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		refresher: refresher,
		margin:    DefaultMargin,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Refresh returns a usable access token for userID.
func (m *Manager) Refresh(ctx context.Context, userID string) (Result, error) {
	cred, err := m.store.GetCredential(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	return m.ensureFresh(ctx, cred)
}

// RefreshForAthlete resolves the credential by upstream athlete id.
func (m *Manager) RefreshForAthlete(ctx context.Context, athleteID int64) (Result, error) {
	cred, err := m.store.GetCredentialByAthlete(ctx, athleteID)
	if err != nil {
		return Result{}, err
	}
	return m.ensureFresh(ctx, cred)
}

func (m *Manager) ensureFresh(ctx context.Context, stored *domain.Credential) (Result, error) {
	cred := *stored
	now := m.now()
	if cred.ExpiresAt.Sub(now) > m.margin {
		observability.RecordTokenRefresh("reused")
		return Result{AccessToken: cred.AccessToken, Credential: cred}, nil
	}

	tokens, err := m.refresher.RefreshToken(ctx, cred.RefreshToken)
	if err != nil {
		observability.RecordTokenRefresh("failed")
		if errors.Is(err, domain.ErrTokenRefreshFailed) || errors.Is(err, domain.ErrNetwork) {
			return Result{}, err
		}
		if ctx.Err() != nil {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %v", domain.ErrTokenRefreshFailed, err)
	}

	cred.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		cred.RefreshToken = tokens.RefreshToken
	}
	cred.ExpiresAt = tokens.ExpiresAt
	cred.UpdatedAt = now.UTC()
	if err := m.store.SaveCredential(ctx, cred); err != nil {
		observability.RecordTokenRefresh("failed")
		return Result{}, fmt.Errorf("%w: store refreshed credential: %v", domain.ErrPersistenceFailed, err)
	}

	observability.RecordTokenRefresh("refreshed")
	m.logger.Debug().Str("user_id", cred.UserID).Time("expires_at", cred.ExpiresAt).Msg("access token refreshed")
	return Result{Refreshed: true, AccessToken: cred.AccessToken, Credential: cred}, nil
}
