package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"example.com/stravasync/internal/domain"
	"example.com/stravasync/internal/guard"
)

// Abort defaults.
const (
	DefaultAbortWindow   = 30 * time.Minute
	DefaultAbortGuardTTL = 2 * time.Minute
	DefaultAbortAttempts = 3
	DefaultAbortDelay    = 500 * time.Millisecond
	abortRunWait         = 10 * time.Second
)

// Abort messages returned to the caller.
const (
	MessageAborted         = "sync aborted"
	MessageAbortInProgress = "abort already in progress"
	MessageAbortFailed     = "abort cleanup failed"
)

// AbortResult is the response body of an abort request.
type AbortResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// AbortConfig tunes the abort cleanup.
type AbortConfig struct {
	Window    time.Duration
	GuardTTL  time.Duration
	Attempts  int
	BaseDelay time.Duration
}

// Aborter stops a user's in-flight runs and removes what they could have written.
type Aborter struct {
	guard    guard.Guard
	registry *Registry
	creds    domain.CredentialStore
	users    domain.UserStore
	cfg      AbortConfig
	now      func() time.Time
	logger   zerolog.Logger
}

// NewAborter constructs an Aborter.
func NewAborter(g guard.Guard, registry *Registry, creds domain.CredentialStore, users domain.UserStore, cfg AbortConfig, logger zerolog.Logger) *Aborter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultAbortWindow
	}
	if cfg.GuardTTL <= 0 {
		cfg.GuardTTL = DefaultAbortGuardTTL
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAbortAttempts
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = DefaultAbortDelay
	}
	return &Aborter{guard: g, registry: registry, creds: creds, users: users, cfg: cfg, now: time.Now, logger: logger}
}

// Abort cancels the user's runs, then deletes the credential, clears the connected
// marker and soft-deletes activities created within the trailing window. The three
// steps are retried together. Concurrent calls for one user are coalesced.
func (a *Aborter) Abort(ctx context.Context, userID string) (AbortResult, error) {
	if userID == "" {
		return AbortResult{}, domain.ErrAuthenticationRequired
	}
	logger := a.logger.With().Str("user_id", userID).Logger()

	key := "abort:" + userID
	acquired, err := a.guard.Acquire(ctx, key, a.cfg.GuardTTL)
	if err != nil {
		// The guard only suppresses duplicate work; cleanup is safe to repeat.
		logger.Warn().Err(err).Msg("abort guard unavailable")
		acquired = true
	}
	if !acquired {
		return AbortResult{Success: false, Message: MessageAbortInProgress}, nil
	}
	defer func() {
		if err := a.guard.Release(context.WithoutCancel(ctx), key); err != nil {
			logger.Warn().Err(err).Msg("release abort guard")
		}
	}()

	since := a.now().Add(-a.cfg.Window)
	if a.registry != nil {
		a.waitForRuns(ctx, a.registry.Cancel(userID))
	}

	var lastErr error
	for attempt := 1; attempt <= a.cfg.Attempts; attempt++ {
		if lastErr = a.cleanup(ctx, userID, since); lastErr == nil {
			logger.Info().Int("attempt", attempt).Msg("sync aborted")
			return AbortResult{Success: true, Message: MessageAborted}, nil
		}
		logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("abort cleanup failed")
		if attempt == a.cfg.Attempts {
			break
		}
		if err := sleepContext(ctx, a.backoffDelay(attempt)); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
	}
	return AbortResult{Success: false, Message: MessageAbortFailed}, fmt.Errorf("%w: abort cleanup: %v", domain.ErrPersistenceFailed, lastErr)
}

func (a *Aborter) cleanup(ctx context.Context, userID string, since time.Time) error {
	if err := a.creds.DeleteCredential(ctx, userID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if err := a.users.PurgeRecentSync(ctx, userID, since); err != nil {
		return fmt.Errorf("purge recent activities: %w", err)
	}
	return nil
}

// waitForRuns lets a batch already in flight commit before the cleanup runs.
func (a *Aborter) waitForRuns(ctx context.Context, done []<-chan struct{}) {
	if len(done) == 0 {
		return
	}
	timer := time.NewTimer(abortRunWait)
	defer timer.Stop()
	for _, ch := range done {
		select {
		case <-ch:
		case <-timer.C:
			a.logger.Warn().Msg("cancelled sync run did not stop in time")
			return
		case <-ctx.Done():
			return
		}
	}
}

// backoffDelay doubles the base delay per attempt.
func (a *Aborter) backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt-1)) * a.cfg.BaseDelay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
