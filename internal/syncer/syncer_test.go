package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"example.com/stravasync/internal/dedupe"
	"example.com/stravasync/internal/domain"
	"example.com/stravasync/internal/guard"
	"example.com/stravasync/internal/persistence/memory"
	"example.com/stravasync/internal/strava"
	"example.com/stravasync/internal/token"
)

const userID = "user-1"

var rideStart = time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

type stubTokens struct {
	mu        sync.Mutex
	refreshed bool
	err       error
	runCtx    context.Context
}

func (s *stubTokens) Refresh(ctx context.Context, id string) (token.Result, error) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	if s.err != nil {
		return token.Result{}, s.err
	}
	return token.Result{Refreshed: s.refreshed, AccessToken: "access"}, nil
}

func (s *stubTokens) ctx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

type stubLister struct {
	activities []strava.Activity
	err        error
}

func (s *stubLister) ListActivities(ctx context.Context, accessToken string, perPage int) ([]strava.Activity, error) {
	return s.activities, s.err
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
	onSend func(domain.ProgressEvent)
}

func (r *recordingSink) Send(evt domain.ProgressEvent) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	hook := r.onSend
	r.mu.Unlock()
	if hook != nil {
		hook(evt)
	}
	return nil
}

func (r *recordingSink) statuses() []domain.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Status)
	}
	return out
}

func (r *recordingSink) last() domain.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recordingSink) requireMonotonic(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 1; i < len(r.events); i++ {
		require.GreaterOrEqual(t, r.events[i].Progress, r.events[i-1].Progress, "event %d", i)
	}
}

func ride(id int64, distance float64, offset time.Duration) strava.Activity {
	return strava.Activity{
		ID:                 id,
		Name:               fmt.Sprintf("Ride %d", id),
		SportType:          "Ride",
		Distance:           distance,
		TotalElevationGain: 100,
		StartDate:          rideStart.Add(offset),
		Visibility:         domain.VisibilityEveryone,
		Athlete:            strava.Athlete{ID: 77},
	}
}

type fixture struct {
	store    *memory.Store
	tokens   *stubTokens
	lister   *stubLister
	registry *Registry
	orch     *Orchestrator
}

func newFixture(t *testing.T, activities []strava.Activity, opts ...OrchestratorOption) *fixture {
	t.Helper()
	store := memory.NewStore()
	f := &fixture{
		store:    store,
		tokens:   &stubTokens{},
		lister:   &stubLister{activities: activities},
		registry: NewRegistry(),
	}
	persister := NewPersister(store, store, time.UTC, zerolog.Nop())
	f.orch = NewOrchestrator(f.tokens, f.lister, dedupe.NewReconciler(store, zerolog.Nop()), persister, f.registry, opts...)
	return f
}

func TestRunPersistsDistinctActivities(t *testing.T) {
	f := newFixture(t, []strava.Activity{ride(1, 10000, 0), ride(2, 20000, time.Hour), ride(3, 30000, 2*time.Hour)})
	sink := &recordingSink{}

	outcome, err := f.orch.Run(context.Background(), userID, sink)
	require.NoError(t, err)
	require.Equal(t, domain.StageCompleted, outcome.Stage)
	require.Equal(t, 3, outcome.Persisted)

	require.Equal(t, []domain.Stage{
		domain.StageConnecting,
		domain.StageFetching,
		domain.StageProcessing,
		domain.StageProcessing,
		domain.StageCompleted,
	}, sink.statuses())
	sink.requireMonotonic(t)
	require.Equal(t, 100, sink.last().Progress)
	require.Len(t, f.store.Live(userID), 3)
	require.Zero(t, f.registry.Active(userID))
}

func TestRunReportsTokenRefresh(t *testing.T) {
	f := newFixture(t, nil)
	f.tokens.refreshed = true
	sink := &recordingSink{}

	_, err := f.orch.Run(context.Background(), userID, sink)
	require.NoError(t, err)
	require.Equal(t, []domain.Stage{
		domain.StageConnecting,
		domain.StageTokenRefreshed,
		domain.StageFetching,
		domain.StageProcessing,
		domain.StageCompleted,
	}, sink.statuses())
	sink.requireMonotonic(t)
}

func TestRunReplacesReuploadedActivity(t *testing.T) {
	f := newFixture(t, []strava.Activity{ride(500, 10000, 0), ride(501, 10000, 0)})
	stale := ride(500, 10000, 0).ToDomain(userID)
	require.NoError(t, f.store.UpsertActivities(context.Background(), dedupe.Fingerprint([]domain.Activity{stale})))

	outcome, err := f.orch.Run(context.Background(), userID, nil)
	require.NoError(t, err)
	require.Equal(t, 2, outcome.Fetched)
	require.Equal(t, 1, outcome.Unique)
	require.Equal(t, []int64{500}, outcome.Removed)

	live := f.store.Live(userID)
	require.Len(t, live, 1)
	require.Equal(t, int64(501), live[0].UpstreamID)
}

func TestRunTwiceConverges(t *testing.T) {
	f := newFixture(t, []strava.Activity{ride(1, 10000, 0), ride(2, 10000, 0), ride(3, 5000, time.Hour)})
	for i := 0; i < 2; i++ {
		_, err := f.orch.Run(context.Background(), userID, nil)
		require.NoError(t, err)
	}
	require.Len(t, f.store.Live(userID), 2)
}

func TestRunStoresLocalStartTime(t *testing.T) {
	f := newFixture(t, []strava.Activity{ride(1, 10000, 0)})
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	f.store.SetLocation(userID, tokyo)

	_, err = f.orch.Run(context.Background(), userID, nil)
	require.NoError(t, err)
	live := f.store.Live(userID)
	require.Len(t, live, 1)
	require.Equal(t, 15, live[0].StartTimeLocal.Hour())
	require.True(t, live[0].StartTimeLocal.Equal(rideStart))
}

func TestRunFailures(t *testing.T) {
	cases := []struct {
		name     string
		userID   string
		tokenErr error
		listErr  error
		code     string
	}{
		{name: "anonymous", userID: "", code: "authentication_required"},
		{name: "no credential", userID: userID, tokenErr: domain.ErrCredentialNotFound, code: "credential_not_found"},
		{name: "refresh rejected", userID: userID, tokenErr: domain.ErrTokenRefreshFailed, code: "token_refresh_failed"},
		{name: "rate limited", userID: userID, listErr: fmt.Errorf("list: %w", domain.ErrAPILimitExceeded), code: "api_limit_exceeded"},
		{name: "network", userID: userID, listErr: domain.ErrNetwork, code: "network_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.tokens.err = tc.tokenErr
			f.lister.err = tc.listErr
			sink := &recordingSink{}

			outcome, err := f.orch.Run(context.Background(), tc.userID, sink)
			require.Error(t, err)
			require.Equal(t, tc.code, domain.ErrorCode(err))
			require.Equal(t, domain.StageError, outcome.Stage)

			last := sink.last()
			require.Equal(t, 99, last.Progress)
			require.Equal(t, domain.StageError, last.Status)
			require.Equal(t, tc.code, last.Error)
			sink.requireMonotonic(t)
		})
	}
}

type failingActivities struct {
	*memory.Store
	calls int
}

func (f *failingActivities) UpsertActivities(ctx context.Context, activities []domain.Activity) error {
	f.calls++
	if f.calls > 1 {
		return errors.New("connection reset")
	}
	return f.Store.UpsertActivities(ctx, activities)
}

func TestPersistStopsAtFailingBatch(t *testing.T) {
	store := &failingActivities{Store: memory.NewStore()}
	persister := NewPersister(store, store, time.UTC, zerolog.Nop())

	records := make([]domain.Activity, 0, 45)
	for i := 0; i < 45; i++ {
		a := ride(int64(i+1), float64(1000+i), time.Duration(i)*time.Hour).ToDomain(userID)
		records = append(records, a)
	}
	err := persister.Persist(context.Background(), userID, dedupe.Fingerprint(records), 20)
	require.ErrorIs(t, err, domain.ErrPersistenceFailed)
	require.Equal(t, 2, store.calls)
	require.Len(t, store.Live(userID), 20)
}

func TestBatches(t *testing.T) {
	records := make([]domain.Activity, 45)
	batches := Batches(records, 20)
	require.Len(t, batches, 3)
	require.Len(t, batches[0], 20)
	require.Len(t, batches[2], 5)
	require.Empty(t, Batches(nil, 20))
	require.Len(t, Batches(records, 0), 3)
}

func TestProcessingPercent(t *testing.T) {
	require.Equal(t, 40, processingPercent(0, 10))
	require.Equal(t, 70, processingPercent(5, 10))
	require.Equal(t, 99, processingPercent(10, 10))
}

func TestAbortDuringProcessing(t *testing.T) {
	activities := make([]strava.Activity, 0, 60)
	for i := 0; i < 60; i++ {
		activities = append(activities, ride(int64(1000+i), float64(1000+i), time.Duration(i)*time.Minute))
	}
	f := newFixture(t, activities, WithBatchSize(20))
	ctx := context.Background()
	now := time.Now()

	// A ride stored long before this run survives the abort.
	f.store.SetClock(func() time.Time { return now.Add(-2 * time.Hour) })
	old := ride(1, 99999, -72*time.Hour).ToDomain(userID)
	require.NoError(t, f.store.UpsertActivities(ctx, dedupe.Fingerprint([]domain.Activity{old})))
	f.store.SetClock(time.Now)
	require.NoError(t, f.store.SaveCredential(ctx, domain.Credential{UserID: userID, AthleteID: 77}))

	aborter := NewAborter(guard.NewMemoryGuard(), f.registry, f.store, f.store, AbortConfig{}, zerolog.Nop())
	type abortReply struct {
		res AbortResult
		err error
	}
	results := make(chan abortReply, 1)
	sink := &recordingSink{}
	sink.onSend = func(evt domain.ProgressEvent) {
		if evt.Status == domain.StageProcessing && evt.Processed == 20 {
			go func() {
				res, err := aborter.Abort(ctx, userID)
				results <- abortReply{res: res, err: err}
			}()
			<-f.tokens.ctx().Done()
		}
	}

	outcome, err := f.orch.Run(ctx, userID, sink)
	require.ErrorIs(t, err, domain.ErrConnectionAborted)
	require.Equal(t, domain.StageAborted, outcome.Stage)
	require.Equal(t, 20, outcome.Persisted)

	last := sink.last()
	require.Equal(t, domain.StageAborted, last.Status)
	require.Equal(t, "connection_aborted", last.Error)
	require.Equal(t, 99, last.Progress)

	select {
	case reply := <-results:
		require.NoError(t, reply.err)
		require.True(t, reply.res.Success)
	case <-time.After(5 * time.Second):
		t.Fatal("abort did not finish")
	}

	_, err = f.store.GetCredential(ctx, userID)
	require.ErrorIs(t, err, domain.ErrCredentialNotFound)
	require.False(t, f.store.Connected(userID))
	live := f.store.Live(userID)
	require.Len(t, live, 1)
	require.Equal(t, int64(1), live[0].UpstreamID)
}

func TestAbortCoalescesConcurrentCalls(t *testing.T) {
	store := memory.NewStore()
	g := guard.NewMemoryGuard()
	aborter := NewAborter(g, NewRegistry(), store, store, AbortConfig{}, zerolog.Nop())

	held, err := g.Acquire(context.Background(), "abort:"+userID, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	res, err := aborter.Abort(context.Background(), userID)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, MessageAbortInProgress, res.Message)
}

type flakyCredentials struct {
	*memory.Store
	failures int
	calls    int
}

func (f *flakyCredentials) DeleteCredential(ctx context.Context, id string) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("deadlock detected")
	}
	return f.Store.DeleteCredential(ctx, id)
}

func TestAbortRetriesCleanup(t *testing.T) {
	creds := &flakyCredentials{Store: memory.NewStore(), failures: 2}
	aborter := NewAborter(guard.NewMemoryGuard(), NewRegistry(), creds, creds.Store, AbortConfig{BaseDelay: time.Millisecond}, zerolog.Nop())

	res, err := aborter.Abort(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 3, creds.calls)
}

func TestAbortGivesUpAfterAttempts(t *testing.T) {
	creds := &flakyCredentials{Store: memory.NewStore(), failures: 10}
	g := guard.NewMemoryGuard()
	aborter := NewAborter(g, NewRegistry(), creds, creds.Store, AbortConfig{BaseDelay: time.Millisecond}, zerolog.Nop())

	res, err := aborter.Abort(context.Background(), userID)
	require.ErrorIs(t, err, domain.ErrPersistenceFailed)
	require.False(t, res.Success)
	require.Equal(t, 3, creds.calls)

	acquired, err := g.Acquire(context.Background(), "abort:"+userID, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired, "guard is released after a failed abort")
}

func TestAbortRequiresUser(t *testing.T) {
	store := memory.NewStore()
	aborter := NewAborter(guard.NewMemoryGuard(), NewRegistry(), store, store, AbortConfig{}, zerolog.Nop())
	_, err := aborter.Abort(context.Background(), "")
	require.ErrorIs(t, err, domain.ErrAuthenticationRequired)
}
