package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"example.com/stravasync/internal/dedupe"
	"example.com/stravasync/internal/describe"
	"example.com/stravasync/internal/domain"
	"example.com/stravasync/internal/persistence/memory"
	"example.com/stravasync/internal/strava"
	"example.com/stravasync/internal/syncer"
	"example.com/stravasync/internal/token"
)

const (
	athleteID = int64(77)
	userID    = "user-1"
)

var rideStart = time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

type recordingQueue struct {
	mu     sync.Mutex
	events []domain.WebhookEvent
	err    error
}

func (q *recordingQueue) Enqueue(ctx context.Context, evt domain.WebhookEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, evt)
	return nil
}

type failingLog struct{}

func (failingLog) RecordWebhookEvent(context.Context, domain.WebhookEvent) (bool, error) {
	return false, errors.New("connection refused")
}

func createEvent(objectID int64) domain.WebhookEvent {
	return domain.WebhookEvent{
		AspectType: domain.AspectTypeCreate,
		ObjectType: domain.ObjectTypeActivity,
		ObjectID:   objectID,
		OwnerID:    athleteID,
		EventTime:  1714543200,
	}
}

func TestReceiverQueuesFreshEvents(t *testing.T) {
	store := memory.NewStore()
	queue := &recordingQueue{}
	r := NewReceiver(store, queue, zerolog.Nop())

	acc, err := r.Accept(context.Background(), createEvent(1))
	require.NoError(t, err)
	require.Equal(t, AcceptanceQueued, acc)

	acc, err = r.Accept(context.Background(), createEvent(1))
	require.NoError(t, err)
	require.Equal(t, AcceptanceDuplicate, acc)

	require.Len(t, queue.events, 1)
	require.Equal(t, 1, store.WebhookEventCount())
}

func TestReceiverIgnoresMalformedAndIrrelevantEvents(t *testing.T) {
	store := memory.NewStore()
	queue := &recordingQueue{}
	r := NewReceiver(store, queue, zerolog.Nop())

	bad := createEvent(1)
	bad.AspectType = "archive"
	acc, err := r.Accept(context.Background(), bad)
	require.NoError(t, err)
	require.Equal(t, AcceptanceIgnored, acc)

	profile := domain.WebhookEvent{
		AspectType: domain.AspectTypeUpdate,
		ObjectType: domain.ObjectTypeAthlete,
		ObjectID:   athleteID,
		OwnerID:    athleteID,
		EventTime:  1714543200,
		Updates:    map[string]string{"weight": "70"},
	}
	acc, err = r.Accept(context.Background(), profile)
	require.NoError(t, err)
	require.Equal(t, AcceptanceIgnored, acc)

	profile.Updates = map[string]string{"authorized": "false"}
	profile.EventTime++
	acc, err = r.Accept(context.Background(), profile)
	require.NoError(t, err)
	require.Equal(t, AcceptanceQueued, acc)

	require.Len(t, queue.events, 1)
	require.Equal(t, 2, store.WebhookEventCount())
}

func TestReceiverProceedsWhenGuardUnavailable(t *testing.T) {
	queue := &recordingQueue{}
	r := NewReceiver(failingLog{}, queue, zerolog.Nop())

	acc, err := r.Accept(context.Background(), createEvent(1))
	require.NoError(t, err)
	require.Equal(t, AcceptanceQueued, acc)
	require.Len(t, queue.events, 1)
}

func TestReceiverReportsDroppedEvents(t *testing.T) {
	queue := &recordingQueue{err: ErrQueueFull}
	r := NewReceiver(memory.NewStore(), queue, zerolog.Nop())

	acc, err := r.Accept(context.Background(), createEvent(1))
	require.ErrorIs(t, err, ErrQueueFull)
	require.Equal(t, AcceptanceDropped, acc)
}

type stubUpstream struct {
	mu         sync.Mutex
	activities map[int64]strava.Activity
	updates    map[int64]string
	getErr     error
}

func (s *stubUpstream) GetActivity(ctx context.Context, accessToken string, id int64) (strava.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return strava.Activity{}, s.getErr
	}
	a, ok := s.activities[id]
	if !ok {
		return strava.Activity{}, domain.ErrActivityNotFound
	}
	return a, nil
}

func (s *stubUpstream) UpdateDescription(ctx context.Context, accessToken string, id int64, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[id] = description
	return nil
}

type rejectingRefresher struct{}

func (rejectingRefresher) RefreshToken(context.Context, string) (strava.TokenSet, error) {
	return strava.TokenSet{}, domain.ErrTokenRefreshFailed
}

type processorFixture struct {
	store     *memory.Store
	upstream  *stubUpstream
	processor *Processor
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.SaveCredential(context.Background(), domain.Credential{
		UserID:       userID,
		AthleteID:    athleteID,
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(6 * time.Hour),
	}))
	upstream := &stubUpstream{activities: map[int64]strava.Activity{}, updates: map[int64]string{}}
	gen, err := describe.NewTemplateGenerator("", "")
	require.NoError(t, err)

	p := NewProcessor(Dependencies{
		Tokens:     token.NewManager(store, rejectingRefresher{}),
		Upstream:   upstream,
		Creds:      store,
		Activities: store,
		Reconciler: dedupe.NewReconciler(store, zerolog.Nop()),
		Persister:  syncer.NewPersister(store, store, time.UTC, zerolog.Nop()),
		Ranker:     store,
		Generator:  gen,
	}, ProcessorConfig{
		SportTypes:      []string{"Ride", "VirtualRide"},
		TriggerKeywords: []string{"race", "Gran Fondo"},
	}, zerolog.Nop())
	return &processorFixture{store: store, upstream: upstream, processor: p}
}

func (f *processorFixture) put(a strava.Activity) {
	f.upstream.mu.Lock()
	defer f.upstream.mu.Unlock()
	f.upstream.activities[a.ID] = a
}

func upstreamRide(id int64, name, visibility string) strava.Activity {
	return strava.Activity{
		ID:                 id,
		Athlete:            strava.Athlete{ID: athleteID},
		Name:               name,
		SportType:          "Ride",
		Distance:           40000,
		TotalElevationGain: 350,
		StartDate:          rideStart,
		Visibility:         visibility,
	}
}

func TestProcessCreatePublicActivity(t *testing.T) {
	f := newProcessorFixture(t)
	f.put(upstreamRide(10, "Morning Ride", domain.VisibilityEveryone))

	require.NoError(t, f.processor.Process(context.Background(), createEvent(10)))

	live := f.store.Live(userID)
	require.Len(t, live, 1)
	require.Equal(t, int64(10), live[0].UpstreamID)
	require.Contains(t, f.upstream.updates[10], "#1 of 1 by distance")
	require.True(t, describe.HasMarker(f.upstream.updates[10], ""))
}

func TestProcessCreatePrivateActivitySkipsDescription(t *testing.T) {
	f := newProcessorFixture(t)
	f.put(upstreamRide(10, "Morning Ride", domain.VisibilityOnlyMe))

	require.NoError(t, f.processor.Process(context.Background(), createEvent(10)))
	require.Len(t, f.store.Live(userID), 1)
	require.Empty(t, f.upstream.updates)
}

func TestProcessCreateSkipsOutOfScopeActivity(t *testing.T) {
	f := newProcessorFixture(t)
	run := upstreamRide(10, "Lunch Run", domain.VisibilityEveryone)
	run.SportType = "Run"
	f.put(run)

	require.NoError(t, f.processor.Process(context.Background(), createEvent(10)))
	require.Empty(t, f.store.Live(userID))
	require.Empty(t, f.upstream.updates)
}

func TestProcessCreateReplacesReupload(t *testing.T) {
	f := newProcessorFixture(t)
	f.put(upstreamRide(10, "Morning Ride", domain.VisibilityOnlyMe))
	f.put(upstreamRide(11, "Morning Ride", domain.VisibilityOnlyMe))

	require.NoError(t, f.processor.Process(context.Background(), createEvent(10)))
	require.NoError(t, f.processor.Process(context.Background(), createEvent(11)))

	live := f.store.Live(userID)
	require.Len(t, live, 1)
	require.Equal(t, int64(11), live[0].UpstreamID)
}

func TestProcessSkipsMissingPrerequisites(t *testing.T) {
	f := newProcessorFixture(t)

	unknownOwner := createEvent(10)
	unknownOwner.OwnerID = 999
	require.NoError(t, f.processor.Process(context.Background(), unknownOwner))

	require.NoError(t, f.processor.Process(context.Background(), createEvent(404)))
	require.Empty(t, f.store.Live(userID))
}

func TestProcessSurfacesUpstreamFailures(t *testing.T) {
	f := newProcessorFixture(t)
	f.upstream.getErr = domain.ErrAPILimitExceeded

	err := f.processor.Process(context.Background(), createEvent(10))
	require.ErrorIs(t, err, domain.ErrAPILimitExceeded)
}

func TestProcessUpdateGating(t *testing.T) {
	cases := []struct {
		name        string
		title       string
		description string
		described   bool
	}{
		{name: "no keyword", title: "Morning Ride", described: false},
		{name: "keyword", title: "Sunday Gran Fondo", described: true},
		{name: "keyword case insensitive", title: "Club RACE", described: true},
		{name: "already described", title: "Club race", description: "fast\n\n" + describe.DefaultMarker, described: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newProcessorFixture(t)
			a := upstreamRide(10, tc.title, domain.VisibilityFollowersOnly)
			a.Description = tc.description
			f.put(a)

			evt := createEvent(10)
			evt.AspectType = domain.AspectTypeUpdate
			require.NoError(t, f.processor.Process(context.Background(), evt))

			_, described := f.upstream.updates[10]
			require.Equal(t, tc.described, described)
			live := f.store.Live(userID)
			require.Len(t, live, 1)
			require.Equal(t, tc.title, live[0].Name)
		})
	}
}

func TestProcessDelete(t *testing.T) {
	f := newProcessorFixture(t)
	f.put(upstreamRide(10, "Morning Ride", domain.VisibilityOnlyMe))
	require.NoError(t, f.processor.Process(context.Background(), createEvent(10)))

	evt := createEvent(10)
	evt.AspectType = domain.AspectTypeDelete
	require.NoError(t, f.processor.Process(context.Background(), evt))
	require.Empty(t, f.store.Live(userID))

	// Deleting again, or deleting something never synced, is not an error.
	require.NoError(t, f.processor.Process(context.Background(), evt))
	evt.ObjectID = 12345
	require.NoError(t, f.processor.Process(context.Background(), evt))
}

func TestProcessDeauthorization(t *testing.T) {
	f := newProcessorFixture(t)
	evt := domain.WebhookEvent{
		AspectType: domain.AspectTypeUpdate,
		ObjectType: domain.ObjectTypeAthlete,
		ObjectID:   athleteID,
		OwnerID:    athleteID,
		EventTime:  1714543200,
		Updates:    map[string]string{"authorized": "false"},
	}
	require.NoError(t, f.processor.Process(context.Background(), evt))

	_, err := f.store.GetCredentialByAthlete(context.Background(), athleteID)
	require.ErrorIs(t, err, domain.ErrCredentialNotFound)
	require.False(t, f.store.Connected(userID))
}

type funcHandler func(ctx context.Context, evt domain.WebhookEvent) error

func (f funcHandler) Process(ctx context.Context, evt domain.WebhookEvent) error { return f(ctx, evt) }

func TestWorkerPoolProcessesEvents(t *testing.T) {
	var mu sync.Mutex
	seen := map[int64]bool{}
	handler := funcHandler(func(ctx context.Context, evt domain.WebhookEvent) error {
		if evt.ObjectID == 2 {
			panic("boom")
		}
		if evt.ObjectID == 3 {
			return domain.ErrNetwork
		}
		mu.Lock()
		seen[evt.ObjectID] = true
		mu.Unlock()
		return nil
	})
	pool := NewWorkerPool(handler, 8, WithWorkers(2), WithTaskTimeout(time.Second))

	for _, id := range []int64{1, 2, 3, 4} {
		require.NoError(t, pool.Enqueue(context.Background(), createEvent(id)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Serve(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[1] && seen[4]
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker pool did not stop")
	}
}

func TestWorkerPoolRejectsWhenFull(t *testing.T) {
	pool := NewWorkerPool(funcHandler(func(context.Context, domain.WebhookEvent) error { return nil }), 1)
	require.NoError(t, pool.Enqueue(context.Background(), createEvent(1)))
	require.ErrorIs(t, pool.Enqueue(context.Background(), createEvent(2)), ErrQueueFull)
}

func TestWorkerPoolAppliesTaskTimeout(t *testing.T) {
	deadlines := make(chan bool, 1)
	handler := funcHandler(func(ctx context.Context, evt domain.WebhookEvent) error {
		_, ok := ctx.Deadline()
		deadlines <- ok
		return nil
	})
	pool := NewWorkerPool(handler, 1, WithWorkers(1), WithTaskTimeout(50*time.Millisecond))
	require.NoError(t, pool.Enqueue(context.Background(), createEvent(1)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Serve(ctx) }()

	select {
	case ok := <-deadlines:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not processed")
	}
}
