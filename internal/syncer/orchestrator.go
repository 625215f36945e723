// Package syncer runs full activity synchronizations and the abort cleanup that
// undoes them.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"example.com/stravasync/internal/dedupe"
	"example.com/stravasync/internal/domain"
	"example.com/stravasync/internal/observability"
	"example.com/stravasync/internal/strava"
	"example.com/stravasync/internal/token"
)

// Progress checkpoints. Processing fills the range between fetchDone and terminalFail.
const (
	progressConnecting     = 5
	progressTokenRefreshed = 10
	progressFetching       = 20
	progressFetchDone      = 40
	progressTerminalFail   = 99
	progressCompleted      = 100
)

// DefaultPageSize is the number of recent activities fetched per run.
const DefaultPageSize = 100

// TokenSource hands out valid access tokens.
type TokenSource interface {
	Refresh(ctx context.Context, userID string) (token.Result, error)
}

// ActivityLister fetches the athlete's most recent activities.
type ActivityLister interface {
	ListActivities(ctx context.Context, accessToken string, perPage int) ([]strava.Activity, error)
}

// ProgressSink receives progress events; implementations may drop them.
type ProgressSink interface {
	Send(evt domain.ProgressEvent) error
}

// Outcome summarises a run.
type Outcome struct {
	RunID     string
	Stage     domain.Stage
	Fetched   int
	Unique    int
	Persisted int
	Removed   []int64
}

// Orchestrator drives the sync state machine for one user at a time.
type Orchestrator struct {
	tokens     TokenSource
	lister     ActivityLister
	reconciler *dedupe.Reconciler
	persister  *Persister
	registry   *Registry
	pageSize   int
	batchSize  int
	logger     zerolog.Logger
}

// OrchestratorOption customises the Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithPageSize sets the number of activities fetched per run.
func WithPageSize(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithBatchSize sets the persistence batch size.
func WithBatchSize(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithLogger overrides the orchestrator logger.
func WithLogger(logger zerolog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(tokens TokenSource, lister ActivityLister, reconciler *dedupe.Reconciler, persister *Persister, registry *Registry, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		tokens:     tokens,
		lister:     lister,
		reconciler: reconciler,
		persister:  persister,
		registry:   registry,
		pageSize:   DefaultPageSize,
		batchSize:  DefaultBatchSize,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run synchronizes the user's recent activities. Every emitted percentage is at least
// the previous one; failures end with a 99% event carrying an error code.
func (o *Orchestrator) Run(ctx context.Context, userID string, sink ProgressSink) (Outcome, error) {
	started := time.Now()
	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if sink == nil {
		sink = discardSink{}
	}
	tr := &tracker{runID: runID, sink: sink, stage: domain.StageConnecting, logger: o.logger}
	logger := o.logger.With().Str("run_id", runID).Str("user_id", userID).Logger()

	outcome, err := o.run(ctx, userID, runID, cancel, tr)
	outcome.RunID = runID
	outcome.Stage = tr.stage

	code := domain.ErrorCode(err)
	observability.RecordSyncRun(string(tr.stage), code, time.Since(started))
	if err != nil {
		logger.Warn().Err(err).Str("stage", string(tr.stage)).Str("code", code).Msg("sync run ended early")
		return outcome, err
	}
	logger.Info().Int("fetched", outcome.Fetched).Int("persisted", outcome.Persisted).
		Int("removed", len(outcome.Removed)).Dur("elapsed", time.Since(started)).Msg("sync run completed")
	return outcome, nil
}

func (o *Orchestrator) run(ctx context.Context, userID, runID string, cancel context.CancelFunc, tr *tracker) (Outcome, error) {
	var outcome Outcome

	tr.emit(domain.StageConnecting, progressConnecting, 0, 0)
	if userID == "" {
		return outcome, tr.fail(domain.ErrAuthenticationRequired)
	}

	if o.registry != nil {
		unregister := o.registry.Register(userID, runID, cancel)
		defer unregister()
	}

	tok, err := o.tokens.Refresh(ctx, userID)
	if err != nil {
		return outcome, tr.fail(classify(ctx, err))
	}
	if tok.Refreshed {
		tr.emit(domain.StageTokenRefreshed, progressTokenRefreshed, 0, 0)
	}

	tr.emit(domain.StageFetching, progressFetching, 0, 0)
	fetched, err := o.lister.ListActivities(ctx, tok.AccessToken, o.pageSize)
	if err != nil {
		return outcome, tr.fail(classify(ctx, err))
	}
	outcome.Fetched = len(fetched)

	records := make([]domain.Activity, 0, len(fetched))
	for _, a := range fetched {
		records = append(records, a.ToDomain(userID))
	}
	unique := dedupe.Resolve(dedupe.Fingerprint(records))
	outcome.Unique = len(unique)
	total := len(unique)

	tr.emit(domain.StageProcessing, progressFetchDone, 0, total)

	loc, err := o.persister.Location(ctx, userID)
	if err != nil {
		return outcome, tr.fail(err)
	}

	processed := 0
	for _, batch := range Batches(unique, o.batchSize) {
		if ctx.Err() != nil {
			return outcome, tr.abort()
		}

		removed, err := o.reconciler.Reconcile(ctx, userID, batch)
		if err != nil {
			return outcome, tr.fail(classify(ctx, err))
		}
		outcome.Removed = append(outcome.Removed, removed...)

		if _, err := o.persister.write(ctx, loc, batch); err != nil {
			return outcome, tr.fail(classify(ctx, err))
		}
		processed += len(batch)
		outcome.Persisted = processed
		tr.emit(domain.StageProcessing, processingPercent(processed, total), processed, total)
	}

	tr.emit(domain.StageCompleted, progressCompleted, processed, total)
	return outcome, nil
}

func processingPercent(processed, total int) int {
	if total <= 0 {
		return progressFetchDone
	}
	pct := progressFetchDone + (100-progressFetchDone)*processed/total
	if pct > progressTerminalFail {
		pct = progressTerminalFail
	}
	return pct
}

// classify reports a cancelled run as aborted regardless of where the cancellation surfaced.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.Is(err, domain.ErrConnectionAborted) {
		return fmt.Errorf("%w: %v", domain.ErrConnectionAborted, err)
	}
	return err
}

type tracker struct {
	runID  string
	sink   ProgressSink
	stage  domain.Stage
	last   int
	logger zerolog.Logger
}

func (t *tracker) emit(stage domain.Stage, pct, processed, total int) {
	if stage != t.stage {
		next, err := t.stage.Transition(stage)
		if err != nil {
			t.logger.Error().Err(err).Msg("invalid stage transition")
			return
		}
		t.stage = next
	}
	if pct < t.last {
		pct = t.last
	}
	t.last = pct
	t.send(domain.ProgressEvent{RunID: t.runID, Progress: pct, Status: t.stage, Processed: processed, Total: total})
}

func (t *tracker) fail(err error) error {
	stage := domain.StageError
	if errors.Is(err, domain.ErrConnectionAborted) && t.stage.CanTransition(domain.StageAborted) {
		stage = domain.StageAborted
	}
	t.terminate(stage, err)
	return err
}

func (t *tracker) abort() error {
	t.terminate(domain.StageAborted, domain.ErrConnectionAborted)
	return domain.ErrConnectionAborted
}

func (t *tracker) terminate(stage domain.Stage, err error) {
	next, trErr := t.stage.Transition(stage)
	if trErr != nil {
		next = domain.StageError
	}
	t.stage = next
	pct := progressTerminalFail
	if t.last > pct {
		pct = t.last
	}
	t.last = pct
	t.send(domain.ProgressEvent{RunID: t.runID, Progress: pct, Status: t.stage, Error: domain.ErrorCode(err)})
}

func (t *tracker) send(evt domain.ProgressEvent) {
	if err := t.sink.Send(evt); err != nil {
		t.logger.Debug().Err(err).Str("status", string(evt.Status)).Msg("progress event dropped")
	}
}

type discardSink struct{}

func (discardSink) Send(domain.ProgressEvent) error { return nil }
