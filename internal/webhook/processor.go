package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"example.com/stravasync/internal/dedupe"
	"example.com/stravasync/internal/describe"
	"example.com/stravasync/internal/domain"
	"example.com/stravasync/internal/strava"
	"example.com/stravasync/internal/syncer"
	"example.com/stravasync/internal/token"
)

// TokenSource resolves a valid access token for an upstream athlete.
type TokenSource interface {
	RefreshForAthlete(ctx context.Context, athleteID int64) (token.Result, error)
}

// Upstream is the part of the upstream API the processor calls.
type Upstream interface {
	GetActivity(ctx context.Context, accessToken string, id int64) (strava.Activity, error)
	UpdateDescription(ctx context.Context, accessToken string, id int64, description string) error
}

// ProcessorConfig scopes which activities are handled.
type ProcessorConfig struct {
	SportTypes      []string
	TriggerKeywords []string
	Marker          string
}

// Processor performs the substantive work for one webhook event. Every handler is
// idempotent, so redelivery through a retrying queue is safe.
type Processor struct {
	tokens     TokenSource
	upstream   Upstream
	creds      domain.CredentialStore
	activities domain.ActivityStore
	reconciler *dedupe.Reconciler
	persister  *syncer.Persister
	ranker     domain.Ranker
	generator  describe.Generator
	sports     map[string]struct{}
	keywords   []string
	marker     string
	logger     zerolog.Logger
}

// Dependencies groups the processor collaborators.
type Dependencies struct {
	Tokens     TokenSource
	Upstream   Upstream
	Creds      domain.CredentialStore
	Activities domain.ActivityStore
	Reconciler *dedupe.Reconciler
	Persister  *syncer.Persister
	Ranker     domain.Ranker
	Generator  describe.Generator
}

// NewProcessor constructs a Processor.
func NewProcessor(deps Dependencies, cfg ProcessorConfig, logger zerolog.Logger) *Processor {
	sports := make(map[string]struct{}, len(cfg.SportTypes))
	for _, s := range cfg.SportTypes {
		sports[s] = struct{}{}
	}
	keywords := make([]string, 0, len(cfg.TriggerKeywords))
	for _, k := range cfg.TriggerKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	marker := cfg.Marker
	if marker == "" {
		marker = describe.DefaultMarker
	}
	return &Processor{
		tokens:     deps.Tokens,
		upstream:   deps.Upstream,
		creds:      deps.Creds,
		activities: deps.Activities,
		reconciler: deps.Reconciler,
		persister:  deps.Persister,
		ranker:     deps.Ranker,
		generator:  deps.Generator,
		sports:     sports,
		keywords:   keywords,
		marker:     marker,
		logger:     logger,
	}
}

// Process dispatches evt by object and aspect type. Missing prerequisites are logged
// and reported as success.
func (p *Processor) Process(ctx context.Context, evt domain.WebhookEvent) error {
	logger := eventLogger(p.logger, evt)

	switch {
	case evt.ObjectType == domain.ObjectTypeAthlete && evt.Deauthorized():
		return p.deauthorize(ctx, logger, evt)
	case evt.ObjectType != domain.ObjectTypeActivity:
		logger.Debug().Msg("ignoring non-activity event")
		return nil
	}

	switch evt.AspectType {
	case domain.AspectTypeCreate:
		return p.upsert(ctx, logger, evt, false)
	case domain.AspectTypeUpdate:
		return p.upsert(ctx, logger, evt, true)
	case domain.AspectTypeDelete:
		return p.remove(ctx, logger, evt)
	default:
		logger.Debug().Msg("ignoring unknown aspect type")
		return nil
	}
}

func (p *Processor) upsert(ctx context.Context, logger zerolog.Logger, evt domain.WebhookEvent, update bool) error {
	tok, err := p.tokens.RefreshForAthlete(ctx, evt.OwnerID)
	if errors.Is(err, domain.ErrCredentialNotFound) {
		logger.Info().Msg("no credential for athlete, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	userID := tok.Credential.UserID
	logger = logger.With().Str("user_id", userID).Logger()

	upstream, err := p.upstream.GetActivity(ctx, tok.AccessToken, evt.ObjectID)
	if errors.Is(err, domain.ErrActivityNotFound) {
		logger.Info().Msg("activity no longer exists upstream, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch activity: %w", err)
	}
	if !p.inScope(upstream) {
		logger.Debug().Str("sport_type", upstream.Sport()).Msg("activity out of scope, skipping")
		return nil
	}

	record := dedupe.Fingerprint([]domain.Activity{upstream.ToDomain(userID)})
	if _, err := p.reconciler.Reconcile(ctx, userID, record); err != nil {
		return err
	}
	stored, err := p.persister.PersistBatch(ctx, userID, record)
	if err != nil {
		return err
	}
	activity := stored[0]

	if update {
		if !p.hasTrigger(activity.Name) || describe.HasMarker(upstream.Description, p.marker) {
			logger.Debug().Msg("update does not warrant a new description")
			return nil
		}
	} else if activity.Visibility != domain.VisibilityEveryone {
		logger.Debug().Str("visibility", activity.Visibility).Msg("activity not public, skipping description")
		return nil
	}
	return p.annotate(ctx, logger, tok.AccessToken, activity)
}

func (p *Processor) annotate(ctx context.Context, logger zerolog.Logger, accessToken string, activity domain.Activity) error {
	if p.generator == nil {
		return nil
	}
	var ranking domain.Ranking
	if p.ranker != nil {
		r, err := p.ranker.Rank(ctx, activity)
		if err != nil {
			logger.Warn().Err(err).Msg("rank activity")
		} else {
			ranking = r
		}
	}

	text, err := p.generator.Generate(ctx, describe.Input{Activity: activity, Ranking: ranking})
	if err != nil {
		return fmt.Errorf("generate description: %w", err)
	}
	if err := p.upstream.UpdateDescription(ctx, accessToken, activity.UpstreamID, text); err != nil {
		return fmt.Errorf("write description: %w", err)
	}
	logger.Info().Msg("activity description updated")
	return nil
}

func (p *Processor) remove(ctx context.Context, logger zerolog.Logger, evt domain.WebhookEvent) error {
	found, err := p.activities.SoftDeleteByUpstreamID(ctx, evt.ObjectID)
	if err != nil {
		return fmt.Errorf("%w: soft delete activity: %v", domain.ErrPersistenceFailed, err)
	}
	if !found {
		logger.Debug().Msg("activity not stored, nothing to delete")
		return nil
	}
	logger.Info().Msg("activity deleted")
	return nil
}

func (p *Processor) deauthorize(ctx context.Context, logger zerolog.Logger, evt domain.WebhookEvent) error {
	if err := p.creds.DisconnectAthlete(ctx, evt.OwnerID); err != nil {
		return fmt.Errorf("%w: disconnect athlete: %v", domain.ErrPersistenceFailed, err)
	}
	logger.Info().Msg("athlete deauthorized")
	return nil
}

func (p *Processor) inScope(a strava.Activity) bool {
	if len(p.sports) == 0 {
		return true
	}
	_, ok := p.sports[a.Sport()]
	return ok
}

func (p *Processor) hasTrigger(name string) bool {
	name = strings.ToLower(name)
	for _, k := range p.keywords {
		if strings.Contains(name, k) {
			return true
		}
	}
	return false
}
