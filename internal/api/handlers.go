// Package api exposes HTTP handlers for the sync service.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"example.com/stravasync/internal/auth"
	"example.com/stravasync/internal/domain"
	"example.com/stravasync/internal/persistence"
	"example.com/stravasync/internal/progress"
	"example.com/stravasync/internal/syncer"
	"example.com/stravasync/internal/webhook"
)

const maxListLimit = 100

// SyncRunner runs one synchronization for a user.
type SyncRunner interface {
	Run(ctx context.Context, userID string, sink syncer.ProgressSink) (syncer.Outcome, error)
}

// SyncAborter cancels a user's runs and undoes their recent writes.
type SyncAborter interface {
	Abort(ctx context.Context, userID string) (syncer.AbortResult, error)
}

// WebhookAcceptor takes delivery of one upstream push event.
type WebhookAcceptor interface {
	Accept(ctx context.Context, evt domain.WebhookEvent) (webhook.Acceptance, error)
}

// Dependencies bundles the collaborators behind the endpoints.
type Dependencies struct {
	Runner   SyncRunner
	Aborter  SyncAborter
	Service  *domain.Service
	Webhooks WebhookAcceptor
}

// Config tunes the handlers.
type Config struct {
	// VerifyToken is the shared secret of the webhook subscription handshake.
	VerifyToken string
	Stream      []progress.Option
}

// Handler coordinates HTTP requests with the sync pipeline.
type Handler struct {
	deps     Dependencies
	cfg      Config
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewHandler builds a Handler.
func NewHandler(deps Dependencies, cfg Config, logger zerolog.Logger) *Handler {
	return &Handler{
		deps:     deps,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// streamSync runs a sync and reports progress as server-sent events. The response
// ends when the run reaches a terminal stage.
func (h *Handler) streamSync(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	logger := h.logger.With().Str("user_id", userID).Logger()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	opts := append([]progress.Option{progress.WithLogger(logger)}, h.cfg.Stream...)
	ch, err := progress.Open(w, cancel, opts...)
	if err != nil {
		logger.Error().Err(err).Msg("open progress stream")
		writeError(w, http.StatusInternalServerError, domain.ErrorCode(err))
		return
	}
	defer ch.Close()

	// Failures reach the client as a terminal event.
	_, _ = h.deps.Runner.Run(ctx, userID, ch)
}

// SyncRequest is the payload for POST /v1/sync.
type SyncRequest struct {
	UserID string `json:"userId" validate:"required"`
}

// SyncResponse is returned when a fire-and-forget run completes.
type SyncResponse struct {
	Message string `json:"message"`
}

// ErrorResponse carries a stable error code.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed")
		return
	}

	// Service callers may trigger runs for any user; everyone else only for themselves.
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, domain.ErrorCode(domain.ErrAuthenticationRequired))
		return
	}
	if claims.Subject != req.UserID && !claims.HasScope(auth.ScopeActivitiesSync) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	outcome, err := h.deps.Runner.Run(r.Context(), req.UserID, nil)
	if err != nil {
		writeError(w, syncStatus(err), domain.ErrorCode(err))
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{
		Message: "sync completed: " + strconv.Itoa(outcome.Persisted) + " activities stored",
	})
}

// syncStatus maps a run failure onto the status of the fire-and-forget endpoint.
func syncStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrCredentialNotFound),
		errors.Is(err, domain.ErrTokenRefreshFailed),
		errors.Is(err, domain.ErrUpstreamUnauthorized),
		errors.Is(err, domain.ErrAuthenticationRequired):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrAPILimitExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) abortSync(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, syncer.AbortResult{Message: domain.ErrorCode(domain.ErrAuthenticationRequired)})
		return
	}

	result, err := h.deps.Aborter.Abort(r.Context(), userID)
	switch {
	case err != nil:
		h.logger.Error().Err(err).Str("user_id", userID).Msg("abort sync")
		writeJSON(w, http.StatusInternalServerError, result)
	case !result.Success && result.Message == syncer.MessageAbortInProgress:
		writeJSON(w, http.StatusConflict, result)
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

// ActivityView is the public shape of a synced activity.
type ActivityView struct {
	UpstreamID     int64     `json:"id"`
	Name           string    `json:"name"`
	SportType      string    `json:"sport_type"`
	Distance       float64   `json:"distance"`
	ElevationGain  float64   `json:"total_elevation_gain"`
	StartTime      time.Time `json:"start_date"`
	StartTimeLocal time.Time `json:"start_date_local"`
	AverageSpeed   float64   `json:"average_speed"`
	MaxSpeed       float64   `json:"max_speed"`
	AverageWatts   float64   `json:"average_watts,omitempty"`
	MaxWatts       float64   `json:"max_watts,omitempty"`
	AverageCadence float64   `json:"average_cadence,omitempty"`
	MaxHeartrate   float64   `json:"max_heartrate,omitempty"`
	Visibility     string    `json:"visibility"`
	Description    string    `json:"description,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ListActivitiesResponse packages list results.
type ListActivitiesResponse struct {
	Items      []ActivityView `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, domain.ErrorCode(domain.ErrAuthenticationRequired))
		return
	}
	if !claims.HasScope(auth.ScopeActivitiesRead) && !claims.HasScope(auth.ScopeActivitiesSync) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxListLimit)
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_cursor")
		return
	}

	activities, next, err := h.deps.Service.ListActivitiesByUser(r.Context(), claims.Subject, cursor, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", claims.Subject).Msg("list activities")
		writeError(w, http.StatusInternalServerError, domain.ErrorCode(err))
		return
	}

	items := make([]ActivityView, 0, len(activities))
	for _, a := range activities {
		items = append(items, toActivityView(a))
	}
	writeJSON(w, http.StatusOK, ListActivitiesResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

// verifyWebhook answers the subscription handshake. The challenge is echoed only
// when the caller knows the shared verify token.
func (h *Handler) verifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.cfg.VerifyToken == "" || q.Get("hub.verify_token") != h.cfg.VerifyToken {
		h.logger.Warn().Str("mode", q.Get("hub.mode")).Msg("webhook verification rejected")
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hub.challenge": q.Get("hub.challenge")})
}

// receiveWebhook acknowledges every parseable delivery. Processing continues in the
// background after the response.
func (h *Handler) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	var evt domain.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		h.logger.Error().Err(err).Msg("decode webhook event")
		writeError(w, http.StatusInternalServerError, "invalid_payload")
		return
	}

	acceptance, err := h.deps.Webhooks.Accept(r.Context(), evt)
	if err != nil {
		h.logger.Error().Err(err).Int64("object_id", evt.ObjectID).Msg("webhook event not queued")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(acceptance)})
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, ErrorResponse{Error: code})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toActivityView(a domain.Activity) ActivityView {
	return ActivityView{
		UpstreamID:     a.UpstreamID,
		Name:           a.Name,
		SportType:      a.SportType,
		Distance:       a.Distance,
		ElevationGain:  a.ElevationGain,
		StartTime:      a.StartTime,
		StartTimeLocal: a.StartTimeLocal,
		AverageSpeed:   a.AverageSpeed,
		MaxSpeed:       a.MaxSpeed,
		AverageWatts:   a.AverageWatts,
		MaxWatts:       a.MaxWatts,
		AverageCadence: a.AverageCadence,
		MaxHeartrate:   a.MaxHeartrate,
		Visibility:     a.Visibility,
		Description:    a.Description,
		UpdatedAt:      a.UpdatedAt,
	}
}
