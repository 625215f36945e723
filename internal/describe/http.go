package describe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"example.com/stravasync/internal/domain"
)

const (
	defaultHTTPTimeout = 20 * time.Second
	defaultAttempts    = 3
	retryBaseDelay     = 250 * time.Millisecond
)

// HTTPConfig configures the remote text generator.
type HTTPConfig struct {
	Endpoint    string
	APIKey      string
	Marker      string
	Timeout     time.Duration
	MaxAttempts int
}

// HTTPGenerator posts a prompt to a text-generation endpoint.
type HTTPGenerator struct {
	client   *http.Client
	url      string
	apiKey   string
	marker   string
	attempts int
	delay    time.Duration
	logger   zerolog.Logger
}

type generateRequest struct {
	Prompt   string          `json:"prompt"`
	Activity activitySummary `json:"activity"`
}

type activitySummary struct {
	Name          string  `json:"name"`
	SportType     string  `json:"sport_type"`
	DistanceM     float64 `json:"distance_m"`
	ElevationM    float64 `json:"elevation_gain_m"`
	MovingSpeed   float64 `json:"average_speed"`
	AverageWatts  float64 `json:"average_watts,omitempty"`
	DistanceRank  int     `json:"distance_rank,omitempty"`
	ElevationRank int     `json:"elevation_rank,omitempty"`
	Participants  int     `json:"participants,omitempty"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// StatusError is a non-successful generator response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("description generator returned %d: %s", e.Status, e.Body)
}

// Unwrap maps the status onto the error taxonomy.
func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusTooManyRequests {
		return domain.ErrAPILimitExceeded
	}
	return domain.ErrNetwork
}

// NewHTTPGenerator constructs an HTTPGenerator.
func NewHTTPGenerator(cfg HTTPConfig, logger zerolog.Logger) *HTTPGenerator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultAttempts
	}
	return &HTTPGenerator{
		client:   &http.Client{Timeout: cfg.Timeout},
		url:      strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		marker:   cfg.Marker,
		attempts: cfg.MaxAttempts,
		delay:    retryBaseDelay,
		logger:   logger,
	}
}

// Generate implements Generator. Server errors and transport failures are retried;
// rate limiting and client errors are returned immediately.
func (g *HTTPGenerator) Generate(ctx context.Context, in Input) (string, error) {
	payload, err := json.Marshal(generateRequest{
		Prompt: "Write a short, upbeat description for this ride.",
		Activity: activitySummary{
			Name:          in.Activity.Name,
			SportType:     in.Activity.SportType,
			DistanceM:     in.Activity.Distance,
			ElevationM:    in.Activity.ElevationGain,
			MovingSpeed:   in.Activity.AverageSpeed,
			AverageWatts:  in.Activity.AverageWatts,
			DistanceRank:  in.Ranking.DistanceRank,
			ElevationRank: in.Ranking.ElevationRank,
			Participants:  in.Ranking.Participants,
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode generate request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= g.attempts; attempt++ {
		text, err := g.post(ctx, payload)
		if err == nil {
			return withMarker(text, g.marker), nil
		}
		lastErr = err
		if !retryable(err) || attempt == g.attempts {
			break
		}
		g.logger.Debug().Err(err).Int("attempt", attempt).Msg("retrying description generation")
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", domain.ErrNetwork, ctx.Err())
		case <-time.After(time.Duration(1<<uint(attempt-1)) * g.delay):
		}
	}
	return "", lastErr
}

func (g *HTTPGenerator) post(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode generate response: %v", domain.ErrNetwork, err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return "", fmt.Errorf("%w: empty description", domain.ErrNetwork)
	}
	return out.Text, nil
}

func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= 500
	}
	return true
}
