// Package strava is a small client for the Strava v3 API covering the calls the
// sync pipeline needs.
package strava

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"example.com/stravasync/internal/domain"
	"example.com/stravasync/internal/observability"
)

const (
	opList     = "list_activities"
	opGet      = "get_activity"
	opUpdate   = "update_activity"
	opRefresh  = "refresh_token"
	maxBody    = 4 << 20
	breakerKey = "strava"
)

// Config configures the client.
type Config struct {
	ClientID          string
	ClientSecret      string
	BaseURL           string
	TokenURL          string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	FailureThreshold  uint32
	OpenTimeout       time.Duration
}

// Client talks to the upstream API through a rate limiter and a circuit breaker.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  zerolog.Logger
	now     func() time.Time
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger overrides the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient constructs a Client.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{},
		limiter: rate.NewLimiter(limit, burst),
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    breakerKey,
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return !countsAgainstBreaker(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.RecordBreakerState(name, int(to))
			c.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return c
}

// ListActivities returns the most recent page of the athlete's activities.
func (c *Client) ListActivities(ctx context.Context, accessToken string, perPage int) ([]Activity, error) {
	query := url.Values{}
	query.Set("per_page", strconv.Itoa(perPage))
	query.Set("page", "1")
	req, err := c.newRequest(ctx, http.MethodGet, c.cfg.BaseURL+"/athlete/activities?"+query.Encode(), accessToken, nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, opList, req)
	if err != nil {
		return nil, err
	}
	activities, err := decodeActivities(body)
	if err != nil {
		return nil, fmt.Errorf("%w: decode activity list: %v", domain.ErrNetwork, err)
	}
	return activities, nil
}

// GetActivity fetches the detailed representation of a single activity.
func (c *Client) GetActivity(ctx context.Context, accessToken string, id int64) (Activity, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("%s/activities/%d", c.cfg.BaseURL, id), accessToken, nil)
	if err != nil {
		return Activity{}, err
	}
	body, err := c.do(ctx, opGet, req)
	if err != nil {
		return Activity{}, err
	}
	activity, err := decodeActivity(body)
	if err != nil {
		return Activity{}, fmt.Errorf("%w: decode activity %d: %v", domain.ErrNetwork, id, err)
	}
	return activity, nil
}

// UpdateDescription overwrites the upstream activity description.
func (c *Client) UpdateDescription(ctx context.Context, accessToken string, id int64, description string) error {
	payload, err := json.Marshal(map[string]string{"description": description})
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPut, fmt.Sprintf("%s/activities/%d", c.cfg.BaseURL, id), accessToken, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(ctx, opUpdate, req)
	return err
}

// RefreshToken exchanges a refresh token for a new token pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (TokenSet, error) {
	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenSet{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(ctx, opRefresh, req)
	if err != nil {
		return TokenSet{}, err
	}
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return TokenSet{}, fmt.Errorf("%w: decode token response: %v", domain.ErrTokenRefreshFailed, err)
	}
	if resp.AccessToken == "" {
		return TokenSet{}, fmt.Errorf("%w: empty access token", domain.ErrTokenRefreshFailed)
	}
	return resp.tokenSet(c.now()), nil
}

func (c *Client) newRequest(ctx context.Context, method, target, accessToken string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(ctx context.Context, op string, req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s: rate limiter: %v", domain.ErrNetwork, op, err)
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		callCtx, cancel := context.WithTimeout(req.Context(), c.cfg.Timeout)
		defer cancel()

		resp, err := c.http.Do(req.WithContext(callCtx))
		if err != nil {
			observability.RecordUpstreamRequest(op, "transport_error")
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrNetwork, op, err)
		}
		defer resp.Body.Close()

		c.recordUsage(resp.Header)
		observability.RecordUpstreamRequest(op, strconv.Itoa(resp.StatusCode))

		payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: read body: %v", domain.ErrNetwork, op, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &APIError{Operation: op, StatusCode: resp.StatusCode, Body: truncate(string(payload), 512)}
		}
		return payload, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrNetwork, op, err)
	}
	return body, err
}

// recordUsage exports X-RateLimit-Usage, formatted as "<15min>,<daily>".
func (c *Client) recordUsage(h http.Header) {
	usage := h.Get("X-RateLimit-Usage")
	if usage == "" {
		return
	}
	windows := []string{"15min", "daily"}
	for i, part := range strings.Split(usage, ",") {
		if i >= len(windows) {
			break
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			continue
		}
		observability.RecordRateLimitUsage(windows[i], v)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
