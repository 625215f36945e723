package strava

import (
	"time"

	"github.com/goccy/go-json"

	"example.com/stravasync/internal/domain"
)

// Athlete is the summary athlete embedded in activity payloads.
type Athlete struct {
	ID int64 `json:"id"`
}

// Activity is the subset of the upstream activity representation the pipeline reads.
// Raw keeps the full upstream payload for storage.
type Activity struct {
	ID                 int64     `json:"id"`
	Athlete            Athlete   `json:"athlete"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	SportType          string    `json:"sport_type"`
	Distance           float64   `json:"distance"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	StartDate          time.Time `json:"start_date"`
	AverageSpeed       float64   `json:"average_speed"`
	MaxSpeed           float64   `json:"max_speed"`
	AverageWatts       float64   `json:"average_watts"`
	MaxWatts           float64   `json:"max_watts"`
	AverageCadence     float64   `json:"average_cadence"`
	MaxHeartrate       float64   `json:"max_heartrate"`
	Visibility         string    `json:"visibility"`
	Private            bool      `json:"private"`
	Description        string    `json:"description"`

	Raw json.RawMessage `json:"-"`
}

// Sport returns sport_type, falling back to the legacy type field.
func (a Activity) Sport() string {
	if a.SportType != "" {
		return a.SportType
	}
	return a.Type
}

// ToDomain converts the payload into an activity record owned by userID.
// ContentHash and StartTimeLocal are filled in by the pipeline.
func (a Activity) ToDomain(userID string) domain.Activity {
	visibility := a.Visibility
	if visibility == "" {
		visibility = domain.VisibilityEveryone
		if a.Private {
			visibility = domain.VisibilityOnlyMe
		}
	}
	return domain.Activity{
		UpstreamID:     a.ID,
		UserID:         userID,
		AthleteID:      a.Athlete.ID,
		Name:           a.Name,
		SportType:      a.Sport(),
		Distance:       a.Distance,
		ElevationGain:  a.TotalElevationGain,
		StartTime:      a.StartDate.UTC(),
		AverageSpeed:   a.AverageSpeed,
		MaxSpeed:       a.MaxSpeed,
		AverageWatts:   a.AverageWatts,
		MaxWatts:       a.MaxWatts,
		AverageCadence: a.AverageCadence,
		MaxHeartrate:   a.MaxHeartrate,
		Visibility:     visibility,
		Description:    a.Description,
		RawPayload:     a.Raw,
	}
}

// TokenSet is the result of a refresh grant.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type tokenResponse struct {
	TokenType    string `json:"token_type"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (r tokenResponse) tokenSet(now time.Time) TokenSet {
	expires := time.Unix(r.ExpiresAt, 0).UTC()
	if r.ExpiresAt == 0 {
		expires = now.Add(time.Duration(r.ExpiresIn) * time.Second).UTC()
	}
	return TokenSet{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken, ExpiresAt: expires}
}

func decodeActivity(body []byte) (Activity, error) {
	var a Activity
	if err := json.Unmarshal(body, &a); err != nil {
		return Activity{}, err
	}
	a.Raw = append(json.RawMessage(nil), body...)
	return a, nil
}

func decodeActivities(body []byte) ([]Activity, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, err
	}
	out := make([]Activity, 0, len(raws))
	for _, raw := range raws {
		a, err := decodeActivity(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
