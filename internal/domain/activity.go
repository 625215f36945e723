package domain

import (
	"time"

	"github.com/goccy/go-json"
)

// Visibility values reported by the upstream API.
const (
	VisibilityEveryone      = "everyone"
	VisibilityFollowersOnly = "followers_only"
	VisibilityOnlyMe        = "only_me"
)

// Activity is the canonical ride record stored in PostgreSQL. ContentHash, not UpstreamID, is the
// identity of the physical ride.
type Activity struct {
	UpstreamID     int64
	UserID         string
	AthleteID      int64
	Name           string
	SportType      string
	Distance       float64
	ElevationGain  float64
	StartTime      time.Time
	StartTimeLocal time.Time
	AverageSpeed   float64
	MaxSpeed       float64
	AverageWatts   float64
	MaxWatts       float64
	AverageCadence float64
	MaxHeartrate   float64
	Visibility     string
	Description    string
	ContentHash    string
	RawPayload     json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

// Credential is the single live OAuth token pair of a user.
type Credential struct {
	UserID       string
	AthleteID    int64
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	UpdatedAt    time.Time
}

// Cursor models the pagination token for activity listings.
type Cursor struct {
	StartTime  time.Time
	UpstreamID int64
}

// Ranking places an activity among all activities recorded on the same local calendar day.
type Ranking struct {
	Day           time.Time
	DistanceRank  int
	ElevationRank int
	Participants  int
}
