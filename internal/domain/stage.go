package domain

import "fmt"

// Stage is the state of one synchronization run.
//
// Only StageProcessing may end in StageAborted. A run cancelled while it still
// refreshes the token or fetches the activity list ends in StageError with the
// connection_aborted code, so clients should treat that code as a cancellation.
type Stage string

const (
	StageConnecting     Stage = "connecting"
	StageTokenRefreshed Stage = "token_refreshed"
	StageFetching       Stage = "fetching"
	StageProcessing     Stage = "processing"
	StageCompleted      Stage = "completed"
	StageError          Stage = "error"
	StageAborted        Stage = "aborted"
)

var stageTransitions = map[Stage][]Stage{
	StageConnecting:     {StageTokenRefreshed, StageFetching, StageError},
	StageTokenRefreshed: {StageFetching, StageError},
	StageFetching:       {StageProcessing, StageError},
	StageProcessing:     {StageProcessing, StageCompleted, StageAborted, StageError},
	StageCompleted:      nil,
	StageError:          nil,
	StageAborted:        nil,
}

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	next, ok := stageTransitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether moving from s to next is allowed.
func (s Stage) CanTransition(next Stage) bool {
	for _, candidate := range stageTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Transition validates the move from s to next.
func (s Stage) Transition(next Stage) (Stage, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("invalid stage transition %s -> %s", s, next)
	}
	return next, nil
}

// ProgressEvent is one frame pushed to the client during a run.
type ProgressEvent struct {
	RunID     string `json:"run_id,omitempty"`
	Progress  int    `json:"progress"`
	Status    Stage  `json:"status"`
	Processed int    `json:"processed,omitempty"`
	Total     int    `json:"total,omitempty"`
	Error     string `json:"error,omitempty"`
}
