package syncer

import (
	"context"
	"sync"
)

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry tracks in-flight runs per user so an abort can stop them. It is process-local.
type Registry struct {
	mu   sync.Mutex
	runs map[string]map[string]run
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]map[string]run)}
}

// Register records a run and returns the function that removes it again.
func (r *Registry) Register(userID, runID string, cancel context.CancelFunc) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs[userID] == nil {
		r.runs[userID] = make(map[string]run)
	}
	entry := run{cancel: cancel, done: make(chan struct{})}
	r.runs[userID][runID] = entry

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.runs[userID], runID)
			if len(r.runs[userID]) == 0 {
				delete(r.runs, userID)
			}
			close(entry.done)
		})
	}
}

// Cancel cancels every run of the user and returns channels closed when each run ends.
func (r *Registry) Cancel(userID string) []<-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	var done []<-chan struct{}
	for _, entry := range r.runs[userID] {
		entry.cancel()
		done = append(done, entry.done)
	}
	return done
}

// Active returns the number of in-flight runs of the user.
func (r *Registry) Active(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs[userID])
}
