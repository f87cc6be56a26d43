package runner

import (
	"sync"

	"previewstudio/internal/apperrors"
)

// containerState holds the runtime state for a single job's container.
type containerState struct {
	containerID string
}

// stateRepo tracks the container for each in-flight job with thread-safe
// access. A slot is reserved with nil before the container exists so a
// duplicate Run for the same job fails fast.
type stateRepo struct {
	mu   sync.RWMutex
	jobs map[string]*containerState
}

func newStateRepo() *stateRepo {
	return &stateRepo{
		jobs: make(map[string]*containerState),
	}
}

// reserve claims a job ID slot. Returns error if already claimed.
func (r *stateRepo) reserve(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[jobID]; exists {
		return apperrors.Conflict("job", jobID, "container already running")
	}
	r.jobs[jobID] = nil
	return nil
}

// commit fills in a reserved slot with the created container.
func (r *stateRepo) commit(jobID string, cs *containerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID] = cs
}

// release removes a job from the repository. Returns the state if it existed.
func (r *stateRepo) release(jobID string) (*containerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, exists := r.jobs[jobID]
	if exists {
		delete(r.jobs, jobID)
	}
	return cs, exists
}

// get retrieves a job's state. Returns (nil, true) if reserved but the
// container is not created yet.
func (r *stateRepo) get(jobID string) (*containerState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cs, exists := r.jobs[jobID]
	return cs, exists
}

// ids returns all tracked job IDs.
func (r *stateRepo) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	return ids
}
