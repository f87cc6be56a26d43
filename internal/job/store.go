package job

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"previewstudio/internal/apperrors"
)

const recordFile = "job.json"

// Workspace subdirectories created for every job.
var workspaceDirs = []string{
	"input",
	"output",
	filepath.Join("output", "draft"),
	"config",
	"logs",
}

// Store persists job records as one JSON file per job under a jobs root,
// with an in-memory cache that always reflects the last successful durable
// write. Writes are serialized; last-writer-wins is acceptable because only
// one worker processes a given job at a time.
type Store struct {
	mu    sync.Mutex
	root  string
	cache map[string]*Job
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create jobs root: %w", err)
	}
	return &Store{
		root:  dir,
		cache: make(map[string]*Job),
	}, nil
}

// Root returns the jobs root directory.
func (s *Store) Root() string {
	return s.root
}

// WorkDir returns the per-job working directory.
func (s *Store) WorkDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

// EnsureWorkspace creates the job's working directory layout
// (input/, output/, output/draft/, config/, logs/).
func (s *Store) EnsureWorkspace(jobID string) error {
	for _, sub := range workspaceDirs {
		if err := os.MkdirAll(filepath.Join(s.WorkDir(jobID), sub), 0o755); err != nil {
			return fmt.Errorf("failed to create workspace for job %s: %w", jobID, err)
		}
	}
	return nil
}

// Get returns a job, checking the cache before durable storage.
func (s *Store) Get(jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(jobID)
}

func (s *Store) getLocked(jobID string) (*Job, error) {
	if j, ok := s.cache[jobID]; ok {
		return j.Clone(), nil
	}

	j, err := s.load(jobID)
	if err != nil {
		return nil, err
	}
	s.cache[jobID] = j
	return j.Clone(), nil
}

func (s *Store) load(jobID string) (*Job, error) {
	data, err := os.ReadFile(filepath.Join(s.WorkDir(jobID), recordFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("job", jobID)
		}
		return nil, apperrors.Internal("store.read", err)
	}

	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, apperrors.Internal("store.decode", err)
	}
	return &j, nil
}

// Save writes the record durably and updates the cache. UpdatedAt is set to
// the write time.
func (s *Store) Save(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := j.Clone()
	c.UpdatedAt = time.Now()
	if err := s.persist(c); err != nil {
		return err
	}
	s.cache[c.ID] = c
	return nil
}

// persist writes the record atomically (temp file + rename).
func (s *Store) persist(j *Job) error {
	if err := os.MkdirAll(s.WorkDir(j.ID), 0o755); err != nil {
		return apperrors.Internal("store.mkdir", err)
	}

	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return apperrors.Internal("store.encode", err)
	}

	path := filepath.Join(s.WorkDir(j.ID), recordFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.Internal("store.write", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperrors.Internal("store.rename", err)
	}
	return nil
}

// UpdateStatus mutates status, progress and timestamps, then persists.
// It is a no-op returning false when:
//   - the job is not in the cache (records not created through the proper
//     path are never resurrected),
//   - the transition is illegal (UpdatedAt is left untouched), or
//   - the durable write fails (the cache keeps the last durable state).
//
// Progress never decreases; a lower value is clamped to the current one.
// CompletedAt is set exactly when the new status is terminal.
func (s *Store) UpdateStatus(jobID string, status Status, progress int, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.cache[jobID]
	if !ok {
		return false
	}

	sameNonTerminal := status == cur.Status && !cur.Status.Terminal()
	if !sameNonTerminal && !CanTransition(cur.Status, status) {
		return false
	}

	next := cur.Clone()
	next.Status = status
	if progress > next.Progress {
		next.Progress = progress
	}
	next.UpdatedAt = time.Now()
	if errMsg != "" {
		next.Error = errMsg
	}
	if status.Terminal() {
		now := next.UpdatedAt
		next.CompletedAt = &now
	} else {
		next.CompletedAt = nil
	}

	if err := s.persist(next); err != nil {
		slog.Warn("Failed to persist status update", "jobId", jobID, "status", status, "error", err)
		return false
	}
	s.cache[jobID] = next
	return true
}

// SetExitCode records the renderer exit code on the job.
func (s *Store) SetExitCode(jobID string, exitCode int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.cache[jobID]
	if !ok {
		return false
	}
	next := cur.Clone()
	next.ExitCode = &exitCode
	next.UpdatedAt = time.Now()
	if err := s.persist(next); err != nil {
		slog.Warn("Failed to persist exit code", "jobId", jobID, "error", err)
		return false
	}
	s.cache[jobID] = next
	return true
}

// List returns all jobs newest first. Missing or corrupt records are skipped;
// listing stays resilient to partial state.
func (s *Store) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		slog.Warn("Failed to read jobs root", "error", err)
		return nil
	}

	jobs := make([]*Job, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		j, err := s.getLocked(e.Name())
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	return jobs
}

// ActiveJob returns the job with status running or paused, or nil. The cache
// is consulted first. If the single-active invariant was violated (e.g. after
// a crash), the oldest by CreatedAt wins deterministically.
func (s *Store) ActiveJob() *Job {
	s.mu.Lock()
	var active *Job
	for _, j := range s.cache {
		if j.Status == StatusRunning || j.Status == StatusPaused {
			if active == nil || j.CreatedAt.Before(active.CreatedAt) {
				active = j
			}
		}
	}
	if active != nil {
		defer s.mu.Unlock()
		return active.Clone()
	}
	s.mu.Unlock()

	for _, j := range s.List() {
		if j.Status == StatusRunning || j.Status == StatusPaused {
			if active == nil || j.CreatedAt.Before(active.CreatedAt) {
				active = j
			}
		}
	}
	return active
}

// Delete removes a job's record and workspace. Used only by the
// orchestrator-level eviction policy.
func (s *Store) Delete(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, jobID)
	if err := os.RemoveAll(s.WorkDir(jobID)); err != nil {
		return apperrors.Internal("store.delete", err)
	}
	return nil
}
