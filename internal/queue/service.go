// Package queue implements the durable single-worker queue that serializes
// job execution, applies retry and stall policy, and surfaces lifecycle
// events to the orchestrator.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"previewstudio/internal/apperrors"
	"previewstudio/internal/job"
	"previewstudio/pkg/backoff"
)

// EntryState is the lifecycle state of a queue entry. It is independent of
// the job record's status: entries come and go with queue retention while
// records persist until orchestrator-level eviction.
type EntryState string

const (
	StateWaiting   EntryState = "waiting"
	StateActive    EntryState = "active"
	StateStalled   EntryState = "stalled"
	StateCompleted EntryState = "completed"
	StateFailed    EntryState = "failed"
)

// Entry is the durable unit of queued work: a job id plus the opaque
// submission payload, correlated 1:1 with a job record.
type Entry struct {
	JobID        string      `json:"jobId"`
	Payload      job.Payload `json:"payload"`
	Attempts     int         `json:"attempts"`
	AttemptsMade int         `json:"attemptsMade"`
	State        EntryState  `json:"state"`
	CreatedAt    time.Time   `json:"createdAt"`
	ProcessedAt  *time.Time  `json:"processedAt,omitempty"`
	FinishedAt   *time.Time  `json:"finishedAt,omitempty"`
	LockedUntil  time.Time   `json:"lockedUntil,omitempty"`
	NextRunAt    time.Time   `json:"nextRunAt,omitempty"`
	FailedReason string      `json:"failedReason,omitempty"`
}

func (e *Entry) clone() *Entry {
	c := *e
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		c.ProcessedAt = &t
	}
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// ErrNoRetry marks a processor error as final. Wrapping it skips the retry
// budget and moves the entry straight to failed.
var ErrNoRetry = errors.New("no retry")

// Processor is the job-processing function bound to the queue's worker.
// report delivers 0-100 progress back to the queue.
type Processor func(ctx context.Context, e *Entry, report func(progress int)) error

// Hooks are lifecycle callbacks consumed by the orchestrator. Nil hooks are
// skipped. Hooks run on queue goroutines and must not block for long.
type Hooks struct {
	OnActive    func(jobID string)
	OnProgress  func(jobID string, progress int)
	OnCompleted func(jobID string)
	OnFailed    func(jobID string, err error)
	OnStalled   func(jobID string)
}

// Service is the durable queue. Worker concurrency is fixed at exactly one:
// each job drives a resource-intensive renderer container, and more than one
// at a time would oversubscribe the host.
type Service struct {
	store  *job.Store
	root   string
	cfg    Config
	hooks  Hooks
	logger *slog.Logger

	mu        sync.Mutex
	entries   map[string]*Entry
	processor Processor
	started   bool

	wake     chan struct{}
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewService creates the queue over its durable root, loading any entries
// that survived a restart. Entries that were active when the process died
// have expired or soon-expiring locks; they are flagged stalled rather than
// silently re-run.
func NewService(store *job.Store, root string, cfg Config, hooks Hooks) (*Service, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue root: %w", err)
	}

	s := &Service{
		store:    store,
		root:     root,
		cfg:      cfg.withDefaults(),
		hooks:    hooks,
		logger:   slog.With("component", "queue"),
		entries:  make(map[string]*Entry),
		wake:     make(chan struct{}, 1),
		shutdown: make(chan struct{}),
	}

	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// recover loads durable entries and flags interrupted actives as stalled.
func (s *Service) recover() error {
	files, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("failed to read queue root: %w", err)
	}

	var stalled []string
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, f.Name()))
		if err != nil {
			s.logger.Warn("Skipping unreadable queue entry", "file", f.Name(), "error", err)
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			s.logger.Warn("Skipping corrupt queue entry", "file", f.Name(), "error", err)
			continue
		}

		if e.State == StateActive {
			e.State = StateStalled
			stalled = append(stalled, e.JobID)
		}
		s.entries[e.JobID] = &e
	}

	for _, id := range stalled {
		if err := s.persist(s.entries[id]); err != nil {
			s.logger.Warn("Failed to persist stalled entry", "jobId", id, "error", err)
		}
		s.logger.Warn("Job was active at shutdown, flagged stalled", "jobId", id)
		if s.hooks.OnStalled != nil {
			s.hooks.OnStalled(id)
		}
	}
	return nil
}

// Initialize binds the processing function and starts the single worker.
// Idempotent: a second call warns and changes nothing.
func (s *Service) Initialize(p Processor) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Warn("Queue already initialized, ignoring duplicate worker")
		return
	}
	s.processor = p
	s.started = true
	s.mu.Unlock()

	s.wg.Add(3)
	go s.runWorker()
	go s.runStallMonitor()
	go s.runCleanup()

	s.poke()
	s.logger.Info("Queue worker started", "lockDuration", s.cfg.LockDuration)
}

// AddJob creates a pending job record and the durable queue entry keyed by
// the same generated id, so the two are always correlated.
func (s *Service) AddJob(payload job.Payload) (string, error) {
	jobID := uuid.NewString()
	now := time.Now()

	rec := &job.Job{
		ID:        jobID,
		Status:    job.StatusPending,
		Progress:  0,
		CreatedAt: now,
		Targets:   []job.Target{},
	}
	if err := s.store.Save(rec); err != nil {
		return "", err
	}

	e := &Entry{
		JobID:     jobID,
		Payload:   payload,
		Attempts:  payload.Options.Attempts,
		State:     StateWaiting,
		CreatedAt: now,
	}
	if e.Attempts <= 0 {
		e.Attempts = 1
	}

	s.mu.Lock()
	if err := s.persist(e); err != nil {
		s.mu.Unlock()
		// Keep record and entry correlated: roll the record back.
		if derr := s.store.Delete(jobID); derr != nil {
			s.logger.Warn("Failed to roll back job record", "jobId", jobID, "error", derr)
		}
		return "", err
	}
	s.entries[jobID] = e
	s.mu.Unlock()

	s.poke()
	return jobID, nil
}

// Get returns a copy of the entry for a job id.
func (s *Service) Get(jobID string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Retry re-queues a failed entry. Permitted only from the failed state; the
// caller resets the job record's progress.
func (s *Service) Retry(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[jobID]
	if !ok {
		return apperrors.NotFound("queue entry", jobID)
	}
	if e.State != StateFailed {
		return apperrors.Conflict("job", jobID, fmt.Sprintf("retry requires a failed job, state is %s", e.State))
	}

	e.State = StateWaiting
	e.AttemptsMade = 0
	e.FailedReason = ""
	e.FinishedAt = nil
	e.NextRunAt = time.Time{}
	if err := s.persist(e); err != nil {
		return err
	}

	s.poke()
	return nil
}

// Remove deletes a waiting or stalled entry, used when a job is cancelled
// before execution. Returns false for entries in any other state.
func (s *Service) Remove(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[jobID]
	if !ok || (e.State != StateWaiting && e.State != StateStalled) {
		return false
	}
	s.drop(jobID)
	return true
}

// Counts returns the number of entries per state, for metrics.
func (s *Service) Counts() map[EntryState]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[EntryState]int)
	for _, e := range s.entries {
		counts[e.State]++
	}
	return counts
}

// Close stops the worker. The in-flight processor call is allowed to finish
// only until its context is cancelled.
func (s *Service) Close() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// runWorker is the single worker loop. It drains waiting entries oldest
// first, one at a time.
func (s *Service) runWorker() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.shutdown
		cancel()
	}()

	for {
		select {
		case <-s.shutdown:
			return
		case <-s.wake:
		case <-time.After(time.Second):
			// Periodic check picks up delayed re-runs.
		}

		for {
			e := s.nextWaiting()
			if e == nil {
				break
			}
			s.process(ctx, e)
			select {
			case <-s.shutdown:
				return
			default:
			}
		}
	}
}

// nextWaiting claims the oldest runnable waiting entry, marking it active
// under the lock so no second claim can happen.
func (s *Service) nextWaiting() *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *Entry
	now := time.Now()
	for _, e := range s.entries {
		if e.State != StateWaiting || e.NextRunAt.After(now) {
			continue
		}
		if oldest == nil || e.CreatedAt.Before(oldest.CreatedAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return nil
	}

	oldest.State = StateActive
	oldest.AttemptsMade++
	oldest.LockedUntil = now.Add(s.cfg.LockDuration)
	processed := now
	oldest.ProcessedAt = &processed
	if err := s.persist(oldest); err != nil {
		s.logger.Warn("Failed to persist active entry", "jobId", oldest.JobID, "error", err)
	}
	return oldest.clone()
}

// process runs the bound processor for one claimed entry, renewing the lock
// until the processor returns.
func (s *Service) process(ctx context.Context, e *Entry) {
	logger := s.logger.With("jobId", e.JobID, "attempt", e.AttemptsMade)
	logger.Info("Processing job")

	if s.hooks.OnActive != nil {
		s.hooks.OnActive(e.JobID)
	}

	renewDone := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.renewLock(e.JobID, renewDone)
	}()

	report := func(progress int) {
		if s.hooks.OnProgress != nil {
			s.hooks.OnProgress(e.JobID, progress)
		}
	}

	err := s.processor(ctx, e, report)
	close(renewDone)

	s.mu.Lock()
	stored, ok := s.entries[e.JobID]
	if !ok {
		// Entry was removed mid-flight (cancel path); nothing to finalize.
		s.mu.Unlock()
		return
	}

	now := time.Now()
	stored.LockedUntil = time.Time{}
	if err == nil {
		stored.State = StateCompleted
		stored.FinishedAt = &now
		if perr := s.persist(stored); perr != nil {
			logger.Warn("Failed to persist completed entry", "error", perr)
		}
		s.mu.Unlock()
		logger.Info("Job completed")
		if s.hooks.OnCompleted != nil {
			s.hooks.OnCompleted(e.JobID)
		}
		return
	}

	if stored.AttemptsMade < stored.Attempts && !errors.Is(err, ErrNoRetry) {
		delay := backoff.Exponential(stored.AttemptsMade, s.cfg.RetryBackoff)
		stored.State = StateWaiting
		stored.NextRunAt = now.Add(delay)
		if perr := s.persist(stored); perr != nil {
			logger.Warn("Failed to persist re-queued entry", "error", perr)
		}
		s.mu.Unlock()
		logger.Warn("Job attempt failed, re-queued", "error", err, "delay", delay)
		time.AfterFunc(delay, s.poke)
		return
	}

	stored.State = StateFailed
	stored.FailedReason = err.Error()
	stored.FinishedAt = &now
	if perr := s.persist(stored); perr != nil {
		logger.Warn("Failed to persist failed entry", "error", perr)
	}
	s.mu.Unlock()
	logger.Error("Job failed", "error", err)
	if s.hooks.OnFailed != nil {
		s.hooks.OnFailed(e.JobID, err)
	}
}

// renewLock extends the active entry's lock at the renewal interval until
// done is closed. Rendering jobs run long; without renewal the stall monitor
// would flag them.
func (s *Service) renewLock(jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.LockRenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.mu.Lock()
			if e, ok := s.entries[jobID]; ok && e.State == StateActive {
				e.LockedUntil = time.Now().Add(s.cfg.LockDuration)
				if err := s.persist(e); err != nil {
					s.logger.Warn("Failed to renew lock", "jobId", jobID, "error", err)
				}
			}
			s.mu.Unlock()
		}
	}
}

// runStallMonitor flags active entries whose lock expired without renewal.
// A stalled job is surfaced as an event, never auto-resolved.
func (s *Service) runStallMonitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.StallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.checkStalls()
		}
	}
}

func (s *Service) checkStalls() {
	now := time.Now()

	s.mu.Lock()
	var stalled []string
	for _, e := range s.entries {
		if e.State == StateActive && !e.LockedUntil.IsZero() && e.LockedUntil.Before(now) {
			e.State = StateStalled
			if err := s.persist(e); err != nil {
				s.logger.Warn("Failed to persist stalled entry", "jobId", e.JobID, "error", err)
			}
			stalled = append(stalled, e.JobID)
		}
	}
	s.mu.Unlock()

	for _, id := range stalled {
		s.logger.Warn("Job stalled, lock expired without renewal", "jobId", id)
		if s.hooks.OnStalled != nil {
			s.hooks.OnStalled(id)
		}
	}
}

// runCleanup periodically applies the retention policy.
func (s *Service) runCleanup() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// Cleanup prunes finished entries beyond their retention caps. Completed and
// failed entries use separate count/age pairs. Job records are untouched;
// only queue entries are pruned here.
func (s *Service) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := s.prune(StateCompleted, s.cfg.RemoveOnComplete)
	pruned += s.prune(StateFailed, s.cfg.RemoveOnFail)
	if pruned > 0 {
		s.logger.Debug("Retention pass pruned entries", "count", pruned)
	}
}

func (s *Service) prune(state EntryState, r Retention) int {
	var finished []*Entry
	for _, e := range s.entries {
		if e.State == state && e.FinishedAt != nil {
			finished = append(finished, e)
		}
	}
	sort.Slice(finished, func(i, k int) bool {
		return finished[i].FinishedAt.After(*finished[k].FinishedAt)
	})

	now := time.Now()
	var pruned int
	for i, e := range finished {
		overCount := r.Count > 0 && i >= r.Count
		overAge := r.Age > 0 && now.Sub(*e.FinishedAt) > r.Age
		if overCount || overAge {
			s.drop(e.JobID)
			pruned++
		}
	}
	return pruned
}

// drop removes an entry from memory and disk. Caller holds s.mu.
func (s *Service) drop(jobID string) {
	delete(s.entries, jobID)
	if err := os.Remove(s.entryPath(jobID)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove queue entry file", "jobId", jobID, "error", err)
	}
}

func (s *Service) entryPath(jobID string) string {
	return filepath.Join(s.root, jobID+".json")
}

// persist writes an entry atomically. Caller holds s.mu.
func (s *Service) persist(e *Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return apperrors.Internal("queue.encode", err)
	}
	path := s.entryPath(e.JobID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.Internal("queue.write", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperrors.Internal("queue.rename", err)
	}
	return nil
}
