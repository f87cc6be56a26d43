// Package orchestrator composes the job store, durable queue, container
// runner, event bus and artifact resolver into the service's job API.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"previewstudio/internal/apperrors"
	"previewstudio/internal/artifact"
	"previewstudio/internal/events"
	"previewstudio/internal/job"
	"previewstudio/internal/notify"
	"previewstudio/internal/observability"
	"previewstudio/internal/queue"
	"previewstudio/internal/runner"
	"previewstudio/pkg/cloudevent"
)

// callbackSource identifies this service in outgoing CloudEvents.
const callbackSource = "previewstudio/service"

// ContainerRunner is the subset of the runner the orchestrator drives.
type ContainerRunner interface {
	EnsureImage(ctx context.Context, jobID string) error
	Run(ctx context.Context, jobID, workDir string) (*runner.Result, error)
	Cancel(ctx context.Context, jobID string) bool
	Pause(ctx context.Context, jobID string) error
	Unpause(ctx context.Context, jobID string) error
	Status(ctx context.Context, jobID string) runner.ContainerStatus
	Ready(ctx context.Context) error
}

// TargetResolver turns a submission payload into the job's render targets,
// returning target-independent warnings alongside.
type TargetResolver func(ctx context.Context, payload job.Payload) ([]job.Target, []string, error)

// ArtworkStager populates a job's input directory with base artwork before
// the render starts.
type ArtworkStager func(ctx context.Context, j *job.Job, inputDir string) error

// Config holds the orchestrator's collaborators and queue settings.
type Config struct {
	Store    *job.Store
	Runner   ContainerRunner
	Bus      *events.Bus
	Resolver *artifact.Resolver

	Notifier notify.Notifier        // optional, nil disables webhooks
	Metrics  *observability.Metrics // optional

	QueueRoot string
	Queue     queue.Config

	ResolveTargets TargetResolver
	StageArtwork   ArtworkStager // optional
}

// Orchestrator owns the single-worker render pipeline. One instance per
// process holds the container-runtime connection and the single-active-job
// invariant.
type Orchestrator struct {
	store    *job.Store
	queue    *queue.Service
	runner   ContainerRunner
	bus      *events.Bus
	resolver *artifact.Resolver
	notifier notify.Notifier
	metrics  *observability.Metrics

	resolveTargets TargetResolver
	stageArtwork   ArtworkStager

	logger *slog.Logger
	busSub *events.Subscription

	mu         sync.Mutex
	startsAt   map[string]time.Time
	cancelling map[string]bool
}

// New wires the orchestrator and starts the queue worker.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Runner == nil || cfg.Bus == nil || cfg.Resolver == nil {
		return nil, fmt.Errorf("store, runner, bus and resolver are required")
	}
	if cfg.ResolveTargets == nil {
		return nil, fmt.Errorf("target resolver is required")
	}

	o := &Orchestrator{
		store:          cfg.Store,
		runner:         cfg.Runner,
		bus:            cfg.Bus,
		resolver:       cfg.Resolver,
		notifier:       cfg.Notifier,
		metrics:        cfg.Metrics,
		resolveTargets: cfg.ResolveTargets,
		stageArtwork:   cfg.StageArtwork,
		logger:         slog.With("component", "orchestrator"),
		startsAt:       make(map[string]time.Time),
		cancelling:     make(map[string]bool),
	}

	qs, err := queue.NewService(cfg.Store, cfg.QueueRoot, cfg.Queue, queue.Hooks{
		OnActive:    o.onActive,
		OnProgress:  o.onProgress,
		OnCompleted: o.onCompleted,
		OnFailed:    o.onFailed,
		OnStalled:   o.onStalled,
	})
	if err != nil {
		return nil, err
	}
	o.queue = qs

	// Progress events come from the runner on the bus; persist them so
	// polling clients see the same numbers as streaming ones.
	o.busSub = cfg.Bus.SubscribeAll(func(jobID string, ev events.Event) {
		if ev.Type == events.TypeProgress && ev.Data != nil && ev.Data.Progress != nil {
			o.store.UpdateStatus(jobID, job.StatusRunning, *ev.Data.Progress, "")
		}
	})

	qs.Initialize(o.process)
	return o, nil
}

// Close stops the queue worker and detaches from the bus.
func (o *Orchestrator) Close() {
	o.queue.Close()
	o.busSub.Unsubscribe()
}

// process executes one queued job end to end. It runs on the queue's single
// worker goroutine.
func (o *Orchestrator) process(ctx context.Context, e *queue.Entry, report func(int)) error {
	jobID := e.JobID
	logger := o.logger.With("jobId", jobID)

	rec, err := o.store.Get(jobID)
	if err != nil {
		return err
	}

	targets, warnings, err := o.resolveTargets(ctx, e.Payload)
	if err != nil {
		return err
	}
	rec.Targets = targets
	rec.Warnings = append(rec.Warnings, warnings...)
	if err := o.store.Save(rec); err != nil {
		return err
	}

	if err := o.store.EnsureWorkspace(jobID); err != nil {
		return err
	}
	workDir := o.store.WorkDir(jobID)

	configPath := filepath.Join(workDir, "config", "config.yml")
	if err := os.WriteFile(configPath, []byte(e.Payload.Config), 0o644); err != nil {
		return apperrors.Internal("orchestrator.writeConfig", err)
	}

	if o.stageArtwork != nil {
		if err := o.stageArtwork(ctx, rec, filepath.Join(workDir, "input")); err != nil {
			return err
		}
	}

	// Forward runner progress to the queue so its lock bookkeeping and
	// hooks see the same numbers.
	sub := o.bus.Subscribe(jobID, func(_ string, ev events.Event) {
		if ev.Type == events.TypeProgress && ev.Data != nil && ev.Data.Progress != nil {
			report(*ev.Data.Progress)
		}
	})
	defer sub.Unsubscribe()

	if err := o.runner.EnsureImage(ctx, jobID); err != nil {
		return err
	}

	res, err := o.runner.Run(ctx, jobID, workDir)
	if err != nil {
		return err
	}

	o.store.SetExitCode(jobID, res.ExitCode)
	if res.ExitCode != 0 {
		execErr := apperrors.Execution("render", res.ExitCode, nil)
		o.mu.Lock()
		cancelled := o.cancelling[jobID]
		o.mu.Unlock()
		if cancelled {
			// The non-zero exit came from our own stop signal; do
			// not spend the retry budget on it.
			return fmt.Errorf("%w: %w", queue.ErrNoRetry, execErr)
		}
		logger.Warn("Render failed", "exitCode", res.ExitCode)
		return execErr
	}
	return nil
}

// CreateJob validates a submission, creates the pending job record and
// queues it. Returns the generated job id.
func (o *Orchestrator) CreateJob(ctx context.Context, payload job.Payload) (string, error) {
	if payload.Config == "" {
		return "", apperrors.Validation("config", "renderer configuration is required")
	}
	payload.Options = payload.Options.WithDefaults()

	jobID, err := o.queue.AddJob(payload)
	if err != nil {
		return "", err
	}

	if o.metrics != nil {
		o.metrics.RecordJobCreated(ctx, payload.Options.Preset)
	}
	o.logger.Info("Job created", "jobId", jobID, "preset", payload.Options.Preset)
	return jobID, nil
}

// CancelJob cancels a job. Pending jobs are removed from the queue; running
// and paused jobs have their container stopped with the configured grace.
// The record transitions to cancelled only once the container is confirmed
// stopped. Returns false when the job is unknown or already terminal.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) bool {
	rec, err := o.store.Get(jobID)
	if err != nil {
		return false
	}

	switch rec.Status {
	case job.StatusPending:
		if !o.queue.Remove(jobID) {
			return false
		}
		o.store.UpdateStatus(jobID, job.StatusCancelled, rec.Progress, "")
		o.bus.Emit(jobID, events.Event{Type: events.TypeLog, Message: "job cancelled before execution"})
		return true

	case job.StatusPaused:
		// A frozen container cannot act on the stop signal.
		if err := o.runner.Unpause(ctx, jobID); err != nil {
			o.logger.Warn("Failed to unpause before cancel", "jobId", jobID, "error", err)
		}
		fallthrough

	case job.StatusRunning:
		// Flag the cancel before signaling the container, so the
		// interrupted run's failure hook lands on cancelled rather
		// than failed.
		o.mu.Lock()
		o.cancelling[jobID] = true
		o.mu.Unlock()

		if !o.runner.Cancel(ctx, jobID) {
			o.mu.Lock()
			delete(o.cancelling, jobID)
			o.mu.Unlock()
			return false
		}
		o.store.UpdateStatus(jobID, job.StatusCancelled, rec.Progress, "")
		return true
	}
	return false
}

// PauseJob freezes a running job's container.
func (o *Orchestrator) PauseJob(ctx context.Context, jobID string) bool {
	rec, err := o.store.Get(jobID)
	if err != nil || rec.Status != job.StatusRunning {
		return false
	}
	if err := o.runner.Pause(ctx, jobID); err != nil {
		o.logger.Warn("Failed to pause container", "jobId", jobID, "error", err)
		return false
	}
	o.store.UpdateStatus(jobID, job.StatusPaused, rec.Progress, "")
	o.bus.Emit(jobID, events.Event{Type: events.TypeLog, Message: "job paused"})
	return true
}

// ResumeJob unfreezes a paused job's container.
func (o *Orchestrator) ResumeJob(ctx context.Context, jobID string) bool {
	rec, err := o.store.Get(jobID)
	if err != nil || rec.Status != job.StatusPaused {
		return false
	}
	if err := o.runner.Unpause(ctx, jobID); err != nil {
		o.logger.Warn("Failed to unpause container", "jobId", jobID, "error", err)
		return false
	}
	o.store.UpdateStatus(jobID, job.StatusRunning, rec.Progress, "")
	o.bus.Emit(jobID, events.Event{Type: events.TypeLog, Message: "job resumed"})
	return true
}

// ForceFailJob unconditionally marks a non-terminal job failed. It mutates
// the record directly without signaling the runner, for recovering jobs
// whose container or runtime connection is unresponsive. Returns false for
// terminal or unknown jobs.
func (o *Orchestrator) ForceFailJob(ctx context.Context, jobID string) bool {
	rec, err := o.store.Get(jobID)
	if err != nil || rec.Status.Terminal() {
		return false
	}

	const reason = "force-failed by operator"
	if !o.store.UpdateStatus(jobID, job.StatusFailed, rec.Progress, reason) {
		return false
	}

	// Drop a still-waiting queue entry so the dead job is never picked up.
	o.queue.Remove(jobID)

	o.bus.Emit(jobID, events.Event{Type: events.TypeError, Message: reason})
	o.logger.Warn("Job force-failed", "jobId", jobID, "previousStatus", rec.Status)
	return true
}

// RetryJob re-queues a failed job, resetting its progress to zero. Permitted
// only from the failed state.
func (o *Orchestrator) RetryJob(ctx context.Context, jobID string) error {
	rec, err := o.store.Get(jobID)
	if err != nil {
		return err
	}
	if rec.Status != job.StatusFailed {
		return apperrors.Conflict("job", jobID, fmt.Sprintf("retry requires a failed job, status is %s", rec.Status))
	}

	// Reset the record before waking the queue: the worker may pick the
	// entry up immediately, and its running transition must not be
	// clobbered by a late reset.
	orig := rec.Clone()
	rec.Status = job.StatusPending
	rec.Progress = 0
	rec.Error = ""
	rec.ExitCode = nil
	rec.CompletedAt = nil
	if err := o.store.Save(rec); err != nil {
		return err
	}

	if err := o.queue.Retry(jobID); err != nil {
		if serr := o.store.Save(orig); serr != nil {
			o.logger.Warn("Failed to restore record after rejected retry", "jobId", jobID, "error", serr)
		}
		return err
	}

	if o.metrics != nil {
		o.metrics.RecordQueueRetry(ctx)
	}
	o.logger.Info("Job re-queued", "jobId", jobID)
	return nil
}

// GetJobMeta returns a job's record.
func (o *Orchestrator) GetJobMeta(jobID string) (*job.Job, error) {
	return o.store.Get(jobID)
}

// GetActiveJob returns the running or paused job, or nil.
func (o *Orchestrator) GetActiveJob() *job.Job {
	return o.store.ActiveJob()
}

// ListJobs returns one page of jobs, newest first, optionally filtered by
// status. Returns the page and the total count after filtering.
func (o *Orchestrator) ListJobs(page, limit int, statusFilter job.Status) ([]*job.Job, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	all := o.store.List()
	if statusFilter != "" {
		filtered := all[:0]
		for _, j := range all {
			if j.Status == statusFilter {
				filtered = append(filtered, j)
			}
		}
		all = filtered
	}

	total := len(all)
	start := (page - 1) * limit
	if start >= total {
		return []*job.Job{}, total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return all[start:end], total
}

// GetJobArtifacts returns the produced artifacts for a job.
func (o *Orchestrator) GetJobArtifacts(jobID string) ([]artifact.Item, error) {
	return o.resolver.Artifacts(jobID)
}

// GetImagePath resolves an artifact image to a filesystem path.
func (o *Orchestrator) GetImagePath(jobID, folder, filename string) (string, error) {
	return o.resolver.ResolveImagePath(jobID, folder, filename)
}

// GetLogPath returns the job's container log file path.
func (o *Orchestrator) GetLogPath(jobID string) (string, error) {
	return o.resolver.LogPath(jobID)
}

// Subscribe attaches a handler to one job's event stream.
func (o *Orchestrator) Subscribe(jobID string, h events.Handler) *events.Subscription {
	return o.bus.Subscribe(jobID, h)
}

// QueueCounts exposes per-state queue depths for metrics reporting.
func (o *Orchestrator) QueueCounts() map[queue.EntryState]int {
	return o.queue.Counts()
}

// Ready reports whether the runner can accept work.
func (o *Orchestrator) Ready(ctx context.Context) error {
	return o.runner.Ready(ctx)
}

// Queue lifecycle hooks. These run on queue goroutines.

func (o *Orchestrator) onActive(jobID string) {
	o.store.UpdateStatus(jobID, job.StatusRunning, 0, "")

	o.mu.Lock()
	o.startsAt[jobID] = time.Now()
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordJobStarted(context.Background(), o.presetFor(jobID))
	}

	o.dispatch(jobID, func(b *notify.EventBuilder) *cloudevent.CloudEvent {
		return b.BuildStartEvent()
	})
}

func (o *Orchestrator) onProgress(jobID string, progress int) {
	o.dispatch(jobID, func(b *notify.EventBuilder) *cloudevent.CloudEvent {
		return b.BuildProgressEvent(progress)
	})
}

func (o *Orchestrator) onCompleted(jobID string) {
	o.mu.Lock()
	delete(o.cancelling, jobID)
	o.mu.Unlock()

	o.store.UpdateStatus(jobID, job.StatusCompleted, 100, "")
	o.finishMetrics(jobID, true)

	o.dispatch(jobID, func(b *notify.EventBuilder) *cloudevent.CloudEvent {
		return b.BuildCompleteEvent(0)
	})
}

func (o *Orchestrator) onFailed(jobID string, err error) {
	o.mu.Lock()
	wasCancelled := o.cancelling[jobID]
	delete(o.cancelling, jobID)
	o.mu.Unlock()

	if wasCancelled {
		// The run was killed on purpose; finalize as cancelled and
		// skip the failure callback.
		o.store.UpdateStatus(jobID, job.StatusCancelled, 0, "")
		o.finishMetrics(jobID, false)
		return
	}

	o.store.UpdateStatus(jobID, job.StatusFailed, 0, err.Error())
	o.finishMetrics(jobID, false)

	exitCode := -1
	if rec, gerr := o.store.Get(jobID); gerr == nil && rec.ExitCode != nil {
		exitCode = *rec.ExitCode
	}
	o.dispatch(jobID, func(b *notify.EventBuilder) *cloudevent.CloudEvent {
		return b.BuildFailedEvent(exitCode, err.Error())
	})
}

func (o *Orchestrator) onStalled(jobID string) {
	if o.metrics != nil {
		o.metrics.RecordQueueStalled(context.Background())
	}
	o.bus.Emit(jobID, events.Event{
		Type:    events.TypeError,
		Message: apperrors.Stall(jobID).Error(),
	})
}

func (o *Orchestrator) finishMetrics(jobID string, success bool) {
	o.mu.Lock()
	started, ok := o.startsAt[jobID]
	delete(o.startsAt, jobID)
	o.mu.Unlock()

	if o.metrics != nil && ok {
		o.metrics.RecordJobFinished(context.Background(), o.presetFor(jobID), success, time.Since(started).Seconds())
	}
}

func (o *Orchestrator) presetFor(jobID string) string {
	if e, ok := o.queue.Get(jobID); ok {
		return e.Payload.Options.Preset
	}
	return "unknown"
}

// dispatch delivers a webhook event for jobs submitted with a callback.
func (o *Orchestrator) dispatch(jobID string, build func(*notify.EventBuilder) *cloudevent.CloudEvent) {
	if o.notifier == nil {
		return
	}
	e, ok := o.queue.Get(jobID)
	if !ok || e.Payload.Options.Callback == nil || e.Payload.Options.Callback.URL == "" {
		return
	}
	cb := e.Payload.Options.Callback

	ev := build(notify.NewEventBuilder(jobID, callbackSource))
	if !notify.FilteredEvents(ev.Type, cb.Events) {
		return
	}

	if err := o.notifier.Notify(&notify.Event{
		Payload:     ev,
		Destination: cb.URL,
		SigningKey:  cb.Key,
	}); err != nil {
		o.logger.Warn("Failed to queue callback event", "jobId", jobID, "type", ev.Type, "error", err)
	}
}
