// Package runner executes renderer containers on the host Docker daemon,
// streaming their output onto the event bus and into the job's log file.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"previewstudio/internal/apperrors"
	"previewstudio/internal/events"
)

// ContainerStatus is the daemon-side view of a job's container.
type ContainerStatus string

const (
	StatusRunning  ContainerStatus = "running"
	StatusStopped  ContainerStatus = "stopped"
	StatusNotFound ContainerStatus = "not_found"
)

// Result is the outcome of one renderer run.
type Result struct {
	ExitCode int
}

// Renderer progress lines look like "[progress] 42".
const progressPrefix = "[progress]"

// Runner drives one renderer container per job.
type Runner struct {
	client *client.Client
	cfg    Config
	bus    *events.Bus
	state  *stateRepo
}

// NewRunner creates a runner connected to the host Docker daemon.
func NewRunner(cfg Config, bus *events.Bus) (*Runner, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Runner{
		client: dockerClient,
		cfg:    cfg.withDefaults(),
		bus:    bus,
		state:  newStateRepo(),
	}, nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (r *Runner) Ready(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Close releases the daemon connection.
func (r *Runner) Close() error {
	return r.client.Close()
}

// EnsureImage pulls the renderer image if it is not present locally. Pull
// progress is surfaced as log events so subscribers see why a job has not
// started yet. The pull runs on a detached context: an aborted request must
// not leave a half-pulled image.
func (r *Runner) EnsureImage(ctx context.Context, jobID string) error {
	if _, err := r.client.ImageInspect(ctx, r.cfg.Image); err == nil {
		return nil
	}

	r.bus.Emit(jobID, events.Event{
		Type:    events.TypeLog,
		Message: fmt.Sprintf("pulling renderer image %s", r.cfg.Image),
	})

	pullCtx := context.WithoutCancel(ctx)
	reader, err := r.client.ImagePull(pullCtx, r.cfg.Image, image.PullOptions{})
	if err != nil {
		return apperrors.Internal("docker.pullImage", err)
	}
	defer reader.Close()

	// The pull stream is a sequence of JSON status messages. Emit one log
	// event per distinct status to keep the event stream readable.
	dec := json.NewDecoder(reader)
	var lastStatus string
	for {
		var msg struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return apperrors.Internal("docker.pullImage", err)
		}
		if msg.Error != "" {
			return apperrors.Internal("docker.pullImage", fmt.Errorf("%s", msg.Error))
		}
		if msg.Status != "" && msg.Status != lastStatus {
			lastStatus = msg.Status
			r.bus.Emit(jobID, events.Event{Type: events.TypeLog, Message: msg.Status})
		}
	}
	return nil
}

// Run creates and starts the renderer container for a job, streams its
// output until exit, and removes the container. It blocks for the lifetime
// of the render. workDir is the job's local workspace directory.
func (r *Runner) Run(ctx context.Context, jobID, workDir string) (*Result, error) {
	if err := r.state.reserve(jobID); err != nil {
		return nil, err
	}
	defer r.state.release(jobID)

	containerID, err := r.createContainer(ctx, jobID, workDir)
	if err != nil {
		return nil, apperrors.Internal("docker.createContainer", err)
	}
	r.state.commit(jobID, &containerState{containerID: containerID})
	defer r.removeContainer(containerID)

	// Attach before start so no output is lost.
	attach, err := r.client.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, apperrors.Internal("docker.attachContainer", err)
	}
	defer attach.Close()

	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, apperrors.Internal("docker.startContainer", err)
	}

	logPath := filepath.Join(workDir, "logs", "container.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, apperrors.Internal("runner.openLog", err)
	}

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		r.streamOutput(jobID, attach.Reader, logFile)
	}()

	exitCode, waitErr := r.waitForExit(ctx, containerID)

	<-streamDone
	if err := logFile.Close(); err != nil {
		slog.Warn("Failed to close container log", "jobId", jobID, "error", err)
	}

	if waitErr != nil {
		return nil, apperrors.Internal("docker.waitContainer", waitErr)
	}

	if exitCode == 0 {
		r.bus.Emit(jobID, events.Event{
			Type: events.TypeComplete,
			Data: events.ExitData(exitCode, 100),
		})
	} else {
		r.bus.Emit(jobID, events.Event{
			Type:    events.TypeError,
			Message: fmt.Sprintf("renderer exited with code %d", exitCode),
			Data:    &events.Data{ExitCode: &exitCode},
		})
	}
	return &Result{ExitCode: exitCode}, nil
}

// Cancel stops a job's running container, giving it the configured grace
// before SIGKILL. Returns false when no container is tracked for the job.
// The Run call owning the container observes the exit and finishes cleanup.
func (r *Runner) Cancel(ctx context.Context, jobID string) bool {
	cs, exists := r.state.get(jobID)
	if !exists || cs == nil {
		return false
	}

	grace := int(r.cfg.StopGrace.Seconds())
	if err := r.client.ContainerStop(ctx, cs.containerID, container.StopOptions{Timeout: &grace}); err != nil {
		slog.Warn("Failed to stop container", "jobId", jobID, "error", err)
		return false
	}

	r.bus.Emit(jobID, events.Event{Type: events.TypeLog, Message: "render cancelled"})
	return true
}

// Pause freezes a job's running container.
func (r *Runner) Pause(ctx context.Context, jobID string) error {
	cs, exists := r.state.get(jobID)
	if !exists || cs == nil {
		return apperrors.NotFound("container", jobID)
	}
	if err := r.client.ContainerPause(ctx, cs.containerID); err != nil {
		return apperrors.Internal("docker.pauseContainer", err)
	}
	return nil
}

// Unpause resumes a paused container.
func (r *Runner) Unpause(ctx context.Context, jobID string) error {
	cs, exists := r.state.get(jobID)
	if !exists || cs == nil {
		return apperrors.NotFound("container", jobID)
	}
	if err := r.client.ContainerUnpause(ctx, cs.containerID); err != nil {
		return apperrors.Internal("docker.unpauseContainer", err)
	}
	return nil
}

// Status reports the daemon-side state of a job's container. Inspect
// failures are reported as not_found rather than errors: a vanished
// container and a never-created one look the same to callers.
func (r *Runner) Status(ctx context.Context, jobID string) ContainerStatus {
	cs, exists := r.state.get(jobID)
	if !exists || cs == nil {
		return StatusNotFound
	}

	inspect, err := r.client.ContainerInspect(ctx, cs.containerID)
	if err != nil {
		return StatusNotFound
	}
	if inspect.State.Running || inspect.State.Paused {
		return StatusRunning
	}
	return StatusStopped
}

func (r *Runner) createContainer(ctx context.Context, jobID, workDir string) (string, error) {
	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: r.hostPath(workDir),
			Target: containerWorkspace,
		},
		{
			Type:     mount.TypeBind,
			Source:   r.cfg.FontsDir,
			Target:   containerFonts,
			ReadOnly: true,
		},
	}
	if r.cfg.AssetsDir != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   r.cfg.AssetsDir,
			Target:   containerAssets,
			ReadOnly: true,
		})
	}
	if r.cfg.BackupConfigDir != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   r.cfg.BackupConfigDir,
			Target:   containerBackup,
			ReadOnly: true,
		})
	}
	if r.cfg.CacheDir != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: r.cfg.CacheDir,
			Target: containerCache,
		})
	}

	containerConfig := &container.Config{
		Image: r.cfg.Image,
		Env: []string{
			fmt.Sprintf("KOMETA_CONFIG=%s/config/config.yml", containerWorkspace),
			"KOMETA_RUN=true",
		},
		WorkingDir: containerWorkspace,
		Labels: map[string]string{
			"job.id":     jobID,
			"managed-by": "preview-studio",
		},
	}
	hostConfig := &container.HostConfig{
		Mounts: mounts,
	}

	containerName := fmt.Sprintf("preview-%s", jobID)
	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// hostPath translates a service-local workspace path to the path the Docker
// daemon needs for the bind mount.
func (r *Runner) hostPath(localPath string) string {
	if r.cfg.JobsLocalRoot == "" || r.cfg.JobsLocalRoot == r.cfg.JobsHostRoot {
		return localPath
	}
	rel, err := filepath.Rel(r.cfg.JobsLocalRoot, localPath)
	if err != nil {
		return localPath
	}
	return filepath.Join(r.cfg.JobsHostRoot, rel)
}

// streamOutput demultiplexes the attached container stream. Docker frames
// multiplexed output with an 8-byte header: stream type in byte 0, payload
// size big-endian in bytes 4-7. Each line goes to the job log file and onto
// the event bus; renderer progress lines additionally produce progress
// events.
func (r *Runner) streamOutput(jobID string, stream io.Reader, logFile io.Writer) {
	header := make([]byte, 8)

	for {
		if _, err := io.ReadFull(stream, header); err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				slog.Debug("Container stream ended", "jobId", jobID, "error", err)
			}
			return
		}

		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(stream, payload); err != nil {
			slog.Debug("Failed to read stream payload", "jobId", jobID, "error", err)
			return
		}

		for _, line := range splitLines(string(payload)) {
			if _, err := fmt.Fprintln(logFile, line); err != nil {
				slog.Warn("Failed to write container log", "jobId", jobID, "error", err)
			}

			if progress, ok := parseProgress(line); ok {
				r.bus.Emit(jobID, events.Event{
					Type: events.TypeProgress,
					Data: events.ProgressData(progress),
				})
				continue
			}
			r.bus.Emit(jobID, events.Event{Type: events.TypeLog, Message: line})
		}
	}
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// parseProgress extracts the percentage from a renderer progress line.
// Values outside 0-100 are rejected.
func parseProgress(line string) (int, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), progressPrefix)
	if !ok {
		return 0, false
	}
	progress, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || progress < 0 || progress > 100 {
		return 0, false
	}
	return progress, true
}

func (r *Runner) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// removeContainer force-removes a container, using a detached context so
// shutdown or request cancellation cannot leak containers.
func (r *Runner) removeContainer(containerID string) {
	ctx := context.Background()
	stopGrace := int(r.cfg.StopGrace.Seconds())
	_ = r.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopGrace})
	if err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		slog.Warn("Failed to remove container", "containerId", containerID, "error", err)
	}
}
