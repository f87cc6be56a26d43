package job

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"previewstudio/internal/apperrors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	return s
}

func pendingJob(id string, createdAt time.Time) *Job {
	return &Job{
		ID:        id,
		Status:    StatusPending,
		CreatedAt: createdAt,
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	j := pendingJob("j1", time.Now())
	j.Targets = []Target{{ID: "t1", Title: "The Matrix", Type: TargetMovie, BaseArtworkSource: ArtworkPlex}}
	if err := s.Save(j); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := s.Get("j1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != StatusPending || got.Progress != 0 {
		t.Errorf("fresh job: status=%s progress=%d, want pending/0", got.Status, got.Progress)
	}
	if len(got.Targets) != 1 || got.Targets[0].Title != "The Matrix" {
		t.Errorf("Targets = %+v", got.Targets)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("Save did not set UpdatedAt")
	}
}

func TestStore_GetSurvivesCacheLoss(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Save(pendingJob("j1", time.Now())); err != nil {
		t.Fatal(err)
	}

	// A fresh store over the same root simulates a process restart.
	s2, err := NewStore(s.Root())
	if err != nil {
		t.Fatal(err)
	}
	got, err := s2.Get("j1")
	if err != nil {
		t.Fatalf("Get() after restart error: %v", err)
	}
	if got.ID != "j1" {
		t.Errorf("ID = %q", got.ID)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.Get("missing")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want not found", err)
	}
}

func TestStore_UpdateStatus(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.Save(pendingJob("j1", time.Now())); err != nil {
		t.Fatal(err)
	}

	if !s.UpdateStatus("j1", StatusRunning, 10, "") {
		t.Fatal("pending -> running rejected")
	}
	got, _ := s.Get("j1")
	if got.Status != StatusRunning || got.Progress != 10 {
		t.Errorf("status=%s progress=%d", got.Status, got.Progress)
	}
	if got.CompletedAt != nil {
		t.Error("CompletedAt set on non-terminal status")
	}

	if !s.UpdateStatus("j1", StatusCompleted, 100, "") {
		t.Fatal("running -> completed rejected")
	}
	got, _ = s.Get("j1")
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set on terminal status")
	}
}

func TestStore_UpdateStatus_IllegalTransitionDoesNotTouchUpdatedAt(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.Save(pendingJob("j1", time.Now())); err != nil {
		t.Fatal(err)
	}
	s.UpdateStatus("j1", StatusRunning, 0, "")
	s.UpdateStatus("j1", StatusCompleted, 100, "")
	before, _ := s.Get("j1")

	if s.UpdateStatus("j1", StatusRunning, 0, "") {
		t.Error("completed -> running allowed")
	}
	after, _ := s.Get("j1")
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("UpdatedAt mutated by rejected transition")
	}
}

func TestStore_UpdateStatus_NoOpWhenNotCached(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.Save(pendingJob("j1", time.Now())); err != nil {
		t.Fatal(err)
	}

	// Fresh store: record exists on disk but not in cache. Updates must not
	// resurrect it.
	s2, err := NewStore(s.Root())
	if err != nil {
		t.Fatal(err)
	}
	if s2.UpdateStatus("j1", StatusRunning, 0, "") {
		t.Error("UpdateStatus succeeded for uncached job")
	}
}

func TestStore_ProgressMonotonic(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.Save(pendingJob("j1", time.Now())); err != nil {
		t.Fatal(err)
	}
	s.UpdateStatus("j1", StatusRunning, 50, "")
	s.UpdateStatus("j1", StatusRunning, 30, "")

	got, _ := s.Get("j1")
	if got.Progress != 50 {
		t.Errorf("Progress = %d after lower report, want clamped 50", got.Progress)
	}
}

func TestStore_List_NewestFirstAndResilient(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		if err := s.Save(pendingJob(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	// A corrupt record must be skipped, not surfaced.
	corrupt := filepath.Join(s.Root(), "broken")
	if err := os.MkdirAll(corrupt, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(corrupt, "job.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	jobs := s.List()
	if len(jobs) != 3 {
		t.Fatalf("List() returned %d jobs, want 3", len(jobs))
	}
	if jobs[0].ID != "new" || jobs[2].ID != "old" {
		t.Errorf("List() order = [%s %s %s], want newest first", jobs[0].ID, jobs[1].ID, jobs[2].ID)
	}
}

func TestStore_ActiveJob(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if s.ActiveJob() != nil {
		t.Fatal("ActiveJob() on empty store != nil")
	}

	base := time.Now()
	for _, id := range []string{"a", "b"} {
		if err := s.Save(pendingJob(id, base)); err != nil {
			t.Fatal(err)
		}
		base = base.Add(time.Minute)
	}
	s.UpdateStatus("b", StatusRunning, 0, "")

	active := s.ActiveJob()
	if active == nil || active.ID != "b" {
		t.Fatalf("ActiveJob() = %+v, want b", active)
	}

	// Invariant violation after a crash: two actives. Oldest createdAt wins.
	s.UpdateStatus("a", StatusRunning, 0, "")
	active = s.ActiveJob()
	if active == nil || active.ID != "a" {
		t.Errorf("ActiveJob() with two running = %v, want oldest (a)", active)
	}
}

func TestStore_EnsureWorkspace(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.EnsureWorkspace("j1"); err != nil {
		t.Fatal(err)
	}
	for _, sub := range []string{"input", "output", "output/draft", "config", "logs"} {
		if _, err := os.Stat(filepath.Join(s.WorkDir("j1"), sub)); err != nil {
			t.Errorf("workspace dir %s missing: %v", sub, err)
		}
	}
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.Save(pendingJob("j1", time.Now())); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete("j1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("j1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get after Delete error = %v, want not found", err)
	}
}
