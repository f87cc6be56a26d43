// Package artifact locates the files a completed job produced without
// trusting caller-supplied filenames.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"previewstudio/internal/apperrors"
	"previewstudio/internal/job"
)

// Folder names accepted by ResolveImagePath.
const (
	FolderInput  = "input"
	FolderOutput = "output"
	FolderDraft  = "draft"
)

// extPriority is the fixed probe order for rendered images. The renderer
// writes jpg by default; the rest cover user-supplied base artwork.
var extPriority = []string{"jpg", "jpeg", "png", "webp"}

// Item describes the resolved artifacts for one target.
type Item struct {
	ID        string   `json:"id"`
	BeforeURL string   `json:"beforeUrl"`
	AfterURL  string   `json:"afterUrl,omitempty"`
	DraftURL  string   `json:"draftUrl,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Resolver maps a job's persisted targets to produced files.
type Resolver struct {
	store *job.Store
}

// NewResolver creates a resolver over the job store.
func NewResolver(store *job.Store) *Resolver {
	return &Resolver{store: store}
}

// folderDir maps an API folder name to its on-disk location inside the
// job workspace.
func folderDir(folder string) (string, bool) {
	switch folder {
	case FolderInput:
		return "input", true
	case FolderOutput:
		return "output", true
	case FolderDraft:
		return filepath.Join("output", "draft"), true
	}
	return "", false
}

// ResolveImagePath returns the on-disk path for an image in a job's
// workspace. The filename must be a plain base name: any path separator,
// parent reference or absolute component invalidates the request.
func (r *Resolver) ResolveImagePath(jobID, folder, filename string) (string, error) {
	dir, ok := folderDir(folder)
	if !ok {
		return "", apperrors.Validation("folder", fmt.Sprintf("unknown folder %q", folder))
	}
	if err := validateFilename(filename); err != nil {
		return "", err
	}

	if _, err := r.store.Get(jobID); err != nil {
		return "", err
	}

	path := filepath.Join(r.store.WorkDir(jobID), dir, filename)
	if _, err := os.Stat(path); err != nil {
		return "", apperrors.NotFound("image", filename)
	}
	return path, nil
}

// validateFilename rejects anything that is not a bare file name.
func validateFilename(name string) error {
	if name == "" {
		return apperrors.Validation("filename", "filename is required")
	}
	if filepath.IsAbs(name) {
		return apperrors.Validation("filename", "filename must not be absolute")
	}
	if strings.ContainsAny(name, `/\`) {
		return apperrors.Validation("filename", "filename must not contain path separators")
	}
	if filepath.Base(filepath.Clean(name)) != name || name == ".." || name == "." {
		return apperrors.Validation("filename", "path traversal not allowed")
	}
	return nil
}

// LogPath returns the job's container log file path.
func (r *Resolver) LogPath(jobID string) (string, error) {
	if _, err := r.store.Get(jobID); err != nil {
		return "", err
	}
	path := filepath.Join(r.store.WorkDir(jobID), "logs", "container.log")
	if _, err := os.Stat(path); err != nil {
		return "", apperrors.NotFound("log", jobID)
	}
	return path, nil
}

// Artifacts resolves produced files for every target of a job. A target with
// no staged input image is not reported at all, even if its metadata exists;
// the "after" and "draft" outputs are probed in the fixed extension order and
// the first match wins.
func (r *Resolver) Artifacts(jobID string) ([]Item, error) {
	j, err := r.store.Get(jobID)
	if err != nil {
		return nil, err
	}

	workDir := r.store.WorkDir(jobID)
	items := make([]Item, 0, len(j.Targets))
	for _, tgt := range j.Targets {
		before := probe(filepath.Join(workDir, "input"), tgt.ID, "")
		if before == "" {
			continue
		}

		item := Item{
			ID:        tgt.ID,
			BeforeURL: imageURL(jobID, FolderInput, before),
			Warnings:  tgt.Warnings,
		}
		if after := probe(filepath.Join(workDir, "output"), tgt.ID, "_after"); after != "" {
			item.AfterURL = imageURL(jobID, FolderOutput, after)
		}
		if draft := probe(filepath.Join(workDir, "output", "draft"), tgt.ID, "_draft"); draft != "" {
			item.DraftURL = imageURL(jobID, FolderDraft, draft)
		}
		items = append(items, item)
	}
	return items, nil
}

// probe returns the first existing "{targetID}{suffix}.{ext}" file name in
// dir, following the extension priority order.
func probe(dir, targetID, suffix string) string {
	for _, ext := range extPriority {
		name := fmt.Sprintf("%s%s.%s", targetID, suffix, ext)
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return name
		}
	}
	return ""
}

func imageURL(jobID, folder, name string) string {
	return fmt.Sprintf("/v1/jobs/%s/images/%s/%s", jobID, folder, name)
}
