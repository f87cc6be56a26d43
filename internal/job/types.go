// Package job defines job records, targets and their durable store.
package job

import "time"

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal returns true once a job can no longer change state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the transition from -> to is allowed.
// Every non-terminal state may move to failed; this is what makes the
// operator force-fail recovery path unconditional.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled || to == StatusFailed
	case StatusRunning:
		return to == StatusPaused || to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusPaused:
		return to == StatusRunning || to == StatusCancelled || to == StatusFailed
	}
	return false
}

// TargetType is the media kind of a target.
type TargetType string

const (
	TargetMovie      TargetType = "movie"
	TargetShow       TargetType = "show"
	TargetSeason     TargetType = "season"
	TargetEpisode    TargetType = "episode"
	TargetCollection TargetType = "collection"
)

// ArtworkSource tags where a target's base artwork came from.
type ArtworkSource string

const (
	ArtworkPlex   ArtworkSource = "plex"
	ArtworkTMDb   ArtworkSource = "tmdb"
	ArtworkFanart ArtworkSource = "fanart"
	ArtworkUpload ArtworkSource = "upload"
	ArtworkNone   ArtworkSource = "none"
)

// Target is one media item rendered within a job. Targets are owned by their
// parent job and never shared.
type Target struct {
	ID                string        `json:"id"`
	Title             string        `json:"title"`
	Type              TargetType    `json:"type"`
	BaseArtworkSource ArtworkSource `json:"baseArtworkSource"`
	Warnings          []string      `json:"warnings,omitempty"`
}

// Job is the durable record of one rendering run.
// CompletedAt is set if and only if Status is terminal.
type Job struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	Error       string     `json:"error,omitempty"`
	Targets     []Target   `json:"targets"`
	Warnings    []string   `json:"warnings,omitempty"`
}

// Clone returns a deep copy so cached records never alias caller state.
func (j *Job) Clone() *Job {
	c := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.ExitCode != nil {
		e := *j.ExitCode
		c.ExitCode = &e
	}
	c.Targets = make([]Target, len(j.Targets))
	for i, tgt := range j.Targets {
		c.Targets[i] = tgt
		if tgt.Warnings != nil {
			c.Targets[i].Warnings = append([]string(nil), tgt.Warnings...)
		}
	}
	if j.Warnings != nil {
		c.Warnings = append([]string(nil), j.Warnings...)
	}
	return &c
}

// Callback configures webhook delivery of lifecycle events for a job.
type Callback struct {
	URL    string   `json:"url"`
	Key    string   `json:"key,omitempty"` // HMAC signing key
	Events []string `json:"events,omitempty"`
}

// Options are the structured submission options. Unknown fields are rejected
// at the decoding boundary; defaults are applied explicitly via WithDefaults.
type Options struct {
	Library       string    `json:"library,omitempty"`
	ItemIDs       []string  `json:"itemIds,omitempty"`
	Preset        string    `json:"preset,omitempty"`
	IncludeDrafts bool      `json:"includeDrafts,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Callback      *Callback `json:"callback,omitempty"`
}

// WithDefaults returns a copy with unset fields filled in.
// Attempts defaults to 1: a failed render never silently re-runs.
func (o Options) WithDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.Preset == "" {
		o.Preset = "default"
	}
	return o
}

// Payload is the raw submission: the opaque renderer configuration plus
// structured options. It is persisted as the durable queue entry payload.
type Payload struct {
	Config  string  `json:"config"` // raw renderer config, passed through untouched
	Options Options `json:"options"`
}
