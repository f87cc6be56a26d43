package runner

import "time"

// Mount targets inside the renderer container.
const (
	containerWorkspace = "/workspace"
	containerFonts     = "/fonts"
	containerAssets    = "/assets"
	containerBackup    = "/backup-config"
	containerCache     = "/cache"
)

// Config holds configuration for the container runner.
type Config struct {
	Image string // renderer image reference

	FontsDir        string // host path with font files, mounted read-only (required)
	AssetsDir       string // host path with overlay assets, mounted read-only (optional)
	BackupConfigDir string // host path with fallback renderer config, mounted read-only (optional)
	CacheDir        string // host path for the renderer's artwork cache, mounted read-write (optional)

	// The service may itself run inside a container, in which case the paths
	// it sees for job workspaces differ from the paths the Docker daemon
	// needs for bind mounts. JobsHostRoot is the daemon-side location of
	// JobsLocalRoot; identical values mean no translation.
	JobsLocalRoot string
	JobsHostRoot  string

	StopGrace time.Duration // grace given to a cancelled renderer before SIGKILL (default 5s)
}

func (c Config) withDefaults() Config {
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.JobsHostRoot == "" {
		c.JobsHostRoot = c.JobsLocalRoot
	}
	return c
}
