// Package config provides configuration loading from a YAML file and environment variables.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceConfig holds configuration for the preview service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	DataDir     string // Root for job records, workspaces and the durable queue
	HostDataDir string // Host-visible path of DataDir when the service itself runs in a container

	RendererImage   string // Renderer container image
	FontsDir        string // Shared font assets, mounted read-only (host path)
	AssetsDir       string // Optional user asset directory, mounted read-only (host path)
	BackupConfigDir string // Optional backup config directory, mounted read-only (host path)
	CacheDir        string // Persistent API-response cache, mounted read-write (host path)
}

// fileConfig mirrors ServiceConfig for YAML decoding. Durations are strings
// so they can be written as "5s" or "30m".
type fileConfig struct {
	Port              string `yaml:"port"`
	MetricsPort       string `yaml:"metricsPort"`
	APIKeyFile        string `yaml:"apiKeyFile"`
	ShutdownDrainWait string `yaml:"shutdownDrainWait"`
	DataDir           string `yaml:"dataDir"`
	HostDataDir       string `yaml:"hostDataDir"`
	RendererImage     string `yaml:"rendererImage"`
	FontsDir          string `yaml:"fontsDir"`
	AssetsDir         string `yaml:"assetsDir"`
	BackupConfigDir   string `yaml:"backupConfigDir"`
	CacheDir          string `yaml:"cacheDir"`
}

// LoadServiceConfig loads service configuration. A YAML file named by
// CONFIG_FILE is applied first when present; environment variables override
// file values. Unknown YAML fields are rejected.
func LoadServiceConfig() (*ServiceConfig, error) {
	cfg := &ServiceConfig{
		Port:              "8080",
		MetricsPort:       "9090",
		ShutdownDrainWait: 5 * time.Second,
		DataDir:           "/data",
		RendererImage:     "kometateam/kometa:latest",
		FontsDir:          "/data/fonts",
		CacheDir:          "/data/cache",
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	cfg.Port = GetEnv("PORT", cfg.Port)
	cfg.MetricsPort = GetEnv("METRICS_PORT", cfg.MetricsPort)
	if keyFile := GetEnv("API_KEY_FILE", ""); keyFile != "" {
		cfg.APIKey = GetSecretFile(keyFile)
	}
	cfg.ShutdownDrainWait = GetDurationEnv("SHUTDOWN_DRAIN_WAIT", cfg.ShutdownDrainWait)
	cfg.DataDir = GetEnv("DATA_DIR", cfg.DataDir)
	cfg.HostDataDir = GetEnv("HOST_DATA_DIR", cfg.HostDataDir)
	cfg.RendererImage = GetEnv("RENDERER_IMAGE", cfg.RendererImage)
	cfg.FontsDir = GetEnv("FONTS_DIR", cfg.FontsDir)
	cfg.AssetsDir = GetEnv("ASSETS_DIR", cfg.AssetsDir)
	cfg.BackupConfigDir = GetEnv("BACKUP_CONFIG_DIR", cfg.BackupConfigDir)
	cfg.CacheDir = GetEnv("CACHE_DIR", cfg.CacheDir)

	return cfg, nil
}

// applyFile overlays YAML file values onto cfg.
func applyFile(cfg *ServiceConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if fc.Port != "" {
		cfg.Port = fc.Port
	}
	if fc.MetricsPort != "" {
		cfg.MetricsPort = fc.MetricsPort
	}
	if fc.APIKeyFile != "" {
		cfg.APIKey = GetSecretFile(fc.APIKeyFile)
	}
	if fc.ShutdownDrainWait != "" {
		d, err := time.ParseDuration(fc.ShutdownDrainWait)
		if err != nil {
			return fmt.Errorf("invalid shutdownDrainWait %q: %w", fc.ShutdownDrainWait, err)
		}
		cfg.ShutdownDrainWait = d
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.HostDataDir != "" {
		cfg.HostDataDir = fc.HostDataDir
	}
	if fc.RendererImage != "" {
		cfg.RendererImage = fc.RendererImage
	}
	if fc.FontsDir != "" {
		cfg.FontsDir = fc.FontsDir
	}
	if fc.AssetsDir != "" {
		cfg.AssetsDir = fc.AssetsDir
	}
	if fc.BackupConfigDir != "" {
		cfg.BackupConfigDir = fc.BackupConfigDir
	}
	if fc.CacheDir != "" {
		cfg.CacheDir = fc.CacheDir
	}

	return nil
}
