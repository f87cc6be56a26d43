package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadServiceConfig_Defaults(t *testing.T) {
	cfg, err := LoadServiceConfig()
	if err != nil {
		t.Fatalf("LoadServiceConfig() error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.DataDir != "/data" {
		t.Errorf("DataDir = %q, want /data", cfg.DataDir)
	}
	if cfg.ShutdownDrainWait != 5*time.Second {
		t.Errorf("ShutdownDrainWait = %v, want 5s", cfg.ShutdownDrainWait)
	}
}

func TestLoadServiceConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	content := `
port: "9000"
dataDir: /var/lib/previewstudio
hostDataDir: /srv/previewstudio
rendererImage: kometateam/kometa:v2.2
shutdownDrainWait: 10s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := LoadServiceConfig()
	if err != nil {
		t.Fatalf("LoadServiceConfig() error: %v", err)
	}
	if cfg.Port != "9000" {
		t.Errorf("Port = %q, want 9000", cfg.Port)
	}
	if cfg.DataDir != "/var/lib/previewstudio" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.HostDataDir != "/srv/previewstudio" {
		t.Errorf("HostDataDir = %q", cfg.HostDataDir)
	}
	if cfg.RendererImage != "kometateam/kometa:v2.2" {
		t.Errorf("RendererImage = %q", cfg.RendererImage)
	}
	if cfg.ShutdownDrainWait != 10*time.Second {
		t.Errorf("ShutdownDrainWait = %v, want 10s", cfg.ShutdownDrainWait)
	}
}

func TestLoadServiceConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("port: \"9000\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7070")

	cfg, err := LoadServiceConfig()
	if err != nil {
		t.Fatalf("LoadServiceConfig() error: %v", err)
	}
	if cfg.Port != "7070" {
		t.Errorf("Port = %q, want env override 7070", cfg.Port)
	}
}

func TestLoadServiceConfig_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("bogusField: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	if _, err := LoadServiceConfig(); err == nil {
		t.Error("expected error for unknown YAML field, got nil")
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "value")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_DUR", "90s")

	if got := GetEnv("TEST_STR", "default"); got != "value" {
		t.Errorf("GetEnv = %q", got)
	}
	if got := GetEnv("TEST_MISSING", "default"); got != "default" {
		t.Errorf("GetEnv missing = %q", got)
	}
	if got := GetIntEnv("TEST_INT", 7); got != 42 {
		t.Errorf("GetIntEnv = %d", got)
	}
	if got := GetBoolEnv("TEST_BOOL", false); !got {
		t.Error("GetBoolEnv = false, want true")
	}
	if got := GetDurationEnv("TEST_DUR", time.Second); got != 90*time.Second {
		t.Errorf("GetDurationEnv = %v", got)
	}
}
