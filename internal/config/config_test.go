package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutConfigFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.Default != DefaultProvider {
		t.Errorf("provider = %q, want %q", cfg.Provider.Default, DefaultProvider)
	}
	if cfg.Runner.Concurrency != DefaultConcurrency {
		t.Errorf("concurrency = %d, want %d", cfg.Runner.Concurrency, DefaultConcurrency)
	}
	if cfg.Runner.PollInterval != DefaultPollInterval {
		t.Errorf("poll interval = %s, want %s", cfg.Runner.PollInterval, DefaultPollInterval)
	}
	if cfg.Piece.Dir != DefaultPiecesDir {
		t.Errorf("pieces dir = %q, want %q", cfg.Piece.Dir, DefaultPiecesDir)
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	taktDir := filepath.Join(dir, ".takt")
	if err := os.MkdirAll(taktDir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := `
piece:
  default: review
provider:
  default: anthropic
  model: claude-sonnet-4-5
runner:
  concurrency: 4
  poll_interval: 1s
language: Japanese
`
	if err := os.WriteFile(filepath.Join(taktDir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Piece.Default != "review" {
		t.Errorf("piece.default = %q", cfg.Piece.Default)
	}
	if cfg.Provider.Default != "anthropic" || cfg.Provider.Model != "claude-sonnet-4-5" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Runner.Concurrency != 4 || cfg.Runner.PollInterval != time.Second {
		t.Errorf("runner = %+v", cfg.Runner)
	}
	if cfg.Language != "Japanese" {
		t.Errorf("language = %q", cfg.Language)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("TAKT_TEST_FROM_DOTENV=yes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("TAKT_TEST_FROM_DOTENV") })

	if _, err := Load(dir); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := os.Getenv("TAKT_TEST_FROM_DOTENV"); got != "yes" {
		t.Errorf("dotenv var = %q, want yes", got)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults failed validation: %v", err)
	}

	cfg.Runner.PollInterval = time.Millisecond
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted a 1ms poll interval")
	}
}
