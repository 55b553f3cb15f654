package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clipline/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"WORKER_CONCURRENCY",
		"DEFAULT_BGM_PATH",
		"WHISPER_CMD",
		"CLIPLINE_DATABASE_URL",
		"CLIPLINE_AMQP_URL",
		"CLIPLINE_API_TOKEN",
		"CLIPLINE_JWT_SECRET",
		"OPENROUTER_API_KEY",
		"CLIPLINE_NTFY_TOPIC",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaultConfigWhenMissing(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(t.TempDir())

	cfg, path, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatalf("expected no config file, got %q", path)
	}
	if want := filepath.Join(home, ".config", "clipline", "config.toml"); path != want {
		t.Fatalf("unexpected default path: got %q want %q", path, want)
	}
	if want := filepath.Join(home, ".local", "share", "clipline"); cfg.Paths.DataDir != want {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, want)
	}
	if cfg.Worker.Concurrency != 1 {
		t.Fatalf("expected default concurrency 1, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Queue.Attempts != 3 || cfg.Queue.BackoffBaseSeconds != 2 {
		t.Fatalf("unexpected retry policy: %+v", cfg.Queue)
	}
	if cfg.Worker.RateLimitMax != 5 || cfg.Worker.RateLimitWindowMS != 10000 {
		t.Fatalf("unexpected rate limit: %+v", cfg.Worker)
	}
	if cfg.DrainTimeout() != 30*time.Second {
		t.Fatalf("expected 30s drain timeout, got %s", cfg.DrainTimeout())
	}
	if cfg.Transcription.Command != "whisper" || cfg.Transcription.Language != "ja" {
		t.Fatalf("unexpected transcription defaults: %+v", cfg.Transcription)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Queue.Driver != "sqlite" {
		t.Fatalf("unexpected drivers: storage=%q queue=%q", cfg.Storage.Driver, cfg.Queue.Driver)
	}
}

func TestLoadCustomPath(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)

	configPath := filepath.Join(t.TempDir(), "clipline.toml")
	content := `
[paths]
data_dir = "~/clips"

[worker]
concurrency = 4
drain_timeout = 0

[cut]
noise_db = -35.0
min_silence = 0.8

[logging]
format = "JSON"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, path, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || path != configPath {
		t.Fatalf("expected custom config to be used: exists=%v path=%q", exists, path)
	}
	if want := filepath.Join(home, "clips"); cfg.Paths.DataDir != want {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, want)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Fatalf("expected concurrency 4, got %d", cfg.Worker.Concurrency)
	}
	if cfg.DrainTimeout() != 0 {
		t.Fatalf("expected explicit zero drain timeout to survive, got %s", cfg.DrainTimeout())
	}
	if cfg.Cut.NoiseDB != -35 || cfg.Cut.MinSilence != 0.8 {
		t.Fatalf("unexpected cut settings: %+v", cfg.Cut)
	}
	if cfg.Cut.Padding != 0.1 {
		t.Fatalf("expected default padding to survive partial file, got %v", cfg.Cut.Padding)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("expected normalized json format, got %q", cfg.Logging.Format)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	configPath := filepath.Join(t.TempDir(), "clipline.toml")
	if err := os.WriteFile(configPath, []byte("[worker]\nthreads = 2\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(configPath); err == nil {
		t.Fatal("expected unknown key to fail parsing")
	}
}

func TestEnvFallbacks(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	bgm := filepath.Join(t.TempDir(), "music.mp3")
	t.Setenv("WORKER_CONCURRENCY", "3")
	t.Setenv("DEFAULT_BGM_PATH", bgm)
	t.Setenv("WHISPER_CMD", "/opt/whisper/bin/whisper")
	t.Setenv("OPENROUTER_API_KEY", "env-key")
	t.Setenv("CLIPLINE_NTFY_TOPIC", "https://ntfy.example/clips")

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Worker.Concurrency != 3 {
		t.Fatalf("expected WORKER_CONCURRENCY to apply, got %d", cfg.Worker.Concurrency)
	}
	if cfg.BGM.Path != bgm {
		t.Fatalf("expected DEFAULT_BGM_PATH to apply, got %q", cfg.BGM.Path)
	}
	if cfg.Transcription.Command != "/opt/whisper/bin/whisper" {
		t.Fatalf("expected WHISPER_CMD to apply, got %q", cfg.Transcription.Command)
	}
	if cfg.Titles.APIKey != "env-key" {
		t.Fatalf("expected OPENROUTER_API_KEY to apply, got %q", cfg.Titles.APIKey)
	}
	if cfg.Notifications.NtfyTopic != "https://ntfy.example/clips" {
		t.Fatalf("expected CLIPLINE_NTFY_TOPIC to apply, got %q", cfg.Notifications.NtfyTopic)
	}
}

func TestInvalidWorkerConcurrencyEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	t.Setenv("WORKER_CONCURRENCY", "lots")
	if _, _, _, err := config.Load(""); err == nil || !strings.Contains(err.Error(), "WORKER_CONCURRENCY") {
		t.Fatalf("expected WORKER_CONCURRENCY parse error, got %v", err)
	}
}

func TestValidateRequiresDriverSettings(t *testing.T) {
	clearEnv(t)
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"postgres without dsn", func(c *config.Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"amqp without url", func(c *config.Config) { c.Queue.Driver = "amqp" }, "queue.url"},
		{"unknown storage", func(c *config.Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"zero concurrency", func(c *config.Config) { c.Worker.Concurrency = 0 }, "worker.concurrency"},
		{"negative drain timeout", func(c *config.Config) { c.Worker.DrainTimeout = -1 }, "worker.drain_timeout"},
		{"positive noise floor", func(c *config.Config) { c.Cut.NoiseDB = 3 }, "cut.noise_db"},
		{"lease shorter than heartbeat", func(c *config.Config) { c.Workflow.LeaseTTL = 5 }, "workflow.lease_ttl"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Paths.DataDir = t.TempDir()
			cfg.Paths.LogDir = t.TempDir()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestCreateSampleLoads(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("sample config failed to load: %v", err)
	}
	if !exists {
		t.Fatal("expected sample config to exist")
	}
	if cfg.API.Bind != "127.0.0.1:7487" {
		t.Fatalf("unexpected bind from sample: %q", cfg.API.Bind)
	}
}

func TestEnsureDirectories(t *testing.T) {
	cfg := config.Default()
	base := t.TempDir()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogDir, cfg.VideosDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %q: %v", dir, err)
		}
	}
}
