package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Storage selects the metadata store backend.
type Storage struct {
	// Driver is one of "sqlite", "postgres", or "file".
	Driver string `toml:"driver"`
	// DSN is the postgres connection string. Ignored by the other drivers.
	DSN string `toml:"dsn"`
}

// Queue selects and tunes the job queue backend.
type Queue struct {
	// Driver is one of "sqlite" or "amqp".
	Driver             string `toml:"driver"`
	URL                string `toml:"url"`
	Name               string `toml:"name"`
	Attempts           int    `toml:"attempts"`
	BackoffBaseSeconds int    `toml:"backoff_base_seconds"`
}

// Worker contains job consumption limits.
type Worker struct {
	Concurrency       int `toml:"concurrency"`
	RateLimitMax      int `toml:"rate_limit_max"`
	RateLimitWindowMS int `toml:"rate_limit_window_ms"`
	// DrainTimeout is how long in-flight jobs may finish after shutdown
	// begins, in seconds. Zero interrupts them immediately.
	DrainTimeout int `toml:"drain_timeout"`
}

// Workflow contains timing for polling, leases, and heartbeats.
type Workflow struct {
	QueuePollInterval  int `toml:"queue_poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	HeartbeatTimeout   int `toml:"heartbeat_timeout"`
	LeaseTTL           int `toml:"lease_ttl"`
}

// Transcription configures the whisper command line engine.
type Transcription struct {
	Command        string `toml:"command"`
	Model          string `toml:"model"`
	Language       string `toml:"language"`
	TimeoutMinutes int    `toml:"timeout_minutes"`
}

// Media names the ffmpeg binaries.
type Media struct {
	FFmpegBinary  string `toml:"ffmpeg_binary"`
	FFprobeBinary string `toml:"ffprobe_binary"`
}

// Cut tunes silence detection and the keep-range policy.
type Cut struct {
	Enabled    bool    `toml:"enabled"`
	NoiseDB    float64 `toml:"noise_db"`
	MinSilence float64 `toml:"min_silence"`
	Padding    float64 `toml:"padding"`
	MergeGap   float64 `toml:"merge_gap"`
	MinKeep    float64 `toml:"min_keep"`
}

// BGM configures the background music mix.
type BGM struct {
	Path   string  `toml:"path"`
	Volume float64 `toml:"volume"`
}

// Export configures the delivery encode and thumbnail grab.
type Export struct {
	Width              int     `toml:"width"`
	Height             int     `toml:"height"`
	FPS                int     `toml:"fps"`
	VideoCodec         string  `toml:"video_codec"`
	CRF                int     `toml:"crf"`
	Preset             string  `toml:"preset"`
	AudioBitrate       string  `toml:"audio_bitrate"`
	ThumbnailAtSeconds float64 `toml:"thumbnail_at_seconds"`
	ArchiveAV1         bool    `toml:"archive_av1"`
}

// Titles configures title suggestions.
type Titles struct {
	DefaultLimit   int    `toml:"default_limit"`
	MaxLimit       int    `toml:"max_limit"`
	DefaultTone    string `toml:"default_tone"`
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	Referer        string `toml:"referer"`
	Title          string `toml:"title"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// API configures the HTTP surface.
type API struct {
	Bind          string `toml:"bind"`
	Token         string `toml:"token"`
	JWTSecret     string `toml:"jwt_secret"`
	MaxUploadMB   int    `toml:"max_upload_mb"`
	PublicBaseURL string `toml:"public_base_url"`
}

// Metrics toggles the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Completed      bool   `toml:"completed"`
	Failed         bool   `toml:"failed"`
	Uploaded       bool   `toml:"uploaded"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for clipline.
//
// Configuration sections by subsystem:
//   - Paths: per-video workspaces and logs
//   - Storage: metadata store driver
//   - Queue: job queue driver, attempts, backoff
//   - Worker: concurrency and rate limit
//   - Workflow: polling, heartbeats, leases
//   - Transcription, Media, Cut, BGM, Export: step engines
//   - Titles: title suggestion settings
//   - API, Metrics, Notifications, Logging: outer surfaces
type Config struct {
	Paths         Paths         `toml:"paths"`
	Storage       Storage       `toml:"storage"`
	Queue         Queue         `toml:"queue"`
	Worker        Worker        `toml:"worker"`
	Workflow      Workflow      `toml:"workflow"`
	Transcription Transcription `toml:"transcription"`
	Media         Media         `toml:"media"`
	Cut           Cut           `toml:"cut"`
	BGM           BGM           `toml:"bgm"`
	Export        Export        `toml:"export"`
	Titles        Titles        `toml:"titles"`
	API           API           `toml:"api"`
	Metrics       Metrics       `toml:"metrics"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("clipline.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon and CLI operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.VideosDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// VideosDir is the root of the per-video workspaces.
func (c *Config) VideosDir() string {
	return filepath.Join(c.Paths.DataDir, "videos")
}

// MetadataDBPath is the sqlite metadata database location.
func (c *Config) MetadataDBPath() string {
	return filepath.Join(c.Paths.DataDir, "metadata.db")
}

// QueueDBPath is the sqlite job queue database location.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.Paths.DataDir, "jobs.db")
}

// LockPath is the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.LogDir, "clipd.lock")
}

// Backoff returns the queue retry base delay.
func (c *Config) Backoff() time.Duration {
	return time.Duration(c.Queue.BackoffBaseSeconds) * time.Second
}

// RateLimitWindow returns the rate limiter window.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.Worker.RateLimitWindowMS) * time.Millisecond
}

// DrainTimeout returns the shutdown grace period for in-flight jobs.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Worker.DrainTimeout) * time.Second
}

// LeaseTTL returns how long a per-video lease stays valid without renewal.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Workflow.LeaseTTL) * time.Second
}

// HeartbeatInterval returns the lease and job heartbeat cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Workflow.HeartbeatInterval) * time.Second
}

// HeartbeatTimeout returns the age after which an active job is considered abandoned.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Workflow.HeartbeatTimeout) * time.Second
}

// PollInterval returns the queue polling cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Workflow.QueuePollInterval) * time.Millisecond
}

// TranscriptionTimeout bounds a single whisper run.
func (c *Config) TranscriptionTimeout() time.Duration {
	return time.Duration(c.Transcription.TimeoutMinutes) * time.Minute
}

// MaxUploadBytes returns the upload size cap.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.API.MaxUploadMB) << 20
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
