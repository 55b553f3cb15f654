package config

import (
	"errors"
	"fmt"
	"strings"

	"clipline/internal/language"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validatePaths,
		c.validateStorage,
		c.validateQueue,
		c.validateWorker,
		c.validateWorkflow,
		c.validateTranscription,
		c.validateCut,
		c.validateExport,
		c.validateTitles,
		c.validateLogging,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.Paths.LogDir == "" {
		return errors.New("log_dir must be set")
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Driver {
	case "sqlite", "file":
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn must be set when storage.driver is postgres (or set CLIPLINE_DATABASE_URL)")
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q (expected sqlite, postgres, or file)", c.Storage.Driver)
	}
	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Driver {
	case "sqlite":
	case "amqp":
		if c.Queue.URL == "" {
			return errors.New("queue.url must be set when queue.driver is amqp (or set CLIPLINE_AMQP_URL)")
		}
	default:
		return fmt.Errorf("unsupported queue.driver %q (expected sqlite or amqp)", c.Queue.Driver)
	}
	return ensurePositiveMap(map[string]int{
		"queue.attempts":             c.Queue.Attempts,
		"queue.backoff_base_seconds": c.Queue.BackoffBaseSeconds,
	})
}

func (c *Config) validateWorker() error {
	if c.Worker.DrainTimeout < 0 {
		return errors.New("worker.drain_timeout must be zero or positive")
	}
	return ensurePositiveMap(map[string]int{
		"worker.concurrency":          c.Worker.Concurrency,
		"worker.rate_limit_max":       c.Worker.RateLimitMax,
		"worker.rate_limit_window_ms": c.Worker.RateLimitWindowMS,
	})
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.queue_poll_interval":  c.Workflow.QueuePollInterval,
		"workflow.error_retry_interval": c.Workflow.ErrorRetryInterval,
		"workflow.heartbeat_interval":   c.Workflow.HeartbeatInterval,
		"workflow.heartbeat_timeout":    c.Workflow.HeartbeatTimeout,
		"workflow.lease_ttl":            c.Workflow.LeaseTTL,
	}); err != nil {
		return err
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	if c.Workflow.LeaseTTL <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.lease_ttl must be greater than workflow.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateTranscription() error {
	if _, err := language.Normalize(c.Transcription.Language); err != nil {
		return fmt.Errorf("transcription.language: %w", err)
	}
	return nil
}

func (c *Config) validateCut() error {
	if c.Cut.NoiseDB >= 0 {
		return errors.New("cut.noise_db must be negative")
	}
	if c.Cut.MinSilence <= 0 {
		return errors.New("cut.min_silence must be positive")
	}
	for name, value := range map[string]float64{
		"cut.padding":   c.Cut.Padding,
		"cut.merge_gap": c.Cut.MergeGap,
		"cut.min_keep":  c.Cut.MinKeep,
	} {
		if value < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.BGM.Volume < 0 || c.BGM.Volume > 1 {
		return errors.New("bgm.volume must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateExport() error {
	if err := ensurePositiveMap(map[string]int{
		"export.width":  c.Export.Width,
		"export.height": c.Export.Height,
		"export.fps":    c.Export.FPS,
	}); err != nil {
		return err
	}
	if strings.TrimSpace(c.Export.VideoCodec) == "" {
		return errors.New("export.video_codec must be set")
	}
	if c.Export.ThumbnailAtSeconds < 0 {
		return errors.New("export.thumbnail_at_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateTitles() error {
	if err := ensurePositiveMap(map[string]int{
		"titles.default_limit":   c.Titles.DefaultLimit,
		"titles.max_limit":       c.Titles.MaxLimit,
		"titles.timeout_seconds": c.Titles.TimeoutSeconds,
	}); err != nil {
		return err
	}
	if c.Titles.DefaultLimit > c.Titles.MaxLimit {
		return errors.New("titles.default_limit must not exceed titles.max_limit")
	}
	if c.API.MaxUploadMB <= 0 {
		return errors.New("api.max_upload_mb must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unsupported logging.format %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unsupported logging.level %q", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must be >= 0")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
