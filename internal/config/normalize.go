package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeWorker(); err != nil {
		return err
	}
	c.normalizeStorage()
	c.normalizeQueue()
	c.normalizeTranscription()
	if err := c.normalizeBGM(); err != nil {
		return err
	}
	c.normalizeTitles()
	c.normalizeAPI()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeWorker() error {
	if value, ok := os.LookupEnv("WORKER_CONCURRENCY"); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("WORKER_CONCURRENCY: %w", err)
		}
		c.Worker.Concurrency = parsed
	}
	return nil
}

func (c *Config) normalizeStorage() {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = defaultStorageDriver
	}
	c.Storage.DSN = strings.TrimSpace(c.Storage.DSN)
	if c.Storage.DSN == "" {
		if value, ok := os.LookupEnv("CLIPLINE_DATABASE_URL"); ok {
			c.Storage.DSN = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeQueue() {
	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	if c.Queue.Driver == "" {
		c.Queue.Driver = defaultQueueDriver
	}
	c.Queue.URL = strings.TrimSpace(c.Queue.URL)
	if c.Queue.URL == "" {
		if value, ok := os.LookupEnv("CLIPLINE_AMQP_URL"); ok {
			c.Queue.URL = strings.TrimSpace(value)
		}
	}
	c.Queue.Name = strings.TrimSpace(c.Queue.Name)
	if c.Queue.Name == "" {
		c.Queue.Name = defaultQueueName
	}
}

func (c *Config) normalizeTranscription() {
	if value, ok := os.LookupEnv("WHISPER_CMD"); ok && strings.TrimSpace(value) != "" {
		c.Transcription.Command = strings.TrimSpace(value)
	}
	c.Transcription.Command = strings.TrimSpace(c.Transcription.Command)
	if c.Transcription.Command == "" {
		c.Transcription.Command = defaultWhisperCommand
	}
	c.Transcription.Model = strings.TrimSpace(c.Transcription.Model)
	if c.Transcription.Model == "" {
		c.Transcription.Model = defaultWhisperModel
	}
	c.Transcription.Language = strings.TrimSpace(c.Transcription.Language)
	if c.Transcription.Language == "" {
		c.Transcription.Language = defaultWhisperLanguage
	}
}

func (c *Config) normalizeBGM() error {
	c.BGM.Path = strings.TrimSpace(c.BGM.Path)
	if c.BGM.Path == "" {
		if value, ok := os.LookupEnv("DEFAULT_BGM_PATH"); ok {
			c.BGM.Path = strings.TrimSpace(value)
		}
	}
	if c.BGM.Path != "" {
		expanded, err := expandPath(c.BGM.Path)
		if err != nil {
			return fmt.Errorf("bgm.path: %w", err)
		}
		c.BGM.Path = expanded
	}
	return nil
}

func (c *Config) normalizeTitles() {
	c.Titles.DefaultTone = strings.ToLower(strings.TrimSpace(c.Titles.DefaultTone))
	if c.Titles.DefaultTone == "" {
		c.Titles.DefaultTone = "casual"
	}
	c.Titles.APIKey = strings.TrimSpace(c.Titles.APIKey)
	if value, ok := os.LookupEnv("OPENROUTER_API_KEY"); ok && strings.TrimSpace(value) != "" {
		c.Titles.APIKey = strings.TrimSpace(value)
	}
	c.Titles.BaseURL = strings.TrimSpace(c.Titles.BaseURL)
	if c.Titles.BaseURL == "" {
		c.Titles.BaseURL = defaultTitlesBaseURL
	}
	c.Titles.Model = strings.TrimSpace(c.Titles.Model)
	if c.Titles.Model == "" {
		c.Titles.Model = defaultTitlesModel
	}
	c.Titles.Referer = strings.TrimSpace(c.Titles.Referer)
	if c.Titles.Referer == "" {
		c.Titles.Referer = defaultTitlesReferer
	}
	c.Titles.Title = strings.TrimSpace(c.Titles.Title)
	if c.Titles.Title == "" {
		c.Titles.Title = defaultTitlesTitle
	}
}

func (c *Config) normalizeAPI() {
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	if c.API.Bind == "" {
		c.API.Bind = defaultAPIBind
	}
	if value, ok := os.LookupEnv("CLIPLINE_API_TOKEN"); ok && strings.TrimSpace(value) != "" {
		c.API.Token = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv("CLIPLINE_JWT_SECRET"); ok && strings.TrimSpace(value) != "" {
		c.API.JWTSecret = strings.TrimSpace(value)
	}
	c.API.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.API.PublicBaseURL), "/")
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("CLIPLINE_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
