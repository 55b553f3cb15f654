package config

const (
	defaultConfigPath = "~/.config/clipline/config.toml"
	defaultDataDir    = "~/.local/share/clipline"
	defaultLogDir     = "~/.local/state/clipline/logs"

	defaultStorageDriver = "sqlite"
	defaultQueueDriver   = "sqlite"
	defaultQueueName     = "video-processing"

	defaultWhisperCommand  = "whisper"
	defaultWhisperModel    = "base"
	defaultWhisperLanguage = "ja"

	defaultTitlesBaseURL = "https://openrouter.ai/api/v1/chat/completions"
	defaultTitlesModel   = "google/gemini-3-flash-preview"
	defaultTitlesReferer = "https://github.com/clipline/clipline"
	defaultTitlesTitle   = "clipline"

	defaultAPIBind = "127.0.0.1:7487"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Storage: Storage{
			Driver: defaultStorageDriver,
		},
		Queue: Queue{
			Driver:             defaultQueueDriver,
			Name:               defaultQueueName,
			Attempts:           3,
			BackoffBaseSeconds: 2,
		},
		Worker: Worker{
			Concurrency:       1,
			RateLimitMax:      5,
			RateLimitWindowMS: 10000,
			DrainTimeout:      30,
		},
		Workflow: Workflow{
			QueuePollInterval:  1000,
			ErrorRetryInterval: 10,
			HeartbeatInterval:  15,
			HeartbeatTimeout:   120,
			LeaseTTL:           60,
		},
		Transcription: Transcription{
			Command:        defaultWhisperCommand,
			Model:          defaultWhisperModel,
			Language:       defaultWhisperLanguage,
			TimeoutMinutes: 60,
		},
		Media: Media{
			FFmpegBinary:  "ffmpeg",
			FFprobeBinary: "ffprobe",
		},
		Cut: Cut{
			Enabled:    true,
			NoiseDB:    -30,
			MinSilence: 0.5,
			Padding:    0.1,
			MergeGap:   0.2,
			MinKeep:    0.3,
		},
		BGM: BGM{
			Volume: 0.15,
		},
		Export: Export{
			Width:              1280,
			Height:             720,
			FPS:                30,
			VideoCodec:         "libx264",
			CRF:                23,
			Preset:             "veryfast",
			AudioBitrate:       "128k",
			ThumbnailAtSeconds: 1,
		},
		Titles: Titles{
			DefaultLimit:   3,
			MaxLimit:       10,
			DefaultTone:    "casual",
			BaseURL:        defaultTitlesBaseURL,
			Model:          defaultTitlesModel,
			Referer:        defaultTitlesReferer,
			Title:          defaultTitlesTitle,
			TimeoutSeconds: 60,
		},
		API: API{
			Bind:        defaultAPIBind,
			MaxUploadMB: 2048,
		},
		Metrics: Metrics{
			Enabled: true,
			Path:    "/metrics",
		},
		Notifications: Notifications{
			RequestTimeout: 10,
			Completed:      true,
			Failed:         true,
			Uploaded:       false,
		},
		Logging: Logging{
			Format:        "console",
			Level:         "info",
			RetentionDays: 60,
		},
	}
}
