package preflight

import (
	"fmt"
	"strings"

	"clipline/internal/config"
	"clipline/internal/language"
	"clipline/internal/services/llm"
)

// TitlesLLM returns the LLM settings title generation uses.
func TitlesLLM(cfg *config.Config) llm.Config {
	if cfg == nil {
		return llm.Config{}
	}
	return llm.FromTitles(cfg.Titles)
}

// DescribeTitles reports which title backend is active without calling it.
func DescribeTitles(cfg *config.Config) Result {
	const name = "Titles"

	if cfg == nil {
		return Result{Name: name, Detail: "Unknown"}
	}
	llmCfg := TitlesLLM(cfg)
	if !llmCfg.Configured() {
		return Result{Name: name, Passed: true, Detail: "Transcript fallback (no API key)"}
	}
	model := strings.TrimSpace(llmCfg.Model)
	if model == "" {
		model = "default model"
	}
	return Result{Name: name, Passed: true, Detail: "LLM: " + model}
}

// DescribeNotifications reports which events ntfy will receive.
func DescribeNotifications(cfg *config.Config) Result {
	const name = "Notifications"

	if cfg == nil {
		return Result{Name: name, Detail: "Unknown"}
	}
	if cfg.Notifications.NtfyTopic == "" {
		return Result{Name: name, Passed: true, Detail: "Disabled"}
	}
	var events []string
	if cfg.Notifications.Uploaded {
		events = append(events, "uploaded")
	}
	if cfg.Notifications.Completed {
		events = append(events, "completed")
	}
	if cfg.Notifications.Failed {
		events = append(events, "failed")
	}
	if len(events) == 0 {
		return Result{Name: name, Passed: true, Detail: "Topic set, all events muted"}
	}
	return Result{Name: name, Passed: true, Detail: strings.Join(events, ", ")}
}

// DescribeTranscription names the whisper model and spoken language.
func DescribeTranscription(cfg *config.Config) Result {
	const name = "Transcription"

	if cfg == nil {
		return Result{Name: name, Detail: "Unknown"}
	}
	return Result{
		Name:   name,
		Passed: true,
		Detail: fmt.Sprintf("whisper %s, %s", cfg.Transcription.Model, language.DisplayName(cfg.Transcription.Language)),
	}
}
