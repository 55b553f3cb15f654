package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"clipline/internal/config"
	"clipline/internal/language"
	"clipline/internal/logging"
)

// Defaults for the whisper command line.
const (
	DefaultCommand  = "whisper"
	DefaultModel    = "base"
	DefaultLanguage = "ja"
)

// Service wraps the whisper CLI.
type Service struct {
	command       []string
	model         string
	language      string
	timeout       time.Duration
	logger        *slog.Logger
	commandRunner func(ctx context.Context, name string, args ...string) error
}

// NewService builds a service from the transcription config section.
func NewService(cfg *config.Config, logger *slog.Logger) *Service {
	s := &Service{
		command:  []string{DefaultCommand},
		model:    DefaultModel,
		language: DefaultLanguage,
		logger:   logging.NewComponentLogger(logger, "transcribe"),
	}
	if cfg != nil {
		if fields := strings.Fields(cfg.Transcription.Command); len(fields) > 0 {
			s.command = fields
		}
		if v := strings.TrimSpace(cfg.Transcription.Model); v != "" {
			s.model = v
		}
		if v, err := language.Normalize(cfg.Transcription.Language); err == nil && strings.TrimSpace(cfg.Transcription.Language) != "" {
			s.language = v
		}
		s.timeout = cfg.TranscriptionTimeout()
	}
	return s
}

// WithCommandRunner sets a custom command runner (for testing).
func (s *Service) WithCommandRunner(runner func(ctx context.Context, name string, args ...string) error) {
	s.commandRunner = runner
}

// Binary returns the executable the service invokes.
func (s *Service) Binary() string { return s.command[0] }

// Model returns the configured model name for logging.
func (s *Service) Model() string { return s.model }

type whisperOutput struct {
	Text     string `json:"text"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Transcribe runs whisper over video, writing its raw output into workDir,
// and returns the parsed transcript.
func (s *Service) Transcribe(ctx context.Context, video, workDir string) (Transcript, error) {
	if strings.TrimSpace(video) == "" {
		return Transcript{}, errors.New("transcribe: video path required")
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return Transcript{}, fmt.Errorf("transcribe: ensure work dir: %w", err)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	args := append([]string(nil), s.command[1:]...)
	args = append(args, video, "--model", s.model)
	if s.language != language.Auto {
		args = append(args, "--language", s.language)
	}
	args = append(args, "--output_format", "json", "--output_dir", workDir)
	started := time.Now()
	s.logger.Info("whisper started",
		logging.String(logging.FieldEventType, "transcribe_start"),
		logging.String("model", s.model),
		logging.String("language", s.language),
	)
	if err := s.run(ctx, s.command[0], args...); err != nil {
		return Transcript{}, err
	}

	stem := strings.TrimSuffix(filepath.Base(video), filepath.Ext(video))
	data, err := os.ReadFile(filepath.Join(workDir, stem+".json"))
	if err != nil {
		return Transcript{}, fmt.Errorf("transcribe: read whisper output: %w", err)
	}
	var raw whisperOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return Transcript{}, fmt.Errorf("transcribe: decode whisper output: %w", err)
	}

	transcript := Transcript{Segments: make([]Segment, 0, len(raw.Segments))}
	for _, seg := range raw.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" || seg.End < seg.Start {
			continue
		}
		transcript.Segments = append(transcript.Segments, Segment{Start: seg.Start, End: seg.End, Text: text})
	}
	transcript.FullText = strings.TrimSpace(raw.Text)
	if transcript.FullText == "" {
		parts := make([]string, 0, len(transcript.Segments))
		for _, seg := range transcript.Segments {
			parts = append(parts, seg.Text)
		}
		transcript.FullText = strings.Join(parts, " ")
	}
	s.logger.Info("whisper finished",
		logging.String(logging.FieldEventType, "transcribe_complete"),
		logging.Int("segments", len(transcript.Segments)),
		logging.Duration("elapsed", time.Since(started)),
	)
	return transcript, nil
}

func (s *Service) run(ctx context.Context, name string, args ...string) error {
	if s.commandRunner != nil {
		return s.commandRunner(ctx, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	if output, err := cmd.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(output))
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return nil
}
