package titles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"clipline/internal/config"
	"clipline/internal/logging"
	"clipline/internal/services/llm"
	"clipline/internal/textutil"
)

// Tones accepted by Generate.
const (
	ToneCasual = "casual"
	ToneFormal = "formal"
	ToneCatchy = "catchy"
)

// ErrEmptyTranscript is returned when there is no text to title.
var ErrEmptyTranscript = errors.New("transcript has no text")

// ErrInvalidTone is returned for an unknown tone.
var ErrInvalidTone = errors.New("unknown tone")

// Completer is the subset of the LLM client used here.
type Completer interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Generator produces title suggestions.
type Generator struct {
	llm          Completer
	defaultLimit int
	maxLimit     int
	defaultTone  string
	logger       *slog.Logger
}

// New builds a generator. The LLM client is used only when an API key is set.
func New(cfg *config.Config, logger *slog.Logger) *Generator {
	g := &Generator{
		defaultLimit: 3,
		maxLimit:     10,
		defaultTone:  ToneCasual,
		logger:       logging.NewComponentLogger(logger, "titles"),
	}
	if cfg == nil {
		return g
	}
	g.defaultLimit = cfg.Titles.DefaultLimit
	g.maxLimit = cfg.Titles.MaxLimit
	g.defaultTone = cfg.Titles.DefaultTone
	llmCfg := llm.FromTitles(cfg.Titles)
	if llmCfg.Configured() {
		g.llm = llm.NewClient(llmCfg)
	}
	return g
}

// WithCompleter replaces the LLM backend (for testing).
func (g *Generator) WithCompleter(c Completer) *Generator {
	g.llm = c
	return g
}

// Normalize resolves request parameters against the defaults. A limit <= 0
// means the default; larger values are capped at the configured maximum.
func (g *Generator) Normalize(limit int, tone string) (int, string, error) {
	if limit <= 0 {
		limit = g.defaultLimit
	}
	limit = min(limit, g.maxLimit)
	tone = strings.ToLower(strings.TrimSpace(tone))
	if tone == "" {
		tone = g.defaultTone
	}
	switch tone {
	case ToneCasual, ToneFormal, ToneCatchy:
	default:
		return 0, "", fmt.Errorf("%w %q", ErrInvalidTone, tone)
	}
	return limit, tone, nil
}

// Generate returns up to limit title suggestions for the transcript text.
func (g *Generator) Generate(ctx context.Context, fullText string, limit int, tone string) ([]string, error) {
	limit, tone, err := g.Normalize(limit, tone)
	if err != nil {
		return nil, err
	}
	text := textutil.Normalize(fullText)
	if text == "" {
		return nil, ErrEmptyTranscript
	}
	if g.llm == nil {
		return fallback(text, limit, tone), nil
	}
	titles, err := g.fromLLM(ctx, text, limit, tone)
	if err != nil {
		return nil, err
	}
	g.logger.Debug("titles generated", logging.Int("count", len(titles)), logging.String("tone", tone))
	return titles, nil
}

const systemPrompt = `You write titles for short-form social videos.
Respond with JSON only: {"titles": ["...", "..."]}.
Write in the same language as the transcript. Keep each title under 40 characters.`

// transcriptPromptRunes bounds the transcript excerpt sent to the model.
const transcriptPromptRunes = 4000

func (g *Generator) fromLLM(ctx context.Context, text string, limit int, tone string) ([]string, error) {
	user := fmt.Sprintf("Tone: %s\nNumber of titles: %d\nTranscript:\n%s", tone, limit, textutil.TruncateRunes(text, transcriptPromptRunes))
	content, err := g.llm.CompleteJSON(ctx, systemPrompt, user)
	if err != nil {
		return nil, fmt.Errorf("generate titles: %w", err)
	}
	var payload struct {
		Titles []string `json:"titles"`
	}
	if err := llm.DecodeLLMJSON(content, &payload); err != nil {
		return nil, fmt.Errorf("generate titles: parse payload: %w", err)
	}
	titles := dedupe(payload.Titles, limit)
	if len(titles) == 0 {
		return nil, errors.New("generate titles: model returned no titles")
	}
	return titles, nil
}

var templates = map[string][]string{
	ToneCasual: {"【自動生成】%s…", "動画コンテンツ: %s…", "ショート動画: %s…", "見てほしい: %s…", "今日の一本: %s…"},
	ToneFormal: {"%s…", "解説: %s…", "記録: %s…", "レポート: %s…", "概要: %s…"},
	ToneCatchy: {"【必見】%s…", "まさかの展開: %s…", "これはヤバい: %s…", "衝撃: %s…", "話題: %s…"},
}

var previewRunes = []int{100, 50, 40, 30, 20}

// fallback builds titles from the opening of the transcript.
func fallback(text string, limit int, tone string) []string {
	titler := cases.Title(language.Und, cases.NoLower)
	forms := templates[tone]
	candidates := make([]string, 0, len(forms))
	for i, form := range forms {
		preview := strings.TrimSpace(textutil.TruncateRunes(text, previewRunes[i]))
		if tone == ToneFormal {
			preview = titler.String(preview)
		}
		candidates = append(candidates, fmt.Sprintf(form, preview))
	}
	return dedupe(candidates, limit)
}

// dedupe trims titles and drops near-duplicates, keeping at most limit.
func dedupe(titles []string, limit int) []string {
	var (
		out    []string
		prints []*textutil.Fingerprint
	)
	for _, title := range titles {
		title = strings.TrimSpace(title)
		if title == "" {
			continue
		}
		fp := textutil.NewFingerprint(title)
		duplicate := false
		for _, seen := range prints {
			if fp.Similarity(seen) > 0.98 {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		out = append(out, title)
		prints = append(prints, fp)
		if len(out) == limit {
			break
		}
	}
	return out
}
