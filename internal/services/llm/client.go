package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clipline/internal/config"
)

const defaultBaseURL = "https://openrouter.ai/api/v1/chat/completions"

// Config holds the OpenRouter-compatible endpoint settings.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	Referer        string
	Title          string
	TimeoutSeconds int
}

// FromTitles extracts the endpoint settings of the [titles] section.
func FromTitles(t config.Titles) Config {
	return Config{
		APIKey:         strings.TrimSpace(t.APIKey),
		BaseURL:        strings.TrimSpace(t.BaseURL),
		Model:          strings.TrimSpace(t.Model),
		Referer:        strings.TrimSpace(t.Referer),
		Title:          strings.TrimSpace(t.Title),
		TimeoutSeconds: t.TimeoutSeconds,
	}
}

// Configured reports whether an API key is present.
func (c Config) Configured() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

// retryPolicy bounds how often and how long a completion is retried.
type retryPolicy struct {
	attempts int
	base     time.Duration
	ceiling  time.Duration
	sleep    func(time.Duration)
}

// delay doubles from base for each attempt after the first, capped at ceiling.
func (p retryPolicy) delay(attempt int) time.Duration {
	if p.base <= 0 {
		return 0
	}
	d := p.base
	for i := 1; i < attempt && d < p.ceiling; i++ {
		d *= 2
	}
	return min(d, p.ceiling)
}

func (p retryPolicy) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if p.sleep != nil {
		p.sleep(d)
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Client calls a chat completion endpoint in JSON mode.
type Client struct {
	cfg   Config
	http  *http.Client
	retry retryPolicy
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithRetryMaxAttempts sets how many requests one call may make.
func WithRetryMaxAttempts(attempts int) Option {
	return func(c *Client) { c.retry.attempts = attempts }
}

// WithRetryBackoff sets the first retry delay and the cap.
func WithRetryBackoff(base, ceiling time.Duration) Option {
	return func(c *Client) {
		c.retry.base = base
		c.retry.ceiling = ceiling
	}
}

// WithSleeper replaces the retry wait; tests record delays with it.
func WithSleeper(sleep func(time.Duration)) Option {
	return func(c *Client) { c.retry.sleep = sleep }
}

// NewClient builds a client for cfg. An empty BaseURL targets OpenRouter.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := 15 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.BaseURL = strings.TrimSpace(cfg.BaseURL); cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	c := &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: timeout},
		retry: retryPolicy{attempts: 5, base: time.Second, ceiling: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// statusError is a non-2xx reply.
type statusError struct {
	code       int
	body       string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.code, strings.TrimSpace(e.body))
}

// errEmptyContent marks a 200 reply with no usable message. Providers send
// these under load, so they count as transient.
var errEmptyContent = errors.New("empty content")

// CompleteJSON sends one system and one user message and returns the model's
// raw JSON reply.
func (c *Client) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	systemPrompt = strings.TrimSpace(systemPrompt)
	userPrompt = strings.TrimSpace(userPrompt)
	switch {
	case systemPrompt == "":
		return "", errors.New("llm complete: system prompt required")
	case userPrompt == "":
		return "", errors.New("llm complete: user prompt required")
	case !c.cfg.Configured():
		return "", errors.New("llm complete: api key required")
	}
	return c.do(ctx, "llm complete", c.chat(systemPrompt, userPrompt, 0.7))
}

// HealthCheck asks for a fixed JSON reply to prove the key and model work.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.cfg.Configured() {
		return errors.New("llm health: api key required")
	}
	content, err := c.do(ctx, "llm health", c.chat("You must respond with JSON only.", `Respond with {"ok":true}`, 0))
	if err != nil {
		return err
	}
	var reply struct {
		OK bool `json:"ok"`
	}
	if err := DecodeLLMJSON(content, &reply); err != nil {
		return fmt.Errorf("llm health: parse payload: %w", err)
	}
	if !reply.OK {
		return errors.New("llm health: unexpected response")
	}
	return nil
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) chat(system, user string, temperature float64) chatRequest {
	return chatRequest{
		Model:          c.cfg.Model,
		Messages:       []chatMessage{{Role: "system", Content: system}, {Role: "user", Content: user}},
		Temperature:    temperature,
		ResponseFormat: map[string]string{"type": "json_object"},
	}
}

func (c *Client) do(ctx context.Context, op string, req chatRequest) (string, error) {
	attempts := max(c.retry.attempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var content string
		if content, err = c.send(ctx, req); err == nil {
			return content, nil
		}
		if attempt == attempts {
			break
		}
		after, transient := retryAfter(err)
		if !transient || ctx.Err() != nil {
			return "", fmt.Errorf("%s: attempt %d: %w", op, attempt, err)
		}
		if after <= 0 {
			after = c.retry.delay(attempt)
		}
		if werr := c.retry.wait(ctx, min(after, c.retry.ceiling)); werr != nil {
			return "", werr
		}
	}
	return "", fmt.Errorf("%s: failed after %d attempts: %w", op, attempts, err)
}

// retryAfter reports whether err is transient and any server-requested delay.
func retryAfter(err error) (time.Duration, bool) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}
	if errors.Is(err, errEmptyContent) {
		return 0, true
	}
	var se *statusError
	if errors.As(err, &se) {
		transient := se.code == http.StatusRequestTimeout || se.code == http.StatusTooManyRequests || se.code >= http.StatusInternalServerError
		return se.retryAfter, transient
	}
	var ne net.Error
	return 0, errors.As(err, &ne) && ne.Timeout()
}

func (c *Client) send(ctx context.Context, payload chatRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("http error (timeout=%s): %w", c.http.Timeout, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", &statusError{code: resp.StatusCode, body: string(raw), retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}

	var reply chatResponse
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if reply.Error != nil {
		return "", fmt.Errorf("api error: %s", strings.TrimSpace(reply.Error.Message))
	}
	for _, choice := range reply.Choices {
		for _, text := range []string{choice.Message.Content, choice.Text} {
			if text = strings.TrimSpace(text); text != "" {
				return text, nil
			}
		}
		if refusal := strings.TrimSpace(choice.Message.Refusal); refusal != "" {
			return "", fmt.Errorf("model refused: %s", refusal)
		}
	}
	return "", fmt.Errorf("%w (response_snippet=%s)", errEmptyContent, summarizePayloadSnippet(string(raw)))
}

// parseRetryAfter accepts delta-seconds or an HTTP date; anything else is 0.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		return max(time.Until(when), 0)
	}
	return 0
}
