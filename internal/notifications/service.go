package notifications

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"clipline/internal/config"
	"clipline/internal/logging"
	"clipline/internal/metadata"
)

const userAgent = "clipline/0.1.0"

// Event identifies a notification type.
type Event string

const (
	EventVideoUploaded  Event = "video_uploaded"
	EventVideoCompleted Event = "video_completed"
	EventVideoFailed    Event = "video_failed"
	EventTest           Event = "test"
)

// Payload carries event fields keyed by name.
type Payload map[string]any

// Service publishes events to a notification backend.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		enabled: map[Event]bool{
			EventVideoUploaded:  cfg.Notifications.Uploaded,
			EventVideoCompleted: cfg.Notifications.Completed,
			EventVideoFailed:    cfg.Notifications.Failed,
			EventTest:           true,
		},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	if n == nil || !n.enabled[event] {
		return nil
	}
	msg, ok := format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func format(event Event, payload Payload) (message, bool) {
	name := payload.string("filename")
	if name == "" {
		name = payload.string("videoID")
	}
	switch event {
	case EventVideoUploaded:
		return message{
			title: "clipline - Uploaded",
			body:  fmt.Sprintf("📥 Queued: %s", name),
			tags:  []string{"clipline", "upload"},
		}, true
	case EventVideoCompleted:
		body := fmt.Sprintf("✅ Ready: %s", name)
		if url := payload.string("downloadURL"); url != "" {
			body += "\n" + url
		}
		return message{
			title: "clipline - Complete",
			body:  body,
			tags:  []string{"clipline", "completed"},
		}, true
	case EventVideoFailed:
		var b strings.Builder
		b.WriteString("❌ Failed")
		if step := payload.string("step"); step != "" {
			b.WriteString(" at ")
			b.WriteString(step)
		}
		b.WriteString(": ")
		b.WriteString(name)
		if reason := payload.string("error"); reason != "" {
			b.WriteString("\n")
			b.WriteString(reason)
		}
		return message{
			title:    "clipline - Failed",
			body:     b.String(),
			tags:     []string{"clipline", "error"},
			priority: "high",
		}, true
	case EventTest:
		return message{
			title:    "clipline - Test",
			body:     "🧪 Notification system test",
			tags:     []string{"clipline", "test"},
			priority: "low",
		}, true
	}
	return message{}, false
}

func (p Payload) string(key string) string {
	if p == nil {
		return ""
	}
	value, ok := p[key]
	if !ok || value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	if n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }

// Notifier turns pipeline and intake callbacks into published events.
// Delivery failures are logged, never returned.
type Notifier struct {
	svc     Service
	logger  *slog.Logger
	baseURL string
}

// NewNotifier wraps svc. baseURL prefixes download links when set.
func NewNotifier(svc Service, logger *slog.Logger, baseURL string) *Notifier {
	if svc == nil {
		svc = noopService{}
	}
	return &Notifier{
		svc:     svc,
		logger:  logging.NewComponentLogger(logger, "notifications"),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Uploaded publishes EventVideoUploaded.
func (n *Notifier) Uploaded(ctx context.Context, v *metadata.Video) {
	if v == nil {
		return
	}
	n.publish(ctx, EventVideoUploaded, Payload{"videoID": v.ID, "filename": v.Source.Filename})
}

func (n *Notifier) StepFinished(string, time.Duration, error) {}

// PipelineFinished publishes completion or failure of a run.
func (n *Notifier) PipelineFinished(ctx context.Context, v *metadata.Video, err error) {
	if v == nil {
		return
	}
	payload := Payload{"videoID": v.ID, "filename": v.Source.Filename}
	switch {
	case err == nil && v.Status == metadata.StatusCompleted:
		if n.baseURL != "" {
			payload["downloadURL"] = n.baseURL + "/api/videos/" + v.ID + "/download"
		}
		n.publish(ctx, EventVideoCompleted, payload)
	case v.Status == metadata.StatusFailed && v.Error != nil:
		payload["step"] = v.Error.Details.Step
		payload["error"] = v.Error.Message
		n.publish(ctx, EventVideoFailed, payload)
	}
}

func (n *Notifier) publish(ctx context.Context, event Event, payload Payload) {
	if err := n.svc.Publish(ctx, event, payload); err != nil {
		n.logger.Warn("notification failed",
			logging.String(logging.FieldEventType, "notification_failed"),
			logging.String("event", string(event)),
			logging.String(logging.FieldVideoID, payload.string("videoID")),
			logging.Error(err),
		)
	}
}
