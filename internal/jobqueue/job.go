package jobqueue

import (
	"context"
	"errors"
	"time"

	"clipline/internal/services"
)

// Job is the unit of work delivered to a handler: run the pipeline for one video.
type Job struct {
	ID           string `json:"id"`
	VideoID      string `json:"video_id"`
	VideoPath    string `json:"video_path"`
	MetadataPath string `json:"metadata_path"`
	// Attempt is 1-based and counts deliveries that reached the handler.
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`
}

// Handler processes one job. A nil return acknowledges it.
type Handler func(ctx context.Context, job Job) error

// EnqueueOptions overrides the queue's retry policy for one job.
type EnqueueOptions struct {
	Attempts int
	Backoff  time.Duration
}

// RateLimit caps job starts to Max per fixed Window.
type RateLimit struct {
	Max    int
	Window time.Duration
}

// SubscribeOptions tunes consumption.
type SubscribeOptions struct {
	Concurrency int
	RateLimit   RateLimit
}

// Queue is implemented by every driver. Subscribe blocks until ctx is done
// or the driver can no longer consume, then waits for in-flight handlers
// before returning. A nil return means ctx ended.
type Queue interface {
	Enqueue(ctx context.Context, job Job, opts EnqueueOptions) error
	Subscribe(ctx context.Context, handler Handler, opts SubscribeOptions) error
	Close() error
}

// Defaults applied when options leave a field zero.
const (
	DefaultAttempts    = 3
	DefaultBackoff     = 2 * time.Second
	DefaultConcurrency = 1
	DefaultRateMax     = 5
	DefaultRateWindow  = 10 * time.Second
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("job queue closed")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var p *permanentError
	if errors.As(err, &p) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent or carries a
// permanent taxonomy marker.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	return errors.As(err, &p) || services.IsPermanent(err)
}

// Interrupted reports whether err came from shutdown rather than the job
// itself. Interrupted jobs return to the queue without consuming an attempt.
func Interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, context.Canceled)
}

// BackoffDelay returns base × 2^(attempt-1) for a 1-based attempt.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > time.Hour {
			return delay
		}
		delay *= 2
	}
	return delay
}

// WithDefaults fills zero fields with the package defaults.
func (o EnqueueOptions) WithDefaults() EnqueueOptions {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	return o
}

// WithDefaults fills zero fields with the package defaults.
func (o SubscribeOptions) WithDefaults() SubscribeOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.RateLimit.Max <= 0 {
		o.RateLimit.Max = DefaultRateMax
	}
	if o.RateLimit.Window <= 0 {
		o.RateLimit.Window = DefaultRateWindow
	}
	return o
}
