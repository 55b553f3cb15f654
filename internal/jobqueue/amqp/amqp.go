// Package amqp is a RabbitMQ driver for the job queue. Retries go through a
// per-queue delay queue that dead-letters back to the main queue once the
// message TTL (the backoff) expires; exhausted jobs are parked on
// <name>.failed.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"clipline/internal/jobqueue"
	"clipline/internal/logging"
)

const (
	headerAttempt     = "x-attempt"
	headerMaxAttempts = "x-max-attempts"
	headerBackoffMS   = "x-backoff-ms"
	headerLastError   = "x-last-error"

	defaultDrainTimeout = 30 * time.Second
)

// ErrConsumerStopped is returned by Subscribe when the broker stops
// delivering before the caller's context ends.
var ErrConsumerStopped = errors.New("amqp consumer stopped")

// Queue is a job queue backed by a RabbitMQ broker.
type Queue struct {
	conn   *amqp091.Connection
	pubMu  sync.Mutex
	pub    *amqp091.Channel
	name   string
	logger *slog.Logger

	drainTimeout time.Duration
}

// Option customizes a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithDrainTimeout bounds how long in-flight jobs may run after shutdown begins.
func WithDrainTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.drainTimeout = d
		}
	}
}

// Dial connects to url and declares the main, delay, and failed queues for name.
func Dial(url, name string, opts ...Option) (*Queue, error) {
	if name == "" {
		name = "clipline"
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	q := &Queue{conn: conn, pub: ch, name: name, logger: logging.NewNop(), drainTimeout: defaultDrainTimeout}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = logging.NewComponentLogger(q.logger, "jobqueue-amqp")
	if err := q.declare(ch); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) delayName() string  { return q.name + ".delay" }
func (q *Queue) failedName() string { return q.name + ".failed" }

func (q *Queue) declare(ch *amqp091.Channel) error {
	if _, err := ch.QueueDeclare(q.name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", q.name, err)
	}
	delayArgs := amqp091.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.name,
	}
	if _, err := ch.QueueDeclare(q.delayName(), true, false, false, false, delayArgs); err != nil {
		return fmt.Errorf("declare queue %s: %w", q.delayName(), err)
	}
	if _, err := ch.QueueDeclare(q.failedName(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", q.failedName(), err)
	}
	return nil
}

type message struct {
	ID           string `json:"id"`
	VideoID      string `json:"video_id"`
	VideoPath    string `json:"video_path"`
	MetadataPath string `json:"metadata_path"`
}

// publishing encodes job with its retry bookkeeping in headers.
func publishing(job jobqueue.Job, previousAttempts int, backoff time.Duration) (amqp091.Publishing, error) {
	body, err := json.Marshal(message{ID: job.ID, VideoID: job.VideoID, VideoPath: job.VideoPath, MetadataPath: job.MetadataPath})
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("encode job: %w", err)
	}
	return amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
		Headers: amqp091.Table{
			headerAttempt:     int64(previousAttempts),
			headerMaxAttempts: int64(job.MaxAttempts),
			headerBackoffMS:   backoff.Milliseconds(),
		},
	}, nil
}

// decode rebuilds a job from a delivery. Attempt counts this delivery.
func decode(body []byte, headers amqp091.Table) (jobqueue.Job, time.Duration, error) {
	var msg message
	if err := json.Unmarshal(body, &msg); err != nil {
		return jobqueue.Job{}, 0, fmt.Errorf("decode job: %w", err)
	}
	job := jobqueue.Job{
		ID:           msg.ID,
		VideoID:      msg.VideoID,
		VideoPath:    msg.VideoPath,
		MetadataPath: msg.MetadataPath,
		Attempt:      int(headerInt(headers, headerAttempt)) + 1,
		MaxAttempts:  int(headerInt(headers, headerMaxAttempts)),
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = jobqueue.DefaultAttempts
	}
	backoff := time.Duration(headerInt(headers, headerBackoffMS)) * time.Millisecond
	if backoff <= 0 {
		backoff = jobqueue.DefaultBackoff
	}
	return job, backoff, nil
}

func headerInt(headers amqp091.Table, key string) int64 {
	switch v := headers[key].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case int16:
		return int64(v)
	case uint8:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

func (q *Queue) publish(ctx context.Context, queue string, msg amqp091.Publishing) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if q.pub == nil || q.pub.IsClosed() {
		return jobqueue.ErrClosed
	}
	return q.pub.PublishWithContext(ctx, "", queue, false, false, msg)
}

// Enqueue publishes job to the main queue.
func (q *Queue) Enqueue(ctx context.Context, job jobqueue.Job, opts jobqueue.EnqueueOptions) error {
	if job.VideoID == "" {
		return errors.New("enqueue: video id required")
	}
	opts = opts.WithDefaults()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.MaxAttempts = opts.Attempts
	msg, err := publishing(job, 0, opts.Backoff)
	if err != nil {
		return err
	}
	if err := q.publish(ctx, q.name, msg); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	q.logger.Info("job enqueued",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldVideoID, job.VideoID),
		logging.String(logging.FieldEventType, "job_enqueued"),
	)
	return nil
}

// Subscribe consumes with manual acks and prefetch equal to the concurrency.
// When ctx ends the consumer is cancelled and in-flight jobs are drained. A
// lost connection or channel also drains, then returns ErrConsumerStopped.
func (q *Queue) Subscribe(ctx context.Context, handler jobqueue.Handler, opts jobqueue.SubscribeOptions) error {
	if handler == nil {
		return errors.New("subscribe: handler required")
	}
	opts = opts.WithDefaults()
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(opts.Concurrency, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	connClosed := q.conn.NotifyClose(make(chan *amqp091.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp091.Error, 1))
	tag := "clipline-" + uuid.NewString()[:8]
	deliveries, err := ch.Consume(q.name, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.name, err)
	}

	limiter := jobqueue.NewLimiter(opts.RateLimit.Max, opts.RateLimit.Window)
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				if err := limiter.Wait(ctx); err != nil {
					_ = d.Nack(false, true)
					continue
				}
				q.process(jobCtx, d, handler)
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	stopErr := waitForStop(ctx, connClosed, chClosed, done)
	if stopErr == nil {
		if err := ch.Cancel(tag, false); err != nil {
			q.logger.Warn("cancel consumer failed", logging.Error(err))
		}
	} else {
		logging.ErrorWithContext(q.logger, "consumer stopped", "queue_consumer_stopped",
			logging.Error(stopErr),
			logging.String(logging.FieldErrorHint, "check broker connectivity; restart the daemon to resume consumption"),
		)
	}
	if q.drainTimeout > 0 {
		select {
		case <-done:
		case <-time.After(q.drainTimeout):
			cancelJobs()
			<-done
		}
	} else {
		cancelJobs()
		<-done
	}
	q.logger.Info("queue drained", logging.String(logging.FieldEventType, "queue_drained"))
	return stopErr
}

// waitForStop blocks until ctx ends (nil) or consumption can no longer
// continue (ErrConsumerStopped). Shutdown wins when both happen.
func waitForStop(ctx context.Context, connClosed, chClosed <-chan *amqp091.Error, workersDone <-chan struct{}) error {
	var err error
	select {
	case <-ctx.Done():
		return nil
	case amqpErr := <-connClosed:
		err = fmt.Errorf("%w: connection closed: %v", ErrConsumerStopped, amqpErr)
	case amqpErr := <-chClosed:
		err = fmt.Errorf("%w: channel closed: %v", ErrConsumerStopped, amqpErr)
	case <-workersDone:
		err = fmt.Errorf("%w: delivery channel closed", ErrConsumerStopped)
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (q *Queue) process(ctx context.Context, d amqp091.Delivery, handler jobqueue.Handler) {
	job, backoff, err := decode(d.Body, d.Headers)
	if err != nil {
		logging.ErrorWithContext(q.logger, "dropping undecodable message", "job_invalid", logging.Error(err))
		_ = d.Reject(false)
		return
	}
	logger := q.logger.With(
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldVideoID, job.VideoID),
		logging.Int(logging.FieldAttempt, job.Attempt),
	)
	logger.Info("job started", logging.String(logging.FieldEventType, "job_start"))

	res := jobqueue.Classify(ctx, job, jobqueue.RunHandler(ctx, handler, job))
	settleCtx := context.WithoutCancel(ctx)
	switch res.Kind {
	case jobqueue.ResultAck:
		logger.Info("job completed", logging.String(logging.FieldEventType, "job_complete"))
		_ = d.Ack(false)
	case jobqueue.ResultRequeue:
		logger.Info("job interrupted; returned to queue", logging.String(logging.FieldEventType, "job_requeued"))
		_ = d.Nack(false, true)
	case jobqueue.ResultRetry:
		delay := jobqueue.BackoffDelay(backoff, job.Attempt)
		msg, encErr := publishing(job, job.Attempt, backoff)
		if encErr == nil {
			msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
			msg.Headers[headerLastError] = res.Err.Error()
			encErr = q.publish(settleCtx, q.delayName(), msg)
		}
		if encErr != nil {
			logger.Error("failed to schedule retry; requeueing", logging.Error(encErr))
			_ = d.Nack(false, true)
			return
		}
		logging.WarnWithContext(logger, "job failed; will retry", "job_retry",
			logging.Error(res.Err),
			logging.Duration("retry_in", delay),
			logging.String(logging.FieldImpact, "processing resumes from the failed step"),
		)
		_ = d.Ack(false)
	case jobqueue.ResultFail:
		msg, encErr := publishing(job, job.Attempt, backoff)
		if encErr == nil {
			msg.Headers[headerLastError] = res.Err.Error()
			encErr = q.publish(settleCtx, q.failedName(), msg)
		}
		if encErr != nil {
			logger.Error("failed to park failed job", logging.Error(encErr))
		}
		logging.ErrorWithContext(logger, "job failed", "job_failed",
			logging.Error(res.Err),
			logging.Bool("permanent", jobqueue.IsPermanent(res.Err)),
			logging.String(logging.FieldErrorHint, "inspect with 'clipline status' and retry with 'clipline queue retry'"),
		)
		_ = d.Ack(false)
	}
}

// Close closes the publishing channel and the connection.
func (q *Queue) Close() error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	var errs []error
	if q.pub != nil && !q.pub.IsClosed() {
		errs = append(errs, q.pub.Close())
	}
	if q.conn != nil && !q.conn.IsClosed() {
		errs = append(errs, q.conn.Close())
	}
	return errors.Join(errs...)
}

var _ jobqueue.Queue = (*Queue)(nil)
