package jobqueue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"clipline/internal/logging"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// schemaVersion is the current schema version. Bump this when the schema changes.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database schema version doesn't match the expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// Status is the lifecycle state of a stored job.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusFailed  Status = "failed"
	StatusDone    Status = "done"
)

// Record is a stored job with its bookkeeping.
type Record struct {
	Job
	Status        Status
	LastError     string
	AvailableAt   time.Time
	LastHeartbeat time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	defaultPollInterval = time.Second
	defaultDrainTimeout = 30 * time.Second
)

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, busyRetryMaxBackoff)
	}
	return lastErr
}

// SQLiteQueue is a durable job queue in a sqlite database.
type SQLiteQueue struct {
	db     *sql.DB
	path   string
	name   string
	logger *slog.Logger
	now    func() time.Time

	pollInterval     time.Duration
	heartbeat        time.Duration
	heartbeatTimeout time.Duration
	drainTimeout     time.Duration

	mu     sync.Mutex
	closed bool
}

// SQLiteOption customizes a SQLiteQueue.
type SQLiteOption func(*SQLiteQueue)

// WithLogger sets the queue logger.
func WithLogger(logger *slog.Logger) SQLiteOption {
	return func(q *SQLiteQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithPollInterval sets how often idle workers look for new jobs.
func WithPollInterval(d time.Duration) SQLiteOption {
	return func(q *SQLiteQueue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithHeartbeat sets the active-job heartbeat cadence and the age after which
// an active job is considered abandoned and reclaimed.
func WithHeartbeat(interval, timeout time.Duration) SQLiteOption {
	return func(q *SQLiteQueue) {
		q.heartbeat = interval
		q.heartbeatTimeout = timeout
	}
}

// WithDrainTimeout bounds how long in-flight jobs may keep running after
// Subscribe's context ends before their own context is canceled.
func WithDrainTimeout(d time.Duration) SQLiteOption {
	return func(q *SQLiteQueue) {
		if d >= 0 {
			q.drainTimeout = d
		}
	}
}

// OpenSQLite opens (or creates) the job database at path. name partitions
// jobs so several queues can share one file.
func OpenSQLite(path, name string, opts ...SQLiteOption) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if strings.TrimSpace(name) == "" {
		name = "clipline"
	}
	q := &SQLiteQueue{
		db:               db,
		path:             path,
		name:             name,
		logger:           logging.NewNop(),
		now:              time.Now,
		pollInterval:     defaultPollInterval,
		heartbeat:        15 * time.Second,
		heartbeatTimeout: 2 * time.Minute,
		drainTimeout:     defaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = logging.NewComponentLogger(q.logger, "jobqueue")
	if err := q.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema(ctx context.Context) error {
	var tableExists int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, sqliteSchema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return tx.Commit()
	}

	var version int
	if err := q.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to reset the queue)",
			ErrSchemaMismatch, version, schemaVersion, q.path)
	}
	return nil
}

func (q *SQLiteQueue) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = q.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

func (q *SQLiteQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Enqueue stores job as pending. A video that already has a pending or
// active job is not queued twice.
func (q *SQLiteQueue) Enqueue(ctx context.Context, job Job, opts EnqueueOptions) error {
	if q.isClosed() {
		return ErrClosed
	}
	if strings.TrimSpace(job.VideoID) == "" {
		return errors.New("enqueue: video id required")
	}
	opts = opts.WithDefaults()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := q.now().UnixMilli()
	res, err := q.exec(ctx, `INSERT INTO jobs
    (id, queue, video_id, video_path, metadata_path, status, attempt, max_attempts, backoff_ms, available_at, created_at, updated_at)
SELECT ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?
WHERE NOT EXISTS (
    SELECT 1 FROM jobs WHERE queue = ? AND video_id = ? AND status IN (?, ?)
)`,
		job.ID, q.name, job.VideoID, job.VideoPath, job.MetadataPath, StatusPending,
		opts.Attempts, opts.Backoff.Milliseconds(), now, now, now,
		q.name, job.VideoID, StatusPending, StatusActive,
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		q.logger.Info("video already queued; skipping duplicate job",
			logging.String(logging.FieldVideoID, job.VideoID),
			logging.String(logging.FieldEventType, "job_duplicate"),
		)
		return nil
	}
	q.logger.Info("job enqueued",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldVideoID, job.VideoID),
		logging.String(logging.FieldEventType, "job_enqueued"),
	)
	return nil
}

// claim activates the oldest available pending job whose video has no other
// active job. It returns nil when nothing is ready.
func (q *SQLiteQueue) claim(ctx context.Context) (*Job, time.Duration, error) {
	now := q.now().UnixMilli()
	var (
		job       Job
		backoffMS int64
	)
	err := retryOnBusy(ctx, func() error {
		return q.db.QueryRowContext(ctx, `UPDATE jobs
SET status = ?, attempt = attempt + 1, last_heartbeat = ?, updated_at = ?
WHERE id = (
    SELECT j.id FROM jobs j
    WHERE j.queue = ? AND j.status = ? AND j.available_at <= ?
      AND NOT EXISTS (SELECT 1 FROM jobs a WHERE a.video_id = j.video_id AND a.status = ?)
    ORDER BY j.available_at, j.created_at
    LIMIT 1
) AND status = ?
RETURNING id, video_id, video_path, metadata_path, attempt, max_attempts, backoff_ms`,
			StatusActive, now, now,
			q.name, StatusPending, now,
			StatusActive,
			StatusPending,
		).Scan(&job.ID, &job.VideoID, &job.VideoPath, &job.MetadataPath, &job.Attempt, &job.MaxAttempts, &backoffMS)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("claim job: %w", err)
	}
	return &job, time.Duration(backoffMS) * time.Millisecond, nil
}

// Subscribe runs handler over claimed jobs with opts.Concurrency workers
// until ctx ends, then waits for in-flight jobs. In-flight jobs keep running
// for the drain timeout; after that their context is canceled and they are
// returned to pending without consuming an attempt.
func (q *SQLiteQueue) Subscribe(ctx context.Context, handler Handler, opts SubscribeOptions) error {
	if handler == nil {
		return errors.New("subscribe: handler required")
	}
	if q.isClosed() {
		return ErrClosed
	}
	opts = opts.WithDefaults()
	limiter := NewLimiter(opts.RateLimit.Max, opts.RateLimit.Window)

	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()
	drained := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-drained:
			return
		}
		if q.drainTimeout > 0 {
			timer := time.NewTimer(q.drainTimeout)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-drained:
				return
			}
		}
		cancelJobs()
	}()

	q.logger.Info("queue subscription started",
		logging.Int("concurrency", opts.Concurrency),
		logging.Int("rate_limit_max", opts.RateLimit.Max),
		logging.Duration("rate_limit_window", opts.RateLimit.Window),
		logging.String(logging.FieldEventType, "queue_subscribe"),
	)

	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.work(ctx, jobCtx, worker, handler, limiter)
		}(i)
	}
	wg.Wait()
	close(drained)
	q.logger.Info("queue drained", logging.String(logging.FieldEventType, "queue_drained"))
	return nil
}

func (q *SQLiteQueue) work(ctx, jobCtx context.Context, worker int, handler Handler, limiter *Limiter) {
	logger := q.logger.With(logging.Int("worker", worker))
	for {
		if ctx.Err() != nil {
			return
		}
		if worker == 0 {
			q.reclaimStale(ctx, logger)
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		job, backoff, err := q.claim(ctx)
		if err != nil {
			limiter.Refund()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to claim job",
				logging.Error(err),
				logging.String(logging.FieldEventType, "queue_fetch_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
			q.sleep(ctx, q.pollInterval)
			continue
		}
		if job == nil {
			limiter.Refund()
			q.sleep(ctx, q.pollInterval)
			continue
		}
		q.process(jobCtx, logger, *job, backoff, handler)
	}
}

func (q *SQLiteQueue) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (q *SQLiteQueue) process(ctx context.Context, logger *slog.Logger, job Job, backoff time.Duration, handler Handler) {
	logger = logger.With(
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldVideoID, job.VideoID),
		logging.Int(logging.FieldAttempt, job.Attempt),
	)
	logger.Info("job started", logging.String(logging.FieldEventType, "job_start"))

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hb sync.WaitGroup
	if q.heartbeat > 0 {
		hb.Add(1)
		go q.heartbeatLoop(hbCtx, &hb, job.ID, logger)
	}
	err := RunHandler(ctx, handler, job)
	stopHeartbeat()
	hb.Wait()

	q.settle(context.WithoutCancel(ctx), logger, job, backoff, Classify(ctx, job, err))
}

// RunHandler calls handler, converting a panic into an error so one bad job
// cannot take the worker down. Every driver runs handlers through it.
func RunHandler(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// Result classifies a finished delivery.
type Result struct {
	Kind  ResultKind
	Err   error
	Delay time.Duration
}

// ResultKind is what the queue does with a finished delivery.
type ResultKind int

const (
	ResultAck ResultKind = iota
	ResultRetry
	ResultFail
	ResultRequeue
)

// Classify applies the retry policy to a handler result. Shutdown
// interruptions requeue without counting the attempt; permanent errors and
// exhausted attempts fail; anything else retries after backoff.
func Classify(ctx context.Context, job Job, err error) Result {
	switch {
	case err == nil:
		return Result{Kind: ResultAck}
	case Interrupted(ctx, err):
		return Result{Kind: ResultRequeue, Err: err}
	case IsPermanent(err):
		return Result{Kind: ResultFail, Err: err}
	case job.Attempt >= job.MaxAttempts:
		return Result{Kind: ResultFail, Err: err}
	default:
		return Result{Kind: ResultRetry, Err: err}
	}
}

func (q *SQLiteQueue) settle(ctx context.Context, logger *slog.Logger, job Job, backoff time.Duration, res Result) {
	now := q.now()
	var err error
	switch res.Kind {
	case ResultAck:
		_, err = q.exec(ctx, `UPDATE jobs SET status = ?, last_error = NULL, last_heartbeat = NULL, updated_at = ? WHERE id = ?`,
			StatusDone, now.UnixMilli(), job.ID)
		logger.Info("job completed", logging.String(logging.FieldEventType, "job_complete"))
	case ResultRequeue:
		_, err = q.exec(ctx, `UPDATE jobs SET status = ?, attempt = attempt - 1, available_at = ?, last_heartbeat = NULL, updated_at = ? WHERE id = ?`,
			StatusPending, now.UnixMilli(), now.UnixMilli(), job.ID)
		logger.Info("job interrupted; returned to queue", logging.String(logging.FieldEventType, "job_requeued"))
	case ResultFail:
		_, err = q.exec(ctx, `UPDATE jobs SET status = ?, last_error = ?, last_heartbeat = NULL, updated_at = ? WHERE id = ?`,
			StatusFailed, res.Err.Error(), now.UnixMilli(), job.ID)
		logging.ErrorWithContext(logger, "job failed", "job_failed",
			logging.Error(res.Err),
			logging.Bool("permanent", IsPermanent(res.Err)),
			logging.String(logging.FieldErrorHint, "inspect with 'clipline status' and retry with 'clipline queue retry'"),
		)
	case ResultRetry:
		delay := BackoffDelay(backoff, job.Attempt)
		_, err = q.exec(ctx, `UPDATE jobs SET status = ?, last_error = ?, available_at = ?, last_heartbeat = NULL, updated_at = ? WHERE id = ?`,
			StatusPending, res.Err.Error(), now.Add(delay).UnixMilli(), now.UnixMilli(), job.ID)
		logging.WarnWithContext(logger, "job failed; will retry", "job_retry",
			logging.Error(res.Err),
			logging.Duration("retry_in", delay),
			logging.String(logging.FieldImpact, "processing resumes from the failed step"),
		)
	}
	if err != nil {
		logger.Error("failed to settle job", logging.Error(err))
	}
}

func (q *SQLiteQueue) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup, id string, logger *slog.Logger) {
	defer wg.Done()
	ticker := time.NewTicker(q.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := q.now().UnixMilli()
			if _, err := q.exec(ctx, `UPDATE jobs SET last_heartbeat = ?, updated_at = ? WHERE id = ?`, now, now, id); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Warn("heartbeat update failed", logging.Error(err))
			}
		}
	}
}

// reclaimStale returns active jobs whose heartbeat stopped to pending.
func (q *SQLiteQueue) reclaimStale(ctx context.Context, logger *slog.Logger) {
	if q.heartbeatTimeout <= 0 {
		return
	}
	n, err := q.ReclaimStale(ctx, q.now().Add(-q.heartbeatTimeout))
	if err != nil {
		logger.Warn("reclaim stale jobs failed; stuck jobs may remain",
			logging.Error(err),
			logging.String(logging.FieldEventType, "heartbeat_reclaim_failed"),
			logging.String(logging.FieldErrorHint, "check queue database access"),
		)
		return
	}
	if n > 0 {
		logger.Info("reclaimed stale jobs", logging.Int64("count", n))
	}
}

// ReclaimStale moves active jobs with a heartbeat older than cutoff back to pending.
func (q *SQLiteQueue) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	now := q.now().UnixMilli()
	res, err := q.exec(ctx, `UPDATE jobs SET status = ?, available_at = ?, last_heartbeat = NULL, updated_at = ?
WHERE queue = ? AND status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		StatusPending, now, now, q.name, StatusActive, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database. Subscribe must have returned first.
func (q *SQLiteQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}

var _ Queue = (*SQLiteQueue)(nil)
