package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"clipline/internal/config"
	"clipline/internal/deps"
	"clipline/internal/jobqueue"
	"clipline/internal/logging"
	"clipline/internal/metadata"
)

// Runner executes the pipeline for one delivered job.
type Runner interface {
	RunPipeline(ctx context.Context, job jobqueue.Job) error
}

// Daemon consumes the job queue and enforces single-instance execution.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     metadata.Store
	queue     jobqueue.Queue
	inspector jobqueue.Inspector
	runner    Runner
	logPath   string

	lockPath string
	lock     *flock.Flock

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error

	dependencies []deps.Status
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	QueueDriver  string
	QueueDBPath  string
	LockFilePath string
	LogPath      string
	Queue        map[jobqueue.Status]int
	QueueErr     error
	StoreErr     error
	ConsumerErr  error
	Dependencies []deps.Status
}

// New constructs a daemon. The queue's Inspector side is used for status
// when the driver provides one.
func New(cfg *config.Config, store metadata.Store, queue jobqueue.Queue, runner Runner, logger *slog.Logger, logPath string) (*Daemon, error) {
	if cfg == nil || store == nil || queue == nil || runner == nil {
		return nil, errors.New("daemon requires config, store, queue, and pipeline runner")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	inspector, _ := queue.(jobqueue.Inspector)
	lockPath := cfg.LockPath()
	return &Daemon{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "daemon"),
		store:     store,
		queue:     queue,
		inspector: inspector,
		runner:    runner,
		logPath:   logPath,
		lockPath:  lockPath,
		lock:      flock.New(lockPath),
	}, nil
}

// Start acquires the daemon lock and begins consuming jobs.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another clipd instance is already running")
	}

	d.dependencies = deps.Check(d.cfg)
	for _, missing := range deps.Missing(d.dependencies) {
		d.logger.Warn("dependency unavailable",
			logging.String(logging.FieldEventType, "dependency_missing"),
			logging.String("dependency", missing),
			logging.String(logging.FieldImpact, "steps that need it will fail and be retried"),
		)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	opts := jobqueue.SubscribeOptions{
		Concurrency: d.cfg.Worker.Concurrency,
		RateLimit: jobqueue.RateLimit{
			Max:    d.cfg.Worker.RateLimitMax,
			Window: d.cfg.RateLimitWindow(),
		},
	}
	go func() {
		defer close(done)
		err := d.queue.Subscribe(runCtx, d.handle, opts)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("queue consumer stopped",
				logging.String(logging.FieldEventType, "consumer_stopped"),
				logging.Error(err),
			)
		}
		d.mu.Lock()
		d.lastErr = err
		d.mu.Unlock()
	}()

	d.cancel = cancel
	d.done = done
	d.lastErr = nil
	d.running.Store(true)
	d.logger.Info("clipd started",
		logging.String(logging.FieldEventType, "daemon_start"),
		logging.String("lock", d.lockPath),
		logging.String("queue_driver", d.cfg.Queue.Driver),
		logging.Int("concurrency", opts.Concurrency),
	)
	return nil
}

func (d *Daemon) handle(ctx context.Context, job jobqueue.Job) error {
	return d.runner.RunPipeline(ctx, job)
}

// Stop cancels consumption, waits for in-flight jobs to drain, and releases
// the daemon lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running.Load() {
		d.mu.Unlock()
		return
	}
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	cancel()
	<-done

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("clipd stopped", logging.String(logging.FieldEventType, "daemon_stop"))
}

// Done is closed when the consumer exits, or nil when the daemon is stopped.
func (d *Daemon) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// ConsumerErr reports why the consumer last exited. It is nil while the
// consumer runs and after a clean shutdown.
func (d *Daemon) ConsumerErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// Close stops the daemon. The store and queue are owned by the caller.
func (d *Daemon) Close() error {
	d.Stop()
	return nil
}

// Inspector returns the queue's admin view, or nil when the driver has none.
func (d *Daemon) Inspector() jobqueue.Inspector { return d.inspector }

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string {
	return d.logPath
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	d.mu.Lock()
	consumerErr := d.lastErr
	dependencies := d.dependencies
	d.mu.Unlock()
	if dependencies == nil {
		dependencies = deps.Check(d.cfg)
	}

	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		QueueDriver:  d.cfg.Queue.Driver,
		LockFilePath: d.lockPath,
		LogPath:      d.logPath,
		ConsumerErr:  consumerErr,
		Dependencies: dependencies,
	}
	if d.cfg.Queue.Driver == "sqlite" {
		status.QueueDBPath = d.cfg.QueueDBPath()
	}
	if d.inspector != nil {
		status.Queue, status.QueueErr = d.inspector.Stats(ctx)
		if status.QueueErr == nil {
			status.QueueErr = d.inspector.Health(ctx)
		}
	}
	if _, err := d.store.List(ctx, metadata.ListFilter{Limit: 1}); err != nil {
		status.StoreErr = err
	}
	return status
}
