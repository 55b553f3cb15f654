package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"clipline/internal/api"
	"clipline/internal/config"
	"clipline/internal/daemon"
	"clipline/internal/intake"
	"clipline/internal/jobqueue"
	"clipline/internal/logging"
	"clipline/internal/media"
	"clipline/internal/metadata"
	"clipline/internal/metrics"
	"clipline/internal/notifications"
	"clipline/internal/pipeline"
	"clipline/internal/preflight"
	"clipline/internal/services/drapto"
	"clipline/internal/titles"
	"clipline/internal/transcribe"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the clipd runtime and blocks until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logPath := logging.RunLogPath(cfg.Paths.LogDir, time.Now())
	logger, err := logging.NewFromConfig(cfg, opts.LogLevel, opts.Development, "stdout", logPath)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := logging.LinkCurrent(logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update %s link: %v\n", logging.CurrentLogName, err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "clipd-*.log", Exclude: []string{logPath}},
	)

	pidPath := filepath.Join(cfg.Paths.LogDir, "clipd.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	logPreflight(signalCtx, logger, cfg)

	store, err := metadata.Open(cfg)
	if err != nil {
		logger.Error("open metadata store", logging.Error(err))
		return err
	}
	defer store.Close()

	queue, err := OpenQueue(cfg, logger)
	if err != nil {
		logger.Error("open job queue", logging.Error(err), logging.String("driver", cfg.Queue.Driver))
		return err
	}
	defer queue.Close()

	m := metrics.New()
	if inspector, ok := queue.(jobqueue.Inspector); ok {
		if err := m.WatchQueue(inspector); err != nil {
			logger.Warn("queue metrics unavailable", logging.Error(err))
		}
	}
	notifier := notifications.NewNotifier(notifications.NewService(cfg), logger, cfg.API.PublicBaseURL)

	engine := media.NewEngine(cfg, media.WithLogger(logger))
	registry, err := pipeline.NewRegistry(store, pipeline.NewWorkspace(cfg.VideosDir()),
		pipeline.DefaultSteps(cfg, pipeline.Engines{
			Transcriber: transcribe.NewService(cfg, logger),
			Media:       engine,
			Archiver:    drapto.NewLibrary(),
		})...)
	if err != nil {
		return fmt.Errorf("build step registry: %w", err)
	}
	orchestrator := pipeline.NewOrchestrator(cfg, store, registry, logger, pipeline.WithObservers(m, notifier))

	in := intake.NewService(cfg, store, queue, logger,
		intake.WithProber(engine),
		intake.WithListeners(m, notifier),
	)
	videos := api.NewVideoService(store, pipeline.NewWorkspace(cfg.VideosDir()), in, titles.New(cfg, logger), cfg.API.PublicBaseURL)

	d, err := daemon.New(cfg, store, queue, orchestrator, logger, logPath)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		return err
	}

	server := daemon.NewAPIServer(cfg, d, videos, m, logger)
	if err := server.Start(signalCtx); err != nil {
		d.Stop()
		return err
	}

	logger.Info("clipd started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("queue_driver", cfg.Queue.Driver),
		logging.String("storage_driver", cfg.Storage.Driver),
		logging.String("api_bind", server.Addr()),
		logging.Int("concurrency", cfg.Worker.Concurrency),
	)

	runErr := awaitShutdown(signalCtx, d)
	if runErr != nil {
		logging.ErrorWithContext(logger, "queue consumer exited; shutting down", "daemon_consumer_exit",
			logging.Error(runErr),
			logging.String(logging.FieldErrorHint, "check queue connectivity, then restart clipd"),
		)
	} else {
		logger.Info("clipd shutting down", logging.String(logging.FieldEventType, "daemon_stopping"))
	}
	server.Stop()
	d.Stop()
	return runErr
}

type consumer interface {
	Done() <-chan struct{}
	ConsumerErr() error
}

// awaitShutdown blocks until ctx ends or the queue consumer exits on its own.
// A consumer exit without a shutdown request is an error.
func awaitShutdown(ctx context.Context, c consumer) error {
	select {
	case <-ctx.Done():
		return nil
	case <-c.Done():
		if ctx.Err() != nil {
			return nil
		}
		if err := c.ConsumerErr(); err != nil {
			return fmt.Errorf("queue consumer exited: %w", err)
		}
		return errors.New("queue consumer exited unexpectedly")
	}
}

func logPreflight(ctx context.Context, logger *slog.Logger, cfg *config.Config) {
	checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	for _, result := range preflight.RunAll(checkCtx, cfg) {
		if result.Passed {
			logger.Info("preflight check passed",
				logging.String(logging.FieldEventType, "preflight_passed"),
				logging.String("check", result.Name),
				logging.String("detail", result.Detail),
			)
			continue
		}
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldErrorHint, "run 'clipline check' for details"),
		)
	}
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
