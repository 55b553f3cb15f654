package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"clipline/internal/config"
	"clipline/internal/jobqueue"
	"clipline/internal/logging"
	"clipline/internal/metadata"
	"clipline/internal/services"
)

// Observer receives lifecycle events from the orchestrator. Implementations
// must not block.
type Observer interface {
	StepFinished(step string, elapsed time.Duration, err error)
	PipelineFinished(ctx context.Context, v *metadata.Video, err error)
}

const (
	defaultLeaseTTL          = 5 * time.Minute
	defaultHeartbeatInterval = 15 * time.Second
)

// Orchestrator drives one video through the registry's steps.
type Orchestrator struct {
	store     metadata.Store
	registry  *Registry
	logger    *slog.Logger
	owner     string
	leaseTTL  time.Duration
	heartbeat time.Duration
	observers []Observer
	logLevel  slog.Level
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithObservers registers lifecycle observers.
func WithObservers(observers ...Observer) Option {
	return func(o *Orchestrator) {
		for _, obs := range observers {
			if obs != nil {
				o.observers = append(o.observers, obs)
			}
		}
	}
}

// NewOrchestrator binds a registry to its store. cfg may be nil.
func NewOrchestrator(cfg *config.Config, store metadata.Store, registry *Registry, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	o := &Orchestrator{
		store:     store,
		registry:  registry,
		logger:    logging.NewComponentLogger(logger, "orchestrator"),
		owner:     defaultOwner(),
		leaseTTL:  defaultLeaseTTL,
		heartbeat: defaultHeartbeatInterval,
		logLevel:  slog.LevelInfo,
	}
	if cfg != nil {
		if ttl := cfg.LeaseTTL(); ttl > 0 {
			o.leaseTTL = ttl
		}
		if interval := cfg.HeartbeatInterval(); interval > 0 {
			o.heartbeat = interval
		}
		if strings.EqualFold(cfg.Logging.Level, "debug") {
			o.logLevel = slog.LevelDebug
		}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "clipline"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// RunPipeline runs every pending step for job.VideoID in order. Completed
// videos are a no-op; failed ones resume from their first pending step.
// Errors that redelivery cannot fix are marked jobqueue.Permanent.
func (o *Orchestrator) RunPipeline(ctx context.Context, job jobqueue.Job) error {
	ctx = services.WithVideoID(ctx, job.VideoID)
	ctx = services.WithJobID(ctx, job.ID)
	logger := logging.WithContext(ctx, o.logger)

	video, err := o.store.Load(ctx, job.VideoID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return jobqueue.Permanent(err)
		}
		return err
	}
	if !video.Steps.Upload {
		return jobqueue.Permanent(services.Wrap(services.ErrPrecondition, metadata.StepUpload, "check upload", "upload has not completed", nil))
	}
	if video.Status == metadata.StatusCompleted {
		logger.Info("video already completed; nothing to do",
			logging.String(logging.FieldEventType, "pipeline_noop"),
		)
		return nil
	}

	lease, err := o.store.AcquireLease(ctx, video.ID, o.owner, o.leaseTTL)
	if err != nil {
		logger.Info("video is being processed elsewhere",
			logging.String(logging.FieldEventType, "lease_held"),
			logging.Error(err),
		)
		return err
	}

	// The record may have moved on while the lease was held elsewhere.
	if video, err = o.store.Load(ctx, job.VideoID); err != nil {
		_ = lease.Release(context.WithoutCancel(ctx))
		return err
	}
	if video.Status == metadata.StatusCompleted {
		_ = lease.Release(context.WithoutCancel(ctx))
		logger.Info("video completed by another worker; nothing to do",
			logging.String(logging.FieldEventType, "pipeline_noop"),
		)
		return nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go o.renewLoop(runCtx, &wg, lease, cancel, logger)
	defer func() {
		cancel(nil)
		wg.Wait()
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("lease release failed", logging.Error(err))
		}
	}()

	runLogger, closeLog := o.videoLogger(ctx, video.ID, logger)
	defer closeLog()

	return o.walk(runCtx, ctx, job, video, runLogger)
}

func (o *Orchestrator) walk(runCtx, parent context.Context, job jobqueue.Job, video *metadata.Video, logger *slog.Logger) error {
	logger.Info("pipeline started",
		logging.String(logging.FieldEventType, "pipeline_start"),
		logging.String("status", string(video.Status)),
		logging.Int(logging.FieldAttempt, job.Attempt),
	)
	start := time.Now()
	for _, step := range o.registry.steps {
		if step.Done(video) {
			continue
		}
		stepCtx := services.WithStep(runCtx, step.Name)
		stepLogger := logging.WithContext(stepCtx, logger)
		stepLogger.Info("step started", logging.String(logging.FieldEventType, "step_start"))

		stepStart := time.Now()
		saved, err := o.registry.Run(stepCtx, step, StepContext{
			Video:   video,
			Logger:  stepLogger,
			Attempt: job.Attempt,
		})
		elapsed := time.Since(stepStart)
		for _, obs := range o.observers {
			obs.StepFinished(step.Name, elapsed, err)
		}
		if err != nil {
			return o.handleStepFailure(runCtx, parent, step, job, err, stepLogger)
		}
		video = saved
		stepLogger.Info("step completed",
			logging.String(logging.FieldEventType, "step_complete"),
			logging.Duration("elapsed", elapsed),
		)
	}

	logger.Info("pipeline completed",
		logging.String(logging.FieldEventType, "pipeline_complete"),
		logging.Duration("elapsed", time.Since(start)),
		logging.String("result_video", video.Result.Video),
	)
	for _, obs := range o.observers {
		obs.PipelineFinished(parent, video, nil)
	}
	return nil
}

// handleStepFailure records the failure on the video and returns the error
// the queue should see. Interrupted runs are not recorded: the work is
// redelivered and resumes where it stopped.
func (o *Orchestrator) handleStepFailure(runCtx, parent context.Context, step Step, job jobqueue.Job, stepErr error, logger *slog.Logger) error {
	if cause := context.Cause(runCtx); cause != nil {
		if errors.Is(cause, metadata.ErrLeaseLost) {
			logging.WarnWithContext(logger, "lease lost mid-step; abandoning run", "lease_lost",
				logging.Error(stepErr),
				logging.String(logging.FieldImpact, "another worker owns this video"),
			)
			return errors.Join(cause, stepErr)
		}
		if parent.Err() != nil {
			logger.Info("run interrupted by shutdown",
				logging.String(logging.FieldEventType, "pipeline_interrupted"),
			)
			return fmt.Errorf("pipeline interrupted: %w", errors.Join(context.Cause(parent), stepErr))
		}
	}

	details := services.Details(stepErr)
	record := &metadata.ErrorRecord{
		Code:    details.Code,
		Message: failureMessage(step.Name, details, stepErr),
		Details: metadata.ErrorDetails{
			Step:      step.Name,
			Operation: details.Operation,
			Attempt:   job.Attempt,
			Cause:     details.Cause,
		},
	}
	var artifactErr *ArtifactError
	if errors.As(stepErr, &artifactErr) {
		record.Details.Artifact = artifactErr.Artifact
	}

	logger.Error("step failed",
		logging.String(logging.FieldEventType, "step_failure"),
		logging.String(logging.FieldErrorCode, details.Code),
		logging.String("error_operation", details.Operation),
		logging.String("error_message", record.Message),
		logging.Int(logging.FieldAttempt, job.Attempt),
		logging.Error(stepErr),
	)

	saveCtx := context.WithoutCancel(parent)
	failed, saveErr := o.recordFailure(saveCtx, job.VideoID, record)
	result := stepErr
	if saveErr != nil {
		logging.ErrorWithContext(logger, "failed to persist step failure", "failure_persist_failed",
			logging.Error(saveErr),
			logging.String(logging.FieldErrorHint, "check metadata store health"),
		)
		result = errors.Join(stepErr, services.Wrap(services.ErrPersistence, step.Name, "record failure", "", saveErr))
	}
	// Intermediate attempts are redelivered; only the final outcome is reported.
	if job.Attempt >= job.MaxAttempts || services.IsPermanent(stepErr) {
		for _, obs := range o.observers {
			obs.PipelineFinished(saveCtx, failed, stepErr)
		}
	}
	if services.IsPermanent(stepErr) {
		return jobqueue.Permanent(result)
	}
	return result
}

func (o *Orchestrator) recordFailure(ctx context.Context, id string, record *metadata.ErrorRecord) (*metadata.Video, error) {
	var lastErr error
	for attempt := 0; attempt < commitAttempts; attempt++ {
		current, err := o.store.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status == metadata.StatusCompleted {
			return current, nil
		}
		current.Status = metadata.StatusFailed
		current.Error = record
		lastErr = o.store.Save(ctx, current)
		if lastErr == nil {
			return current, nil
		}
		if !errors.Is(lastErr, metadata.ErrVersionConflict) {
			break
		}
	}
	return nil, lastErr
}

func failureMessage(step string, details services.ErrorDetails, err error) string {
	message := strings.TrimSpace(details.Message)
	if message == "" {
		message = strings.TrimSpace(err.Error())
	}
	if message == "" {
		return step + " failed without error detail"
	}
	return message
}

// renewLoop keeps the lease alive until ctx ends. Losing the lease cancels
// the run with metadata.ErrLeaseLost as the cause.
func (o *Orchestrator) renewLoop(ctx context.Context, wg *sync.WaitGroup, lease metadata.Lease, cancel context.CancelCauseFunc, logger *slog.Logger) {
	defer wg.Done()
	ticker := time.NewTicker(o.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := lease.Renew(ctx)
			switch {
			case err == nil:
			case errors.Is(err, metadata.ErrLeaseLost):
				cancel(err)
				return
			case errors.Is(err, context.Canceled):
				return
			default:
				logger.Warn("lease renewal failed", logging.Error(err))
			}
		}
	}
}

// videoLogger mirrors the run's records into the video's pipeline.log.
func (o *Orchestrator) videoLogger(ctx context.Context, videoID string, base *slog.Logger) (*slog.Logger, func()) {
	ws := o.registry.workspace
	if err := ws.Ensure(videoID); err != nil {
		return base, func() {}
	}
	file, err := os.OpenFile(ws.LogPath(videoID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		base.Debug("video log unavailable", logging.Error(err))
		return base, func() {}
	}
	handler, err := logging.NewHandler("json", file, o.logLevel, false)
	if err != nil {
		_ = file.Close()
		return base, func() {}
	}
	handler = handler.WithAttrs(logging.ContextFields(ctx))
	return logging.TeeLogger(base, handler), func() { _ = file.Close() }
}
