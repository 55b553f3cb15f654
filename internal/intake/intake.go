// Package intake accepts uploaded videos. Ingest writes the raw file,
// creates the metadata record, and only then enqueues the processing job, so
// a worker never sees a job whose upload is incomplete.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"clipline/internal/config"
	"clipline/internal/fileutil"
	"clipline/internal/jobqueue"
	"clipline/internal/logging"
	"clipline/internal/media/ffprobe"
	"clipline/internal/metadata"
	"clipline/internal/pipeline"
	"clipline/internal/services"
	"clipline/internal/textutil"
)

var allowedExtensions = []string{".mp4", ".mov", ".m4v", ".mkv", ".webm", ".avi"}

// Prober reads stream information from an uploaded file.
type Prober interface {
	Probe(ctx context.Context, path string) (ffprobe.Result, error)
}

// Enqueuer is the part of a job queue intake needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job jobqueue.Job, opts jobqueue.EnqueueOptions) error
}

// Listener is told about accepted uploads. Implementations must not block.
type Listener interface {
	Uploaded(ctx context.Context, v *metadata.Video)
}

// Request is one upload.
type Request struct {
	Filename           string
	Body               io.Reader
	PlatformHint       string
	MaxDurationSeconds float64
}

// Service ingests uploads and resubmits existing videos.
type Service struct {
	store     metadata.Store
	queue     Enqueuer
	workspace pipeline.Workspace
	prober    Prober
	logger    *slog.Logger
	listeners []Listener

	maxBytes int64
	enqueue  jobqueue.EnqueueOptions
	now      func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithProber enables stream validation and duration limits.
func WithProber(p Prober) Option {
	return func(s *Service) { s.prober = p }
}

// WithListeners registers upload listeners.
func WithListeners(listeners ...Listener) Option {
	return func(s *Service) {
		for _, l := range listeners {
			if l != nil {
				s.listeners = append(s.listeners, l)
			}
		}
	}
}

// NewService wires intake to the store and queue.
func NewService(cfg *config.Config, store metadata.Store, queue Enqueuer, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Service{
		store:     store,
		queue:     queue,
		workspace: pipeline.NewWorkspace(cfg.VideosDir()),
		logger:    logging.NewComponentLogger(logger, "intake"),
		maxBytes:  cfg.MaxUploadBytes(),
		enqueue:   jobqueue.EnqueueOptions{Attempts: cfg.Queue.Attempts, Backoff: cfg.Backoff()},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest stores an upload and queues it for processing. The returned video
// is the freshly created record. When only the enqueue fails the record is
// still returned alongside the error so the caller can resubmit it.
func (s *Service) Ingest(ctx context.Context, req Request) (*metadata.Video, error) {
	filename := textutil.SanitizeFileName(filepath.Base(req.Filename))
	if err := validateName(filename); err != nil {
		return nil, err
	}
	if req.Body == nil {
		return nil, services.Wrap(services.ErrValidation, metadata.StepUpload, "read upload", "file is required", nil)
	}
	if req.MaxDurationSeconds < 0 {
		return nil, services.Wrap(services.ErrValidation, metadata.StepUpload, "read upload", "max_duration_seconds must not be negative", nil)
	}

	now := s.now()
	id := metadata.NewVideoID(now)
	ctx = services.WithVideoID(ctx, id)
	logger := logging.WithContext(ctx, s.logger)

	if err := s.workspace.Ensure(id); err != nil {
		return nil, services.Wrap(services.ErrPersistence, metadata.StepUpload, "create workspace", "", err)
	}
	raw := s.workspace.Path(id, pipeline.ArtifactRaw)
	size, err := fileutil.WriteStreamAtomic(raw, req.Body, s.maxBytes)
	if err != nil {
		s.discard(id, logger)
		if s.maxBytes > 0 && size > s.maxBytes {
			return nil, services.Wrap(services.ErrValidation, metadata.StepUpload, "write upload",
				fmt.Sprintf("file exceeds %d MB", s.maxBytes>>20), nil)
		}
		return nil, services.Wrap(services.ErrPersistence, metadata.StepUpload, "write upload", "", err)
	}
	if size == 0 {
		s.discard(id, logger)
		return nil, services.Wrap(services.ErrValidation, metadata.StepUpload, "write upload", "file is empty", nil)
	}

	source := metadata.Source{Filename: filename, PlatformHint: strings.TrimSpace(req.PlatformHint), SizeBytes: size}
	if s.prober != nil {
		duration, err := s.inspect(ctx, raw, req.MaxDurationSeconds)
		if err != nil {
			s.discard(id, logger)
			return nil, err
		}
		source.DurationSeconds = duration
	}

	video := metadata.NewVideo(id, source, now)
	if err := s.store.Create(ctx, video); err != nil {
		s.discard(id, logger)
		return nil, err
	}
	logger.Info("upload stored",
		logging.String("filename", filename),
		logging.Int64("size_bytes", size),
		logging.Float64("duration_seconds", source.DurationSeconds),
		logging.String(logging.FieldEventType, "upload_stored"),
	)

	if err := s.submit(ctx, video); err != nil {
		logging.ErrorWithContext(logger, "upload stored but not queued", "upload_enqueue_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run 'clipline retry "+id+"' once the queue is reachable"),
		)
		return video, err
	}
	for _, l := range s.listeners {
		l.Uploaded(ctx, video)
	}
	return video, nil
}

// Resubmit queues an existing video again. Completed videos are rejected.
func (s *Service) Resubmit(ctx context.Context, id string) (*metadata.Video, error) {
	ctx = services.WithVideoID(ctx, id)
	video, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if video.Status == metadata.StatusCompleted {
		return video, services.Wrap(services.ErrPrecondition, "", "resubmit", "video already completed", nil)
	}
	if err := s.submit(ctx, video); err != nil {
		return video, err
	}
	logging.WithContext(ctx, s.logger).Info("video resubmitted",
		logging.String("status", string(video.Status)),
		logging.String(logging.FieldEventType, "video_resubmitted"),
	)
	return video, nil
}

func (s *Service) submit(ctx context.Context, video *metadata.Video) error {
	job := jobqueue.Job{
		VideoID:      video.ID,
		VideoPath:    s.workspace.Path(video.ID, pipeline.ArtifactRaw),
		MetadataPath: s.store.Locator(video.ID),
	}
	if err := s.queue.Enqueue(ctx, job, s.enqueue); err != nil {
		return services.Wrap(services.ErrPersistence, metadata.StepUpload, "enqueue job", "", err)
	}
	return nil
}

func (s *Service) inspect(ctx context.Context, path string, maxDuration float64) (float64, error) {
	probe, err := s.prober.Probe(ctx, path)
	if err != nil {
		return 0, services.Wrap(services.ErrValidation, metadata.StepUpload, "probe upload", "file is not a readable video", err)
	}
	if !probe.HasVideo() {
		return 0, services.Wrap(services.ErrValidation, metadata.StepUpload, "probe upload", "file has no video stream", nil)
	}
	duration := probe.DurationSeconds()
	if maxDuration > 0 && duration > maxDuration {
		return 0, services.Wrap(services.ErrValidation, metadata.StepUpload, "probe upload",
			fmt.Sprintf("duration %.1fs exceeds max_duration_seconds %.1f", duration, maxDuration), nil)
	}
	return duration, nil
}

func (s *Service) discard(id string, logger *slog.Logger) {
	if err := os.RemoveAll(s.workspace.Dir(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove rejected upload", logging.Error(err))
	}
}

func validateName(name string) error {
	if name == "" || name == "." {
		return services.Wrap(services.ErrValidation, metadata.StepUpload, "read upload", "file name is required", nil)
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !slices.Contains(allowedExtensions, ext) {
		return services.Wrap(services.ErrValidation, metadata.StepUpload, "read upload",
			fmt.Sprintf("unsupported file type %q (allowed: %s)", ext, strings.Join(allowedExtensions, ", ")), nil)
	}
	return nil
}
