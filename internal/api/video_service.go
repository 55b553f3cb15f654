package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"clipline/internal/intake"
	"clipline/internal/metadata"
	"clipline/internal/pipeline"
	"clipline/internal/services"
	"clipline/internal/titles"
	"clipline/internal/transcribe"
)

// TitleGenerator produces title suggestions from transcript text.
type TitleGenerator interface {
	Generate(ctx context.Context, fullText string, limit int, tone string) ([]string, error)
}

// Ingester accepts uploads and resubmits existing videos.
type Ingester interface {
	Ingest(ctx context.Context, req intake.Request) (*metadata.Video, error)
	Resubmit(ctx context.Context, id string) (*metadata.Video, error)
}

// VideoService answers every per-video query the HTTP surface and CLI expose.
type VideoService struct {
	store     metadata.Store
	workspace pipeline.Workspace
	intake    Ingester
	titles    TitleGenerator
	baseURL   string
}

// NewVideoService builds a service over store. ingester and generator may be
// nil, in which case upload/retry and titles report INTERNAL_ERROR.
func NewVideoService(store metadata.Store, workspace pipeline.Workspace, ingester Ingester, generator TitleGenerator, publicBaseURL string) *VideoService {
	return &VideoService{
		store:     store,
		workspace: workspace,
		intake:    ingester,
		titles:    generator,
		baseURL:   strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
	}
}

// UploadRequest is one upload as received from a client.
type UploadRequest struct {
	Filename           string
	Body               io.Reader
	PlatformHint       string
	MaxDurationSeconds float64
}

// Upload stores a file and queues it.
func (s *VideoService) Upload(ctx context.Context, req UploadRequest) (UploadResponse, error) {
	if s.intake == nil {
		return UploadResponse{}, newError(http.StatusInternalServerError, CodeInternal, "uploads are not enabled", nil)
	}
	if req.Body == nil {
		return UploadResponse{}, newError(http.StatusBadRequest, CodeMissingFile, "File is required", nil)
	}
	video, err := s.intake.Ingest(ctx, intake.Request{
		Filename:           req.Filename,
		Body:               req.Body,
		PlatformHint:       req.PlatformHint,
		MaxDurationSeconds: req.MaxDurationSeconds,
	})
	if err != nil {
		if errors.Is(err, services.ErrValidation) {
			return UploadResponse{}, newError(http.StatusBadRequest, CodeInvalidUpload, services.Details(err).Message, err)
		}
		return UploadResponse{}, newError(http.StatusInternalServerError, CodeUploadFailed, "Failed to upload video", err)
	}
	return UploadResponse{VideoID: video.ID, Status: string(video.Status)}, nil
}

// Status projects a video's progress.
func (s *VideoService) Status(ctx context.Context, id string) (StatusResponse, error) {
	video, err := s.load(ctx, id)
	if err != nil {
		return StatusResponse{}, err
	}
	resp := StatusResponse{Projection: pipeline.Project(video)}
	if video.Status == metadata.StatusFailed {
		resp.Error = errorBody(video.Error)
	}
	return resp, nil
}

// Result reports the finished artifacts. Unfinished videos yield a 202
// VIDEO_NOT_READY error; failed ones a 200 response carrying the error record.
func (s *VideoService) Result(ctx context.Context, id string) (ResultResponse, error) {
	video, err := s.load(ctx, id)
	if err != nil {
		return ResultResponse{}, err
	}
	switch video.Status {
	case metadata.StatusFailed:
		return ResultResponse{VideoID: video.ID, Status: string(video.Status), Error: errorBody(video.Error)}, nil
	case metadata.StatusCompleted:
	default:
		return ResultResponse{}, newError(http.StatusAccepted, CodeVideoNotReady, "Video is still processing.", nil)
	}

	if _, err := s.artifact(video, pipeline.ArtifactEdited); err != nil {
		return ResultResponse{}, newError(http.StatusNotFound, CodeVideoNotFound, "Processed video file not found", err)
	}
	resp := ResultResponse{
		VideoID:     video.ID,
		Status:      string(video.Status),
		DownloadURL: s.url(video.ID, "download"),
	}
	if _, err := s.artifact(video, pipeline.ArtifactThumbnail); err == nil {
		resp.ThumbnailURL = s.url(video.ID, "thumbnail")
	}
	return resp, nil
}

// Titles suggests titles from the video's transcript.
func (s *VideoService) Titles(ctx context.Context, id string, limit int, tone string) (TitleResponse, error) {
	video, err := s.load(ctx, id)
	if err != nil {
		return TitleResponse{}, err
	}
	path := s.workspace.Path(video.ID, pipeline.ArtifactTranscript)
	if _, err := os.Stat(path); err != nil {
		return TitleResponse{}, newError(http.StatusBadRequest, CodeTranscriptNotReady,
			"Transcript is not available yet. Please wait for transcription to complete.", nil)
	}
	if s.titles == nil {
		return TitleResponse{}, newError(http.StatusInternalServerError, CodeTitleGenerationFailed, "title generation is not enabled", nil)
	}
	transcript, err := transcribe.Load(path)
	if err != nil {
		return TitleResponse{}, newError(http.StatusInternalServerError, CodeTitleGenerationFailed, "Failed to read transcript", err)
	}
	suggestions, err := s.titles.Generate(ctx, transcript.FullText, limit, tone)
	switch {
	case err == nil:
	case errors.Is(err, titles.ErrInvalidTone):
		return TitleResponse{}, newError(http.StatusBadRequest, CodeInvalidRequest, err.Error(), err)
	case errors.Is(err, titles.ErrEmptyTranscript):
		return TitleResponse{}, newError(http.StatusBadRequest, CodeTranscriptNotReady, "Transcript has no text to title.", err)
	default:
		return TitleResponse{}, newError(http.StatusInternalServerError, CodeTitleGenerationFailed, "Failed to generate titles", err)
	}
	return TitleResponse{VideoID: video.ID, Titles: suggestions}, nil
}

// List summarizes videos, newest first.
func (s *VideoService) List(ctx context.Context, statuses []metadata.Status, limit int) (VideoListResponse, error) {
	for _, status := range statuses {
		if !status.Valid() {
			return VideoListResponse{}, newError(http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("unknown status %q", status), nil)
		}
	}
	videos, err := s.store.List(ctx, metadata.ListFilter{Statuses: statuses, Limit: limit})
	if err != nil {
		return VideoListResponse{}, AsError(err)
	}
	resp := VideoListResponse{Videos: make([]VideoSummary, 0, len(videos))}
	for _, v := range videos {
		resp.Videos = append(resp.Videos, FromVideo(v))
	}
	return resp, nil
}

// Retry queues a queued or failed video again.
func (s *VideoService) Retry(ctx context.Context, id string) (RetryResponse, error) {
	if s.intake == nil {
		return RetryResponse{}, newError(http.StatusInternalServerError, CodeInternal, "retry is not enabled", nil)
	}
	video, err := s.intake.Resubmit(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, services.ErrNotFound):
		return RetryResponse{}, AsError(err)
	case errors.Is(err, services.ErrPrecondition):
		return RetryResponse{}, newError(http.StatusConflict, CodeAlreadyCompleted, "Video has already completed", err)
	default:
		return RetryResponse{}, AsError(err)
	}
	return RetryResponse{VideoID: video.ID, Status: string(video.Status), Queued: true}, nil
}

// Artifact returns the path of a finished deliverable: "download" for the
// edited video, "thumbnail" for the cover image.
func (s *VideoService) Artifact(ctx context.Context, id, kind string) (string, error) {
	video, err := s.load(ctx, id)
	if err != nil {
		return "", err
	}
	var artifact pipeline.Artifact
	switch kind {
	case "download":
		artifact = pipeline.ArtifactEdited
	case "thumbnail":
		artifact = pipeline.ArtifactThumbnail
	default:
		return "", newError(http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("unknown artifact %q", kind), nil)
	}
	if video.Status != metadata.StatusCompleted && !video.Steps.Done(stepFor(artifact)) {
		return "", newError(http.StatusAccepted, CodeVideoNotReady, "Video is still processing.", nil)
	}
	path, err := s.artifact(video, artifact)
	if err != nil {
		return "", newError(http.StatusNotFound, CodeVideoNotFound, "File not found", err)
	}
	return path, nil
}

func stepFor(a pipeline.Artifact) string {
	if a == pipeline.ArtifactThumbnail {
		return metadata.StepThumbnail
	}
	return metadata.StepExport
}

func (s *VideoService) load(ctx context.Context, id string) (*metadata.Video, error) {
	id = strings.TrimSpace(id)
	if !metadata.ValidID(id) {
		return nil, newError(http.StatusNotFound, CodeVideoNotFound, "Video not found", nil)
	}
	video, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, AsError(err)
	}
	return video, nil
}

// artifact prefers the path recorded on the video and falls back to the
// workspace location.
func (s *VideoService) artifact(video *metadata.Video, a pipeline.Artifact) (string, error) {
	path := s.workspace.Path(video.ID, a)
	switch a {
	case pipeline.ArtifactEdited:
		if video.Result.Video != "" {
			path = video.Result.Video
		}
	case pipeline.ArtifactThumbnail:
		if video.Result.Thumbnail != "" {
			path = video.Result.Thumbnail
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	return path, nil
}

func (s *VideoService) url(id, kind string) string {
	return s.baseURL + "/api/videos/" + id + "/" + kind
}
