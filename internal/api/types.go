package api

import (
	"time"

	"clipline/internal/metadata"
	"clipline/internal/pipeline"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// ErrorBody is the error payload shared by every failing response.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details *metadata.ErrorDetails `json:"details,omitempty"`
}

// ErrorResponse wraps ErrorBody.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// UploadResponse acknowledges an accepted upload.
type UploadResponse struct {
	VideoID string `json:"video_id"`
	Status  string `json:"status"`
}

// StatusResponse is the projected progress of one video. Failed videos
// carry their recorded error.
type StatusResponse struct {
	pipeline.Projection
	Error *ErrorBody `json:"error,omitempty"`
}

// ResultResponse describes the finished video or why there is none.
type ResultResponse struct {
	VideoID      string     `json:"video_id"`
	Status       string     `json:"status"`
	DownloadURL  string     `json:"download_url,omitempty"`
	ThumbnailURL string     `json:"thumbnail_url,omitempty"`
	Error        *ErrorBody `json:"error,omitempty"`
}

// TitleResponse lists title suggestions.
type TitleResponse struct {
	VideoID string   `json:"video_id"`
	Titles  []string `json:"titles"`
}

// VideoSummary is one row of a video listing.
type VideoSummary struct {
	VideoID   string `json:"video_id"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Filename  string `json:"filename,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// VideoListResponse wraps a listing.
type VideoListResponse struct {
	Videos []VideoSummary `json:"videos"`
}

// RetryResponse acknowledges a resubmission.
type RetryResponse struct {
	VideoID string `json:"video_id"`
	Status  string `json:"status"`
	Queued  bool   `json:"queued"`
}

// QueueStatsResponse provides a normalized queue stats payload.
type QueueStatsResponse struct {
	Counts map[string]int `json:"counts"`
}

// DependencyStatus captures availability of an external dependency.
type DependencyStatus struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// HealthResponse reports daemon liveness and its backing services.
type HealthResponse struct {
	Status       string             `json:"status"`
	Running      bool               `json:"running"`
	PID          int                `json:"pid"`
	Checks       map[string]string  `json:"checks"`
	Dependencies []DependencyStatus `json:"dependencies,omitempty"`
}

// FromVideo summarizes a metadata record.
func FromVideo(v *metadata.Video) VideoSummary {
	summary := VideoSummary{
		VideoID:   v.ID,
		Status:    string(v.Status),
		Progress:  pipeline.Project(v).Progress,
		Filename:  v.Source.Filename,
		CreatedAt: formatTime(v.CreatedAt),
		UpdatedAt: formatTime(v.UpdatedAt),
	}
	if v.Error != nil {
		summary.ErrorCode = v.Error.Code
	}
	return summary
}

func errorBody(rec *metadata.ErrorRecord) *ErrorBody {
	if rec == nil {
		return nil
	}
	details := rec.Details
	return &ErrorBody{Code: rec.Code, Message: rec.Message, Details: &details}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
