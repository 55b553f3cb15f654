package metadata

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the coarse lifecycle state of a video.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Step flag names, in pipeline order.
const (
	StepUpload     = "upload"
	StepTranscribe = "transcribe"
	StepCut        = "cut"
	StepSubtitle   = "subtitle"
	StepBGM        = "bgm"
	StepExport     = "export"
	StepThumbnail  = "thumbnail"
)

// StepNames lists every flag in pipeline order, upload first.
var StepNames = []string{StepUpload, StepTranscribe, StepCut, StepSubtitle, StepBGM, StepExport, StepThumbnail}

// ErrUnknownStep is returned when a step name has no flag.
var ErrUnknownStep = errors.New("unknown step")

// Steps holds the write-once completion flags.
type Steps struct {
	Upload     bool `json:"upload"`
	Transcribe bool `json:"transcribe"`
	Cut        bool `json:"cut"`
	Subtitle   bool `json:"subtitle"`
	BGM        bool `json:"bgm"`
	Export     bool `json:"export"`
	Thumbnail  bool `json:"thumbnail"`
}

func (s *Steps) flag(name string) *bool {
	switch name {
	case StepUpload:
		return &s.Upload
	case StepTranscribe:
		return &s.Transcribe
	case StepCut:
		return &s.Cut
	case StepSubtitle:
		return &s.Subtitle
	case StepBGM:
		return &s.BGM
	case StepExport:
		return &s.Export
	case StepThumbnail:
		return &s.Thumbnail
	}
	return nil
}

// Done reports whether the named step is complete. Unknown names are never done.
func (s Steps) Done(name string) bool {
	if f := s.flag(name); f != nil {
		return *f
	}
	return false
}

// Mark sets the named flag.
func (s *Steps) Mark(name string) error {
	f := s.flag(name)
	if f == nil {
		return fmt.Errorf("%w: %q", ErrUnknownStep, name)
	}
	*f = true
	return nil
}

// Count returns the number of set flags.
func (s Steps) Count() int {
	n := 0
	for _, name := range StepNames {
		if s.Done(name) {
			n++
		}
	}
	return n
}

// All reports whether every flag is set.
func (s Steps) All() bool {
	return s.Count() == len(StepNames)
}

// Result holds artifact references produced by the pipeline.
type Result struct {
	Video      string `json:"video,omitempty"`
	Thumbnail  string `json:"thumbnail,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Archive    string `json:"archive,omitempty"`
}

// Merge copies every non-empty field of other into r.
func (r *Result) Merge(other Result) {
	if other.Video != "" {
		r.Video = other.Video
	}
	if other.Thumbnail != "" {
		r.Thumbnail = other.Thumbnail
	}
	if other.Transcript != "" {
		r.Transcript = other.Transcript
	}
	if other.Archive != "" {
		r.Archive = other.Archive
	}
}

// ErrorDetails carries diagnostics for a failure record.
type ErrorDetails struct {
	Step      string `json:"step,omitempty"`
	Operation string `json:"operation,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Cause     string `json:"cause,omitempty"`
	Artifact  string `json:"artifact,omitempty"`
}

// ErrorRecord is the structured failure stored on a failed video.
type ErrorRecord struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details ErrorDetails `json:"details"`
}

// Source describes the uploaded file.
type Source struct {
	Filename        string  `json:"filename,omitempty"`
	PlatformHint    string  `json:"platform_hint,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	SizeBytes       int64   `json:"size_bytes,omitempty"`
}

// Video is the persisted state of one uploaded video.
type Video struct {
	ID        string       `json:"video_id"`
	Status    Status       `json:"status"`
	Steps     Steps        `json:"steps"`
	Result    Result       `json:"result"`
	Error     *ErrorRecord `json:"error"`
	Source    Source       `json:"source"`
	Version   int64        `json:"version"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewVideoID returns an identifier of the form vid_<unix-ms>_<8 hex>.
func NewVideoID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("vid_%d_%s", now.UnixMilli(), suffix)
}

// ValidID reports whether id can name a record on disk: non-empty, not a dot
// segment, and free of path separators.
func ValidID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// NewVideo returns the initial record for a freshly uploaded video.
func NewVideo(id string, source Source, now time.Time) *Video {
	now = now.UTC()
	return &Video{
		ID:        id,
		Status:    StatusQueued,
		Steps:     Steps{Upload: true},
		Source:    source,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of v.
func (v *Video) Clone() *Video {
	if v == nil {
		return nil
	}
	clone := *v
	if v.Error != nil {
		rec := *v.Error
		clone.Error = &rec
	}
	return &clone
}

// ErrInvariant is returned when a record would violate a lifecycle invariant.
var ErrInvariant = errors.New("metadata invariant violated")

// Check verifies the record-level invariants every stored Video must satisfy.
func (v *Video) Check() error {
	if strings.TrimSpace(v.ID) == "" {
		return fmt.Errorf("%w: empty video id", ErrInvariant)
	}
	if !v.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvariant, v.Status)
	}
	if v.Status == StatusCompleted && (!v.Steps.All() || v.Result.Video == "") {
		return fmt.Errorf("%w: completed requires every step and a result video", ErrInvariant)
	}
	if v.Status == StatusFailed && v.Error == nil {
		return fmt.Errorf("%w: failed requires an error record", ErrInvariant)
	}
	if v.Status != StatusQueued && !v.Steps.Upload {
		return fmt.Errorf("%w: %s before upload", ErrInvariant, v.Status)
	}
	return nil
}

// ErrFlagRegression is returned when a save would clear a completed step.
var ErrFlagRegression = errors.New("step flag regression")

// checkFlags rejects a transition from stored to next that clears a flag.
func checkFlags(stored, next Steps) error {
	for _, name := range StepNames {
		if stored.Done(name) && !next.Done(name) {
			return fmt.Errorf("%w: %s", ErrFlagRegression, name)
		}
	}
	return nil
}
