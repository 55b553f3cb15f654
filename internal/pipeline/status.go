package pipeline

import (
	"math"

	"clipline/internal/metadata"
)

// StepStatus is the per-step state shown to clients.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepProcessing StepStatus = "processing"
	StepDone       StepStatus = "done"
	StepFailed     StepStatus = "failed"
)

// StepView is one step in a Projection.
type StepView struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
}

// Projection is the client-facing summary of a video.
type Projection struct {
	VideoID  string          `json:"video_id"`
	Status   metadata.Status `json:"status"`
	Progress int             `json:"progress"`
	Steps    []StepView      `json:"steps"`
}

// Project derives progress and per-step states from a record. Progress is
// the share of set flags, upload included. A step is processing when the
// step before it is done; on a failed video the first unfinished step is
// reported as failed instead.
func Project(v *metadata.Video) Projection {
	names := metadata.StepNames
	p := Projection{
		VideoID: v.ID,
		Status:  v.Status,
		Steps:   make([]StepView, 0, len(names)),
	}
	done := 0
	failedMarked := false
	for i, name := range names {
		view := StepView{Name: name, Status: StepPending}
		switch {
		case v.Steps.Done(name):
			view.Status = StepDone
			done++
		case v.Status == metadata.StatusFailed && !failedMarked:
			view.Status = StepFailed
			failedMarked = true
		case i > 0 && v.Steps.Done(names[i-1]):
			view.Status = StepProcessing
		}
		p.Steps = append(p.Steps, view)
	}
	p.Progress = int(math.Round(100 * float64(done) / float64(len(names))))
	return p
}
