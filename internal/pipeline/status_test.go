package pipeline_test

import (
	"testing"

	"clipline/internal/metadata"
	"clipline/internal/pipeline"
)

func TestProjectProgressAndStepStates(t *testing.T) {
	tests := []struct {
		name     string
		steps    metadata.Steps
		status   metadata.Status
		progress int
		want     []pipeline.StepStatus
	}{
		{
			name:     "fresh upload",
			steps:    metadata.Steps{Upload: true},
			status:   metadata.StatusQueued,
			progress: 14,
			want: []pipeline.StepStatus{
				pipeline.StepDone, pipeline.StepProcessing, pipeline.StepPending,
				pipeline.StepPending, pipeline.StepPending, pipeline.StepPending, pipeline.StepPending,
			},
		},
		{
			name:     "midway",
			steps:    metadata.Steps{Upload: true, Transcribe: true, Cut: true},
			status:   metadata.StatusProcessing,
			progress: 43,
			want: []pipeline.StepStatus{
				pipeline.StepDone, pipeline.StepDone, pipeline.StepDone, pipeline.StepProcessing,
				pipeline.StepPending, pipeline.StepPending, pipeline.StepPending,
			},
		},
		{
			name:     "failed at subtitle",
			steps:    metadata.Steps{Upload: true, Transcribe: true, Cut: true},
			status:   metadata.StatusFailed,
			progress: 43,
			want: []pipeline.StepStatus{
				pipeline.StepDone, pipeline.StepDone, pipeline.StepDone, pipeline.StepFailed,
				pipeline.StepPending, pipeline.StepPending, pipeline.StepPending,
			},
		},
		{
			name: "complete",
			steps: metadata.Steps{Upload: true, Transcribe: true, Cut: true, Subtitle: true,
				BGM: true, Export: true, Thumbnail: true},
			status:   metadata.StatusCompleted,
			progress: 100,
			want: []pipeline.StepStatus{
				pipeline.StepDone, pipeline.StepDone, pipeline.StepDone, pipeline.StepDone,
				pipeline.StepDone, pipeline.StepDone, pipeline.StepDone,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := pipeline.Project(&metadata.Video{ID: "vid_1_abc", Status: tt.status, Steps: tt.steps})
			if p.Progress != tt.progress {
				t.Fatalf("progress = %d, want %d", p.Progress, tt.progress)
			}
			if p.VideoID != "vid_1_abc" || p.Status != tt.status {
				t.Fatalf("unexpected header %+v", p)
			}
			if len(p.Steps) != len(tt.want) {
				t.Fatalf("expected %d steps, got %d", len(tt.want), len(p.Steps))
			}
			for i, view := range p.Steps {
				if view.Name != metadata.StepNames[i] || view.Status != tt.want[i] {
					t.Fatalf("step %d = %+v, want %s/%s", i, view, metadata.StepNames[i], tt.want[i])
				}
			}
		})
	}
}

func TestProjectProgressIsMonotonicOverFlags(t *testing.T) {
	var steps metadata.Steps
	last := -1
	for _, name := range metadata.StepNames {
		_ = steps.Mark(name)
		p := pipeline.Project(&metadata.Video{Status: metadata.StatusProcessing, Steps: steps})
		if p.Progress <= last {
			t.Fatalf("progress did not increase after %s: %d <= %d", name, p.Progress, last)
		}
		last = p.Progress
	}
}
