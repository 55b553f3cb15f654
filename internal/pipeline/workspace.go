package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
)

// Artifact is a fixed file name inside a video's workspace.
type Artifact string

// Artifacts produced and consumed by the steps.
const (
	ArtifactRaw        Artifact = "raw.mp4"
	ArtifactTranscript Artifact = "transcript.json"
	ArtifactCut        Artifact = "cut.mp4"
	ArtifactCutList    Artifact = "cuts.json"
	ArtifactASS        Artifact = "subtitle.ass"
	ArtifactSubtitled  Artifact = "subtitle.mp4"
	ArtifactBGM        Artifact = "bgm.mp4"
	ArtifactEdited     Artifact = "edited.mp4"
	ArtifactThumbnail  Artifact = "thumb.jpg"
)

// Workspace maps video ids to per-video directories under a root.
type Workspace struct {
	root string
}

// NewWorkspace returns a workspace rooted at dir.
func NewWorkspace(dir string) Workspace {
	return Workspace{root: dir}
}

// Root returns the directory holding every video workspace.
func (w Workspace) Root() string { return w.root }

// Dir returns the workspace directory for a video.
func (w Workspace) Dir(videoID string) string {
	return filepath.Join(w.root, videoID)
}

// Path returns the location of an artifact for a video.
func (w Workspace) Path(videoID string, a Artifact) string {
	return filepath.Join(w.Dir(videoID), string(a))
}

// ScratchDir is where a step may leave intermediate engine output.
func (w Workspace) ScratchDir(videoID, step string) string {
	return filepath.Join(w.Dir(videoID), ".work", step)
}

// LogPath is the per-video pipeline log.
func (w Workspace) LogPath(videoID string) string {
	return filepath.Join(w.Dir(videoID), "pipeline.log")
}

// Ensure creates the workspace directory for a video.
func (w Workspace) Ensure(videoID string) error {
	if err := os.MkdirAll(w.Dir(videoID), 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}
