package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"clipline/internal/fileutil"
	"clipline/internal/logging"
	"clipline/internal/metadata"
	"clipline/internal/services"
)

// Outcome is what a step action reports back for the commit.
type Outcome struct {
	Results metadata.Result
}

// StepContext is handed to a step action.
type StepContext struct {
	Video     *metadata.Video
	Workspace Workspace
	Logger    *slog.Logger
	Attempt   int
}

// Path returns the location of an artifact for the video being processed.
func (sc StepContext) Path(a Artifact) string {
	return sc.Workspace.Path(sc.Video.ID, a)
}

// Action performs a step's work. It reads its declared inputs and must leave
// every declared output complete on disk before returning nil.
type Action func(ctx context.Context, sc StepContext) (Outcome, error)

// Step describes one unit of the pipeline.
type Step struct {
	Name    string
	Inputs  []Artifact
	Outputs []Artifact
	// IsDone overrides the default flag check.
	IsDone func(v *metadata.Video) bool
	Action Action
	// Final marks the step whose commit completes the video.
	Final bool
}

// Done reports whether the step can be skipped for v.
func (s Step) Done(v *metadata.Video) bool {
	if s.IsDone != nil {
		return s.IsDone(v)
	}
	return v.Steps.Done(s.Name)
}

// ErrInvalidRegistry is returned by NewRegistry for a malformed step chain.
var ErrInvalidRegistry = errors.New("invalid step registry")

// ArtifactError attaches the offending artifact path to a step failure.
type ArtifactError struct {
	Artifact string
	Err      error
}

func (e *ArtifactError) Error() string { return e.Err.Error() }

func (e *ArtifactError) Unwrap() error { return e.Err }

// commitAttempts bounds reload-and-reapply cycles on a version conflict.
const commitAttempts = 3

// Registry is the ordered, validated step chain bound to a store and workspace.
type Registry struct {
	steps     []Step
	store     metadata.Store
	workspace Workspace
}

// NewRegistry validates steps and binds them to store and workspace. Step
// names must be unique known flags other than upload. Every input must be
// the raw upload or an output of an earlier step, no artifact may be produced
// twice, and only the last step may be final.
func NewRegistry(store metadata.Store, ws Workspace, steps ...Step) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store required", ErrInvalidRegistry)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: no steps", ErrInvalidRegistry)
	}
	available := map[Artifact]string{ArtifactRaw: metadata.StepUpload}
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s.Name == metadata.StepUpload || !slices.Contains(metadata.StepNames, s.Name) {
			return nil, fmt.Errorf("%w: unknown step %q", ErrInvalidRegistry, s.Name)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("%w: duplicate step %q", ErrInvalidRegistry, s.Name)
		}
		seen[s.Name] = true
		if s.Action == nil {
			return nil, fmt.Errorf("%w: step %q has no action", ErrInvalidRegistry, s.Name)
		}
		if s.Final && i != len(steps)-1 {
			return nil, fmt.Errorf("%w: final step %q is not last", ErrInvalidRegistry, s.Name)
		}
		for _, in := range s.Inputs {
			if _, ok := available[in]; !ok {
				return nil, fmt.Errorf("%w: step %q reads %s which no earlier step produces", ErrInvalidRegistry, s.Name, in)
			}
		}
		for _, out := range s.Outputs {
			if producer, ok := available[out]; ok {
				return nil, fmt.Errorf("%w: %s produced by both %q and %q", ErrInvalidRegistry, out, producer, s.Name)
			}
			available[out] = s.Name
		}
	}
	return &Registry{steps: steps, store: store, workspace: ws}, nil
}

// Run executes one step and commits it. On success the returned video is the
// freshly saved record.
func (r *Registry) Run(ctx context.Context, s Step, sc StepContext) (*metadata.Video, error) {
	id := sc.Video.ID
	for _, in := range s.Inputs {
		path := r.workspace.Path(id, in)
		ok, err := fileutil.NonEmpty(path)
		if err != nil || !ok {
			return nil, &ArtifactError{
				Artifact: path,
				Err:      services.Wrap(services.ErrPrecondition, s.Name, "verify inputs", fmt.Sprintf("missing input %s", in), err),
			}
		}
	}

	sc.Workspace = r.workspace
	outcome, err := s.Action(ctx, sc)
	if err != nil {
		var classified *services.Error
		if !errors.As(err, &classified) {
			err = services.Wrap(services.ErrStepExecution, s.Name, "run", "", err)
		}
		return nil, err
	}

	for _, out := range s.Outputs {
		path := r.workspace.Path(id, out)
		ok, statErr := fileutil.NonEmpty(path)
		if statErr != nil || !ok {
			return nil, &ArtifactError{
				Artifact: path,
				Err:      services.Wrap(services.ErrStepExecution, s.Name, "verify outputs", fmt.Sprintf("output %s missing or empty", out), statErr),
			}
		}
	}

	saved, err := r.commit(ctx, s, id, outcome)
	if err != nil {
		return nil, err
	}
	if sc.Logger != nil {
		sc.Logger.Info("step committed",
			logging.String(logging.FieldEventType, "step_committed"),
			logging.String("status", string(saved.Status)),
			logging.Int64("version", saved.Version),
		)
	}
	return saved, nil
}

// commit reloads the record, sets the step flag, merges results, advances the
// status, and saves. A version conflict reloads and reapplies. A step that is
// already committed, or a completed video, is returned unchanged.
func (r *Registry) commit(ctx context.Context, s Step, id string, outcome Outcome) (*metadata.Video, error) {
	var lastErr error
	for attempt := 0; attempt < commitAttempts; attempt++ {
		current, err := r.store.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		// Another run already committed this step; its record stands.
		if current.Status == metadata.StatusCompleted || current.Steps.Done(s.Name) {
			return current, nil
		}
		if err := current.Steps.Mark(s.Name); err != nil {
			return nil, services.Wrap(services.ErrValidation, s.Name, "commit", "", err)
		}
		current.Result.Merge(outcome.Results)
		current.Status = metadata.StatusProcessing
		if s.Final {
			current.Status = metadata.StatusCompleted
		}
		current.Error = nil
		lastErr = r.store.Save(ctx, current)
		if lastErr == nil {
			return current, nil
		}
		if !errors.Is(lastErr, metadata.ErrVersionConflict) {
			break
		}
	}
	if errors.Is(lastErr, services.ErrPersistence) || errors.Is(lastErr, services.ErrNotFound) {
		return nil, lastErr
	}
	return nil, services.Wrap(services.ErrPersistence, s.Name, "commit", "", lastErr)
}
