package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"clipline/internal/config"
	"clipline/internal/media"
	"clipline/internal/media/ffprobe"
	"clipline/internal/metadata"
	"clipline/internal/pipeline"
	"clipline/internal/testsupport"
	"clipline/internal/transcribe"
)

type fakeTranscriber struct {
	mu    sync.Mutex
	calls int
	err   error
	block chan struct{}
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, video, workDir string) (transcribe.Transcript, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	block := f.block
	f.mu.Unlock()
	if block != nil {
		close(block)
		<-ctx.Done()
		return transcribe.Transcript{}, ctx.Err()
	}
	if err != nil {
		return transcribe.Transcript{}, err
	}
	return transcribe.Transcript{
		Segments: []transcribe.Segment{
			{Start: 0.5, End: 2.5, Text: "こんにちは"},
			{Start: 4.2, End: 6.0, Text: "今日はいい天気です"},
		},
		FullText: "こんにちは 今日はいい天気です",
	}, nil
}

func (f *fakeTranscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMedia struct {
	mu     sync.Mutex
	calls  map[string]int
	fail   map[string]error
	skip   map[string]bool
	silent []media.Range
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		calls:  map[string]int{},
		fail:   map[string]error{},
		skip:   map[string]bool{},
		silent: []media.Range{{Start: 3, End: 4}},
	}
}

func (f *fakeMedia) record(op, out string) error {
	f.mu.Lock()
	f.calls[op]++
	err := f.fail[op]
	skip := f.skip[op]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if skip {
		return nil
	}
	return os.WriteFile(out, []byte(op), 0o644)
}

func (f *fakeMedia) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeMedia) setFail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, op)
		return
	}
	f.fail[op] = err
}

func (f *fakeMedia) Probe(context.Context, string) (ffprobe.Result, error) {
	return ffprobe.Result{Streams: []ffprobe.Stream{{CodecType: "video", Width: 1920, Height: 1080}}}, nil
}

func (f *fakeMedia) DetectSilence(context.Context, string, float64, float64) ([]media.Range, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["silence"]++
	return f.silent, 10, nil
}

func (f *fakeMedia) RenderCut(_ context.Context, _, out string, _ media.CutList) error {
	return f.record("cut", out)
}

func (f *fakeMedia) Export(_ context.Context, _, out string, opts media.ExportOptions) error {
	if len(opts.Filters) > 0 || filepath.Base(out) == string(pipeline.ArtifactSubtitled) {
		return f.record("burn", out)
	}
	return f.record("export", out)
}

func (f *fakeMedia) MixBackground(_ context.Context, _, _, out string, _ float64) error {
	return f.record("mix", out)
}

func (f *fakeMedia) Thumbnail(_ context.Context, _, out string, _ float64, _, _ int) error {
	return f.record("thumbnail", out)
}

type harness struct {
	cfg         *config.Config
	store       metadata.Store
	ws          pipeline.Workspace
	media       *fakeMedia
	transcriber *fakeTranscriber
	orch        *pipeline.Orchestrator
	observer    *recordingObserver
}

func newHarness(t *testing.T, driver string) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithStorageDriver(driver), testsupport.WithBGMTrack())
	store := testsupport.MustOpenStore(t, cfg)
	h := &harness{
		cfg:         cfg,
		store:       store,
		ws:          pipeline.NewWorkspace(cfg.VideosDir()),
		media:       newFakeMedia(),
		transcriber: &fakeTranscriber{},
		observer:    &recordingObserver{},
	}
	steps := pipeline.DefaultSteps(cfg, pipeline.Engines{Transcriber: h.transcriber, Media: h.media})
	registry, err := pipeline.NewRegistry(store, h.ws, steps...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h.orch = pipeline.NewOrchestrator(cfg, store, registry, nil, pipeline.WithObservers(h.observer))
	return h
}

func (h *harness) load(t *testing.T, id string) *metadata.Video {
	t.Helper()
	v, err := h.store.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return v
}

type recordingObserver struct {
	mu       sync.Mutex
	steps    []string
	failures int
	finished []*metadata.Video
}

func (r *recordingObserver) StepFinished(step string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
	if err != nil {
		r.failures++
	}
}

func (r *recordingObserver) PipelineFinished(_ context.Context, v *metadata.Video, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, v)
}

// savingStore records the progress of every successful save.
type savingStore struct {
	metadata.Store
	mu       sync.Mutex
	progress []int
	statuses []metadata.Status
}

func (s *savingStore) Save(ctx context.Context, v *metadata.Video) error {
	if err := s.Store.Save(ctx, v); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, pipeline.Project(v).Progress)
	s.statuses = append(s.statuses, v.Status)
	return nil
}
