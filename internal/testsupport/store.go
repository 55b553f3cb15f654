package testsupport

import (
	"context"
	"testing"
	"time"

	"clipline/internal/config"
	"clipline/internal/metadata"
)

// MustOpenStore opens the configured metadata store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) metadata.Store {
	t.Helper()

	store, err := metadata.Open(cfg)
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// MustCreateVideo inserts a freshly uploaded video and writes its raw file
// into the workspace under cfg.VideosDir().
func MustCreateVideo(t testing.TB, cfg *config.Config, store metadata.Store) *metadata.Video {
	t.Helper()

	now := time.Now()
	v := metadata.NewVideo(metadata.NewVideoID(now), metadata.Source{Filename: "clip.mp4"}, now)
	WriteFile(t, RawPath(cfg, v.ID), 1024)
	if err := store.Create(context.Background(), v); err != nil {
		t.Fatalf("create video: %v", err)
	}
	return v
}

// MarkCompleted sets every step flag and completes the video.
func MarkCompleted(t testing.TB, store metadata.Store, id string) *metadata.Video {
	t.Helper()

	ctx := context.Background()
	v, err := store.Load(ctx, id)
	if err != nil {
		t.Fatalf("load video: %v", err)
	}
	for _, name := range metadata.StepNames {
		if err := v.Steps.Mark(name); err != nil {
			t.Fatalf("mark %s: %v", name, err)
		}
	}
	v.Status = metadata.StatusCompleted
	if err := store.Save(ctx, v); err != nil {
		t.Fatalf("save completed video: %v", err)
	}
	return v
}
