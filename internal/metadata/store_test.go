package metadata_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"clipline/internal/metadata"
	"clipline/internal/services"
)

type storeFactory func(t *testing.T) metadata.Store

func drivers(t *testing.T) map[string]storeFactory {
	t.Helper()
	factories := map[string]storeFactory{
		"sqlite": func(t *testing.T) metadata.Store {
			store, err := metadata.OpenSQLite(filepath.Join(t.TempDir(), "metadata.db"))
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
		"file": func(t *testing.T) metadata.Store {
			store, err := metadata.OpenFile(t.TempDir())
			if err != nil {
				t.Fatalf("OpenFile: %v", err)
			}
			return store
		},
	}
	if dsn := os.Getenv("CLIPLINE_TEST_POSTGRES_DSN"); dsn != "" {
		factories["postgres"] = func(t *testing.T) metadata.Store {
			store, err := metadata.OpenPostgres(dsn)
			if err != nil {
				t.Fatalf("OpenPostgres: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		}
	}
	return factories
}

func newVideo(t *testing.T) *metadata.Video {
	t.Helper()
	return metadata.NewVideo(metadata.NewVideoID(time.Now()), metadata.Source{Filename: "raw.mp4"}, time.Now())
}

func forEachDriver(t *testing.T, fn func(t *testing.T, store metadata.Store)) {
	for name, factory := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestCreateLoadRoundTrip(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store metadata.Store) {
		ctx := context.Background()
		v := newVideo(t)
		if err := store.Create(ctx, v); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if v.Version != 1 {
			t.Fatalf("expected version 1 after create, got %d", v.Version)
		}

		loaded, err := store.Load(ctx, v.ID)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if loaded.Status != metadata.StatusQueued || !loaded.Steps.Upload || loaded.Steps.Transcribe {
			t.Fatalf("unexpected initial record %+v", loaded)
		}
		if loaded.Source.Filename != "raw.mp4" {
			t.Fatalf("source not persisted: %+v", loaded.Source)
		}

		if err := store.Create(ctx, v); !errors.Is(err, metadata.ErrExists) {
			t.Fatalf("expected ErrExists on duplicate create, got %v", err)
		}
	})
}

func TestLoadMissingIsNotFound(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store metadata.Store) {
		_, err := store.Load(context.Background(), "vid_0_missing0")
		if !errors.Is(err, services.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSaveCompareAndSwap(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store metadata.Store) {
		ctx := context.Background()
		v := newVideo(t)
		if err := store.Create(ctx, v); err != nil {
			t.Fatalf("Create: %v", err)
		}

		first, _ := store.Load(ctx, v.ID)
		second, _ := store.Load(ctx, v.ID)

		first.Status = metadata.StatusProcessing
		_ = first.Steps.Mark(metadata.StepTranscribe)
		if err := store.Save(ctx, first); err != nil {
			t.Fatalf("first Save: %v", err)
		}
		if first.Version != 2 {
			t.Fatalf("expected version 2, got %d", first.Version)
		}
		if !first.UpdatedAt.After(v.UpdatedAt) {
			t.Fatalf("expected updated_at to advance: %v -> %v", v.UpdatedAt, first.UpdatedAt)
		}

		second.Status = metadata.StatusProcessing
		_ = second.Steps.Mark(metadata.StepCut)
		err := store.Save(ctx, second)
		if !errors.Is(err, metadata.ErrVersionConflict) {
			t.Fatalf("expected ErrVersionConflict for stale save, got %v", err)
		}
		if !errors.Is(err, services.ErrPersistence) {
			t.Fatalf("expected conflict to be a persistence failure, got %v", err)
		}

		loaded, _ := store.Load(ctx, v.ID)
		if !loaded.Steps.Transcribe || loaded.Steps.Cut {
			t.Fatalf("stale save must not land: %+v", loaded.Steps)
		}
	})
}

func TestSaveRejectsFlagRegression(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store metadata.Store) {
		ctx := context.Background()
		v := newVideo(t)
		if err := store.Create(ctx, v); err != nil {
			t.Fatalf("Create: %v", err)
		}
		v.Status = metadata.StatusProcessing
		_ = v.Steps.Mark(metadata.StepTranscribe)
		if err := store.Save(ctx, v); err != nil {
			t.Fatalf("Save: %v", err)
		}

		v.Steps.Transcribe = false
		if err := store.Save(ctx, v); !errors.Is(err, metadata.ErrFlagRegression) {
			t.Fatalf("expected ErrFlagRegression, got %v", err)
		}
	})
}

func TestSaveRejectsInvariantViolations(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store metadata.Store) {
		ctx := context.Background()
		v := newVideo(t)
		if err := store.Create(ctx, v); err != nil {
			t.Fatalf("Create: %v", err)
		}
		v.Status = metadata.StatusCompleted
		if err := store.Save(ctx, v); !errors.Is(err, metadata.ErrInvariant) {
			t.Fatalf("expected completed without flags to be rejected, got %v", err)
		}
		v.Status = metadata.StatusFailed
		if err := store.Save(ctx, v); !errors.Is(err, metadata.ErrInvariant) {
			t.Fatalf("expected failed without error record to be rejected, got %v", err)
		}
	})
}

func TestCompletedIsTerminal(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store metadata.Store) {
		ctx := context.Background()
		v := newVideo(t)
		if err := store.Create(ctx, v); err != nil {
			t.Fatalf("Create: %v", err)
		}
		for _, name := range metadata.StepNames {
			_ = v.Steps.Mark(name)
		}
		v.Status = metadata.StatusCompleted
		if err := store.Save(ctx, v); err != nil {
			t.Fatalf("Save completed: %v", err)
		}

		v.Status = metadata.StatusProcessing
		if err := store.Save(ctx, v); !errors.Is(err, metadata.ErrInvariant) {
			t.Fatalf("expected completed -> processing to be rejected, got %v", err)
		}
		v.Status = metadata.StatusFailed
		v.Error = &metadata.ErrorRecord{Code: services.CodeStepExecution, Message: "late failure"}
		if err := store.Save(ctx, v); !errors.Is(err, metadata.ErrInvariant) {
			t.Fatalf("expected completed -> failed to be rejected, got %v", err)
		}

		loaded, err := store.Load(ctx, v.ID)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if loaded.Status != metadata.StatusCompleted || loaded.Error != nil {
			t.Fatalf("completed record was rewritten: %s %+v", loaded.Status, loaded.Error)
		}
	})
}

func TestFileStoreRejectsDotSegmentIDs(t *testing.T) {
	root := t.TempDir()
	store, err := metadata.OpenFile(filepath.Join(root, "videos"))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	// A record one level up must stay unreachable through a dot segment.
	if err := os.WriteFile(filepath.Join(root, "meta.json"), []byte(`{"video_id":".."}`), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ctx := context.Background()
	for _, id := range []string{".", "..", "", "a/b", `a\b`} {
		if _, err := store.Load(ctx, id); !errors.Is(err, services.ErrNotFound) {
			t.Fatalf("Load(%q): expected ErrNotFound, got %v", id, err)
		}
		if err := store.Save(ctx, &metadata.Video{ID: id, Version: 1}); !errors.Is(err, services.ErrNotFound) {
			t.Fatalf("Save(%q): expected ErrNotFound, got %v", id, err)
		}
		if _, err := store.AcquireLease(ctx, id, "w", time.Minute); !errors.Is(err, services.ErrNotFound) {
			t.Fatalf("AcquireLease(%q): expected ErrNotFound, got %v", id, err)
		}
	}
	if !metadata.ValidID(metadata.NewVideoID(time.Now())) {
		t.Fatal("generated ids must be valid")
	}
}

func TestSaveMissingIsNotFound(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store metadata.Store) {
		v := newVideo(t)
		if err := store.Save(context.Background(), v); !errors.Is(err, services.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestListFiltersByStatusNewestFirst(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store metadata.Store) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		var ids []string
		for i := 0; i < 3; i++ {
			created := base.Add(time.Duration(i) * time.Minute)
			v := metadata.NewVideo(metadata.NewVideoID(created), metadata.Source{}, created)
			if err := store.Create(ctx, v); err != nil {
				t.Fatalf("Create: %v", err)
			}
			ids = append(ids, v.ID)
		}
		failed, _ := store.Load(ctx, ids[0])
		failed.Status = metadata.StatusFailed
		failed.Error = &metadata.ErrorRecord{Code: services.CodeStepExecution, Message: "boom"}
		if err := store.Save(ctx, failed); err != nil {
			t.Fatalf("Save: %v", err)
		}

		all, err := store.List(ctx, metadata.ListFilter{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) != 3 || all[0].ID != ids[2] || all[2].ID != ids[0] {
			t.Fatalf("expected newest first, got %v", videoIDs(all))
		}

		queued, err := store.List(ctx, metadata.ListFilter{Statuses: []metadata.Status{metadata.StatusQueued}, Limit: 1})
		if err != nil {
			t.Fatalf("List queued: %v", err)
		}
		if len(queued) != 1 || queued[0].ID != ids[2] {
			t.Fatalf("unexpected queued list %v", videoIDs(queued))
		}
	})
}

func TestLeaseExclusivity(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store metadata.Store) {
		ctx := context.Background()
		v := newVideo(t)
		if err := store.Create(ctx, v); err != nil {
			t.Fatalf("Create: %v", err)
		}

		lease, err := store.AcquireLease(ctx, v.ID, "worker-a", time.Minute)
		if err != nil {
			t.Fatalf("AcquireLease: %v", err)
		}
		if _, err := store.AcquireLease(ctx, v.ID, "worker-b", time.Minute); !errors.Is(err, services.ErrLeaseHeld) {
			t.Fatalf("expected ErrLeaseHeld for second owner, got %v", err)
		}
		if err := lease.Renew(ctx); err != nil {
			t.Fatalf("Renew: %v", err)
		}
		if err := lease.Release(ctx); err != nil {
			t.Fatalf("Release: %v", err)
		}

		next, err := store.AcquireLease(ctx, v.ID, "worker-b", time.Minute)
		if err != nil {
			t.Fatalf("expected lease after release, got %v", err)
		}
		_ = next.Release(ctx)
	})
}

func TestSQLiteExpiredLeaseCanBeTaken(t *testing.T) {
	store, err := metadata.OpenSQLite(filepath.Join(t.TempDir(), "metadata.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	v := newVideo(t)
	if err := store.Create(ctx, v); err != nil {
		t.Fatalf("Create: %v", err)
	}

	stale, err := store.AcquireLease(ctx, v.ID, "crashed-worker", -time.Second)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	fresh, err := store.AcquireLease(ctx, v.ID, "new-worker", time.Minute)
	if err != nil {
		t.Fatalf("expected expired lease to be taken over, got %v", err)
	}
	if err := stale.Renew(ctx); !errors.Is(err, metadata.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for stale holder, got %v", err)
	}
	_ = fresh.Release(ctx)
}

func TestConcurrentSavesExactlyOneWins(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store metadata.Store) {
		ctx := context.Background()
		v := newVideo(t)
		if err := store.Create(ctx, v); err != nil {
			t.Fatalf("Create: %v", err)
		}

		const writers = 4
		var wg sync.WaitGroup
		results := make(chan error, writers)
		for i := 0; i < writers; i++ {
			copyV := v.Clone()
			copyV.Status = metadata.StatusProcessing
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- store.Save(ctx, copyV)
			}()
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, metadata.ErrVersionConflict):
			default:
				t.Fatalf("unexpected save error: %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("expected exactly one winning save, got %d", wins)
		}
	})
}

func TestLocator(t *testing.T) {
	dir := t.TempDir()
	fileStore, err := metadata.OpenFile(dir)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if got := fileStore.Locator("vid_1_abc"); got != filepath.Join(dir, "vid_1_abc", "meta.json") {
		t.Fatalf("unexpected file locator %q", got)
	}

	sqliteStore, err := metadata.OpenSQLite(filepath.Join(dir, "metadata.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer sqliteStore.Close()
	if got := sqliteStore.Locator("vid_1_abc"); !strings.HasPrefix(got, "sqlite://") || !strings.HasSuffix(got, "#vid_1_abc") {
		t.Fatalf("unexpected sqlite locator %q", got)
	}
}

func videoIDs(videos []*metadata.Video) []string {
	ids := make([]string, len(videos))
	for i, v := range videos {
		ids[i] = v.ID
	}
	return ids
}
