package drapto_test

import (
	"context"
	"path/filepath"
	"testing"

	"clipline/internal/services/drapto"
)

func TestOutputPathUsesStem(t *testing.T) {
	got := drapto.OutputPath("/videos/vid_1/edited.mp4", "/videos/vid_1/archive")
	if want := filepath.Join("/videos/vid_1/archive", "edited.mkv"); got != want {
		t.Fatalf("OutputPath = %q, want %q", got, want)
	}
}

func TestArchiveRequiresPaths(t *testing.T) {
	lib := drapto.NewLibrary()
	if _, err := lib.Archive(context.Background(), "", t.TempDir()); err == nil {
		t.Fatal("expected missing input error")
	}
	if _, err := lib.Archive(context.Background(), "/tmp/in.mp4", " "); err == nil {
		t.Fatal("expected missing output dir error")
	}
}
