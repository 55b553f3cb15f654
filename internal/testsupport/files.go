package testsupport

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"clipline/internal/config"
)

// WriteFile creates path, including parent directories, holding size filler
// bytes. Stub engines use it to produce step outputs; sizes below one become one.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, bytes.Repeat([]byte{'B'}, int(max(size, 1))), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// RawPath is where intake places the uploaded file for a video.
func RawPath(cfg *config.Config, videoID string) string {
	return filepath.Join(cfg.VideosDir(), videoID, "raw.mp4")
}
