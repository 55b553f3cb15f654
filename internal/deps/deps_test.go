package deps

import (
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"

	"clipline/internal/config"
)

func TestCheckBinaries(t *testing.T) {
	binDir := t.TempDir()
	present := filepath.Join(binDir, "present")
	script := []byte("#!/bin/sh\nexit 0\n")
	if err := os.WriteFile(present, script, 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	reqs := []Requirement{
		{Name: "Present", Command: present},
		{Name: "Missing", Command: "clearly-not-present-binary"},
	}

	results := CheckBinaries(reqs)
	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}

	if !results[0].Available {
		t.Fatalf("expected first requirement to be available, got %#v", results[0])
	}

	if results[1].Available {
		t.Fatalf("expected missing binary to be unavailable")
	}
	if results[1].Detail == "" {
		t.Fatalf("expected detail message for missing binary")
	}

	if results[1].Command != "clearly-not-present-binary" {
		t.Fatalf("unexpected command recorded: %s", results[1].Command)
	}

	if results[0].Detail != "" {
		t.Fatalf("unexpected detail for available dependency: %s", results[0].Detail)
	}
}

func TestResolveFFmpegExplicitPath(t *testing.T) {
	tmp := t.TempDir()
	ffmpegPath := filepath.Join(tmp, executableName("ffmpeg"))
	if err := os.WriteFile(ffmpegPath, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write ffmpeg stub: %v", err)
	}
	status := ResolveFFmpeg(ffmpegPath)
	if !status.Available || status.Command != ffmpegPath {
		t.Fatalf("expected explicit ffmpeg to resolve, got %#v", status)
	}

	missing := ResolveFFmpeg(filepath.Join(tmp, "nope", "ffmpeg"))
	if missing.Available || missing.Detail == "" {
		t.Fatalf("expected missing explicit path to be reported, got %#v", missing)
	}
}

func TestResolveFFmpegPathFallback(t *testing.T) {
	binDir := t.TempDir()
	ffmpegPath := filepath.Join(binDir, executableName("ffmpeg-test-build"))
	if err := os.WriteFile(ffmpegPath, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write ffmpeg stub: %v", err)
	}
	t.Setenv("PATH", binDir)

	status := ResolveFFmpeg("ffmpeg-test-build")
	if !status.Available {
		t.Fatalf("expected PATH lookup to succeed, got detail %q", status.Detail)
	}
	if status.Command != ffmpegPath {
		t.Fatalf("expected ffmpeg command %q, got %q", ffmpegPath, status.Command)
	}
}

func TestResolveFFmpegNotFound(t *testing.T) {
	t.Setenv("PATH", "")
	status := ResolveFFmpeg("clipline-missing-ffmpeg")
	if status.Available {
		t.Fatal("expected ffmpeg resolution to fail")
	}
	if status.Detail == "" {
		t.Fatal("expected detail message when ffmpeg is unavailable")
	}
}

func TestCheckUsesConfiguredCommands(t *testing.T) {
	t.Setenv("PATH", "")
	cfg := config.Default()
	cfg.Media.FFmpegBinary = "my-ffmpeg"
	cfg.Media.FFprobeBinary = "my-ffprobe"
	cfg.Transcription.Command = "whisper-cli --threads 4"

	statuses := Check(&cfg)
	var commands []string
	for _, s := range statuses {
		commands = append(commands, s.Command)
	}
	for _, want := range []string{"my-ffmpeg", "my-ffprobe", "whisper-cli"} {
		if !slices.Contains(commands, want) {
			t.Fatalf("expected %q among checked commands %v", want, commands)
		}
	}
	if got := Missing(statuses); len(got) != 3 {
		t.Fatalf("expected all three dependencies missing, got %v", got)
	}
}

func executableName(base string) string {
	if runtime.GOOS == "windows" {
		return base + ".exe"
	}
	return base
}
