package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"clipline/internal/api"
	"clipline/internal/services"
)

type cliEnv struct {
	base       string
	configPath string
}

func setupCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	base := t.TempDir()
	t.Setenv("HOME", filepath.Join(base, "home"))
	t.Setenv("CLIPLINE_DATABASE_URL", "")
	t.Setenv("CLIPLINE_AMQP_URL", "")
	t.Setenv("CLIPLINE_NTFY_TOPIC", "")
	t.Setenv("CLIPLINE_JWT_SECRET", "")
	t.Setenv("CLIPLINE_API_TOKEN", "")
	configPath := filepath.Join(base, "clipline.toml")
	content := fmt.Sprintf(`[paths]
data_dir = %q
log_dir = %q

[media]
ffprobe_binary = %q

[api]
jwt_secret = "cli-test-secret"
public_base_url = "https://clips.example.com"
`, filepath.Join(base, "data"), filepath.Join(base, "logs"), filepath.Join(base, "missing", "ffprobe"))
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cliEnv{base: base, configPath: configPath}
}

func runCLI(t *testing.T, env cliEnv, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", env.configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func writeClip(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "holiday.mp4")
	if err := os.WriteFile(path, []byte("not really a video"), 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}
	return path
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected %q in output:\n%s", needle, haystack)
	}
}

func TestUploadStatusAndList(t *testing.T) {
	env := setupCLIEnv(t)

	out, err := runCLI(t, env, "--json", "upload", writeClip(t, env.base), "--platform", "shorts")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var uploaded api.UploadResponse
	if err := json.Unmarshal([]byte(out), &uploaded); err != nil {
		t.Fatalf("decode upload output %q: %v", out, err)
	}
	if uploaded.VideoID == "" || uploaded.Status != "queued" {
		t.Fatalf("unexpected upload response %+v", uploaded)
	}

	out, err = runCLI(t, env, "status", uploaded.VideoID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Status:   queued")
	requireContains(t, out, "14%")
	requireContains(t, out, "transcribe")

	out, err = runCLI(t, env, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	requireContains(t, out, uploaded.VideoID)
	requireContains(t, out, "holiday.mp4")

	out, err = runCLI(t, env, "queue", "stats")
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	requireContains(t, out, "Pending")

	out, err = runCLI(t, env, "queue", "list", "--status", "pending")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	requireContains(t, out, uploaded.VideoID)

	_, err = runCLI(t, env, "result", uploaded.VideoID)
	if err == nil || !strings.Contains(err.Error(), api.CodeVideoNotReady) {
		t.Fatalf("expected VIDEO_NOT_READY, got %v", err)
	}
}

func TestUnknownVideoReportsCode(t *testing.T) {
	env := setupCLIEnv(t)
	_, err := runCLI(t, env, "status", "vid_0_missing0")
	if err == nil || !strings.Contains(err.Error(), api.CodeVideoNotFound) {
		t.Fatalf("expected VIDEO_NOT_FOUND, got %v", err)
	}
	if code := exitCode(err); code != 1 {
		t.Fatalf("expected exit code 1 for missing video, got %d", code)
	}
}

func TestExitCodeForInvalidInput(t *testing.T) {
	err := describeError(services.Wrap(services.ErrValidation, "", "upload", "max_duration must be positive", nil))
	if code := exitCode(err); code != 2 {
		t.Fatalf("expected exit code 2, got %d (%v)", code, err)
	}
}

func TestQueueRetryWithNothingFailed(t *testing.T) {
	env := setupCLIEnv(t)
	out, err := runCLI(t, env, "queue", "retry")
	if err != nil {
		t.Fatalf("queue retry: %v", err)
	}
	requireContains(t, out, "No failed jobs")

	out, err = runCLI(t, env, "queue", "health")
	if err != nil {
		t.Fatalf("queue health: %v", err)
	}
	requireContains(t, out, "Reachable: yes")
}

func TestConfigInitValidateAndShow(t *testing.T) {
	env := setupCLIEnv(t)

	out, err := runCLI(t, env, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")

	target := filepath.Join(t.TempDir(), "config.toml")
	out, err = runCLI(t, env, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}
	if _, err := runCLI(t, env, "config", "init", "--path", target); err == nil {
		t.Fatal("expected init to refuse overwriting without --overwrite")
	}

	out, err = runCLI(t, env, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, "cli-test-secret") {
		t.Fatalf("config show leaked the jwt secret:\n%s", out)
	}
	requireContains(t, out, redacted)
}

func TestTokenIsSignedWithConfiguredSecret(t *testing.T) {
	env := setupCLIEnv(t)
	out, err := runCLI(t, env, "token", "--subject", "phone")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), claims, func(*jwt.Token) (any, error) {
		return []byte("cli-test-secret"), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.Subject != "phone" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
}

func TestProgressBar(t *testing.T) {
	cases := map[int]string{
		0:   "[..........]",
		50:  "[#####.....]",
		100: "[##########]",
		140: "[##########]",
	}
	for percent, want := range cases {
		if got := progressBar(percent, 10); got != want {
			t.Fatalf("progressBar(%d) = %q, want %q", percent, got, want)
		}
	}
}

func TestLogsPrintsVideoLog(t *testing.T) {
	env := setupCLIEnv(t)
	logPath := filepath.Join(env.base, "data", "videos", "vid_1_abc", "pipeline.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(logPath, []byte("one\ntwo\nthree\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	out, err := runCLI(t, env, "logs", "--video", "vid_1_abc", "-n", "2")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if out != "two\nthree\n" {
		t.Fatalf("unexpected logs output %q", out)
	}
}
