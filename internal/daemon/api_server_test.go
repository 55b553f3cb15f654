package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"clipline/internal/api"
	"clipline/internal/config"
	"clipline/internal/daemon"
	"clipline/internal/intake"
	"clipline/internal/jobqueue"
	"clipline/internal/metadata"
	"clipline/internal/metrics"
	"clipline/internal/pipeline"
	"clipline/internal/services"
	"clipline/internal/testsupport"
	"clipline/internal/titles"
)

type apiFixture struct {
	cfg     *config.Config
	store   metadata.Store
	queue   *jobqueue.SQLiteQueue
	ws      pipeline.Workspace
	handler http.Handler
}

func newAPIFixture(t *testing.T, configure func(*config.Config)) apiFixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	if configure != nil {
		configure(cfg)
	}
	store := testsupport.MustOpenStore(t, cfg)
	queue := openQueue(t, cfg.QueueDBPath())
	ws := pipeline.NewWorkspace(cfg.VideosDir())
	m := metrics.New()
	in := intake.NewService(cfg, store, queue, nil, intake.WithListeners(m))
	videos := api.NewVideoService(store, ws, in, titles.New(nil, nil), cfg.API.PublicBaseURL)
	d, err := daemon.New(cfg, store, queue, &recordingRunner{ran: make(chan string, 8)}, nil, "")
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	srv := daemon.NewAPIServer(cfg, d, videos, m, nil)
	if srv == nil {
		t.Fatal("expected api server")
	}
	return apiFixture{cfg: cfg, store: store, queue: queue, ws: ws, handler: srv.Handler()}
}

func (f apiFixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		_, _ = part.Write(content)
	}
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/videos", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) api.ErrorBody {
	t.Helper()
	var resp api.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return resp.Error
}

func TestUploadThenStatusAndResult(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(t, uploadRequest(t, "trip.mp4", []byte("fake video bytes"), map[string]string{"platform_hint": "tiktok"}))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var uploaded api.UploadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &uploaded); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	if uploaded.Status != "queued" || uploaded.VideoID == "" {
		t.Fatalf("unexpected upload response %+v", uploaded)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected request id header")
	}

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/videos/"+uploaded.VideoID+"/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var status api.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.VideoID != uploaded.VideoID || status.Progress != 14 {
		t.Fatalf("unexpected status %+v", status)
	}

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/videos/"+uploaded.VideoID+"/result", nil))
	if w.Code != http.StatusAccepted || decodeError(t, w).Code != api.CodeVideoNotReady {
		t.Fatalf("expected 202 VIDEO_NOT_READY, got %d: %s", w.Code, w.Body.String())
	}

	stats, err := f.queue.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[jobqueue.StatusPending] != 1 {
		t.Fatalf("expected one pending job, got %v", stats)
	}
}

func TestUploadValidation(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(t, uploadRequest(t, "", nil, nil))
	if w.Code != http.StatusBadRequest || decodeError(t, w).Code != api.CodeMissingFile {
		t.Fatalf("expected MISSING_FILE, got %d: %s", w.Code, w.Body.String())
	}
	w = f.do(t, uploadRequest(t, "notes.txt", []byte("x"), nil))
	if w.Code != http.StatusBadRequest || decodeError(t, w).Code != api.CodeInvalidUpload {
		t.Fatalf("expected INVALID_UPLOAD, got %d: %s", w.Code, w.Body.String())
	}
	w = f.do(t, uploadRequest(t, "clip.mp4", []byte("x"), map[string]string{"max_duration_seconds": "soon"}))
	if w.Code != http.StatusBadRequest || decodeError(t, w).Code != api.CodeInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %d: %s", w.Code, w.Body.String())
	}
}

func TestUnknownVideoIs404(t *testing.T) {
	f := newAPIFixture(t, nil)
	for _, path := range []string{"/status", "/result", "/title", "/download"} {
		w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/videos/vid_0_missing0"+path, nil))
		if w.Code != http.StatusNotFound || decodeError(t, w).Code != api.CodeVideoNotFound {
			t.Fatalf("%s: expected 404 VIDEO_NOT_FOUND, got %d: %s", path, w.Code, w.Body.String())
		}
	}
}

func TestFailedVideoStatusCarriesError(t *testing.T) {
	f := newAPIFixture(t, nil)
	ctx := context.Background()
	v := testsupport.MustCreateVideo(t, f.cfg, f.store)
	loaded, err := f.store.Load(ctx, v.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	loaded.Status = metadata.StatusFailed
	loaded.Error = &metadata.ErrorRecord{
		Code:    services.CodeStepExecution,
		Message: "amix exploded",
		Details: metadata.ErrorDetails{Step: metadata.StepBGM, Attempt: 3},
	}
	if err := f.store.Save(ctx, loaded); err != nil {
		t.Fatalf("Save: %v", err)
	}

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/videos/"+v.ID+"/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	for _, key := range []string{"video_id", "status", "progress", "steps", "error"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("status payload missing %q: %s", key, w.Body.String())
		}
	}
	var status api.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != metadata.StatusFailed || status.Error == nil {
		t.Fatalf("expected failed status with error, got %s", w.Body.String())
	}
	if status.Error.Code != services.CodeStepExecution || status.Error.Details.Step != metadata.StepBGM {
		t.Fatalf("unexpected error body %+v", status.Error)
	}
}

func TestCompletedVideoServesDownload(t *testing.T) {
	f := newAPIFixture(t, func(cfg *config.Config) { cfg.API.PublicBaseURL = "http://clips.local" })
	v := testsupport.MustCreateVideo(t, f.cfg, f.store)
	testsupport.MarkCompleted(t, f.store, v.ID)
	testsupport.WriteFile(t, f.ws.Path(v.ID, pipeline.ArtifactEdited), 128)

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/videos/"+v.ID+"/result", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result api.ResultResponse
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.DownloadURL != "http://clips.local/api/videos/"+v.ID+"/download" {
		t.Fatalf("unexpected download url %q", result.DownloadURL)
	}

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/videos/"+v.ID+"/download", nil))
	if w.Code != http.StatusOK || w.Body.Len() != 128 {
		t.Fatalf("expected 128-byte download, got %d (%d bytes)", w.Code, w.Body.Len())
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), v.ID+".mp4") {
		t.Fatalf("unexpected content disposition %q", w.Header().Get("Content-Disposition"))
	}

	w = f.do(t, httptest.NewRequest(http.MethodPost, "/api/videos/"+v.ID+"/retry", nil))
	if w.Code != http.StatusConflict || decodeError(t, w).Code != api.CodeAlreadyCompleted {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTitleRouteValidatesLimit(t *testing.T) {
	f := newAPIFixture(t, nil)
	v := testsupport.MustCreateVideo(t, f.cfg, f.store)

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/videos/"+v.ID+"/title?limit=zero", nil))
	if w.Code != http.StatusBadRequest || decodeError(t, w).Code != api.CodeInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %d: %s", w.Code, w.Body.String())
	}
	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/videos/"+v.ID+"/title", nil))
	if w.Code != http.StatusBadRequest || decodeError(t, w).Code != api.CodeTranscriptNotReady {
		t.Fatalf("expected TRANSCRIPT_NOT_READY, got %d: %s", w.Code, w.Body.String())
	}
}

func TestListAndQueueStats(t *testing.T) {
	f := newAPIFixture(t, nil)
	testsupport.MustCreateVideo(t, f.cfg, f.store)

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/videos?status=queued&limit=5", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list api.VideoListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Videos) != 1 {
		t.Fatalf("expected one video, got %+v", list.Videos)
	}

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/videos?status=archived", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", w.Code)
	}

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/queue/stats", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var stats api.QueueStatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if _, ok := stats.Counts["pending"]; !ok {
		t.Fatalf("expected pending count, got %v", stats.Counts)
	}
}

func TestAuthRequiresTokenOrJWT(t *testing.T) {
	const secret = "test-signing-secret"
	f := newAPIFixture(t, func(cfg *config.Config) {
		cfg.API.Token = "static-token"
		cfg.API.JWTSecret = secret
	})
	path := "/api/videos"

	w := f.do(t, httptest.NewRequest(http.MethodGet, path, nil))
	if w.Code != http.StatusUnauthorized || decodeError(t, w).Code != api.CodeUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer static-token")
	if w := f.do(t, req); w.Code != http.StatusOK {
		t.Fatalf("static token rejected: %d", w.Code)
	}

	token, err := daemon.IssueToken(secret, "uploader", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if w := f.do(t, req); w.Code != http.StatusOK {
		t.Fatalf("jwt rejected: %d", w.Code)
	}

	forged, _ := daemon.IssueToken("other-secret", "uploader", time.Hour)
	req = httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	if w := f.do(t, req); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected forged jwt to be rejected, got %d", w.Code)
	}

	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "uploader",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte(secret))
	req = httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	if w := f.do(t, req); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected expired jwt to be rejected, got %d", w.Code)
	}

	if w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/health", nil)); w.Code != http.StatusOK {
		t.Fatalf("health must not require auth, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMetricsRouteCountsRequests(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.do(t, httptest.NewRequest(http.MethodGet, "/api/videos", nil))

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `clipline_http_requests_total{code="200",method="GET",route="/api/videos"} 1`) {
		t.Fatalf("expected request counter in exposition:\n%s", body)
	}
}
