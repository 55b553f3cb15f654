package jobqueue_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clipline/internal/jobqueue"
	"clipline/internal/services"
)

func TestBackoffDelayDoubles(t *testing.T) {
	base := 2 * time.Second
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := jobqueue.BackoffDelay(base, i+1); got != w {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, w)
		}
	}
	if got := jobqueue.BackoffDelay(0, 3); got != 0 {
		t.Fatalf("zero base must not delay, got %s", got)
	}
}

func TestClassify(t *testing.T) {
	live := context.Background()
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	job := jobqueue.Job{Attempt: 1, MaxAttempts: 3}
	last := jobqueue.Job{Attempt: 3, MaxAttempts: 3}
	boom := errors.New("boom")

	tests := []struct {
		name string
		ctx  context.Context
		job  jobqueue.Job
		err  error
		want jobqueue.ResultKind
	}{
		{"success", live, job, nil, jobqueue.ResultAck},
		{"transient", live, job, boom, jobqueue.ResultRetry},
		{"exhausted", live, last, boom, jobqueue.ResultFail},
		{"permanent marker", live, job, jobqueue.Permanent(boom), jobqueue.ResultFail},
		{"not found", live, job, services.Wrap(services.ErrNotFound, "", "load", "", nil), jobqueue.ResultFail},
		{"lease held retries", live, job, services.Wrap(services.ErrLeaseHeld, "", "lease", "", nil), jobqueue.ResultRetry},
		{"shutdown", canceled, last, fmt.Errorf("step: %w", context.Canceled), jobqueue.ResultRequeue},
		{"cancel without shutdown", live, job, context.Canceled, jobqueue.ResultRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := jobqueue.Classify(tt.ctx, tt.job, tt.err).Kind; got != tt.want {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestLimiterFixedWindow(t *testing.T) {
	l := jobqueue.NewLimiter(2, time.Hour)
	if l.Reserve() != 0 || l.Reserve() != 0 {
		t.Fatal("expected two free slots")
	}
	if wait := l.Reserve(); wait <= 0 || wait > time.Hour {
		t.Fatalf("expected a wait within the window, got %s", wait)
	}
	l.Refund()
	if l.Reserve() != 0 {
		t.Fatal("refunded slot should be reusable")
	}

	fast := jobqueue.NewLimiter(1, 20*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := fast.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("three starts at 1 per 20ms took only %s", elapsed)
	}
}

func openQueue(t *testing.T, opts ...jobqueue.SQLiteOption) *jobqueue.SQLiteQueue {
	t.Helper()
	opts = append([]jobqueue.SQLiteOption{jobqueue.WithPollInterval(5 * time.Millisecond)}, opts...)
	q, err := jobqueue.OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"), "test", opts...)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// runUntil subscribes in the background and stops once done reports true.
func runUntil(t *testing.T, q *jobqueue.SQLiteQueue, handler jobqueue.Handler, opts jobqueue.SubscribeOptions, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() { finished <- q.Subscribe(ctx, handler, opts) }()
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			cancel()
			<-finished
			t.Fatal("condition not reached before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-finished; err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
}

func statusOf(t *testing.T, q *jobqueue.SQLiteQueue, videoID string) jobqueue.Record {
	t.Helper()
	records, err := q.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, r := range records {
		if r.VideoID == videoID {
			return r
		}
	}
	t.Fatalf("no job for %s", videoID)
	return jobqueue.Record{}
}

func TestEnqueueSkipsDuplicateVideo(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, jobqueue.Job{VideoID: "vid_1"}, jobqueue.EnqueueOptions{}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[jobqueue.StatusPending] != 1 {
		t.Fatalf("expected a single pending job, got %v", stats)
	}
}

func TestRunHandlerRecoversPanic(t *testing.T) {
	job := jobqueue.Job{ID: "j", VideoID: "vid_panic"}
	err := jobqueue.RunHandler(context.Background(), func(context.Context, jobqueue.Job) error {
		panic("nil map write")
	}, job)
	if err == nil || !strings.Contains(err.Error(), "nil map write") {
		t.Fatalf("expected panic converted to error, got %v", err)
	}
	want := errors.New("plain")
	if got := jobqueue.RunHandler(context.Background(), func(context.Context, jobqueue.Job) error { return want }, job); got != want {
		t.Fatalf("expected handler error passed through, got %v", got)
	}
}

func TestSubscribeAcksSuccessfulJob(t *testing.T) {
	q := openQueue(t)
	if err := q.Enqueue(context.Background(), jobqueue.Job{VideoID: "vid_ok", VideoPath: "/v/raw.mp4"}, jobqueue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	var seen atomic.Int32
	var got jobqueue.Job
	handler := func(_ context.Context, job jobqueue.Job) error {
		got = job
		seen.Add(1)
		return nil
	}
	runUntil(t, q, handler, jobqueue.SubscribeOptions{}, func() bool {
		return statusOf(t, q, "vid_ok").Status == jobqueue.StatusDone
	})
	if seen.Load() != 1 || got.Attempt != 1 || got.MaxAttempts != jobqueue.DefaultAttempts || got.VideoPath != "/v/raw.mp4" {
		t.Fatalf("unexpected delivery %+v (calls=%d)", got, seen.Load())
	}
}

func TestSubscribeRetriesThenFails(t *testing.T) {
	q := openQueue(t)
	if err := q.Enqueue(context.Background(), jobqueue.Job{VideoID: "vid_bad"}, jobqueue.EnqueueOptions{Backoff: 5 * time.Millisecond}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	var attempts []int
	var mu sync.Mutex
	handler := func(_ context.Context, job jobqueue.Job) error {
		mu.Lock()
		attempts = append(attempts, job.Attempt)
		mu.Unlock()
		return errors.New("ffmpeg crashed")
	}
	runUntil(t, q, handler, jobqueue.SubscribeOptions{RateLimit: jobqueue.RateLimit{Max: 100, Window: time.Second}}, func() bool {
		return statusOf(t, q, "vid_bad").Status == jobqueue.StatusFailed
	})
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("expected attempts 1..3, got %v", attempts)
	}
	if rec := statusOf(t, q, "vid_bad"); rec.LastError != "ffmpeg crashed" {
		t.Fatalf("expected last error recorded, got %q", rec.LastError)
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	q := openQueue(t)
	if err := q.Enqueue(context.Background(), jobqueue.Job{VideoID: "vid_gone"}, jobqueue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	var calls atomic.Int32
	handler := func(context.Context, jobqueue.Job) error {
		calls.Add(1)
		return jobqueue.Permanent(errors.New("metadata missing"))
	}
	runUntil(t, q, handler, jobqueue.SubscribeOptions{}, func() bool {
		return statusOf(t, q, "vid_gone").Status == jobqueue.StatusFailed
	})
	if calls.Load() != 1 {
		t.Fatalf("permanent failure must not be retried, got %d calls", calls.Load())
	}

	n, err := q.Retry(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Retry: n=%d err=%v", n, err)
	}
	if rec := statusOf(t, q, "vid_gone"); rec.Status != jobqueue.StatusPending || rec.Attempt != 0 {
		t.Fatalf("expected fresh pending job after retry, got %+v", rec)
	}
}

func TestShutdownRequeuesInterruptedJob(t *testing.T) {
	q := openQueue(t, jobqueue.WithDrainTimeout(0))
	if err := q.Enqueue(context.Background(), jobqueue.Job{VideoID: "vid_slow"}, jobqueue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	started := make(chan struct{})
	handler := func(ctx context.Context, _ jobqueue.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() { finished <- q.Subscribe(ctx, handler, jobqueue.SubscribeOptions{}) }()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	cancel()
	if err := <-finished; err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	rec := statusOf(t, q, "vid_slow")
	if rec.Status != jobqueue.StatusPending || rec.Attempt != 0 {
		t.Fatalf("interrupted job must be pending without a consumed attempt, got %+v", rec)
	}
}

func TestDrainLetsInFlightJobFinish(t *testing.T) {
	q := openQueue(t, jobqueue.WithDrainTimeout(5*time.Second))
	if err := q.Enqueue(context.Background(), jobqueue.Job{VideoID: "vid_drain"}, jobqueue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	started := make(chan struct{})
	release := make(chan struct{})
	handler := func(ctx context.Context, _ jobqueue.Job) error {
		close(started)
		<-release
		return ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() { finished <- q.Subscribe(ctx, handler, jobqueue.SubscribeOptions{}) }()
	<-started
	cancel()
	close(release)
	if err := <-finished; err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if rec := statusOf(t, q, "vid_drain"); rec.Status != jobqueue.StatusDone {
		t.Fatalf("expected drained job to complete, got %+v", rec)
	}
}

func TestReclaimStaleActiveJobs(t *testing.T) {
	q := openQueue(t, jobqueue.WithHeartbeat(0, 0), jobqueue.WithDrainTimeout(0))
	ctx := context.Background()
	if err := q.Enqueue(ctx, jobqueue.Job{VideoID: "vid_crash"}, jobqueue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	started := make(chan struct{})
	handler := func(ctx context.Context, _ jobqueue.Job) error {
		close(started)
		<-ctx.Done()
		return errors.New("worker died")
	}
	subCtx, cancel := context.WithCancel(ctx)
	finished := make(chan error, 1)
	go func() { finished <- q.Subscribe(subCtx, handler, jobqueue.SubscribeOptions{}) }()
	<-started

	if rec := statusOf(t, q, "vid_crash"); rec.Status != jobqueue.StatusActive {
		t.Fatalf("expected active job, got %+v", rec)
	}
	n, err := q.ReclaimStale(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("ReclaimStale: n=%d err=%v", n, err)
	}
	cancel()
	<-finished
}

func TestEnqueueWhileActiveIsSkipped(t *testing.T) {
	q := openQueue(t, jobqueue.WithDrainTimeout(0))
	ctx := context.Background()
	if err := q.Enqueue(ctx, jobqueue.Job{VideoID: "vid_busy"}, jobqueue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	started := make(chan struct{})
	handler := func(ctx context.Context, _ jobqueue.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	subCtx, cancel := context.WithCancel(ctx)
	finished := make(chan error, 1)
	go func() { finished <- q.Subscribe(subCtx, handler, jobqueue.SubscribeOptions{Concurrency: 2}) }()
	<-started

	if err := q.Enqueue(ctx, jobqueue.Job{VideoID: "vid_busy"}, jobqueue.EnqueueOptions{}); err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[jobqueue.StatusActive] != 1 || stats[jobqueue.StatusPending] != 0 {
		t.Fatalf("expected the active job only, got %v", stats)
	}
	cancel()
	<-finished
}

func TestRateLimitSpacesStarts(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, jobqueue.Job{VideoID: fmt.Sprintf("vid_rl_%d", i)}, jobqueue.EnqueueOptions{}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	var mu sync.Mutex
	var starts []time.Time
	handler := func(context.Context, jobqueue.Job) error {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil
	}
	opts := jobqueue.SubscribeOptions{Concurrency: 3, RateLimit: jobqueue.RateLimit{Max: 2, Window: 200 * time.Millisecond}}
	runUntil(t, q, handler, opts, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(starts) == 3
	})
	if gap := starts[2].Sub(starts[0]); gap < 150*time.Millisecond {
		t.Fatalf("third start should wait for the next window, gap %s", gap)
	}
}
