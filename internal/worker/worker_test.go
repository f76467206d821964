package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/gdownloader/internal/adapter/extractor"
	"github.com/cwygoda/gdownloader/internal/adapter/filestore"
	"github.com/cwygoda/gdownloader/internal/domain"
)

// extractFunc is called with the 1-based call number.
type extractFunc func(ctx context.Context, url string, call int) (domain.MediaStream, domain.Metadata, error)

// fakeExtractor implements domain.Extractor for testing.
type fakeExtractor struct {
	platforms []domain.Platform
	fn        extractFunc

	mu    sync.Mutex
	calls []time.Time
}

func (f *fakeExtractor) Name() string { return "fake" }

func (f *fakeExtractor) CanHandle(p domain.Platform) bool {
	if f.platforms == nil {
		return true
	}
	for _, fp := range f.platforms {
		if fp == p {
			return true
		}
	}
	return false
}

func (f *fakeExtractor) Extract(ctx context.Context, url string) (domain.MediaStream, domain.Metadata, error) {
	f.mu.Lock()
	f.calls = append(f.calls, time.Now())
	call := len(f.calls)
	f.mu.Unlock()
	return f.fn(ctx, url, call)
}

func (f *fakeExtractor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExtractor) CallTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls...)
}

// media returns an extractFunc serving content under title.
func media(title string, content []byte) extractFunc {
	return func(ctx context.Context, url string, call int) (domain.MediaStream, domain.Metadata, error) {
		meta := domain.Metadata{Title: title, Extension: "mp4", ExpectedSize: int64(len(content))}
		return io.NopCloser(bytes.NewReader(content)), meta, nil
	}
}

// blockingReader yields one chunk, signals started, then blocks until ctx
// is done.
type blockingReader struct {
	ctx     context.Context
	started chan struct{}
	once    sync.Once
	sent    bool
}

func (r *blockingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "partial"), nil
	}
	r.once.Do(func() { close(r.started) })
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

func (r *blockingReader) Close() error { return nil }

func blocking(started chan struct{}) extractFunc {
	return func(ctx context.Context, url string, call int) (domain.MediaStream, domain.Metadata, error) {
		return &blockingReader{ctx: ctx, started: started}, domain.Metadata{Title: "Slow", Extension: "mp4"}, nil
	}
}

type harness struct {
	svc    *domain.JobService
	files  *filestore.Store
	pool   *Pool
	dir    string
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, ext domain.Extractor, policy domain.RetryPolicy, size int) *harness {
	t.Helper()
	dir := t.TempDir()
	svc := domain.NewJobService(domain.NewStore(nil), domain.NewQueue(100))
	files := filestore.New(dir, nil)

	registry := extractor.NewRegistry()
	registry.Register(ext)

	return &harness{
		svc:   svc,
		files: files,
		pool:  New(svc, registry, files, policy, size),
		dir:   dir,
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.pool.Run(ctx) }()
	t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

func (h *harness) submit(t *testing.T, url string) domain.Job {
	t.Helper()
	job, err := h.svc.SubmitURL(context.Background(), url)
	require.NoError(t, err)
	return job
}

// waitFor polls until the job reaches a terminal state or status.
func (h *harness) waitFor(t *testing.T, id string, status domain.JobStatus) domain.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := h.svc.GetJob(id)
		require.NoError(t, err)
		if job.Status == status {
			return job
		}
		if job.Status.IsTerminal() {
			t.Fatalf("job %s ended %s (%s), want %s", id, job.Status, job.Error, status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := h.svc.GetJob(id)
	t.Fatalf("job %s still %s, want %s", id, job.Status, status)
	return job
}

// statusLog records the status history of every job.
type statusLog struct {
	mu      sync.Mutex
	history map[string][]domain.JobStatus
}

func watch(t *testing.T, svc *domain.JobService) *statusLog {
	t.Helper()
	l := &statusLog{history: make(map[string][]domain.JobStatus)}
	events, unsubscribe := svc.Subscribe(256)
	t.Cleanup(unsubscribe)
	go func() {
		for ev := range events {
			if ev.Previous == ev.Job.Status {
				continue
			}
			l.mu.Lock()
			l.history[ev.Job.ID] = append(l.history[ev.Job.ID], ev.Job.Status)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *statusLog) of(id string) []domain.JobStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.JobStatus(nil), l.history[id]...)
}

func fastPolicy(maxAttempts int) domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   10 * time.Millisecond,
		Factor:      2,
		MaxDelay:    time.Second,
	}
}

func TestPool_Download(t *testing.T) {
	content := []byte("fake video bytes")
	ext := &fakeExtractor{fn: media("Test Video", content)}
	h := newHarness(t, ext, fastPolicy(3), 2)
	h.start(t)

	job := h.submit(t, "https://youtu.be/abc123?t=5")
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123", job.NormalizedURL)

	done := h.waitFor(t, job.ID, domain.StatusSucceeded)
	assert.Equal(t, filepath.Join(h.dir, "Test Video.mp4"), done.OutputPath)
	assert.Equal(t, 1, done.Attempts)
	assert.False(t, done.Deduplicated)
	assert.Equal(t, int64(len(content)), done.BytesWritten)
	assert.Equal(t, float64(1), done.Progress())

	data, err := os.ReadFile(done.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	_, err = os.Stat(h.files.TempPath(job.ID))
	assert.True(t, os.IsNotExist(err), "temp file must be gone")
}

func TestPool_Deduplicates(t *testing.T) {
	ext := &fakeExtractor{fn: media("Clip", []byte("abc"))}
	h := newHarness(t, ext, fastPolicy(3), 2)
	h.start(t)

	first := h.waitFor(t, h.submit(t, "https://youtu.be/abc123").ID, domain.StatusSucceeded)
	second := h.waitFor(t, h.submit(t, "https://www.youtube.com/watch?v=abc123&list=x").ID, domain.StatusSucceeded)

	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.OutputPath, second.OutputPath)
	assert.Equal(t, 1, ext.Calls(), "second job must not extract")

	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPool_ConcurrentSameURL(t *testing.T) {
	ext := &fakeExtractor{fn: func(ctx context.Context, url string, call int) (domain.MediaStream, domain.Metadata, error) {
		time.Sleep(20 * time.Millisecond)
		return io.NopCloser(bytes.NewReader([]byte("x"))), domain.Metadata{Title: "Same", Extension: "mp4"}, nil
	}}
	h := newHarness(t, ext, fastPolicy(3), 4)
	h.start(t)

	var ids []string
	for range 4 {
		ids = append(ids, h.submit(t, "https://youtu.be/abc123").ID)
	}
	deduplicated := 0
	for _, id := range ids {
		if h.waitFor(t, id, domain.StatusSucceeded).Deduplicated {
			deduplicated++
		}
	}
	assert.Equal(t, 1, ext.Calls())
	assert.Equal(t, 3, deduplicated)
}

func TestPool_RespectsSize(t *testing.T) {
	var active, peak atomic.Int32
	ext := &fakeExtractor{fn: func(ctx context.Context, url string, call int) (domain.MediaStream, domain.Metadata, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		return io.NopCloser(bytes.NewReader([]byte("x"))), domain.Metadata{Title: fmt.Sprintf("v%d", call), Extension: "mp4"}, nil
	}}
	h := newHarness(t, ext, fastPolicy(3), 2)
	h.start(t)

	var ids []string
	for i := range 6 {
		ids = append(ids, h.submit(t, fmt.Sprintf("https://youtu.be/video%d", i)).ID)
	}
	for _, id := range ids {
		h.waitFor(t, id, domain.StatusSucceeded)
	}

	assert.Equal(t, 6, ext.Calls())
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load(), "both workers should have been busy")
}

func TestPool_TransientExhaustsAttempts(t *testing.T) {
	ext := &fakeExtractor{fn: func(ctx context.Context, url string, call int) (domain.MediaStream, domain.Metadata, error) {
		return nil, domain.Metadata{}, domain.NewTransient("connection reset", nil)
	}}
	policy := fastPolicy(3)
	h := newHarness(t, ext, policy, 1)
	events := watch(t, h.svc)
	h.start(t)

	job := h.submit(t, "https://youtu.be/abc123")
	failed := h.waitFor(t, job.ID, domain.StatusFailed)

	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, 3, ext.Calls())
	assert.Contains(t, failed.Error, "connection reset")
	assert.Equal(t, domain.ClassTransient, domain.ErrorClassOf(failed.LastError))

	calls := ext.CallTimes()
	for i := 1; i < len(calls); i++ {
		delay := policy.Decide(domain.Job{ID: job.ID, Attempts: i}, domain.ClassTransient).DelayBeforeRetry
		assert.GreaterOrEqual(t, calls[i].Sub(calls[i-1]), delay, "retry %d came too early", i)
	}

	require.Eventually(t, func() bool { return len(events.of(job.ID)) == 10 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.JobStatus{
		domain.StatusQueued, domain.StatusRunning, domain.StatusRetrying,
		domain.StatusQueued, domain.StatusRunning, domain.StatusRetrying,
		domain.StatusQueued, domain.StatusRunning, domain.StatusRetrying,
		domain.StatusFailed,
	}, events.of(job.ID))
}

func TestPool_RetryThenSucceed(t *testing.T) {
	ext := &fakeExtractor{fn: func(ctx context.Context, url string, call int) (domain.MediaStream, domain.Metadata, error) {
		if call == 1 {
			return nil, domain.Metadata{}, domain.HTTPStatusError(503, "service unavailable")
		}
		return media("Second Try", []byte("ok"))(ctx, url, call)
	}}
	h := newHarness(t, ext, fastPolicy(3), 1)
	h.start(t)

	done := h.waitFor(t, h.submit(t, "https://www.instagram.com/p/abc/").ID, domain.StatusSucceeded)
	assert.Equal(t, 2, done.Attempts)
	assert.Empty(t, done.Error)
	assert.Nil(t, done.LastError)
}

func TestPool_PermanentFailsOnce(t *testing.T) {
	ext := &fakeExtractor{fn: func(ctx context.Context, url string, call int) (domain.MediaStream, domain.Metadata, error) {
		return nil, domain.Metadata{}, domain.NewPermanent("Private video", nil)
	}}
	h := newHarness(t, ext, fastPolicy(5), 1)
	events := watch(t, h.svc)
	h.start(t)

	job := h.submit(t, "https://youtu.be/abc123")
	failed := h.waitFor(t, job.ID, domain.StatusFailed)

	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, 1, ext.Calls())
	require.Eventually(t, func() bool { return len(events.of(job.ID)) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.JobStatus{domain.StatusQueued, domain.StatusRunning, domain.StatusFailed}, events.of(job.ID))
}

func TestPool_NoExtractor(t *testing.T) {
	ext := &fakeExtractor{platforms: []domain.Platform{domain.PlatformYouTube}, fn: media("x", []byte("x"))}
	h := newHarness(t, ext, fastPolicy(5), 1)
	h.start(t)

	failed := h.waitFor(t, h.submit(t, "https://www.tiktok.com/@user/video/7234567890123456789").ID, domain.StatusFailed)
	assert.Equal(t, 1, failed.Attempts)
	assert.True(t, errors.Is(failed.LastError, domain.ErrNoExtractor))
	assert.Equal(t, 0, ext.Calls())
}

func TestPool_CancelQueued(t *testing.T) {
	ext := &fakeExtractor{fn: media("Kept", []byte("x"))}
	h := newHarness(t, ext, fastPolicy(3), 1)
	events := watch(t, h.svc)

	cancelled := h.submit(t, "https://youtu.be/cancelme")
	require.NoError(t, h.svc.CancelJob(cancelled.ID))

	h.start(t)
	h.waitFor(t, h.submit(t, "https://youtu.be/keepme").ID, domain.StatusSucceeded)

	job, err := h.svc.GetJob(cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, 1, ext.Calls())
	assert.NotContains(t, events.of(cancelled.ID), domain.StatusRunning)
}

func TestPool_CancelRunning(t *testing.T) {
	started := make(chan struct{})
	ext := &fakeExtractor{fn: blocking(started)}
	h := newHarness(t, ext, fastPolicy(3), 1)
	h.start(t)

	job := h.submit(t, "https://youtu.be/abc123")
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("download never started")
	}

	require.NoError(t, h.svc.CancelJob(job.ID))
	cancelled := h.waitFor(t, job.ID, domain.StatusCancelled)
	assert.False(t, cancelled.CancelRequested)
	assert.Equal(t, 1, ext.Calls())

	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial file must be removed")

	// The key is free again for a new job.
	_, ok := h.files.Lookup(domain.PlatformYouTube, job.NormalizedURL)
	assert.False(t, ok)
}

func TestPool_ShutdownInterruptsRunning(t *testing.T) {
	started := make(chan struct{})
	ext := &fakeExtractor{fn: blocking(started)}
	h := newHarness(t, ext, fastPolicy(3), 1)
	h.start(t)

	job := h.submit(t, "https://youtu.be/abc123")
	<-started
	h.stop()

	interrupted, err := h.svc.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetrying, interrupted.Status)
	assert.True(t, errors.Is(interrupted.LastError, ErrInterrupted))
	assert.Equal(t, 0, h.pool.PendingRetries(), "shutdown must not schedule a retry")
}

func TestPool_ShutdownOnLastAttemptFails(t *testing.T) {
	started := make(chan struct{})
	ext := &fakeExtractor{fn: blocking(started)}
	h := newHarness(t, ext, fastPolicy(1), 1)
	events := watch(t, h.svc)
	h.start(t)

	job := h.submit(t, "https://youtu.be/abc123")
	<-started
	h.stop()

	failed, err := h.svc.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.True(t, errors.Is(failed.LastError, ErrInterrupted))

	require.Eventually(t, func() bool { return len(events.of(job.ID)) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.JobStatus{
		domain.StatusQueued, domain.StatusRunning, domain.StatusRetrying, domain.StatusFailed,
	}, events.of(job.ID))
}

// recoveredRepo hands back a fixed set of unfinished jobs.
type recoveredRepo struct {
	jobs []domain.Job
}

func (r *recoveredRepo) SaveJob(ctx context.Context, job domain.Job) error { return nil }

func (r *recoveredRepo) FindUnfinished(ctx context.Context) ([]domain.Job, error) {
	return r.jobs, nil
}

func TestPool_RecoveredJobKeepsAttemptCap(t *testing.T) {
	ext := &fakeExtractor{fn: func(ctx context.Context, url string, call int) (domain.MediaStream, domain.Metadata, error) {
		return nil, domain.Metadata{}, domain.NewTransient("connection reset", nil)
	}}
	policy := fastPolicy(3)
	h := newHarness(t, ext, policy, 1)

	repo := &recoveredRepo{jobs: []domain.Job{
		{ID: "spent", NormalizedURL: "https://www.youtube.com/watch?v=spent", Platform: domain.PlatformYouTube, Status: domain.StatusRetrying, Attempts: 3},
		{ID: "one-left", NormalizedURL: "https://www.youtube.com/watch?v=left", Platform: domain.PlatformYouTube, Status: domain.StatusRetrying, Attempts: 2},
	}}
	n, err := h.svc.RecoverUnfinished(context.Background(), repo, policy.MaxAttempts)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.start(t)
	left := h.waitFor(t, "one-left", domain.StatusFailed)
	assert.Equal(t, 3, left.Attempts)

	spent, err := h.svc.GetJob("spent")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, spent.Status)
	assert.Equal(t, 3, spent.Attempts)
	assert.Equal(t, 1, ext.Calls(), "only the job with an attempt left may extract")
}

func TestPool_PendingRetries(t *testing.T) {
	ext := &fakeExtractor{fn: func(ctx context.Context, url string, call int) (domain.MediaStream, domain.Metadata, error) {
		return nil, domain.Metadata{}, domain.HTTPStatusError(429, "too many requests")
	}}
	policy := domain.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, Factor: 2, MaxDelay: time.Hour}
	h := newHarness(t, ext, policy, 1)
	h.start(t)

	job := h.submit(t, "https://youtu.be/abc123")
	h.waitFor(t, job.ID, domain.StatusRetrying)
	require.Eventually(t, func() bool { return h.pool.PendingRetries() == 1 }, time.Second, 5*time.Millisecond)

	// A retrying job can still be cancelled; its timer finds it gone.
	require.NoError(t, h.svc.CancelJob(job.ID))
	cancelled, err := h.svc.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	h.stop()
	assert.Equal(t, 0, h.pool.PendingRetries())
}

func TestPool_StopsOnQueueClose(t *testing.T) {
	ext := &fakeExtractor{fn: media("x", []byte("x"))}
	h := newHarness(t, ext, fastPolicy(3), 3)

	done := make(chan error, 1)
	go func() { done <- h.pool.Run(context.Background()) }()

	h.svc.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after queue close")
	}
}
