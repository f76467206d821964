package domain

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// JobService is the submission API and the only path through which workers
// mutate jobs.
type JobService struct {
	store   *Store
	queue   *Queue
	mu      sync.Mutex
	running map[string]context.CancelFunc
	newID   func() string
}

// NewJobService creates a new JobService.
func NewJobService(store *Store, queue *Queue) *JobService {
	return &JobService{
		store:   store,
		queue:   queue,
		running: make(map[string]context.CancelFunc),
		newID:   func() string { return uuid.New().String() },
	}
}

// SubmitURL classifies rawURL and enqueues a new job for it.
func (s *JobService) SubmitURL(ctx context.Context, rawURL string) (Job, error) {
	platform, normalized, err := Classify(rawURL)
	if err != nil {
		return Job{}, err
	}
	if err := s.queue.Reserve(); err != nil {
		return Job{}, err
	}

	job, err := s.store.Add(Job{
		ID:            s.newID(),
		SourceURL:     rawURL,
		NormalizedURL: normalized,
		Platform:      platform,
		Status:        StatusQueued,
	})
	if err != nil {
		s.queue.Release()
		return Job{}, err
	}
	s.queue.PushReserved(job.ID)
	return job, nil
}

// GetJob returns a snapshot of a job.
func (s *JobService) GetJob(id string) (Job, error) {
	return s.store.Get(id)
}

// ListJobs returns snapshots of all jobs in submission order.
func (s *JobService) ListJobs() []Job {
	return s.store.List()
}

// QueueStats returns the number of queued IDs and the queue capacity.
func (s *JobService) QueueStats() (length, capacity int) {
	return s.queue.Len(), s.queue.Cap()
}

// Subscribe streams job events. See Store.Subscribe.
func (s *JobService) Subscribe(buffer int) (<-chan Event, func()) {
	return s.store.Subscribe(buffer)
}

// CancelJob cancels a job. Queued and retrying jobs are cancelled at once;
// running jobs are signalled and move to cancelled when their worker
// has cleaned up.
func (s *JobService) CancelJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.store.Update(id, func(j *Job) error {
		switch j.Status {
		case StatusQueued, StatusRetrying:
			j.Status = StatusCancelled
		case StatusRunning:
			j.CancelRequested = true
		default:
			return ErrJobFinished
		}
		return nil
	})
	if err != nil {
		return err
	}

	if job.Status == StatusCancelled {
		s.queue.Remove(id)
		return nil
	}
	if cancel, ok := s.running[id]; ok {
		cancel()
	}
	return nil
}

// Next blocks until a job ID is available.
func (s *JobService) Next(ctx context.Context) (string, error) {
	return s.queue.Pop(ctx)
}

// MarkRunning claims a queued job. The returned context is cancelled when
// the job is cancelled; done must be called when the worker is finished.
func (s *JobService) MarkRunning(ctx context.Context, id string) (Job, context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.store.Transition(id, StatusRunning, func(j *Job) {
		j.Attempts++
		j.BytesWritten = 0
		j.LastError = nil
		j.Error = ""
	})
	if err != nil {
		return Job{}, nil, nil, err
	}

	jobCtx, cancel := context.WithCancel(ctx)
	s.running[id] = cancel
	done := func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
		cancel()
	}
	return job, jobCtx, done, nil
}

// UpdateProgress records streamed bytes.
func (s *JobService) UpdateProgress(id string, written, total int64) {
	s.store.Update(id, func(j *Job) error {
		if j.Status != StatusRunning {
			return ErrJobFinished
		}
		j.BytesWritten = written
		if total > 0 {
			j.TotalBytes = total
		}
		return nil
	})
}

// MarkSucceeded completes a job with its output path.
func (s *JobService) MarkSucceeded(id, outputPath string, size int64, deduplicated bool) (Job, error) {
	return s.store.Transition(id, StatusSucceeded, func(j *Job) {
		j.OutputPath = outputPath
		j.Deduplicated = deduplicated
		j.CancelRequested = false
		j.BytesWritten = size
		if size > 0 {
			j.TotalBytes = size
		}
		j.LastError = nil
		j.Error = ""
	})
}

// MarkFailed marks a job as permanently failed.
func (s *JobService) MarkFailed(id string, cause error) (Job, error) {
	return s.store.Transition(id, StatusFailed, func(j *Job) {
		withError(cause)(j)
		j.CancelRequested = false
	})
}

// MarkRetrying records a transient failure. A job whose cancel was
// requested while it ran ends cancelled instead; callers check the
// returned status.
func (s *JobService) MarkRetrying(id string, cause error) (Job, error) {
	return s.store.Update(id, func(j *Job) error {
		withError(cause)(j)
		if j.CancelRequested {
			j.Status = StatusCancelled
			j.CancelRequested = false
			return nil
		}
		j.Status = StatusRetrying
		return nil
	})
}

// MarkCancelled finishes a cancelled job.
func (s *JobService) MarkCancelled(id string) (Job, error) {
	return s.store.Transition(id, StatusCancelled, func(j *Job) {
		j.CancelRequested = false
	})
}

// Requeue moves a retrying job back into the queue. It is a no-op error if
// the job was cancelled in the meantime.
func (s *JobService) Requeue(id string) error {
	if _, err := s.store.Transition(id, StatusQueued, nil); err != nil {
		return err
	}
	// A closed queue leaves the job queued; recovery picks it up on the
	// next start.
	return s.queue.Requeue(id)
}

// ErrAttemptsExhausted is recorded on recovered jobs that had already used
// their last attempt.
var ErrAttemptsExhausted = errors.New("retry budget exhausted before restart")

// RecoverUnfinished re-enqueues jobs a previous process left unfinished.
// Attempts and IDs are preserved. Jobs with no attempts left under
// maxAttempts are restored as failed.
func (s *JobService) RecoverUnfinished(ctx context.Context, repo JobRepository, maxAttempts int) (int, error) {
	jobs, err := repo.FindUnfinished(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range jobs {
		if _, err := s.store.Get(job.ID); err == nil {
			continue
		}
		job.CancelRequested = false
		job.BytesWritten = 0
		job.OutputPath = ""

		if !job.CanRetry(maxAttempts) {
			job.Status = StatusFailed
			withError(ErrAttemptsExhausted)(&job)
			if _, err := s.store.Add(job); err != nil {
				return recovered, err
			}
			continue
		}

		job.Status = StatusQueued
		if _, err := s.store.Add(job); err != nil {
			return recovered, err
		}
		if err := s.queue.Requeue(job.ID); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// Close stops the queue; blocked Next calls return ErrQueueClosed.
func (s *JobService) Close() {
	s.queue.Close()
}

func withError(cause error) func(j *Job) {
	return func(j *Job) {
		j.LastError = cause
		if cause != nil {
			j.Error = cause.Error()
		}
	}
}

// IsClassificationError reports whether err is a *ClassificationError.
func IsClassificationError(err error) bool {
	var ce *ClassificationError
	return errors.As(err, &ce)
}

// IsQueueFull reports whether err is a *QueueFullError.
func IsQueueFull(err error) bool {
	var qe *QueueFullError
	return errors.As(err, &qe)
}
