package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/cwygoda/gdownloader/internal/adapter/extractor"
	"github.com/cwygoda/gdownloader/internal/adapter/filestore"
	"github.com/cwygoda/gdownloader/internal/domain"
)

// ErrInterrupted is recorded on jobs that were running when the pool shut
// down. They are picked up again by recovery on the next start.
var ErrInterrupted = errors.New("interrupted by shutdown")

// Pool runs a fixed number of workers pulling job IDs from the service.
type Pool struct {
	svc      *domain.JobService
	registry *extractor.Registry
	files    *filestore.Store
	policy   domain.RetryPolicy
	size     int

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a pool of size workers.
func New(svc *domain.JobService, registry *extractor.Registry, files *filestore.Store, policy domain.RetryPolicy, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		svc:      svc,
		registry: registry,
		files:    files,
		policy:   policy,
		size:     size,
		timers:   make(map[string]*time.Timer),
	}
}

// Run starts the workers and blocks until ctx is cancelled or the queue is
// closed and drained. Pending retry timers are stopped on return; the jobs
// stay in retrying.
func (p *Pool) Run(ctx context.Context) error {
	log.Printf("worker pool started with %d workers", p.size)

	var g errgroup.Group
	for n := 1; n <= p.size; n++ {
		g.Go(func() error {
			return p.loop(ctx, n)
		})
	}
	err := g.Wait()

	p.mu.Lock()
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()

	log.Println("worker pool stopped")
	return err
}

// PendingRetries returns the number of scheduled retries.
func (p *Pool) PendingRetries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

func (p *Pool) loop(ctx context.Context, n int) error {
	for {
		id, err := p.svc.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, domain.ErrQueueClosed) {
				return nil
			}
			return err
		}
		p.process(ctx, n, id)
	}
}

// outcome is what a successful attempt produced.
type outcome struct {
	path         string
	size         int64
	deduplicated bool
}

func (p *Pool) process(ctx context.Context, n int, id string) {
	job, jobCtx, done, err := p.svc.MarkRunning(ctx, id)
	if err != nil {
		// Cancelled between pop and claim.
		log.Printf("job %s: claim failed: %v", id, err)
		return
	}
	defer done()

	log.Printf("job %s: worker %d attempt %d for %s", job.ID, n, job.Attempts, job.NormalizedURL)
	out, err := p.download(jobCtx, job)
	p.finish(ctx, job, out, err)
}

func (p *Pool) download(ctx context.Context, job domain.Job) (outcome, error) {
	res, err := p.files.Reserve(ctx, job.Platform, job.NormalizedURL, job.ID)
	if err != nil {
		return outcome{}, err
	}
	defer res.Release()

	if res.Existing != nil {
		return outcome{path: res.Existing.OutputPath, size: res.Existing.Size, deduplicated: true}, nil
	}

	ext := p.registry.Match(job.Platform)
	if ext == nil {
		return outcome{}, domain.ErrNoExtractor
	}

	stream, meta, err := ext.Extract(ctx, job.NormalizedURL)
	if err != nil {
		return outcome{}, err
	}
	defer stream.Close()

	d, err := p.files.Write(ctx, res, stream, meta, func(written, total int64) {
		p.svc.UpdateProgress(job.ID, written, total)
	})
	if err != nil {
		return outcome{}, err
	}
	return outcome{path: d.OutputPath, size: d.Size}, nil
}

// finish records the result of one attempt.
func (p *Pool) finish(poolCtx context.Context, job domain.Job, out outcome, err error) {
	if err == nil {
		if _, err := p.svc.MarkSucceeded(job.ID, out.path, out.size, out.deduplicated); err != nil {
			log.Printf("job %s: mark succeeded failed: %v", job.ID, err)
			return
		}
		if out.deduplicated {
			log.Printf("job %s: already downloaded to %s", job.ID, out.path)
		} else {
			log.Printf("job %s: done, %s", job.ID, humanize.Bytes(uint64(out.size)))
		}
		return
	}

	current, gerr := p.svc.GetJob(job.ID)
	if gerr != nil {
		log.Printf("job %s: %v", job.ID, gerr)
		return
	}
	if current.CancelRequested {
		if _, err := p.svc.MarkCancelled(job.ID); err != nil {
			log.Printf("job %s: mark cancelled failed: %v", job.ID, err)
			return
		}
		log.Printf("job %s: cancelled", job.ID)
		return
	}

	class := domain.ErrorClassOf(err)
	interrupted := class == domain.ClassCancelled && poolCtx.Err() != nil
	switch {
	case interrupted:
		err = ErrInterrupted
		class = domain.ClassTransient
	case class == domain.ClassCancelled:
		class = domain.ClassTransient
	}

	if class != domain.ClassTransient {
		if _, merr := p.svc.MarkFailed(job.ID, err); merr != nil {
			log.Printf("job %s: mark failed failed: %v", job.ID, merr)
			return
		}
		log.Printf("job %s: failed (%s): %v", job.ID, class, err)
		return
	}

	// Transient failures always pass through retrying, even on the last
	// attempt.
	retrying, merr := p.svc.MarkRetrying(job.ID, err)
	if merr != nil {
		log.Printf("job %s: mark retrying failed: %v", job.ID, merr)
		return
	}
	if retrying.Status == domain.StatusCancelled {
		log.Printf("job %s: cancelled", job.ID)
		return
	}

	decision := p.policy.Decide(current, class)
	if !decision.ShouldRetry {
		if _, merr := p.svc.MarkFailed(job.ID, err); merr != nil {
			log.Printf("job %s: mark failed failed: %v", job.ID, merr)
			return
		}
		log.Printf("job %s: failed after %d attempts: %v", job.ID, current.Attempts, err)
		return
	}
	if interrupted {
		// Recovery re-queues it on the next start.
		log.Printf("job %s: interrupted by shutdown", job.ID)
		return
	}

	log.Printf("job %s: attempt %d failed: %v, retrying in %s", job.ID, current.Attempts, err, decision.DelayBeforeRetry.Round(time.Millisecond))
	p.scheduleRetry(poolCtx, job.ID, decision.DelayBeforeRetry)
}

func (p *Pool) scheduleRetry(ctx context.Context, id string, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	p.timers[id] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, id)
		p.mu.Unlock()

		if err := p.svc.Requeue(id); err != nil {
			var te *domain.TransitionError
			if errors.As(err, &te) {
				// Cancelled while waiting.
				return
			}
			log.Printf("job %s: requeue failed: %v", id, err)
		}
	})
}
