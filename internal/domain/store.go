package domain

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Store owns all Job records. Every accessor returns copies so observers
// never see a job mid-mutation.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	order    []string
	subs     map[int]chan Event
	nextSub  int
	recorder JobRecorder
	now      func() time.Time
}

// NewStore creates an empty store. recorder may be nil.
func NewStore(recorder JobRecorder) *Store {
	return &Store{
		jobs:     make(map[string]*Job),
		subs:     make(map[int]chan Event),
		recorder: recorder,
		now:      time.Now,
	}
}

// Add inserts a new job. The job keeps the given status so recovered jobs
// can be re-inserted as they were persisted.
func (s *Store) Add(job Job) (Job, error) {
	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return Job{}, fmt.Errorf("job %s already exists", job.ID)
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Version++
	stored := job
	s.jobs[job.ID] = &stored
	s.order = append(s.order, job.ID)
	s.publish(Event{Job: job})
	s.mu.Unlock()

	s.record(job)
	return job, nil
}

// Get returns a snapshot of the job.
func (s *Store) Get(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

// List returns snapshots of all jobs in submission order.
func (s *Store) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.jobs[id])
	}
	return out
}

// Count returns the number of jobs in the given status.
func (s *Store) Count(status JobStatus) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, job := range s.jobs {
		if job.Status == status {
			n++
		}
	}
	return n
}

// Update atomically applies fn to a copy of the job and stores the result.
// fn may change Status; the change must be a legal transition. If fn returns
// an error nothing is stored.
func (s *Store) Update(id string, fn func(j *Job) error) (Job, error) {
	s.mu.Lock()
	current, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Job{}, ErrJobNotFound
	}

	next := *current
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return Job{}, err
	}

	prev := current.Status
	if next.Status != prev && !prev.CanTransition(next.Status) {
		s.mu.Unlock()
		return Job{}, &TransitionError{JobID: id, From: prev, To: next.Status}
	}
	if next.Attempts < current.Attempts {
		next.Attempts = current.Attempts
	}
	if next.Status != StatusSucceeded {
		next.OutputPath = ""
		next.Deduplicated = false
	}
	next.ID = current.ID
	next.Version = current.Version + 1
	next.UpdatedAt = s.now()
	*current = next
	s.publish(Event{Job: next, Previous: prev})
	s.mu.Unlock()

	if next.Status != prev {
		s.record(next)
	}
	return next, nil
}

// Transition moves a job to status to, applying mutate (may be nil) in the
// same atomic step.
func (s *Store) Transition(id string, to JobStatus, mutate func(j *Job)) (Job, error) {
	return s.Update(id, func(j *Job) error {
		j.Status = to
		if mutate != nil {
			mutate(j)
		}
		return nil
	})
}

// Subscribe returns a channel receiving every job event and a function to
// stop the subscription. Events are dropped for subscribers that fall more
// than buffer events behind.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// publish must be called with s.mu held so subscribers see each job's
// events in version order.
func (s *Store) publish(ev Event) {
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Store) record(job Job) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.SaveJob(context.Background(), job); err != nil {
		log.Printf("job %s: persist failed: %v", job.ID, err)
	}
}
