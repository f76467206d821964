package filestore

import (
	"context"
	"log"
	"os"

	"github.com/cwygoda/gdownloader/internal/domain"
)

type indexKey struct {
	platform domain.Platform
	url      string
}

// indexEntry is either a completed download or an in-flight reservation.
type indexEntry struct {
	download *domain.Download
	holder   string
	released chan struct{}
}

// Reservation is the result of Reserve. When Existing is set the media was
// already downloaded and nothing must be written.
type Reservation struct {
	Existing *domain.Download

	store *Store
	key   indexKey
	jobID string
}

// Release drops an uncommitted reservation so another job may take the key.
func (r *Reservation) Release() {
	if r == nil || r.Existing != nil {
		return
	}
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[r.key]
	if !ok || e.download != nil || e.holder != r.jobID {
		return
	}
	delete(s.entries, r.key)
	close(e.released)
}

// Load fills the index from the recorder.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.recorder == nil {
		return 0, nil
	}
	downloads, err := s.recorder.ListDownloads(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range downloads {
		d := downloads[i]
		s.entries[indexKey{d.Platform, d.NormalizedURL}] = &indexEntry{download: &d}
	}
	return len(downloads), nil
}

// Reserve atomically looks up or claims the dedupe key for a job. It
// returns the completed download when one exists on disk, waits while
// another job holds the key, and otherwise grants the key to jobID.
func (s *Store) Reserve(ctx context.Context, platform domain.Platform, normalizedURL, jobID string) (*Reservation, error) {
	key := indexKey{platform, normalizedURL}
	for {
		s.mu.Lock()
		e, ok := s.entries[key]
		if !ok || (e.download == nil && e.holder == jobID) {
			if !ok {
				s.entries[key] = &indexEntry{holder: jobID, released: make(chan struct{})}
			}
			s.mu.Unlock()
			return &Reservation{store: s, key: key, jobID: jobID}, nil
		}

		if e.download != nil {
			d := *e.download
			s.mu.Unlock()
			if fileExists(d.OutputPath) {
				return &Reservation{Existing: &d, store: s, key: key, jobID: jobID}, nil
			}
			s.dropStale(ctx, key, e)
			continue
		}

		released := e.released
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-released:
		}
	}
}

// Lookup returns the completed download for a key, if any.
func (s *Store) Lookup(platform domain.Platform, normalizedURL string) (domain.Download, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[indexKey{platform, normalizedURL}]
	if !ok || e.download == nil {
		return domain.Download{}, false
	}
	return *e.download, true
}

func (s *Store) commit(ctx context.Context, r *Reservation, d domain.Download) {
	s.mu.Lock()
	e, ok := s.entries[r.key]
	if !ok {
		e = &indexEntry{released: make(chan struct{})}
		s.entries[r.key] = e
	}
	wasHeld := e.download == nil && e.holder == r.jobID
	e.download = &d
	e.holder = ""
	if wasHeld {
		close(e.released)
	}
	s.mu.Unlock()

	if s.recorder != nil {
		if err := s.recorder.SaveDownload(ctx, d); err != nil {
			log.Printf("job %s: persist download record failed: %v", d.JobID, err)
		}
	}
}

func (s *Store) dropStale(ctx context.Context, key indexKey, stale *indexEntry) {
	s.mu.Lock()
	if s.entries[key] == stale {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	log.Printf("dedupe: %s is gone, forgetting %s", stale.download.OutputPath, key.url)
	if s.recorder != nil {
		if err := s.recorder.DeleteDownload(ctx, key.platform, key.url); err != nil {
			log.Printf("dedupe: delete record failed: %v", err)
		}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
