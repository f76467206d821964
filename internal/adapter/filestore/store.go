// Package filestore writes media streams into the output directory and
// keeps the dedupe index of completed downloads.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/cwygoda/gdownloader/internal/domain"
)

const (
	chunkSize       = 32 * 1024
	maxNameAttempts = 1000
)

// ProgressFunc receives bytes written so far and the expected total (0 when
// unknown).
type ProgressFunc func(written, total int64)

// Store is the file writer and dedupe index.
type Store struct {
	dir           string
	recorder      domain.DownloadRecorder
	progressEvery time.Duration

	mu      sync.Mutex
	entries map[indexKey]*indexEntry
	claimed map[string]bool
}

// New creates a store writing into dir. recorder may be nil.
func New(dir string, recorder domain.DownloadRecorder) *Store {
	return &Store{
		dir:           dir,
		recorder:      recorder,
		progressEvery: 250 * time.Millisecond,
		entries:       make(map[indexKey]*indexEntry),
		claimed:       make(map[string]bool),
	}
}

// Dir returns the output directory.
func (s *Store) Dir() string {
	return s.dir
}

// TempPath returns where a job's partial file lives while streaming.
func (s *Store) TempPath(jobID string) string {
	return filepath.Join(s.dir, "."+jobID+".part")
}

// Write streams media into a temp file and moves it to its final name once
// complete. The partial file is removed on every failure path, including
// cancellation through ctx.
func (s *Store) Write(ctx context.Context, r *Reservation, stream io.Reader, meta domain.Metadata, progress ProgressFunc) (domain.Download, error) {
	if r == nil || r.Existing != nil {
		return domain.Download{}, errors.New("write requires an open reservation")
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return domain.Download{}, &domain.WriteError{Op: "mkdir", Path: s.dir, Err: err}
	}

	tmp := s.TempPath(r.jobID)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return domain.Download{}, &domain.WriteError{Op: "create", Path: tmp, Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(tmp)
		}
	}()

	written, err := s.copy(ctx, f, stream, meta.ExpectedSize, progress)
	if err != nil {
		return domain.Download{}, err
	}
	if err := f.Sync(); err != nil {
		return domain.Download{}, &domain.WriteError{Op: "sync", Path: tmp, Err: err}
	}
	if err := f.Close(); err != nil {
		return domain.Download{}, &domain.WriteError{Op: "close", Path: tmp, Err: err}
	}
	if meta.ExpectedSize > 0 && written != meta.ExpectedSize {
		return domain.Download{}, domain.NewTransient(
			fmt.Sprintf("truncated stream: got %d of %d bytes", written, meta.ExpectedSize), nil)
	}
	if err := ctx.Err(); err != nil {
		return domain.Download{}, err
	}

	final, unclaim, err := s.claimName(SanitizeName(meta.Title), SanitizeExt(meta.Extension))
	if err != nil {
		return domain.Download{}, err
	}
	defer unclaim()
	if err := os.Rename(tmp, final); err != nil {
		return domain.Download{}, &domain.WriteError{Op: "rename", Path: final, Err: err}
	}
	committed = true

	d := domain.Download{
		Platform:      r.key.platform,
		NormalizedURL: r.key.url,
		OutputPath:    final,
		Size:          written,
		JobID:         r.jobID,
		CompletedAt:   time.Now(),
	}
	s.commit(ctx, r, d)
	log.Printf("job %s: wrote %s (%s)", r.jobID, final, humanize.Bytes(uint64(written)))
	return d, nil
}

// copy streams src into dst, checking ctx between chunks.
func (s *Store) copy(ctx context.Context, dst io.Writer, src io.Reader, total int64, progress ProgressFunc) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64
	var lastReport time.Time

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, &domain.WriteError{Op: "write", Path: s.dir, Err: werr}
			}
			written += int64(n)
			if progress != nil && time.Since(lastReport) >= s.progressEvery {
				progress(written, total)
				lastReport = time.Now()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if err := ctx.Err(); err != nil {
				return written, err
			}
			var extErr *domain.ExtractorError
			if errors.As(rerr, &extErr) {
				return written, rerr
			}
			return written, domain.NewTransient("read media stream", rerr)
		}
	}

	if progress != nil {
		progress(written, total)
	}
	return written, nil
}

// claimName picks the first free "name.ext", "name (1).ext", ... and holds
// it until unclaim so concurrent writers never pick the same path.
func (s *Store) claimName(name, ext string) (string, func(), error) {
	for i := 0; i < maxNameAttempts; i++ {
		candidate := name + "." + ext
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d).%s", name, i, ext)
		}
		path := filepath.Join(s.dir, candidate)

		if _, err := os.Lstat(path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return "", nil, &domain.WriteError{Op: "stat", Path: path, Err: err}
		}

		s.mu.Lock()
		if s.claimed[path] {
			s.mu.Unlock()
			continue
		}
		s.claimed[path] = true
		s.mu.Unlock()

		return path, func() {
			s.mu.Lock()
			delete(s.claimed, path)
			s.mu.Unlock()
		}, nil
	}
	return "", nil, &domain.WriteError{Op: "name", Path: filepath.Join(s.dir, name+"."+ext), Err: os.ErrExist}
}
