package domain

import (
	"context"
	"io"
)

// MediaStream is the byte stream of one media file. The consumer closes it.
type MediaStream = io.ReadCloser

// Extractor is the driven port for site-specific media extraction.
type Extractor interface {
	Name() string
	CanHandle(p Platform) bool
	// Extract resolves a normalized URL into a media stream and its metadata.
	// Failures are reported as *ExtractorError.
	Extract(ctx context.Context, normalizedURL string) (MediaStream, Metadata, error)
}

// JobRecorder persists job records.
type JobRecorder interface {
	SaveJob(ctx context.Context, job Job) error
}

// JobRepository persists job records and returns unfinished ones for
// recovery after a restart.
type JobRepository interface {
	JobRecorder
	FindUnfinished(ctx context.Context) ([]Job, error)
}

// DownloadRecorder persists completed downloads for the dedupe index.
type DownloadRecorder interface {
	SaveDownload(ctx context.Context, d Download) error
	DeleteDownload(ctx context.Context, p Platform, normalizedURL string) error
	ListDownloads(ctx context.Context) ([]Download, error)
}
