package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/cwygoda/gdownloader/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id             TEXT PRIMARY KEY,
    source_url     TEXT NOT NULL,
    normalized_url TEXT NOT NULL,
    platform       TEXT NOT NULL,
    status         TEXT NOT NULL,
    attempts       INTEGER NOT NULL DEFAULT 0,
    error          TEXT,
    output_path    TEXT,
    deduplicated   INTEGER NOT NULL DEFAULT 0,
    total_bytes    INTEGER NOT NULL DEFAULT 0,
    version        INTEGER NOT NULL DEFAULT 0,
    created_at     DATETIME NOT NULL,
    updated_at     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS downloads (
    platform       TEXT NOT NULL,
    normalized_url TEXT NOT NULL,
    output_path    TEXT NOT NULL,
    size           INTEGER NOT NULL,
    job_id         TEXT NOT NULL,
    completed_at   DATETIME NOT NULL,
    PRIMARY KEY (platform, normalized_url)
);
`

const jobColumns = `id, source_url, normalized_url, platform, status, attempts,
	COALESCE(error, ''), COALESCE(output_path, ''), deduplicated, total_bytes,
	version, created_at, updated_at`

// Repository persists jobs and the dedupe index in SQLite. It implements
// domain.JobRepository and domain.DownloadRecorder.
type Repository struct {
	db *sql.DB
}

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	// Writes come from many workers; one connection serializes them.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// SaveJob upserts a job snapshot. Older versions never overwrite newer ones.
func (r *Repository) SaveJob(ctx context.Context, job domain.Job) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, source_url, normalized_url, platform, status, attempts,
		                   error, output_path, deduplicated, total_bytes, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     status = excluded.status,
		     attempts = excluded.attempts,
		     error = excluded.error,
		     output_path = excluded.output_path,
		     deduplicated = excluded.deduplicated,
		     total_bytes = excluded.total_bytes,
		     version = excluded.version,
		     updated_at = excluded.updated_at
		 WHERE excluded.version > jobs.version`,
		job.ID, job.SourceURL, job.NormalizedURL, string(job.Platform), string(job.Status), job.Attempts,
		nullString(job.Error), nullString(job.OutputPath), job.Deduplicated, job.TotalBytes, job.Version,
		job.CreatedAt, job.UpdatedAt,
	)
	return err
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// FindUnfinished returns jobs that were queued, running or retrying when the
// process stopped, oldest first.
func (r *Repository) FindUnfinished(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN (?, ?, ?) ORDER BY created_at ASC`,
		domain.StatusQueued, domain.StatusRunning, domain.StatusRetrying,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SaveDownload records a completed download in the dedupe index.
func (r *Repository) SaveDownload(ctx context.Context, d domain.Download) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (platform, normalized_url, output_path, size, job_id, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(platform, normalized_url) DO UPDATE SET
		     output_path = excluded.output_path,
		     size = excluded.size,
		     job_id = excluded.job_id,
		     completed_at = excluded.completed_at`,
		string(d.Platform), d.NormalizedURL, d.OutputPath, d.Size, d.JobID, d.CompletedAt,
	)
	return err
}

// DeleteDownload forgets a dedupe entry.
func (r *Repository) DeleteDownload(ctx context.Context, platform domain.Platform, normalizedURL string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM downloads WHERE platform = ? AND normalized_url = ?`,
		string(platform), normalizedURL,
	)
	return err
}

// ListDownloads returns the whole dedupe index.
func (r *Repository) ListDownloads(ctx context.Context) ([]domain.Download, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT platform, normalized_url, output_path, size, job_id, completed_at
		 FROM downloads ORDER BY completed_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []domain.Download
	for rows.Next() {
		var d domain.Download
		var platform string
		if err := rows.Scan(&platform, &d.NormalizedURL, &d.OutputPath, &d.Size, &d.JobID, &d.CompletedAt); err != nil {
			return nil, err
		}
		d.Platform = domain.Platform(platform)
		downloads = append(downloads, d)
	}
	return downloads, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (domain.Job, error) {
	var job domain.Job
	var platform, status string
	err := row.Scan(&job.ID, &job.SourceURL, &job.NormalizedURL, &platform, &status, &job.Attempts,
		&job.Error, &job.OutputPath, &job.Deduplicated, &job.TotalBytes,
		&job.Version, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}
	job.Platform = domain.Platform(platform)
	job.Status = domain.JobStatus(status)
	return job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
