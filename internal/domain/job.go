package domain

import "time"

// JobStatus represents the lifecycle state of a download job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusRetrying  JobStatus = "retrying"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// transitions lists the allowed next states for every non-terminal state.
var transitions = map[JobStatus][]JobStatus{
	StatusQueued:   {StatusRunning, StatusCancelled},
	StatusRunning:  {StatusSucceeded, StatusFailed, StatusCancelled, StatusRetrying},
	StatusRetrying: {StatusQueued, StatusFailed, StatusCancelled},
}

// IsTerminal returns true for states with no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether a job may move from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusRetrying, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Platform identifies the service a URL belongs to.
type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformUnknown   Platform = "unknown"
)

// Platforms lists every supported platform.
var Platforms = []Platform{PlatformYouTube, PlatformInstagram, PlatformTikTok}

// ParsePlatform maps a name to a Platform, returning PlatformUnknown for
// anything unsupported.
func ParsePlatform(name string) Platform {
	for _, p := range Platforms {
		if string(p) == name {
			return p
		}
	}
	return PlatformUnknown
}

// Job represents one requested download and its lifecycle.
type Job struct {
	ID              string
	SourceURL       string
	NormalizedURL   string
	Platform        Platform
	Status          JobStatus
	Attempts        int
	LastError       error
	Error           string
	BytesWritten    int64
	TotalBytes      int64 // 0 when unknown
	OutputPath      string
	Deduplicated    bool
	CancelRequested bool
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CanRetry returns true if the job still has attempts left.
func (j *Job) CanRetry(maxAttempts int) bool {
	return j.Attempts < maxAttempts && !j.Status.IsTerminal()
}

// Progress returns the completed fraction in [0,1], or -1 when the total
// size is unknown.
func (j *Job) Progress() float64 {
	if j.Status == StatusSucceeded {
		return 1
	}
	if j.TotalBytes <= 0 {
		return -1
	}
	p := float64(j.BytesWritten) / float64(j.TotalBytes)
	if p > 1 {
		p = 1
	}
	return p
}

// Metadata describes extracted media and drives the output file name.
type Metadata struct {
	Title        string
	Extension    string
	ExpectedSize int64 // 0 when unknown
}

// Download records a completed output for the dedupe index.
type Download struct {
	Platform      Platform
	NormalizedURL string
	OutputPath    string
	Size          int64
	JobID         string
	CompletedAt   time.Time
}

// Event is emitted on every job mutation.
type Event struct {
	Job      Job
	Previous JobStatus
}
