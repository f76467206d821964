package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
	ErrQueueClosed = errors.New("queue closed")
	ErrNoExtractor = errors.New("no extractor for platform")
)

// ClassificationReason explains why a URL was rejected.
type ClassificationReason string

const (
	ReasonUnsupportedPlatform ClassificationReason = "unsupported_platform"
	ReasonMalformedURL        ClassificationReason = "malformed_url"
)

// ClassificationError is returned by Classify for URLs that cannot be
// downloaded.
type ClassificationError struct {
	Reason ClassificationReason
	URL    string
	Detail string
}

func (e *ClassificationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %q: %s", e.Reason, e.URL, e.Detail)
	}
	return fmt.Sprintf("%s: %q", e.Reason, e.URL)
}

// ExtractorErrorKind separates retryable site/network failures from
// failures retrying cannot fix.
type ExtractorErrorKind string

const (
	Transient ExtractorErrorKind = "transient"
	Permanent ExtractorErrorKind = "permanent"
)

// ExtractorError is returned by extractors and stream reads.
type ExtractorError struct {
	Kind       ExtractorErrorKind
	StatusCode int // HTTP status when known
	Message    string
	Err        error
}

func (e *ExtractorError) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s extractor error: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s extractor error: %s", e.Kind, msg)
}

func (e *ExtractorError) Unwrap() error { return e.Err }

// NewTransient builds a transient ExtractorError.
func NewTransient(msg string, err error) *ExtractorError {
	return &ExtractorError{Kind: Transient, Message: msg, Err: err}
}

// NewPermanent builds a permanent ExtractorError.
func NewPermanent(msg string, err error) *ExtractorError {
	return &ExtractorError{Kind: Permanent, Message: msg, Err: err}
}

// HTTPStatusError classifies an HTTP status: 429 and 5xx are transient,
// other 4xx permanent.
func HTTPStatusError(code int, msg string) *ExtractorError {
	kind := Permanent
	if code == 429 || code == 408 || code >= 500 {
		kind = Transient
	}
	return &ExtractorError{Kind: kind, StatusCode: code, Message: msg}
}

// WriteError reports a local filesystem failure.
type WriteError struct {
	Op   string
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// QueueFullError signals backpressure: the caller may retry later.
type QueueFullError struct {
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue full (capacity %d)", e.Capacity)
}

// TransitionError reports a rejected state change.
type TransitionError struct {
	JobID string
	From  JobStatus
	To    JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}

// ErrorClass drives the retry policy.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
	ClassLocal     ErrorClass = "local"
	ClassCancelled ErrorClass = "cancelled"
)

// ErrorClassOf maps any error to an ErrorClass. Unrecognized errors are
// treated as transient; the retry budget bounds them.
func ErrorClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}

	var writeErr *WriteError
	if errors.As(err, &writeErr) {
		return ClassLocal
	}
	var extErr *ExtractorError
	if errors.As(err, &extErr) {
		if extErr.Kind == Permanent {
			return ClassPermanent
		}
		return ClassTransient
	}
	var classErr *ClassificationError
	if errors.As(err, &classErr) {
		return ClassPermanent
	}
	if errors.Is(err, ErrNoExtractor) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	return ClassTransient
}
