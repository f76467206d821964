package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cwygoda/gdownloader/internal/domain"
)

const maxBodyBytes = 64 * 1024

// JobHistory looks up persisted jobs that are no longer held in memory.
type JobHistory interface {
	Get(ctx context.Context, id string) (domain.Job, error)
}

// Server is the HTTP adapter for the download service.
type Server struct {
	svc     *domain.JobService
	history JobHistory
	mux     *http.ServeMux
	server  *http.Server
	secret  string
}

// NewServer creates a new HTTP server.
func NewServer(svc *domain.JobService, addr string, secret string) *Server {
	s := &Server{
		svc:    svc,
		mux:    http.NewServeMux(),
		secret: secret,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// WithHistory makes GET /jobs/{id} fall back to h for jobs from earlier
// runs.
func (s *Server) WithHistory(h JobHistory) *Server {
	s.history = h
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /jobs", s.handleSubmit)
	s.mux.HandleFunc("GET /jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("DELETE /jobs/{id}", s.handleCancelJob)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// submitRequest is the request body for POST /jobs.
type submitRequest struct {
	URL string `json:"url"`
}

// jobResponse is the JSON response for job endpoints.
type jobResponse struct {
	ID              string   `json:"id"`
	URL             string   `json:"url"`
	NormalizedURL   string   `json:"normalized_url"`
	Platform        string   `json:"platform"`
	Status          string   `json:"status"`
	Attempts        int      `json:"attempts"`
	Error           string   `json:"error,omitempty"`
	BytesWritten    int64    `json:"bytes_written"`
	TotalBytes      int64    `json:"total_bytes,omitempty"`
	Progress        *float64 `json:"progress,omitempty"`
	OutputPath      string   `json:"output_path,omitempty"`
	Deduplicated    bool     `json:"deduplicated,omitempty"`
	CancelRequested bool     `json:"cancel_requested,omitempty"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	// Read body for verification and parsing
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	// Verify signature if secret is configured
	if s.secret != "" {
		if err := s.verifySignature(r, body); err != nil {
			log.Printf("submit verification failed: %v", err)
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}

	var req submitRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if strings.TrimSpace(req.URL) == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	job, err := s.svc.SubmitURL(r.Context(), req.URL)
	if err != nil {
		var ce *domain.ClassificationError
		switch {
		case errors.As(err, &ce):
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Reason: string(ce.Reason)})
		case domain.IsQueueFull(err):
			w.Header().Set("Retry-After", "5")
			s.writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, domain.ErrQueueClosed):
			s.writeError(w, http.StatusServiceUnavailable, "shutting down")
		default:
			log.Printf("submit error: %v", err)
			s.writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	s.writeJSON(w, http.StatusCreated, jobToResponse(job))
}

const maxTimestampSkew = 5 * time.Minute

func (s *Server) verifySignature(r *http.Request, body []byte) error {
	// Check X-Timestamp header
	timestamp := r.Header.Get("X-Timestamp")
	if timestamp == "" {
		return fmt.Errorf("missing X-Timestamp header")
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid X-Timestamp: must be ISO8601/RFC3339 format")
	}

	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return fmt.Errorf("X-Timestamp too far from current time (skew: %v, max: %v)", skew.Truncate(time.Second), maxTimestampSkew)
	}

	// Check X-Signature header
	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Signature header")
	}

	expected := Sign(timestamp, body, s.secret)
	if subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) != 1 {
		return fmt.Errorf("invalid signature")
	}

	return nil
}

// Sign computes the X-Signature value: SHA256("${timestamp}\n${body}\n${secret}").
func Sign(timestamp string, body []byte, secret string) string {
	payload := fmt.Sprintf("%s\n%s\n%s", timestamp, string(body), secret)
	hash := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(hash[:])
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := domain.JobStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	jobs := s.svc.ListJobs()
	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, jobToResponse(job))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.svc.GetJob(id)
	if errors.Is(err, domain.ErrJobNotFound) && s.history != nil {
		job, err = s.history.Get(r.Context(), id)
	}
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		log.Printf("get job error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	err := s.svc.CancelJob(r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, domain.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, domain.ErrJobFinished):
		s.writeError(w, http.StatusConflict, "job already finished")
	default:
		log.Printf("cancel job error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int)
	for _, job := range s.svc.ListJobs() {
		counts[string(job.Status)]++
	}
	length, capacity := s.svc.QueueStats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"jobs":   counts,
		"queue":  map[string]int{"length": length, "capacity": capacity},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func jobToResponse(job domain.Job) jobResponse {
	resp := jobResponse{
		ID:              job.ID,
		URL:             job.SourceURL,
		NormalizedURL:   job.NormalizedURL,
		Platform:        string(job.Platform),
		Status:          string(job.Status),
		Attempts:        job.Attempts,
		Error:           job.Error,
		BytesWritten:    job.BytesWritten,
		TotalBytes:      job.TotalBytes,
		OutputPath:      job.OutputPath,
		Deduplicated:    job.Deduplicated,
		CancelRequested: job.CancelRequested,
		CreatedAt:       job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if p := job.Progress(); p >= 0 {
		resp.Progress = &p
	}
	return resp
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
