package backend

import (
	"errors"
	"fmt"

	"github.com/ent0n29/scenecast/internal/reliability"
)

var (
	// ErrVideoTimeout means the job never reached a terminal state within the poll budget.
	ErrVideoTimeout = errors.New("video generation timed out")
	// ErrNoVideoOutput means the job completed but returned no URLs.
	ErrNoVideoOutput = errors.New("completed without output")
	ErrEmptyResponse = errors.New("empty backend response")
)

// HTTPError is a non-2xx response from a backend.
type HTTPError struct {
	Backend    string
	StatusCode int
	Body       string
	Retryable  bool
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s http status %d: %s", e.Backend, e.StatusCode, e.Body)
}

// VideoFailedError is a job the backend reported as Failed.
type VideoFailedError struct {
	JobID   string
	Message string
}

func (e *VideoFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("video job %s failed", e.JobID)
	}
	return fmt.Sprintf("video job %s failed: %s", e.JobID, e.Message)
}

// IsTimeout reports deadline-style failures, which callers surface differently from remote errors.
func IsTimeout(err error) bool {
	return reliability.IsTimeout(err)
}

// IsRetryable reports whether err is a transient backend response.
func IsRetryable(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Retryable
}
