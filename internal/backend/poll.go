package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ent0n29/scenecast/internal/observability"
	"github.com/ent0n29/scenecast/internal/reliability"
)

// PollConfig bounds how long a video job is watched.
type PollConfig struct {
	Backoff     reliability.Backoff
	MaxAttempts int
}

func DefaultPollConfig() PollConfig {
	return PollConfig{
		Backoff:     reliability.Backoff{Initial: time.Second, Max: 3 * time.Second, Factor: 1.2},
		MaxAttempts: 1500,
	}
}

// ProgressFunc is called after every non-terminal status check with the zero-based attempt.
type ProgressFunc func(attempt, maxAttempts int)

// Poller waits for submitted video jobs to finish.
type Poller struct {
	gen     VideoGenerator
	cfg     PollConfig
	logger  *log.Logger
	metrics *observability.Metrics
}

func NewPoller(gen VideoGenerator, cfg PollConfig, logger *log.Logger, metrics *observability.Metrics) *Poller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultPollConfig().MaxAttempts
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultPollConfig().Backoff
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Poller{gen: gen, cfg: cfg, logger: logger, metrics: metrics}
}

// Wait checks the job until it completes, fails, or the attempt budget runs out.
// Failed jobs return *VideoFailedError; an exhausted budget returns ErrVideoTimeout;
// a completed job with no URLs returns ErrNoVideoOutput. Retryable status-check errors
// use up an attempt and polling continues.
func (p *Poller) Wait(ctx context.Context, jobID string, onProgress ProgressFunc) (VideoJob, error) {
	interval := p.cfg.Backoff.Initial
	checks := 0
	defer func() { p.metrics.ObserveVideoPollAttempts(checks) }()

	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		checks++
		job, err := p.gen.Status(ctx, jobID)
		switch {
		case err != nil && IsRetryable(err):
			p.logger.Warn("video status check failed, retrying", "job_id", jobID, "attempt", attempt, "err", err)
		case err != nil:
			return VideoJob{}, fmt.Errorf("video status %s: %w", jobID, err)
		case job.Status == VideoCompleted:
			if len(job.URLs) == 0 {
				return job, fmt.Errorf("video job %s: %w", jobID, ErrNoVideoOutput)
			}
			return job, nil
		case job.Status == VideoFailed:
			return job, &VideoFailedError{JobID: jobID, Message: job.Message}
		default:
			if onProgress != nil {
				onProgress(attempt, p.cfg.MaxAttempts)
			}
		}

		if attempt == p.cfg.MaxAttempts-1 {
			break
		}
		if err := reliability.Sleep(ctx, interval); err != nil {
			return VideoJob{}, err
		}
		interval = p.cfg.Backoff.Next(interval)
	}
	return VideoJob{}, fmt.Errorf("video job %s after %d checks: %w", jobID, checks, ErrVideoTimeout)
}

// ProgressPercent converts an attempt counter into a 0-100 progress value.
func ProgressPercent(attempt, maxAttempts int) int {
	if maxAttempts <= 0 {
		return 0
	}
	pct := attempt * 100 / maxAttempts
	if pct > 100 {
		return 100
	}
	return pct
}
