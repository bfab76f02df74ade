package reliability

import (
	"context"
	"errors"
	"net"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsTimeout reports whether err came from a deadline rather than a remote failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Backoff is a capped geometric schedule: Initial, Initial*Factor, ... up to Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// Next returns the interval that follows current.
func (b Backoff) Next(current time.Duration) time.Duration {
	if current <= 0 {
		return b.Initial
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	next := time.Duration(float64(current) * factor)
	if b.Max > 0 && next > b.Max {
		return b.Max
	}
	return next
}

// Delay returns the interval used before the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt; i++ {
		d = b.Next(d)
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
