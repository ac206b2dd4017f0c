package connection

import (
	"errors"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/couchlike/couchlike.go/pkg/constants"
)

// Retryer decides whether and when an interrupted change feed is reopened.
type Retryer interface {
	// NextDelay returns the wait before reopening attempt (0-based) after
	// lastErr, and false once the feed should give up.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)

	// Reset is called after a reopened feed delivers an event.
	Reset()
}

// Transient reports whether err may go away by itself. Rejected input,
// unsupported operations and client-side HTTP errors never do.
func Transient(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, constants.ErrInvalidSeq),
		errors.Is(err, constants.ErrValidation),
		errors.Is(err, constants.ErrConfiguration),
		errors.Is(err, constants.ErrUnsupportedOperation),
		errors.Is(err, constants.ErrClosed):
		return false
	}
	var coder statusCoder
	if errors.As(err, &coder) {
		code := coder.HTTPStatus()
		if code >= 400 && code < 500 {
			return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
		}
	}
	return true
}

// ExponentialBackoffRetryer doubles the wait per attempt up to MaxDelay.
type ExponentialBackoffRetryer struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxRetries is the maximum number of retry attempts (0 for infinite)
	MaxRetries int
	Jitter     bool
	// JitterFactor is the maximum jitter as a fraction of the delay (0.0 to 1.0)
	JitterFactor float64
}

// NewExponentialBackoffRetryer waits 1s, 2s, 4s... capped at 30s, with 30%
// jitter, and never gives up on transient errors.
func NewExponentialBackoffRetryer() *ExponentialBackoffRetryer {
	return &ExponentialBackoffRetryer{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   0,
		Jitter:       true,
		JitterFactor: 0.3,
	}
}

func (r *ExponentialBackoffRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if !Transient(lastErr) || (r.MaxRetries > 0 && attempt >= r.MaxRetries) {
		return 0, false
	}

	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))
	if delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}

	if r.Jitter && r.JitterFactor > 0 {
		//nolint:gosec // math/rand is fine for jitter, not security-critical
		jitter := delay * r.JitterFactor * (2*rand.Float64() - 1)
		delay += jitter
		if delay < 0 {
			delay = float64(r.InitialDelay)
		}
	}

	return time.Duration(delay), true
}

func (r *ExponentialBackoffRetryer) Reset() {}

// FixedDelayRetryer waits Delay between attempts.
type FixedDelayRetryer struct {
	Delay time.Duration
	// MaxRetries is the maximum number of retry attempts (0 for infinite)
	MaxRetries int
}

func NewFixedDelayRetryer(delay time.Duration, maxRetries int) *FixedDelayRetryer {
	return &FixedDelayRetryer{
		Delay:      delay,
		MaxRetries: maxRetries,
	}
}

func (r *FixedDelayRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if !Transient(lastErr) || (r.MaxRetries > 0 && attempt >= r.MaxRetries) {
		return 0, false
	}
	return r.Delay, true
}

func (r *FixedDelayRetryer) Reset() {}
