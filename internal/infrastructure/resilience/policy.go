package resilience

import (
	"log/slog"
	"time"
)

type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64
	// RetryAfterCap bounds how long a server Retry-After hint may delay a retry.
	RetryAfterCap time.Duration

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32

	Logger *slog.Logger
	// Observer receives retry and breaker transitions. Nil disables it.
	Observer Observer
}

type Observer interface {
	ObserveRetry(operation string)
	ObserveBreakerState(operation, state string)
}

type noopObserver struct{}

func (noopObserver) ObserveRetry(string)                {}
func (noopObserver) ObserveBreakerState(string, string) {}

// DefaultConfig suits interactive retrieval: few quick retries and a breaker
// that opens once half of at least ten calls fail.
func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     400 * time.Millisecond,
		RetryMultiplier:     2.0,
		RetryAfterCap:       2 * time.Second,

		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 2,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	out := c

	positive(&out.RetryMaxAttempts, def.RetryMaxAttempts)
	positive(&out.RetryInitialBackoff, def.RetryInitialBackoff)
	positive(&out.RetryMaxBackoff, def.RetryMaxBackoff)
	positive(&out.RetryAfterCap, def.RetryAfterCap)
	positive(&out.BreakerMinRequests, def.BreakerMinRequests)
	positive(&out.BreakerOpenTimeout, def.BreakerOpenTimeout)
	positive(&out.BreakerHalfOpenMaxCalls, def.BreakerHalfOpenMaxCalls)

	out.RetryMaxBackoff = max(out.RetryMaxBackoff, out.RetryInitialBackoff)
	if out.RetryMultiplier < 1 {
		out.RetryMultiplier = def.RetryMultiplier
	}
	if out.BreakerFailureRatio <= 0 || out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if out.Observer == nil {
		out.Observer = noopObserver{}
	}
	return out
}

func positive[T int | uint32 | time.Duration](v *T, fallback T) {
	if *v <= 0 {
		*v = fallback
	}
}
