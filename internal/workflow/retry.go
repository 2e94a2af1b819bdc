package workflow

import (
	"context"

	"github.com/Aman-CERP/amanidx/internal/errors"
)

// RetryPolicy bounds every task invocation of a workflow: at most
// MaxAttempts calls with exponential backoff between them.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     errors.RetryConfig
}

// DefaultRetryPolicy is three attempts starting at half a second.
func DefaultRetryPolicy() RetryPolicy {
	cfg := errors.DefaultRetryConfig()
	cfg.InitialDelay = cfg.InitialDelay / 2
	return RetryPolicy{MaxAttempts: 3, Backoff: cfg}
}

// PolicyFromRetryConfig derives a policy from a retry configuration.
func PolicyFromRetryConfig(cfg errors.RetryConfig) RetryPolicy {
	return RetryPolicy{MaxAttempts: cfg.MaxRetries + 1, Backoff: cfg}
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. It reports how many times fn was called.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) (int, error) {
	cfg := p.Backoff
	cfg.MaxRetries = p.MaxAttempts - 1
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	attempts := 0
	err := errors.Retry(ctx, cfg, func() error {
		attempts++
		return fn()
	})
	return attempts, err
}
