package llm

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/postloom/backend/internal/logging"
)

// RetryConfig bounds model-call retries.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     logging.Logger
}

// RetryingProvider retries retryable failures with exponential backoff and
// jitter, then returns the last error.
type RetryingProvider struct {
	next     Provider
	executor failsafe.Executor[*Completion]
}

var _ Provider = (*RetryingProvider)(nil)

func WithRetry(next Provider, cfg RetryConfig) *RetryingProvider {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	builder := retrypolicy.NewBuilder[*Completion]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ *Completion, err error) bool {
			return IsRetryable(err)
		}).
		ReturnLastFailure()
	if cfg.Logger != nil {
		logger := cfg.Logger
		builder = builder.OnRetry(func(e failsafe.ExecutionEvent[*Completion]) {
			logger.WithFields(logging.Fields{
				"model":   next.Model(),
				"attempt": e.Attempts(),
			}).WithError(e.LastError()).Warn("Retrying model call")
		})
	}
	return &RetryingProvider{
		next:     next,
		executor: failsafe.With[*Completion](builder.Build()),
	}
}

func (p *RetryingProvider) Model() string { return p.next.Model() }

func (p *RetryingProvider) Complete(ctx context.Context, r Request) (*Completion, error) {
	return p.executor.WithContext(ctx).Get(func() (*Completion, error) {
		return p.next.Complete(ctx, r)
	})
}
