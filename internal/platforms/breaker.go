package platforms

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/models"
)

// BreakerConfig trips the breaker after Failures transient errors out of
// the last Window posts, and probes again after Delay.
type BreakerConfig struct {
	Failures uint
	Window   uint
	Delay    time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Failures: 5, Window: 10, Delay: 5 * time.Minute}
}

// Breaker shares one circuit per platform across every account. Only
// transient failures count, so one account's bad credentials cannot open
// the circuit for the others.
type Breaker struct {
	next Adapter
	cb   circuitbreaker.CircuitBreaker[string]
}

var _ Adapter = (*Breaker)(nil)

func NewBreaker(next Adapter, cfg BreakerConfig, logger logging.Logger) *Breaker {
	if cfg.Window == 0 {
		cfg = DefaultBreakerConfig()
	}
	if cfg.Failures == 0 || cfg.Failures > cfg.Window {
		cfg.Failures = cfg.Window
	}
	platform := next.Platform()
	builder := circuitbreaker.NewBuilder[string]().
		WithFailureThresholdRatio(cfg.Failures, cfg.Window).
		WithDelay(cfg.Delay).
		WithSuccessThreshold(1).
		HandleIf(func(_ string, err error) bool {
			return countsAgainstPlatform(err)
		})
	if logger != nil {
		builder = builder.OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			logger.WithFields(logging.Fields{
				"platform":   platform,
				"from_state": stateName(e.OldState),
				"to_state":   stateName(e.NewState),
			}).Warn("Platform circuit breaker state change")
		})
	}
	return &Breaker{next: next, cb: builder.Build()}
}

func (b *Breaker) Platform() models.Platform { return b.next.Platform() }

func (b *Breaker) CharacterLimit() int { return b.next.CharacterLimit() }

func (b *Breaker) Post(ctx context.Context, creds models.Credentials, text string) (string, error) {
	return failsafe.With[string](b.cb).WithContext(ctx).Get(func() (string, error) {
		return b.next.Post(ctx, creds, text)
	})
}

func (b *Breaker) TestConnection(ctx context.Context, creds models.Credentials) (bool, error) {
	return b.next.TestConnection(ctx, creds)
}

// Open reports whether posts are currently being refused.
func (b *Breaker) Open() bool { return b.cb.IsOpen() }

func countsAgainstPlatform(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrNoCredentials) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	return true
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}
