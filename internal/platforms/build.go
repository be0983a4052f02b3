package platforms

import (
	"time"

	"github.com/postloom/backend/internal/config"
	"github.com/postloom/backend/internal/logging"
)

// Build returns the production adapter set: simulation when posting is
// disabled, then a circuit breaker, then per-account spacing.
func Build(cfg config.PlatformsConfig, spacing time.Duration, logger logging.Logger) *Set {
	bases := []Adapter{
		NewTwitterAdapter(cfg.TwitterAPIURL),
		NewThreadsAdapter(cfg.ThreadsAPIURL),
	}
	wrapped := make([]Adapter, 0, len(bases))
	for _, a := range bases {
		if !cfg.PostEnabled {
			a = NewSimulated(a, logger)
		}
		a = NewBreaker(a, DefaultBreakerConfig(), logger)
		a = NewSpacing(a, spacing)
		wrapped = append(wrapped, a)
	}
	if !cfg.PostEnabled {
		logger.Warn("Platform posting disabled; posts are simulated")
	}
	return NewSet(wrapped...)
}
