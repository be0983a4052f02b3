package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/postloom/backend/internal/logging"
)

// SpendSource reports today's model spend in USD.
type SpendSource interface {
	SpentToday(ctx context.Context) (float64, error)
}

// CostGuard refuses manual triggers once today's spend has reached limit.
// A limit of zero or less disables the guard.
func CostGuard(spend SpendSource, limit float64, log logging.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logging.NewDiscard()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			spent, err := spend.SpentToday(r.Context())
			if err != nil {
				log.WithError(err).Error("Failed to check daily spend")
				http.Error(w, `{"error":"failed to check daily spend"}`, http.StatusInternalServerError)
				return
			}
			if spent >= limit {
				http.Error(w, fmt.Sprintf(`{"error":"daily spend %.2f has reached the limit %.2f"}`, spent, limit), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
