package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/postloom/backend/internal/logging"
)

type contextKey string

const ctxOperatorKey contextKey = "operator"

// apiKeyOperator is the operator name attached to requests that used the static key.
const apiKeyOperator = "api-key"

// TokenValidator checks an operator session token and returns the operator name.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// OperatorAuth accepts either a session token issued by login or the static
// API key whose hex SHA-256 is apiKeySHA256. An empty apiKeySHA256 disables
// key access.
func OperatorAuth(tokens TokenValidator, apiKeySHA256 string, log logging.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logging.NewDiscard()
	}
	want := strings.ToLower(strings.TrimSpace(apiKeySHA256))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}

			if want != "" && subtle.ConstantTimeCompare([]byte(hashKey(raw)), []byte(want)) == 1 {
				next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), apiKeyOperator)))
				return
			}

			name, err := tokens.ValidateToken(r.Context(), raw)
			if err != nil {
				log.WithField("path", r.URL.Path).Debug("Rejected operator credentials")
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), name)))
		})
	}
}

// OperatorFromCtx returns the authenticated operator name, or "".
func OperatorFromCtx(ctx context.Context) string {
	name, _ := ctx.Value(ctxOperatorKey).(string)
	return name
}

// WithOperator returns a context carrying the operator name.
func WithOperator(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ctxOperatorKey, name)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// HashKey returns the hex SHA-256 of a raw API key, the form the config stores.
func HashKey(raw string) string { return hashKey(raw) }

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
