package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/postloom/backend/internal/models"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one text-generation call.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

type Completion struct {
	Text  string
	Usage models.Usage
}

// Provider is a text-generation model.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Model() string
}

// Config selects and authenticates a provider.
type Config struct {
	APIKey string
	APIURL string
	Model  string
}

// StatusError is a non-2xx answer from a model API.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// IsRetryable reports whether a failed call is worth repeating. Client errors
// other than rate limiting are final; so is a cancelled context.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
			return true
		case se.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	return true
}
