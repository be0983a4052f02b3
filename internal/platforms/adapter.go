package platforms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/postloom/backend/internal/models"
)

var (
	// ErrNoCredentials is returned when an account lacks a required credential.
	ErrNoCredentials = errors.New("missing platform credentials")
	// ErrUnknownPlatform is returned for platforms without an adapter.
	ErrUnknownPlatform = errors.New("unknown platform")
)

// Adapter publishes text to one platform. Implementations are safe for
// concurrent use by many accounts.
type Adapter interface {
	Platform() models.Platform
	CharacterLimit() int
	// Post returns the platform's id for the new post.
	Post(ctx context.Context, creds models.Credentials, text string) (string, error)
	// TestConnection reports whether creds are accepted. err is set only
	// when the platform could not be reached.
	TestConnection(ctx context.Context, creds models.Credentials) (bool, error)
}

// APIError is a non-2xx platform response.
type APIError struct {
	Platform   models.Platform
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api: status %d: %s", e.Platform, e.StatusCode, e.Body)
}

// Transient reports whether the failure says something about the platform
// rather than about the request or the account.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// RequiredCredentials lists the keys an account must carry for p.
func RequiredCredentials(p models.Platform) []string {
	switch p {
	case models.PlatformTwitter:
		return []string{"access_token"}
	case models.PlatformThreads:
		return []string{"access_token", "user_id"}
	}
	return nil
}

// ValidateCredentials checks creds against RequiredCredentials. A Twitter
// account may carry a refresh token and client id instead of an access token.
func ValidateCredentials(p models.Platform, creds models.Credentials) error {
	if !p.IsKnown() {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, p)
	}
	var missing []string
	for _, key := range RequiredCredentials(p) {
		if creds.Get(key) != "" {
			continue
		}
		if p == models.PlatformTwitter && key == "access_token" &&
			creds.Get("refresh_token") != "" && creds.Get("client_id") != "" {
			continue
		}
		missing = append(missing, key)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s needs %s", ErrNoCredentials, p, strings.Join(missing, ", "))
	}
	return nil
}

// Set holds one adapter per platform.
type Set struct {
	adapters map[models.Platform]Adapter
}

func NewSet(adapters ...Adapter) *Set {
	s := &Set{adapters: make(map[models.Platform]Adapter, len(adapters))}
	for _, a := range adapters {
		s.adapters[a.Platform()] = a
	}
	return s
}

func (s *Set) Get(p models.Platform) (Adapter, bool) {
	a, ok := s.adapters[p]
	return a, ok
}

// Limits returns the character limit of every platform in ps that has an adapter.
func (s *Set) Limits(ps []models.Platform) map[models.Platform]int {
	out := make(map[models.Platform]int, len(ps))
	for _, p := range ps {
		if a, ok := s.adapters[p]; ok {
			out[p] = a.CharacterLimit()
		}
	}
	return out
}

const maxErrorBody = 512

// doJSON sends req and decodes a 2xx body into out.
func doJSON(client *http.Client, p models.Platform, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", p, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s read response: %w", p, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return &APIError{Platform: p, StatusCode: resp.StatusCode, Body: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s decode response: %w", p, err)
	}
	return nil
}

// rejectedCredentials maps an auth failure onto (false, nil).
func rejectedCredentials(err error) (bool, error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) &&
		(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
		return false, nil
	}
	return false, err
}
