package platforms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/postloom/backend/internal/models"
)

const (
	TwitterCharacterLimit = 280
	defaultTwitterAPIURL  = "https://api.x.com"
)

// TwitterAdapter posts through the v2 API with an OAuth 2.0 user token.
// When an account carries a refresh token and client id, tokens are
// refreshed in process and reused across posts.
type TwitterAdapter struct {
	apiURL string
	base   *http.Client

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

var _ Adapter = (*TwitterAdapter)(nil)

func NewTwitterAdapter(apiURL string) *TwitterAdapter {
	apiURL = strings.TrimRight(apiURL, "/")
	if apiURL == "" {
		apiURL = defaultTwitterAPIURL
	}
	return &TwitterAdapter{
		apiURL:  apiURL,
		base:    &http.Client{Timeout: 30 * time.Second},
		sources: make(map[string]oauth2.TokenSource),
	}
}

func (a *TwitterAdapter) Platform() models.Platform { return models.PlatformTwitter }

func (a *TwitterAdapter) CharacterLimit() int { return TwitterCharacterLimit }

func (a *TwitterAdapter) Post(ctx context.Context, creds models.Credentials, text string) (string, error) {
	client, err := a.client(creds)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", fmt.Errorf("encode tweet: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL+"/2/tweets", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build tweet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := doJSON(client, models.PlatformTwitter, req, &resp); err != nil {
		return "", err
	}
	if resp.Data.ID == "" {
		return "", errors.New("twitter api: response carried no tweet id")
	}
	return resp.Data.ID, nil
}

func (a *TwitterAdapter) TestConnection(ctx context.Context, creds models.Credentials) (bool, error) {
	client, err := a.client(creds)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiURL+"/2/users/me", nil)
	if err != nil {
		return false, fmt.Errorf("build users/me request: %w", err)
	}
	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := doJSON(client, models.PlatformTwitter, req, &resp); err != nil {
		return rejectedCredentials(err)
	}
	return resp.Data.ID != "", nil
}

func (a *TwitterAdapter) client(creds models.Credentials) (*http.Client, error) {
	if err := ValidateCredentials(models.PlatformTwitter, creds); err != nil {
		return nil, err
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, a.base)
	return oauth2.NewClient(ctx, a.tokenSource(ctx, creds)), nil
}

func (a *TwitterAdapter) tokenSource(ctx context.Context, creds models.Credentials) oauth2.TokenSource {
	token := &oauth2.Token{
		AccessToken:  creds.Get("access_token"),
		RefreshToken: creds.Get("refresh_token"),
		TokenType:    "Bearer",
	}
	if token.RefreshToken == "" || creds.Get("client_id") == "" {
		return oauth2.StaticTokenSource(token)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if ts, ok := a.sources[creds.AccountID]; ok {
		return ts
	}
	cfg := &oauth2.Config{
		ClientID:     creds.Get("client_id"),
		ClientSecret: creds.Get("client_secret"),
		Endpoint: oauth2.Endpoint{
			TokenURL:  a.apiURL + "/2/oauth2/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	ts := cfg.TokenSource(ctx, token)
	a.sources[creds.AccountID] = ts
	return ts
}
