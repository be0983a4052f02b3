package platforms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/postloom/backend/internal/models"
)

const (
	ThreadsCharacterLimit = 500
	defaultThreadsAPIURL  = "https://graph.threads.net/v1.0"
)

// ThreadsAdapter publishes in two steps: create a text container, then
// publish it.
type ThreadsAdapter struct {
	apiURL string
	client *http.Client
}

var _ Adapter = (*ThreadsAdapter)(nil)

func NewThreadsAdapter(apiURL string) *ThreadsAdapter {
	apiURL = strings.TrimRight(apiURL, "/")
	if apiURL == "" {
		apiURL = defaultThreadsAPIURL
	}
	return &ThreadsAdapter{apiURL: apiURL, client: &http.Client{Timeout: 30 * time.Second}}
}

func (a *ThreadsAdapter) Platform() models.Platform { return models.PlatformThreads }

func (a *ThreadsAdapter) CharacterLimit() int { return ThreadsCharacterLimit }

func (a *ThreadsAdapter) Post(ctx context.Context, creds models.Credentials, text string) (string, error) {
	if err := ValidateCredentials(models.PlatformThreads, creds); err != nil {
		return "", err
	}
	userID := url.PathEscape(creds.Get("user_id"))
	token := creds.Get("access_token")

	containerID, err := a.postForm(ctx, "/"+userID+"/threads", url.Values{
		"media_type":   {"TEXT"},
		"text":         {text},
		"access_token": {token},
	})
	if err != nil {
		return "", fmt.Errorf("create threads container: %w", err)
	}
	postID, err := a.postForm(ctx, "/"+userID+"/threads_publish", url.Values{
		"creation_id":  {containerID},
		"access_token": {token},
	})
	if err != nil {
		return "", fmt.Errorf("publish threads container %s: %w", containerID, err)
	}
	return postID, nil
}

func (a *ThreadsAdapter) TestConnection(ctx context.Context, creds models.Credentials) (bool, error) {
	if err := ValidateCredentials(models.PlatformThreads, creds); err != nil {
		return false, err
	}
	q := url.Values{
		"fields":       {"id,username"},
		"access_token": {creds.Get("access_token")},
	}
	endpoint := a.apiURL + "/" + url.PathEscape(creds.Get("user_id")) + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build threads profile request: %w", err)
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := doJSON(a.client, models.PlatformThreads, req, &resp); err != nil {
		return rejectedCredentials(err)
	}
	return resp.ID != "", nil
}

func (a *ThreadsAdapter) postForm(ctx context.Context, path string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	var resp struct {
		ID string `json:"id"`
	}
	if err := doJSON(a.client, models.PlatformThreads, req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("threads api: response carried no id")
	}
	return resp.ID, nil
}
