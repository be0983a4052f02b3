package llm

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"
)

// ModerationResult is the verdict of a moderation model.
type ModerationResult struct {
	Flagged    bool
	Categories []string
}

// Moderator screens text before it is published.
type Moderator interface {
	Moderate(ctx context.Context, text string) (*ModerationResult, error)
}

type OpenAIModerator struct {
	client *http.Client
	apiKey string
	apiURL string
	model  string
}

var _ Moderator = (*OpenAIModerator)(nil)

func NewOpenAIModerator(cfg Config) *OpenAIModerator {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = defaultOpenAIURL
	}
	return &OpenAIModerator{
		client: &http.Client{Timeout: 30 * time.Second},
		apiKey: cfg.APIKey,
		apiURL: apiURL,
		model:  cfg.Model,
	}
}

func (m *OpenAIModerator) Moderate(ctx context.Context, text string) (*ModerationResult, error) {
	req := struct {
		Model string `json:"model,omitempty"`
		Input string `json:"input"`
	}{Model: m.model, Input: text}
	var resp struct {
		Results []struct {
			Flagged    bool            `json:"flagged"`
			Categories map[string]bool `json:"categories"`
		} `json:"results"`
	}
	if err := postJSON(ctx, m.client, "openai moderation", m.apiURL+"/moderations", m.apiKey, req, &resp); err != nil {
		return nil, err
	}
	out := &ModerationResult{}
	for _, r := range resp.Results {
		if !r.Flagged {
			continue
		}
		out.Flagged = true
		for name, hit := range r.Categories {
			if hit {
				out.Categories = append(out.Categories, name)
			}
		}
	}
	sort.Strings(out.Categories)
	return out, nil
}
