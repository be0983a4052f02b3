package models

import "time"

// Usage is the token accounting of one or more model calls.
type Usage struct {
	Model            string `json:"model"`
	Calls            int    `json:"calls"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Add folds other into u.
func (u *Usage) Add(other Usage) {
	if u.Model == "" {
		u.Model = other.Model
	}
	u.Calls += other.Calls
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
}

// SafetyVerdict is the Safety Gate's decision on a piece of content.
type SafetyVerdict struct {
	Allowed bool        `json:"allowed"`
	Kind    FailureKind `json:"kind,omitempty"`
	Reasons []string    `json:"reasons,omitempty"`
}

// GenerationResult lives for one cycle only. It is persisted through the
// PostAttempt rows the cycle writes.
type GenerationResult struct {
	AccountID      string              `json:"account_id"`
	Content        string              `json:"content"`
	Adapted        map[Platform]string `json:"adapted"`
	Rejected       map[Platform]string `json:"rejected,omitempty"`
	SeedChunkID    string              `json:"seed_chunk_id"`
	SourceChunkIDs []string            `json:"source_chunk_ids"`
	Verdict        SafetyVerdict       `json:"verdict"`
	Usage          Usage               `json:"usage"`
	GeneratedAt    time.Time           `json:"generated_at"`
}

// TextFor returns the platform text, or "" when the platform was rejected.
func (r *GenerationResult) TextFor(p Platform) (string, bool) {
	text, ok := r.Adapted[p]
	return text, ok
}
