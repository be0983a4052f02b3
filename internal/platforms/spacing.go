package platforms

import (
	"context"
	"sync"
	"time"

	"github.com/postloom/backend/internal/models"
)

// Spacing keeps at least min between two posts of the same account on the
// same platform. Each caller reserves its slot under the lock and then waits
// outside it, so concurrent callers queue instead of racing.
type Spacing struct {
	next  Adapter
	min   time.Duration
	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

var _ Adapter = (*Spacing)(nil)

type SpacingOption func(*Spacing)

// WithSpacingClock replaces the wall clock, mainly for tests.
func WithSpacingClock(now func() time.Time, after func(time.Duration) <-chan time.Time) SpacingOption {
	return func(s *Spacing) {
		s.now = now
		s.after = after
	}
}

func NewSpacing(next Adapter, min time.Duration, opts ...SpacingOption) *Spacing {
	s := &Spacing{
		next:  next,
		min:   min,
		now:   time.Now,
		after: time.After,
		last:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Spacing) Platform() models.Platform { return s.next.Platform() }

func (s *Spacing) CharacterLimit() int { return s.next.CharacterLimit() }

func (s *Spacing) Post(ctx context.Context, creds models.Credentials, text string) (string, error) {
	if wait := s.reserve(creds.AccountID); wait > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.after(wait):
		}
	}
	return s.next.Post(ctx, creds, text)
}

func (s *Spacing) TestConnection(ctx context.Context, creds models.Credentials) (bool, error) {
	return s.next.TestConnection(ctx, creds)
}

func (s *Spacing) reserve(accountID string) time.Duration {
	if s.min <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	slot := now
	if last, ok := s.last[accountID]; ok && last.Add(s.min).After(now) {
		slot = last.Add(s.min)
	}
	s.last[accountID] = slot
	return slot.Sub(now)
}
