package platforms

import (
	"context"

	"github.com/google/uuid"

	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/models"
)

// Simulated logs instead of posting. Connection tests still reach the
// real platform.
type Simulated struct {
	next   Adapter
	logger logging.Logger
}

var _ Adapter = (*Simulated)(nil)

func NewSimulated(next Adapter, logger logging.Logger) *Simulated {
	return &Simulated{next: next, logger: logger}
}

func (s *Simulated) Platform() models.Platform { return s.next.Platform() }

func (s *Simulated) CharacterLimit() int { return s.next.CharacterLimit() }

func (s *Simulated) Post(ctx context.Context, creds models.Credentials, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := ValidateCredentials(s.next.Platform(), creds); err != nil {
		return "", err
	}
	id := "sim-" + uuid.NewString()
	s.logger.WithFields(logging.Fields{
		"account_id": creds.AccountID,
		"platform":   s.next.Platform(),
		"post_id":    id,
		"chars":      len([]rune(text)),
	}).Info("Simulated post (posting disabled)")
	return id, nil
}

func (s *Simulated) TestConnection(ctx context.Context, creds models.Credentials) (bool, error) {
	return s.next.TestConnection(ctx, creds)
}
