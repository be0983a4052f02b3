package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/postloom/backend/internal/models"
)

// ErrInvalidAttempt is returned by Record for rows that cannot be stored.
var ErrInvalidAttempt = errors.New("invalid post attempt")

// AttemptLog is the append-only post attempt ledger.
type AttemptLog interface {
	Record(ctx context.Context, a *models.PostAttempt) error
	// LastSuccessfulPostTime returns ok=false when the account never posted.
	LastSuccessfulPostTime(ctx context.Context, accountID string) (t time.Time, ok bool, err error)
	// LastAttemptTime includes failed cycles; it drives next-due math.
	LastAttemptTime(ctx context.Context, accountID string) (t time.Time, ok bool, err error)
	// RecentSeedIDs returns the seeds of the last window successful cycles.
	RecentSeedIDs(ctx context.Context, accountID string, window int) (map[string]struct{}, error)
	// Query returns attempts most recent first. An empty accountID means all accounts.
	Query(ctx context.Context, accountID string, limit int) ([]models.PostAttempt, error)
	SuccessRate(ctx context.Context, accountID string, since time.Time) (rate float64, total int, err error)
}

type EventLog interface {
	RecordEvent(ctx context.Context, e *models.SystemEvent) error
	ListEvents(ctx context.Context, limit int) ([]models.SystemEvent, error)
}

type CostLog interface {
	RecordCost(ctx context.Context, c *models.CostEntry) error
	CostSince(ctx context.Context, since time.Time) (float64, error)
}

// FlagStore persists the emergency stop so it survives restarts.
type FlagStore interface {
	EmergencyStop(ctx context.Context) (bool, error)
	SetEmergencyStop(ctx context.Context, enabled bool, reason string) error
}

// Store is everything the service persists.
type Store interface {
	AttemptLog
	EventLog
	CostLog
	FlagStore
	Ping(ctx context.Context) error
	Close() error
}

const (
	emergencyStopFlag = "emergency_stop"
	defaultQueryLimit = 50
	maxQueryLimit     = 1000
)

func prepareAttempt(a *models.PostAttempt, now time.Time) error {
	if a == nil {
		return fmt.Errorf("%w: nil", ErrInvalidAttempt)
	}
	if a.AccountID == "" {
		return fmt.Errorf("%w: missing account id", ErrInvalidAttempt)
	}
	switch a.Status {
	case models.AttemptSuccess, models.AttemptFailure:
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidAttempt, a.Status)
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CycleID == uuid.Nil {
		a.CycleID = a.ID
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.CreatedAt = models.StoreTime(a.CreatedAt)
	return nil
}

func prepareEvent(e *models.SystemEvent, now time.Time) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Level == "" {
		e.Level = "info"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.CreatedAt = models.StoreTime(e.CreatedAt)
}

func prepareCost(c *models.CostEntry, now time.Time) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.CreatedAt = models.StoreTime(c.CreatedAt)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
