package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/postloom/backend/internal/config"
	"github.com/postloom/backend/internal/models"
)

// CostStore is the persistence the ledger needs.
type CostStore interface {
	RecordCost(ctx context.Context, c *models.CostEntry) error
	CostSince(ctx context.Context, since time.Time) (float64, error)
}

// Service prices model usage and answers how much was spent today (UTC).
type Service interface {
	RecordUsage(ctx context.Context, accountID, service string, usage models.Usage) (float64, error)
	SpentToday(ctx context.Context) (float64, error)
}

type service struct {
	store  CostStore
	prices map[string]config.ModelPrice
	now    func() time.Time
}

func NewService(store CostStore, prices map[string]config.ModelPrice) Service {
	return &service{store: store, prices: prices, now: time.Now}
}

var _ Service = (*service)(nil)

// Price returns the USD cost of usage. Models without a price cost nothing.
func Price(prices map[string]config.ModelPrice, usage models.Usage) float64 {
	p, ok := prices[usage.Model]
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)/1000*p.PromptPer1K + float64(usage.CompletionTokens)/1000*p.CompletionPer1K
}

func (s *service) RecordUsage(ctx context.Context, accountID, svc string, usage models.Usage) (float64, error) {
	if usage.Calls == 0 && usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return 0, nil
	}
	cost := Price(s.prices, usage)
	entry := &models.CostEntry{
		AccountID: accountID,
		Service:   svc,
		Model:     usage.Model,
		Units:     usage.PromptTokens + usage.CompletionTokens,
		CostUSD:   cost,
		CreatedAt: s.now(),
	}
	if err := s.store.RecordCost(ctx, entry); err != nil {
		return 0, fmt.Errorf("record usage: %w", err)
	}
	return cost, nil
}

func (s *service) SpentToday(ctx context.Context) (float64, error) {
	now := s.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	spent, err := s.store.CostSince(ctx, midnight)
	if err != nil {
		return 0, fmt.Errorf("spent today: %w", err)
	}
	return spent, nil
}
