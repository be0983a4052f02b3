package safety

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/postloom/backend/internal/llm"
	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/models"
)

var (
	// ErrBlocked marks content the gate refused.
	ErrBlocked = errors.New("content blocked")
	// ErrEmergencyStop is returned while the emergency stop is engaged.
	ErrEmergencyStop = errors.New("emergency stop active")
	// ErrCostLimit is returned once today's spend reached the daily limit.
	ErrCostLimit = errors.New("daily cost limit reached")
)

// FlagStore persists the emergency stop.
type FlagStore interface {
	EmergencyStop(ctx context.Context) (bool, error)
	SetEmergencyStop(ctx context.Context, enabled bool, reason string) error
}

type EventRecorder interface {
	RecordEvent(ctx context.Context, e *models.SystemEvent) error
}

// SpendSource reports today's model spend in USD.
type SpendSource interface {
	SpentToday(ctx context.Context) (float64, error)
}

type Options struct {
	Flags  FlagStore
	Events EventRecorder
	Spend  SpendSource
	// Moderator is optional. Nil skips the moderation check.
	Moderator      llm.Moderator
	DailyCostLimit float64
	ExtraBlocked   []string
	Logger         logging.Logger
}

// Gate is the last check before anything is published. It holds the
// emergency stop in memory so the scheduler can read it without I/O.
type Gate struct {
	flags     FlagStore
	events    EventRecorder
	spend     SpendSource
	moderator llm.Moderator
	rules     *Rules
	limit     float64
	logger    logging.Logger

	mu        sync.RWMutex
	stopped   bool
	listeners []func(stopped bool)
}

// NewGate loads the persisted emergency stop flag.
func NewGate(ctx context.Context, opts Options) (*Gate, error) {
	if opts.Flags == nil {
		return nil, errors.New("safety gate requires a flag store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscard()
	}
	stopped, err := opts.Flags.EmergencyStop(ctx)
	if err != nil {
		return nil, fmt.Errorf("load emergency stop: %w", err)
	}
	if stopped {
		logger.Warn("Emergency stop is engaged from a previous run")
	}
	return &Gate{
		flags:     opts.Flags,
		events:    opts.Events,
		spend:     opts.Spend,
		moderator: opts.Moderator,
		rules:     DefaultRules(opts.ExtraBlocked),
		limit:     opts.DailyCostLimit,
		logger:    logger,
		stopped:   stopped,
	}, nil
}

func (g *Gate) EmergencyStopped() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stopped
}

// OnEmergencyStopChange registers fn to run after every flag change.
func (g *Gate) OnEmergencyStopChange(fn func(stopped bool)) {
	g.mu.Lock()
	g.listeners = append(g.listeners, fn)
	g.mu.Unlock()
}

// SetEmergencyStop persists the flag before it takes effect in memory, so a
// failed write leaves the previous state in place.
func (g *Gate) SetEmergencyStop(ctx context.Context, on bool, reason string) error {
	if err := g.flags.SetEmergencyStop(ctx, on, reason); err != nil {
		return fmt.Errorf("persist emergency stop: %w", err)
	}
	g.mu.Lock()
	g.stopped = on
	listeners := append([]func(bool){}, g.listeners...)
	g.mu.Unlock()

	state := "cleared"
	level := "info"
	if on {
		state = "engaged"
		level = "warn"
	}
	g.logger.WithFields(logging.Fields{"reason": reason}).Warnf("Emergency stop %s", state)
	g.recordEvent(ctx, &models.SystemEvent{
		Kind:    models.EventEmergencyStop,
		Level:   level,
		Message: strings.TrimSpace(fmt.Sprintf("emergency stop %s %s", state, reason)),
	})
	for _, fn := range listeners {
		fn(on)
	}
	return nil
}

// CheckText runs the local rules only. The registry uses it for personas.
func (g *Gate) CheckText(text string) []string {
	return g.rules.Check(text)
}

// Review decides whether the generated content may be dispatched. A blocked
// verdict is not an error; err is set only when a check could not run.
func (g *Gate) Review(ctx context.Context, acct *models.Account, res *models.GenerationResult) (models.SafetyVerdict, error) {
	if g.EmergencyStopped() {
		return models.SafetyVerdict{Kind: models.FailureEmergencyStop, Reasons: []string{ErrEmergencyStop.Error()}}, nil
	}
	if reason, err := g.costExceeded(ctx); err != nil {
		return models.SafetyVerdict{}, err
	} else if reason != "" {
		return g.block(ctx, acct, []string{reason}), nil
	}

	reasons := g.rules.Check(res.Content)
	platforms := make([]string, 0, len(res.Adapted))
	for p := range res.Adapted {
		platforms = append(platforms, string(p))
	}
	sort.Strings(platforms)
	for _, p := range platforms {
		text := res.Adapted[models.Platform(p)]
		if text == res.Content {
			continue
		}
		for _, r := range g.rules.Check(text) {
			reasons = append(reasons, p+": "+r)
		}
	}
	if len(reasons) > 0 {
		return g.block(ctx, acct, reasons), nil
	}

	if g.moderator != nil {
		mod, err := g.moderator.Moderate(ctx, res.Content)
		if err != nil {
			return models.SafetyVerdict{}, fmt.Errorf("moderation: %w", err)
		}
		if mod.Flagged {
			reason := "flagged by moderation"
			if len(mod.Categories) > 0 {
				reason += ": " + strings.Join(mod.Categories, ", ")
			}
			return g.block(ctx, acct, []string{reason}), nil
		}
	}
	return models.SafetyVerdict{Allowed: true}, nil
}

// CheckDispatch runs right before each platform post.
func (g *Gate) CheckDispatch(ctx context.Context) error {
	if g.EmergencyStopped() {
		return ErrEmergencyStop
	}
	reason, err := g.costExceeded(ctx)
	if err != nil {
		return err
	}
	if reason != "" {
		return fmt.Errorf("%w: %s", ErrCostLimit, reason)
	}
	return nil
}

func (g *Gate) costExceeded(ctx context.Context) (string, error) {
	if g.spend == nil || g.limit <= 0 {
		return "", nil
	}
	spent, err := g.spend.SpentToday(ctx)
	if err != nil {
		return "", err
	}
	if spent >= g.limit {
		return fmt.Sprintf("daily cost limit reached: $%.2f of $%.2f", spent, g.limit), nil
	}
	return "", nil
}

func (g *Gate) block(ctx context.Context, acct *models.Account, reasons []string) models.SafetyVerdict {
	accountID := ""
	if acct != nil {
		accountID = acct.ID
	}
	g.logger.WithFields(logging.Fields{
		"account_id": accountID,
		"reasons":    reasons,
	}).Warn("Content blocked by safety gate")
	g.recordEvent(ctx, &models.SystemEvent{
		Kind:      models.EventSafetyBlock,
		Level:     "warn",
		AccountID: accountID,
		Message:   strings.Join(reasons, "; "),
	})
	return models.SafetyVerdict{Kind: models.FailureSafety, Reasons: reasons}
}

func (g *Gate) recordEvent(ctx context.Context, e *models.SystemEvent) {
	if g.events == nil {
		return
	}
	if err := g.events.RecordEvent(ctx, e); err != nil {
		g.logger.WithError(err).WithField("kind", e.Kind).Error("Failed to record system event")
	}
}
