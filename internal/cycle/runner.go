package cycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/metrics"
	"github.com/postloom/backend/internal/models"
	"github.com/postloom/backend/internal/poster"
	"github.com/postloom/backend/internal/safety"
)

type AccountSource interface {
	Get(id string) (*models.Account, error)
}

type Generator interface {
	Generate(ctx context.Context, acct *models.Account) (*models.GenerationResult, error)
}

type Gate interface {
	EmergencyStopped() bool
	Review(ctx context.Context, acct *models.Account, res *models.GenerationResult) (models.SafetyVerdict, error)
}

type Publisher interface {
	Publish(ctx context.Context, c poster.Cycle, acct *models.Account, res *models.GenerationResult) (map[models.Platform]poster.Outcome, error)
}

type Store interface {
	Record(ctx context.Context, a *models.PostAttempt) error
	RecordEvent(ctx context.Context, e *models.SystemEvent) error
}

type CostRecorder interface {
	RecordUsage(ctx context.Context, accountID, service string, usage models.Usage) (float64, error)
}

// recordTimeout bounds bookkeeping writes made after the caller's context
// may already be gone.
const recordTimeout = 10 * time.Second

// detached keeps values from ctx but survives its cancellation.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}

// Result summarises one cycle for the scheduler and the control surface.
type Result struct {
	CycleID     uuid.UUID                          `json:"cycle_id"`
	AccountID   string                             `json:"account_id"`
	IsCatchUp   bool                               `json:"is_catch_up"`
	Success     bool                               `json:"success"`
	FailureKind models.FailureKind                 `json:"failure_kind,omitempty"`
	Detail      string                             `json:"detail,omitempty"`
	Outcomes    map[models.Platform]poster.Outcome `json:"-"`
	CostUSD     float64                            `json:"cost_usd"`
	StartedAt   time.Time                          `json:"started_at"`
	Duration    time.Duration                      `json:"duration"`
}

// Runner executes one posting cycle: generate, review, publish, record.
type Runner struct {
	accounts  AccountSource
	generator Generator
	gate      Gate
	publisher Publisher
	store     Store
	costs     CostRecorder
	metrics   *metrics.Metrics
	logger    logging.Logger
	now       func() time.Time
}

func NewRunner(accounts AccountSource, gen Generator, gate Gate, pub Publisher, store Store,
	costs CostRecorder, m *metrics.Metrics, logger logging.Logger) *Runner {
	return &Runner{
		accounts:  accounts,
		generator: gen,
		gate:      gate,
		publisher: pub,
		store:     store,
		costs:     costs,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Run executes a cycle for accountID. Every outcome is written to the store;
// the returned error is set only when that write failed.
func (r *Runner) Run(ctx context.Context, accountID string, catchUp bool) (*Result, error) {
	res := &Result{
		CycleID:   uuid.New(),
		AccountID: accountID,
		IsCatchUp: catchUp,
		StartedAt: r.now(),
	}
	log := r.logger.WithFields(logging.Fields{
		"account_id": accountID,
		"cycle_id":   res.CycleID,
		"catch_up":   catchUp,
	})
	err := r.run(ctx, res, log)
	res.Duration = r.now().Sub(res.StartedAt)

	result := "success"
	if !res.Success {
		result = "failure"
	}
	r.metrics.CycleFinished(result, res.Duration)
	if err != nil {
		log.WithError(err).Error("Cycle could not be recorded")
		r.event(ctx, models.EventStorageError, "error", accountID, err.Error())
		return res, err
	}
	fields := logging.Fields{"duration_ms": res.Duration.Milliseconds(), "cost_usd": res.CostUSD}
	if res.Success {
		log.WithFields(fields).Info("Cycle succeeded")
	} else {
		fields["failure_kind"] = res.FailureKind
		log.WithFields(fields).WithField("detail", res.Detail).Warn("Cycle failed")
	}
	return res, nil
}

func (r *Runner) run(ctx context.Context, res *Result, log *logrus.Entry) error {
	acct, err := r.accounts.Get(res.AccountID)
	if err != nil {
		return r.fail(ctx, res, nil, Classify(err), err.Error())
	}
	if r.gate.EmergencyStopped() {
		r.event(ctx, models.EventEmergencyStop, "warn", acct.ID, "cycle aborted by emergency stop")
		return r.fail(ctx, res, nil, models.FailureEmergencyStop, safety.ErrEmergencyStop.Error())
	}

	gen, genErr := r.generator.Generate(ctx, acct)
	costErr := r.bill(ctx, res, acct.ID, gen)
	if genErr != nil {
		return errors.Join(costErr, r.fail(ctx, res, gen, Classify(genErr), genErr.Error()))
	}

	verdict, err := r.gate.Review(ctx, acct, gen)
	if err != nil {
		return errors.Join(costErr, r.fail(ctx, res, gen, models.FailureTechnical, err.Error()))
	}
	gen.Verdict = verdict
	if !verdict.Allowed {
		detail := "safety block: " + strings.Join(verdict.Reasons, "; ")
		if verdict.Kind == models.FailureEmergencyStop {
			detail = safety.ErrEmergencyStop.Error()
			r.event(ctx, models.EventEmergencyStop, "warn", acct.ID, "cycle aborted by emergency stop")
		}
		kind := verdict.Kind
		if kind == models.FailureNone {
			kind = models.FailureSafety
		}
		return errors.Join(costErr, r.fail(ctx, res, gen, kind, detail))
	}

	outcomes, pubErr := r.publisher.Publish(ctx, poster.Cycle{ID: res.CycleID, IsCatchUp: res.IsCatchUp}, acct, gen)
	res.Outcomes = outcomes
	res.Success = poster.AnySucceeded(outcomes)
	if !res.Success {
		res.FailureKind, res.Detail = summarize(acct.Platforms, outcomes)
	}
	log.WithField("platforms", len(outcomes)).Debug("Dispatch finished")
	return errors.Join(costErr, pubErr)
}

// fail writes the single row of a cycle that never reached dispatch.
func (r *Runner) fail(ctx context.Context, res *Result, gen *models.GenerationResult, kind models.FailureKind, detail string) error {
	res.Success = false
	res.FailureKind = kind
	res.Detail = detail
	row := &models.PostAttempt{
		CycleID:     res.CycleID,
		AccountID:   res.AccountID,
		Status:      models.AttemptFailure,
		FailureKind: kind,
		ErrorDetail: detail,
		IsCatchUp:   res.IsCatchUp,
		CreatedAt:   r.now(),
	}
	if gen != nil {
		row.Content = gen.Content
		row.SeedChunkID = gen.SeedChunkID
		row.SourceChunkIDs = gen.SourceChunkIDs
	}
	r.metrics.PostAttempted(row.Platform, row.Status)
	ctx, cancel := detached(ctx)
	defer cancel()
	if err := r.store.Record(ctx, row); err != nil {
		return fmt.Errorf("record failed cycle: %w", err)
	}
	return nil
}

func (r *Runner) bill(ctx context.Context, res *Result, accountID string, gen *models.GenerationResult) error {
	if gen == nil || r.costs == nil {
		return nil
	}
	ctx, cancel := detached(ctx)
	defer cancel()
	cost, err := r.costs.RecordUsage(ctx, accountID, "generation", gen.Usage)
	if err != nil {
		return err
	}
	res.CostUSD = cost
	return nil
}

func (r *Runner) event(ctx context.Context, kind, level, accountID, msg string) {
	ctx, cancel := detached(ctx)
	defer cancel()
	err := r.store.RecordEvent(ctx, &models.SystemEvent{Kind: kind, Level: level, AccountID: accountID, Message: msg})
	if err != nil {
		r.logger.WithError(err).WithField("kind", kind).Error("Failed to record system event")
	}
}

// summarize picks the first platform failure in account order.
func summarize(order []models.Platform, outcomes map[models.Platform]poster.Outcome) (models.FailureKind, string) {
	var details []string
	kind := models.FailureNone
	for _, p := range order {
		o, ok := outcomes[p]
		if !ok || o.Succeeded() {
			continue
		}
		if kind == models.FailureNone {
			kind = o.FailureKind
		}
		if o.Err != nil {
			details = append(details, fmt.Sprintf("%s: %v", p, o.Err))
		}
	}
	return kind, strings.Join(details, "; ")
}
