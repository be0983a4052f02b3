package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/riverqueue/river"

	"github.com/postloom/backend/internal/cycle"
	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/scheduler"
)

// TriggerCycleArgs asks for one regular cycle for an account outside the schedule.
type TriggerCycleArgs struct {
	AccountID string `json:"account_id"`
}

func (TriggerCycleArgs) Kind() string { return "trigger_cycle" }

// Triggerer runs a cycle now. The scheduler engine implements it.
type Triggerer interface {
	TriggerNow(ctx context.Context, accountID string) (*cycle.Result, error)
}

// DefaultSnooze is how long a job waits when the account already has a cycle in flight.
const DefaultSnooze = 30 * time.Second

// snoozeJob and cancelJob are river's job controls. Tests replace them to
// observe the decision without a river client.
var (
	snoozeJob = river.JobSnooze
	cancelJob = river.JobCancel
)

type TriggerCycleWorker struct {
	river.WorkerDefaults[TriggerCycleArgs]
	trigger Triggerer
	snooze  time.Duration
	logger  logging.Logger
}

func NewTriggerCycleWorker(t Triggerer, snooze time.Duration, logger logging.Logger) *TriggerCycleWorker {
	if snooze <= 0 {
		snooze = DefaultSnooze
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &TriggerCycleWorker{trigger: t, snooze: snooze, logger: logger}
}

func (w *TriggerCycleWorker) Work(ctx context.Context, job *river.Job[TriggerCycleArgs]) error {
	err := w.process(ctx, job.Args.AccountID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, scheduler.ErrCycleInFlight):
		return snoozeJob(w.snooze)
	case permanent(err):
		return cancelJob(err)
	default:
		return err
	}
}

// Timeout leaves room for model calls, shortening and platform spacing.
func (w *TriggerCycleWorker) Timeout(*river.Job[TriggerCycleArgs]) time.Duration {
	return 10 * time.Minute
}

func (w *TriggerCycleWorker) process(ctx context.Context, accountID string) error {
	log := w.logger.WithField("account_id", accountID)
	res, err := w.trigger.TriggerNow(ctx, accountID)
	if err != nil && res != nil {
		log.WithError(err).WithField("cycle_id", res.CycleID).Error("Triggered cycle ran but was not fully recorded")
		return fmt.Errorf("%w: %w", errCycleRan, err)
	}
	if err != nil {
		if errors.Is(err, scheduler.ErrCycleInFlight) {
			log.Info("Cycle already in flight, trigger deferred")
		} else {
			log.WithError(err).Warn("Triggered cycle did not run")
		}
		return err
	}
	log.WithFields(logging.Fields{
		"cycle_id": res.CycleID,
		"success":  res.Success,
		"failure":  res.FailureKind,
	}).Info("Triggered cycle finished")
	return nil
}

// errCycleRan marks a cycle that reached the platforms. Running it again
// could post twice.
var errCycleRan = errors.New("cycle already ran")

// permanent errors will not change on retry.
func permanent(err error) bool {
	return errors.Is(err, scheduler.ErrUnknownAccount) ||
		errors.Is(err, scheduler.ErrEmergencyStop) ||
		errors.Is(err, errCycleRan)
}

// Enqueuer hands a trigger-now request to a background worker and returns a job reference.
type Enqueuer interface {
	EnqueueTrigger(ctx context.Context, accountID string) (string, error)
}

var errNoAccount = errors.New("account id is required")

func checkArgs(accountID string) error {
	if accountID == "" {
		return fmt.Errorf("enqueue %s: %w", TriggerCycleArgs{}.Kind(), errNoAccount)
	}
	return nil
}
