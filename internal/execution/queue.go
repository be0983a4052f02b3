package execution

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/scheduler"
)

// NewRiverClient applies river's migrations and returns a client that works
// trigger_cycle jobs. The caller starts and stops it.
func NewRiverClient(ctx context.Context, pool *pgxpool.Pool, worker *TriggerCycleWorker, maxWorkers int) (*river.Client[pgx.Tx], error) {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return nil, fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return nil, fmt.Errorf("river migrate up: %w", err)
	}

	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	workers := river.NewWorkers()
	river.AddWorker(workers, worker)

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: maxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return client, nil
}

// RiverEnqueuer inserts trigger_cycle jobs into river's Postgres queue.
type RiverEnqueuer struct {
	client *river.Client[pgx.Tx]
}

func NewRiverEnqueuer(client *river.Client[pgx.Tx]) *RiverEnqueuer {
	return &RiverEnqueuer{client: client}
}

func (e *RiverEnqueuer) EnqueueTrigger(ctx context.Context, accountID string) (string, error) {
	if err := checkArgs(accountID); err != nil {
		return "", err
	}
	res, err := e.client.Insert(ctx, TriggerCycleArgs{AccountID: accountID}, &river.InsertOpts{MaxAttempts: 5})
	if err != nil {
		return "", fmt.Errorf("enqueue trigger_cycle: %w", err)
	}
	return strconv.FormatInt(res.Job.ID, 10), nil
}

// InlineEnqueuer runs trigger jobs on goroutines in this process. It stands
// in for river when the activity store is SQLite. A job that finds a cycle in
// flight waits the worker's snooze and tries again, up to maxAttempts.
type InlineEnqueuer struct {
	base        context.Context
	worker      *TriggerCycleWorker
	maxAttempts int
	after       func(time.Duration) <-chan time.Time
	wg          sync.WaitGroup
}

// NewInlineEnqueuer runs jobs under base, so they outlive the request that
// enqueued them but stop on shutdown.
func NewInlineEnqueuer(base context.Context, worker *TriggerCycleWorker) *InlineEnqueuer {
	return &InlineEnqueuer{base: base, worker: worker, maxAttempts: 5, after: time.After}
}

func (e *InlineEnqueuer) EnqueueTrigger(_ context.Context, accountID string) (string, error) {
	if err := checkArgs(accountID); err != nil {
		return "", err
	}
	id := uuid.NewString()
	log := e.worker.logger.WithFields(logging.Fields{"job_id": id, "account_id": accountID})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for attempt := 1; attempt <= e.maxAttempts; attempt++ {
			err := e.worker.process(e.base, accountID)
			if !errors.Is(err, scheduler.ErrCycleInFlight) {
				return
			}
			select {
			case <-e.base.Done():
				return
			case <-e.after(e.worker.snooze):
			}
		}
		log.Warn("Trigger job gave up while a cycle stayed in flight")
	}()
	return id, nil
}

// Wait blocks until every enqueued job has returned.
func (e *InlineEnqueuer) Wait() { e.wg.Wait() }
