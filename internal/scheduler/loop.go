package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/postloom/backend/internal/cycle"
	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/models"
)

// State is where an account loop is in its schedule.
type State string

const (
	StateIdle    State = "idle"
	StateDue     State = "due"
	StateRunning State = "running"
	StateCatchUp State = "catch_up"
)

type accountLoop struct {
	id     string
	cancel context.CancelFunc
	// lock allows one cycle per account at a time.
	lock *semaphore.Weighted
	wake chan struct{}

	mu             sync.Mutex
	state          State
	nextDue        time.Time
	lastAttempt    time.Time
	lastSuccess    time.Time
	pendingCatchUp int
	// inFlight is set while execute holds the cycle lock.
	inFlight bool
	last     *cycle.Result
}

func newAccountLoop(id string, cancel context.CancelFunc) *accountLoop {
	return &accountLoop{
		id:     id,
		cancel: cancel,
		lock:   semaphore.NewWeighted(1),
		wake:   make(chan struct{}, 1),
		state:  StateIdle,
	}
}

// poke makes a waiting loop re-read its next due time.
func (l *accountLoop) poke() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *accountLoop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *accountLoop) due() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextDue
}

func (e *Engine) runLoop(ctx context.Context, l *accountLoop) {
	log := e.logger.WithField("account_id", l.id)
	plan := e.plan(ctx, l)

	l.mu.Lock()
	l.nextDue = plan.NextDue
	l.pendingCatchUp = len(plan.CatchUp)
	l.mu.Unlock()

	if n := len(plan.CatchUp); n > 0 {
		e.metrics.CatchUpPlanned(n)
		msg := fmt.Sprintf("%d missed runs, %d catch-up runs planned", plan.Missed, n)
		log.WithFields(logging.Fields{"missed": plan.Missed, "planned": n}).Info("Planned catch-up runs")
		e.event(ctx, models.EventCatchUpPlanned, "info", l.id, msg)
	}

	for _, at := range plan.CatchUp {
		l.setState(StateCatchUp)
		if !e.waitUntil(ctx, l, func() time.Time { return at }, false) {
			return
		}
		e.runScheduled(ctx, l, true)
		l.mu.Lock()
		l.pendingCatchUp--
		l.mu.Unlock()
	}

	for {
		l.setState(StateIdle)
		if !e.waitUntil(ctx, l, l.due, true) {
			return
		}
		e.runScheduled(ctx, l, false)
	}
}

// plan reads the account's history and plans its start from the last
// successful post. A history read failure falls back to running now.
func (e *Engine) plan(ctx context.Context, l *accountLoop) Plan {
	now := e.now()
	success, ok, err := e.history.LastSuccessfulPostTime(ctx, l.id)
	if err != nil {
		e.logger.WithError(err).WithField("account_id", l.id).Error("Failed to read post history")
		e.event(ctx, models.EventStorageError, "error", l.id, "read post history: "+err.Error())
		return Plan{NextDue: now}
	}
	if attempt, found, err := e.history.LastAttemptTime(ctx, l.id); err == nil && found {
		l.mu.Lock()
		l.lastAttempt = attempt
		l.mu.Unlock()
	}
	if ok {
		l.mu.Lock()
		l.lastSuccess = success
		l.mu.Unlock()
	}
	return PlanStartup(now, success, ok, e.cfg)
}

// waitUntil blocks until target() has passed and starts are allowed. With
// follow set, a poke re-reads target. It returns false when ctx is done.
func (e *Engine) waitUntil(ctx context.Context, l *accountLoop, target func() time.Time, follow bool) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		held, changed := e.blocked()
		if held {
			select {
			case <-ctx.Done():
				return false
			case <-changed:
				continue
			}
		}
		wait := target().Sub(e.now())
		if wait <= 0 {
			return true
		}
		var wake <-chan struct{}
		if follow {
			wake = l.wake
		}
		select {
		case <-ctx.Done():
			return false
		case <-changed:
		case <-wake:
		case <-e.after(wait):
		}
	}
}

func (e *Engine) runScheduled(ctx context.Context, l *accountLoop, catchUp bool) {
	l.setState(StateDue)
	if err := l.lock.Acquire(ctx, 1); err != nil {
		return
	}
	defer l.lock.Release(1)

	// A manual trigger may have run while this loop waited for the lock.
	if !catchUp && l.due().After(e.now()) {
		return
	}
	if e.stop.EmergencyStopped() {
		return
	}
	_, _ = e.execute(ctx, l, catchUp)
}

// execute runs one cycle. The caller holds l.lock.
func (e *Engine) execute(ctx context.Context, l *accountLoop, catchUp bool) (*cycle.Result, error) {
	l.mu.Lock()
	l.state = StateRunning
	if catchUp {
		l.state = StateCatchUp
	}
	l.inFlight = true
	l.mu.Unlock()
	res, err := e.runner.Run(ctx, l.id, catchUp)

	attempt := e.now()
	l.mu.Lock()
	l.inFlight = false
	l.lastAttempt = attempt
	l.nextDue = attempt.Add(e.cfg.Interval)
	if res != nil {
		l.last = res
		if res.Success {
			l.lastSuccess = attempt
		}
	}
	l.state = StateIdle
	l.mu.Unlock()

	if err != nil {
		e.logger.WithError(err).WithField("account_id", l.id).Error("Cycle ended with a storage error")
	}
	return res, err
}
