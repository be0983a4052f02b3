package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/postloom/backend/internal/cycle"
	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/metrics"
	"github.com/postloom/backend/internal/models"
	"github.com/postloom/backend/internal/safety"
)

var (
	// ErrCycleInFlight is returned by TriggerNow while the account is running.
	ErrCycleInFlight = errors.New("cycle already in flight")
	// ErrEmergencyStop blocks every cycle start, including manual ones.
	ErrEmergencyStop = safety.ErrEmergencyStop
	// ErrUnknownAccount is returned for ids without a loaded account.
	ErrUnknownAccount = errors.New("unknown account")
	// ErrNotStarted is returned by operations that need Start first.
	ErrNotStarted = errors.New("scheduler not started")
)

type Runner interface {
	Run(ctx context.Context, accountID string, catchUp bool) (*cycle.Result, error)
}

type History interface {
	LastAttemptTime(ctx context.Context, accountID string) (time.Time, bool, error)
	LastSuccessfulPostTime(ctx context.Context, accountID string) (time.Time, bool, error)
}

type Accounts interface {
	List() []*models.Account
	Reload() error
}

// StopSwitch is the emergency stop holder.
type StopSwitch interface {
	EmergencyStopped() bool
	SetEmergencyStop(ctx context.Context, on bool, reason string) error
	OnEmergencyStopChange(fn func(stopped bool))
}

type EventRecorder interface {
	RecordEvent(ctx context.Context, e *models.SystemEvent) error
}

type Option func(*Engine)

// WithClock overrides the engine clock.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithAfter overrides the timer used while waiting for the next run.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(e *Engine) {
		if after != nil {
			e.after = after
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine runs one loop per account. Loops never share state except through
// the engine's pause and emergency stop flags.
type Engine struct {
	cfg      Config
	runner   Runner
	history  History
	accounts Accounts
	stop     StopSwitch
	events   EventRecorder
	metrics  *metrics.Metrics
	logger   logging.Logger
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	root    context.Context
	loops   map[string]*accountLoop
	paused  bool
	changed chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config, runner Runner, history History, accounts Accounts, stop StopSwitch,
	events EventRecorder, logger logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		runner:   runner,
		history:  history,
		accounts: accounts,
		stop:     stop,
		events:   events,
		logger:   logger,
		now:      time.Now,
		after:    time.After,
		loops:    make(map[string]*accountLoop),
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	stop.OnEmergencyStopChange(func(stopped bool) {
		e.metrics.SetEmergencyStop(stopped)
		e.broadcast()
	})
	e.metrics.SetEmergencyStop(stop.EmergencyStopped())
	return e
}

// Start registers every loaded account and, when scheduling is enabled,
// starts its loop. Loops stop when ctx is cancelled; Wait blocks until they
// have.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.root = ctx
	e.mu.Unlock()
	for _, acct := range e.accounts.List() {
		e.addLoop(acct.ID)
	}
	e.logger.WithFields(logging.Fields{
		"accounts": len(e.accounts.List()),
		"enabled":  e.cfg.Enabled,
		"interval": e.cfg.Interval.String(),
	}).Info("Scheduler started")
}

func (e *Engine) Wait() { e.wg.Wait() }

// Run is Start followed by blocking until ctx is done and every loop exited.
func (e *Engine) Run(ctx context.Context) error {
	e.Start(ctx)
	<-ctx.Done()
	e.Wait()
	return nil
}

func (e *Engine) addLoop(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.loops[id]; ok || e.root == nil {
		return
	}
	ctx, cancel := context.WithCancel(e.root)
	l := newAccountLoop(id, cancel)
	e.loops[id] = l
	if !e.cfg.Enabled {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runLoop(ctx, l)
	}()
}

func (e *Engine) loop(id string) (*accountLoop, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.root == nil {
		return nil, ErrNotStarted
	}
	l, ok := e.loops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return l, nil
}

// Reload re-reads the account files. New accounts get a loop planned from
// their own history; removed accounts have their loop cancelled.
func (e *Engine) Reload(ctx context.Context) error {
	if err := e.accounts.Reload(); err != nil {
		return err
	}
	current := make(map[string]struct{})
	for _, acct := range e.accounts.List() {
		current[acct.ID] = struct{}{}
	}

	var added, removed []string
	e.mu.Lock()
	for id, l := range e.loops {
		if _, ok := current[id]; !ok {
			l.cancel()
			delete(e.loops, id)
			removed = append(removed, id)
		}
	}
	for id := range current {
		if _, ok := e.loops[id]; !ok {
			added = append(added, id)
		}
	}
	e.mu.Unlock()
	for _, id := range added {
		e.addLoop(id)
	}

	msg := fmt.Sprintf("accounts reloaded: %d added, %d removed", len(added), len(removed))
	e.logger.WithFields(logging.Fields{"added": added, "removed": removed}).Info("Accounts reloaded")
	e.event(ctx, models.EventAccountsReload, "info", "", msg)
	return nil
}

func (e *Engine) Pause(ctx context.Context) {
	e.setPaused(ctx, true)
}

func (e *Engine) Resume(ctx context.Context) {
	e.setPaused(ctx, false)
}

func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *Engine) setPaused(ctx context.Context, paused bool) {
	e.mu.Lock()
	if e.paused == paused {
		e.mu.Unlock()
		return
	}
	e.paused = paused
	e.mu.Unlock()
	e.broadcast()

	state := "resumed"
	if paused {
		state = "paused"
	}
	e.logger.Infof("Scheduler %s", state)
	e.event(ctx, models.EventSchedulerPause, "info", "", "scheduler "+state)
}

func (e *Engine) SetEmergencyStop(ctx context.Context, on bool, reason string) error {
	return e.stop.SetEmergencyStop(ctx, on, reason)
}

func (e *Engine) EmergencyStopped() bool { return e.stop.EmergencyStopped() }

// broadcast wakes every waiter so it re-reads the pause and stop flags.
func (e *Engine) broadcast() {
	e.mu.Lock()
	close(e.changed)
	e.changed = make(chan struct{})
	e.mu.Unlock()
}

// blocked returns whether starts are held and the channel that closes on
// the next flag change.
func (e *Engine) blocked() (bool, <-chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused || e.stop.EmergencyStopped(), e.changed
}

// TriggerNow runs a regular cycle immediately. It never waits for a cycle
// already in flight for the same account.
func (e *Engine) TriggerNow(ctx context.Context, accountID string) (*cycle.Result, error) {
	if e.stop.EmergencyStopped() {
		return nil, ErrEmergencyStop
	}
	l, err := e.loop(accountID)
	if err != nil {
		return nil, err
	}
	if !l.lock.TryAcquire(1) {
		return nil, ErrCycleInFlight
	}
	defer l.lock.Release(1)
	if e.stop.EmergencyStopped() {
		return nil, ErrEmergencyStop
	}
	res, err := e.execute(ctx, l, false)
	l.poke()
	return res, err
}

func (e *Engine) event(ctx context.Context, kind, level, accountID, msg string) {
	if e.events == nil {
		return
	}
	err := e.events.RecordEvent(ctx, &models.SystemEvent{Kind: kind, Level: level, AccountID: accountID, Message: msg})
	if err != nil {
		e.logger.WithError(err).WithField("kind", kind).Error("Failed to record system event")
	}
}
