package scheduler

import (
	"sort"
	"time"

	"github.com/postloom/backend/internal/models"
)

// AccountStatus is a snapshot of one account loop.
type AccountStatus struct {
	AccountID      string             `json:"account_id"`
	State          State              `json:"state"`
	NextDue        *time.Time         `json:"next_due,omitempty"`
	LastAttempt    *time.Time         `json:"last_attempt,omitempty"`
	LastSuccess    *time.Time         `json:"last_success,omitempty"`
	PendingCatchUp int                `json:"pending_catch_up"`
	Locked         bool               `json:"locked"`
	LastResult     string             `json:"last_result,omitempty"`
	LastFailure    models.FailureKind `json:"last_failure_kind,omitempty"`
	Paused         bool               `json:"paused"`
	EmergencyStop  bool               `json:"emergency_stop"`
}

// Status returns the snapshot of one account.
func (e *Engine) Status(accountID string) (AccountStatus, error) {
	l, err := e.loop(accountID)
	if err != nil {
		return AccountStatus{}, err
	}
	return e.snapshot(l), nil
}

// StatusAll returns every account's snapshot ordered by id.
func (e *Engine) StatusAll() []AccountStatus {
	e.mu.Lock()
	loops := make([]*accountLoop, 0, len(e.loops))
	for _, l := range e.loops {
		loops = append(loops, l)
	}
	e.mu.Unlock()

	out := make([]AccountStatus, 0, len(loops))
	for _, l := range loops {
		out = append(out, e.snapshot(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (e *Engine) snapshot(l *accountLoop) AccountStatus {
	paused := e.Paused()
	stopped := e.stop.EmergencyStopped()

	l.mu.Lock()
	defer l.mu.Unlock()
	s := AccountStatus{
		AccountID:      l.id,
		State:          l.state,
		NextDue:        timePtr(l.nextDue),
		LastAttempt:    timePtr(l.lastAttempt),
		LastSuccess:    timePtr(l.lastSuccess),
		PendingCatchUp: l.pendingCatchUp,
		Locked:         l.inFlight,
		Paused:         paused,
		EmergencyStop:  stopped,
	}
	if !e.cfg.Enabled {
		s.NextDue = nil
	}
	if l.last != nil {
		s.LastResult = "failure"
		if l.last.Success {
			s.LastResult = "success"
		}
		s.LastFailure = l.last.FailureKind
	}
	return s
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
