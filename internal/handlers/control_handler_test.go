package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postloom/backend/internal/cycle"
	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/models"
	"github.com/postloom/backend/internal/platforms"
	"github.com/postloom/backend/internal/registry"
	"github.com/postloom/backend/internal/scheduler"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type fakeScheduler struct {
	mu         sync.Mutex
	paused     bool
	stopped    bool
	stopReason string
	stopErr    error
	triggerErr error
	triggers   int
}

func (f *fakeScheduler) TriggerNow(_ context.Context, id string) (*cycle.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
	if f.triggerErr != nil {
		return nil, f.triggerErr
	}
	return &cycle.Result{CycleID: uuid.New(), AccountID: id, Success: true}, nil
}

func (f *fakeScheduler) Status(id string) (scheduler.AccountStatus, error) {
	return scheduler.AccountStatus{AccountID: id, State: scheduler.StateIdle}, nil
}

func (f *fakeScheduler) StatusAll() []scheduler.AccountStatus { return nil }
func (f *fakeScheduler) Pause(context.Context)                { f.paused = true }
func (f *fakeScheduler) Resume(context.Context)               { f.paused = false }
func (f *fakeScheduler) Paused() bool                         { return f.paused }
func (f *fakeScheduler) EmergencyStopped() bool               { return f.stopped }

func (f *fakeScheduler) SetEmergencyStop(_ context.Context, on bool, reason string) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped, f.stopReason = on, reason
	return nil
}

type fakeAccounts map[string]*models.Account

func (f fakeAccounts) Get(id string) (*models.Account, error) {
	if a, ok := f[id]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, id)
}

func (f fakeAccounts) List() []*models.Account {
	out := make([]*models.Account, 0, len(f))
	for _, a := range f {
		out = append(out, a)
	}
	return out
}

type fakeAdapter struct {
	platform models.Platform
	ok       bool
	err      error
}

func (f *fakeAdapter) Platform() models.Platform { return f.platform }
func (f *fakeAdapter) CharacterLimit() int       { return 280 }
func (f *fakeAdapter) Post(context.Context, models.Credentials, string) (string, error) {
	return "", errors.New("not used")
}
func (f *fakeAdapter) TestConnection(context.Context, models.Credentials) (bool, error) {
	return f.ok, f.err
}

type fakeActivity struct {
	attempts []models.PostAttempt
	events   []models.SystemEvent
	err      error
	limit    int
	account  string
}

func (f *fakeActivity) Query(_ context.Context, accountID string, limit int) ([]models.PostAttempt, error) {
	f.account, f.limit = accountID, limit
	return f.attempts, f.err
}

func (f *fakeActivity) ListEvents(_ context.Context, limit int) ([]models.SystemEvent, error) {
	f.limit = limit
	return f.events, f.err
}

func (f *fakeActivity) SuccessRate(context.Context, string, time.Time) (float64, int, error) {
	return 0.75, 4, nil
}

type fakeEnqueuer struct {
	ids []string
}

func (f *fakeEnqueuer) EnqueueTrigger(_ context.Context, id string) (string, error) {
	f.ids = append(f.ids, id)
	return "job-1", nil
}

type harness struct {
	h        *ControlHandler
	sched    *fakeScheduler
	adapter  *fakeAdapter
	activity *fakeActivity
	enqueuer *fakeEnqueuer
}

func newHarness() *harness {
	acct := &models.Account{
		ID:          "acct",
		DisplayName: "Acct",
		Platforms:   []models.Platform{models.PlatformTwitter},
		Credentials: map[models.Platform]models.Credentials{
			models.PlatformTwitter: {AccountID: "acct", Values: map[string]string{"access_token": "t"}},
		},
	}
	hs := &harness{
		sched:    &fakeScheduler{},
		adapter:  &fakeAdapter{platform: models.PlatformTwitter, ok: true},
		activity: &fakeActivity{},
		enqueuer: &fakeEnqueuer{},
	}
	hs.h = &ControlHandler{
		Scheduler: hs.sched,
		Accounts:  fakeAccounts{"acct": acct},
		Adapters:  platforms.NewSet(hs.adapter),
		Activity:  hs.activity,
		Enqueuer:  hs.enqueuer,
		Logger:    logging.NewDiscard(),
	}
	return hs
}

func request(method, target, body string, pathValues map[string]string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	for k, v := range pathValues {
		req.SetPathValue(k, v)
	}
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

// ---------------------------------------------------------------------------
// Trigger
// ---------------------------------------------------------------------------

func TestTriggerNow_Sync(t *testing.T) {
	hs := newHarness()
	rec := httptest.NewRecorder()
	hs.h.TriggerNow(rec, request(http.MethodPost, "/api/v1/accounts/acct/trigger", "", map[string]string{"id": "acct"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res cycle.Result
	decode(t, rec, &res)
	assert.True(t, res.Success)
	assert.Equal(t, "acct", res.AccountID)
	assert.Equal(t, 1, hs.sched.triggers)
}

func TestTriggerNow_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"in flight", scheduler.ErrCycleInFlight, http.StatusConflict},
		{"emergency stop", scheduler.ErrEmergencyStop, http.StatusLocked},
		{"not started", scheduler.ErrNotStarted, http.StatusServiceUnavailable},
		{"unknown", fmt.Errorf("%w: acct", scheduler.ErrUnknownAccount), http.StatusNotFound},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hs := newHarness()
			hs.sched.triggerErr = tc.err
			rec := httptest.NewRecorder()
			hs.h.TriggerNow(rec, request(http.MethodPost, "/", "", map[string]string{"id": "acct"}))
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestTriggerNow_UnknownAccount(t *testing.T) {
	hs := newHarness()
	rec := httptest.NewRecorder()
	hs.h.TriggerNow(rec, request(http.MethodPost, "/", "", map[string]string{"id": "ghost"}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, hs.sched.triggers)
}

func TestTriggerNow_Async(t *testing.T) {
	hs := newHarness()
	rec := httptest.NewRecorder()
	hs.h.TriggerNow(rec, request(http.MethodPost, "/api/v1/accounts/acct/trigger?async=true", "", map[string]string{"id": "acct"}))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp triggerAcceptedResponse
	decode(t, rec, &resp)
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, []string{"acct"}, hs.enqueuer.ids)
	assert.Zero(t, hs.sched.triggers)
}

func TestTriggerNow_AsyncUnderEmergencyStop(t *testing.T) {
	hs := newHarness()
	hs.sched.stopped = true
	rec := httptest.NewRecorder()
	hs.h.TriggerNow(rec, request(http.MethodPost, "/?async=true", "", map[string]string{"id": "acct"}))

	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Empty(t, hs.enqueuer.ids)
}

// ---------------------------------------------------------------------------
// Status, platform test and controls
// ---------------------------------------------------------------------------

func TestGetStatus(t *testing.T) {
	hs := newHarness()
	hs.activity.attempts = []models.PostAttempt{{AccountID: "acct", Status: models.AttemptSuccess}}
	rec := httptest.NewRecorder()
	hs.h.GetStatus(rec, request(http.MethodGet, "/", "", map[string]string{"id": "acct"}))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	decode(t, rec, &resp)
	assert.Equal(t, "acct", resp.AccountID)
	assert.Equal(t, scheduler.StateIdle, resp.State)
	require.NotNil(t, resp.SuccessRate24h)
	assert.InDelta(t, 0.75, *resp.SuccessRate24h, 0.001)
	assert.Len(t, resp.RecentAttempts, 1)
	assert.Equal(t, recentAttempts, hs.activity.limit)
}

func TestTestPlatform(t *testing.T) {
	hs := newHarness()
	rec := httptest.NewRecorder()
	hs.h.TestPlatform(rec, request(http.MethodPost, "/", "", map[string]string{"id": "acct", "platform": "twitter"}))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp connectionResponse
	decode(t, rec, &resp)
	assert.True(t, resp.Connected)

	hs.adapter.ok = false
	rec = httptest.NewRecorder()
	hs.h.TestPlatform(rec, request(http.MethodPost, "/", "", map[string]string{"id": "acct", "platform": "twitter"}))
	decode(t, rec, &resp)
	assert.False(t, resp.Connected)

	hs.adapter.err = errors.New("dial tcp: timeout")
	rec = httptest.NewRecorder()
	hs.h.TestPlatform(rec, request(http.MethodPost, "/", "", map[string]string{"id": "acct", "platform": "twitter"}))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = httptest.NewRecorder()
	hs.h.TestPlatform(rec, request(http.MethodPost, "/", "", map[string]string{"id": "acct", "platform": "threads"}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPauseResume(t *testing.T) {
	hs := newHarness()
	rec := httptest.NewRecorder()
	hs.h.Pause(rec, request(http.MethodPost, "/", "", nil))
	var st controlState
	decode(t, rec, &st)
	assert.True(t, st.Paused)

	rec = httptest.NewRecorder()
	hs.h.Resume(rec, request(http.MethodPost, "/", "", nil))
	decode(t, rec, &st)
	assert.False(t, st.Paused)
}

func TestEmergencyStop(t *testing.T) {
	hs := newHarness()
	rec := httptest.NewRecorder()
	hs.h.EmergencyStop(rec, request(http.MethodPost, "/", `{"enabled":true,"reason":"bad output"}`, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st controlState
	decode(t, rec, &st)
	assert.True(t, st.EmergencyStop)
	assert.Equal(t, "bad output", hs.sched.stopReason)

	rec = httptest.NewRecorder()
	hs.h.EmergencyStop(rec, request(http.MethodPost, "/", `{"reason":"x"}`, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	hs.sched.stopErr = errors.New("disk full")
	rec = httptest.NewRecorder()
	hs.h.EmergencyStop(rec, request(http.MethodPost, "/", `{"enabled":false}`, nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, hs.sched.stopped, "a failed persist leaves the flag as it was")
}

// ---------------------------------------------------------------------------
// Activity queries and health
// ---------------------------------------------------------------------------

func TestListAttemptsAndEvents(t *testing.T) {
	hs := newHarness()
	rec := httptest.NewRecorder()
	hs.h.ListAttempts(rec, request(http.MethodGet, "/api/v1/attempts?account_id=acct&limit=5", "", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Equal(t, "acct", hs.activity.account)
	assert.Equal(t, 5, hs.activity.limit)

	hs.activity.events = []models.SystemEvent{{Kind: models.EventStartup, Message: "boot"}}
	rec = httptest.NewRecorder()
	hs.h.ListEvents(rec, request(http.MethodGet, "/api/v1/events?limit=nope", "", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var events []models.SystemEvent
	decode(t, rec, &events)
	assert.Len(t, events, 1)
	assert.Zero(t, hs.activity.limit)
}

func TestHealth(t *testing.T) {
	hs := newHarness()
	hs.h.Health = []HealthCheck{
		{Name: "store", Critical: true, Check: func(context.Context) error { return nil }},
		{Name: "knowledge", Check: func(context.Context) error { return nil }},
	}
	rec := httptest.NewRecorder()
	hs.h.HealthCheckHandler(rec, request(http.MethodGet, "/", "", nil))
	var resp healthResponse
	decode(t, rec, &resp)
	assert.Equal(t, healthHealthy, resp.Status)
	assert.Equal(t, 1, resp.Accounts)

	hs.h.Health[1].Check = func(context.Context) error { return errors.New("slow") }
	rec = httptest.NewRecorder()
	hs.h.HealthCheckHandler(rec, request(http.MethodGet, "/", "", nil))
	decode(t, rec, &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, healthDegraded, resp.Status)

	hs.h.Health[0].Check = func(context.Context) error { return errors.New("db down") }
	rec = httptest.NewRecorder()
	hs.h.HealthCheckHandler(rec, request(http.MethodGet, "/", "", nil))
	decode(t, rec, &resp)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, healthUnhealthy, resp.Status)
}
