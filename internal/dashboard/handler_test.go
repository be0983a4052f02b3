package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/models"
	"github.com/postloom/backend/internal/scheduler"
)

type staticAccounts []*models.Account

func (s staticAccounts) List() []*models.Account { return s }

type staticStatus struct {
	statuses []scheduler.AccountStatus
	stopped  bool
}

func (s staticStatus) StatusAll() []scheduler.AccountStatus { return s.statuses }
func (s staticStatus) Paused() bool                         { return false }
func (s staticStatus) EmergencyStopped() bool               { return s.stopped }

type staticActivity struct {
	last map[string]time.Time
}

func (s staticActivity) LastSuccessfulPostTime(_ context.Context, id string) (time.Time, bool, error) {
	t, ok := s.last[id]
	return t, ok, nil
}

func (s staticActivity) SuccessRate(_ context.Context, id string, _ time.Time) (float64, int, error) {
	if id == "busy" {
		return 1, 3, nil
	}
	return 0, 0, nil
}

type staticSpend struct {
	spent float64
	err   error
}

func (s staticSpend) SpentToday(context.Context) (float64, error) { return s.spent, s.err }

func TestOverview(t *testing.T) {
	next := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	stored := time.Date(2026, 4, 30, 8, 0, 0, 0, time.UTC)
	h := NewHandler(
		staticAccounts{
			{ID: "busy", DisplayName: "Busy", Platforms: []models.Platform{models.PlatformTwitter}},
			{ID: "quiet", DisplayName: "Quiet", Platforms: []models.Platform{models.PlatformThreads}},
		},
		staticStatus{
			stopped: true,
			statuses: []scheduler.AccountStatus{
				{AccountID: "busy", State: scheduler.StateRunning, NextDue: &next, LastResult: "success"},
			},
		},
		staticActivity{last: map[string]time.Time{"busy": stored}},
		staticSpend{spent: 1.25},
		10,
		logging.NewDiscard(),
	)

	rec := httptest.NewRecorder()
	h.Overview(rec, httptest.NewRequest(http.MethodGet, "/api/v1/dashboard/overview", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp overviewResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Accounts, 2)
	assert.InDelta(t, 1.25, resp.CostTodayUSD, 0.0001)
	assert.Equal(t, 10.0, resp.DailyCostLimit)
	assert.True(t, resp.EmergencyStop)

	busy := resp.Accounts[0]
	assert.Equal(t, scheduler.StateRunning, busy.State)
	require.NotNil(t, busy.NextPost)
	assert.True(t, busy.NextPost.Equal(next))
	require.NotNil(t, busy.LastPost)
	assert.True(t, busy.LastPost.Equal(stored), "falls back to the activity store")
	require.NotNil(t, busy.SuccessRate24h)

	quiet := resp.Accounts[1]
	assert.Equal(t, scheduler.StateIdle, quiet.State)
	assert.Nil(t, quiet.LastPost)
	assert.Nil(t, quiet.NextPost)
	assert.Nil(t, quiet.SuccessRate24h)
}

func TestOverview_SpendError(t *testing.T) {
	h := NewHandler(staticAccounts{}, staticStatus{}, staticActivity{}, staticSpend{err: errors.New("down")}, 10, nil)
	rec := httptest.NewRecorder()
	h.Overview(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
