package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/models"
	"github.com/postloom/backend/internal/scheduler"
)

type AccountLister interface {
	List() []*models.Account
}

type StatusSource interface {
	StatusAll() []scheduler.AccountStatus
	Paused() bool
	EmergencyStopped() bool
}

type ActivitySource interface {
	LastSuccessfulPostTime(ctx context.Context, accountID string) (time.Time, bool, error)
	SuccessRate(ctx context.Context, accountID string, since time.Time) (float64, int, error)
}

type SpendSource interface {
	SpentToday(ctx context.Context) (float64, error)
}

type Handler struct {
	accounts  AccountLister
	status    StatusSource
	activity  ActivitySource
	spend     SpendSource
	costLimit float64
	log       logging.Logger
	now       func() time.Time
}

func NewHandler(
	accounts AccountLister,
	status StatusSource,
	activity ActivitySource,
	spend SpendSource,
	costLimit float64,
	log logging.Logger,
) *Handler {
	if log == nil {
		log = logging.NewDiscard()
	}
	return &Handler{
		accounts:  accounts,
		status:    status,
		activity:  activity,
		spend:     spend,
		costLimit: costLimit,
		log:       log,
		now:       time.Now,
	}
}

type accountSummary struct {
	ID             string             `json:"account_id"`
	DisplayName    string             `json:"display_name"`
	Platforms      []models.Platform  `json:"enabled_platforms"`
	State          scheduler.State    `json:"state"`
	LastPost       *time.Time         `json:"last_post"`
	NextPost       *time.Time         `json:"next_post"`
	LastResult     string             `json:"last_result,omitempty"`
	LastFailure    models.FailureKind `json:"last_failure_kind,omitempty"`
	SuccessRate24h *float64           `json:"success_rate_24h"`
}

type overviewResponse struct {
	Accounts       []accountSummary `json:"accounts"`
	CostTodayUSD   float64          `json:"cost_today_usd"`
	DailyCostLimit float64          `json:"daily_cost_limit_usd"`
	Paused         bool             `json:"paused"`
	EmergencyStop  bool             `json:"emergency_stop"`
	GeneratedAt    time.Time        `json:"generated_at"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GET /api/v1/dashboard/overview
func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.now()

	statuses := make(map[string]scheduler.AccountStatus)
	for _, s := range h.status.StatusAll() {
		statuses[s.AccountID] = s
	}

	accounts := h.accounts.List()
	resp := overviewResponse{
		Accounts:       make([]accountSummary, 0, len(accounts)),
		DailyCostLimit: h.costLimit,
		Paused:         h.status.Paused(),
		EmergencyStop:  h.status.EmergencyStopped(),
		GeneratedAt:    now.UTC(),
	}
	for _, a := range accounts {
		sum := accountSummary{
			ID:          a.ID,
			DisplayName: a.DisplayName,
			Platforms:   a.Platforms,
			State:       scheduler.StateIdle,
		}
		if st, ok := statuses[a.ID]; ok {
			sum.State = st.State
			sum.NextPost = st.NextDue
			sum.LastPost = st.LastSuccess
			sum.LastResult = st.LastResult
			sum.LastFailure = st.LastFailure
		}
		if sum.LastPost == nil {
			last, ok, err := h.activity.LastSuccessfulPostTime(ctx, a.ID)
			if err != nil {
				h.log.WithError(err).WithField("account_id", a.ID).Warn("Last post time unavailable")
			} else if ok {
				sum.LastPost = &last
			}
		}
		rate, total, err := h.activity.SuccessRate(ctx, a.ID, now.Add(-24*time.Hour))
		if err != nil {
			h.log.WithError(err).WithField("account_id", a.ID).Warn("Success rate unavailable")
		} else if total > 0 {
			sum.SuccessRate24h = &rate
		}
		resp.Accounts = append(resp.Accounts, sum)
	}

	spent, err := h.spend.SpentToday(ctx)
	if err != nil {
		h.log.WithError(err).Error("Spend lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cost ledger unavailable"})
		return
	}
	resp.CostTodayUSD = spent
	writeJSON(w, http.StatusOK, resp)
}
