package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/postloom/backend/internal/cycle"
	"github.com/postloom/backend/internal/execution"
	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/middleware"
	"github.com/postloom/backend/internal/models"
	"github.com/postloom/backend/internal/platforms"
	"github.com/postloom/backend/internal/registry"
	"github.com/postloom/backend/internal/scheduler"
)

// Scheduler is the subset of the scheduler engine the control surface drives.
type Scheduler interface {
	TriggerNow(ctx context.Context, accountID string) (*cycle.Result, error)
	Status(accountID string) (scheduler.AccountStatus, error)
	StatusAll() []scheduler.AccountStatus
	Pause(ctx context.Context)
	Resume(ctx context.Context)
	Paused() bool
	SetEmergencyStop(ctx context.Context, on bool, reason string) error
	EmergencyStopped() bool
}

// AccountLookup resolves registry accounts.
type AccountLookup interface {
	Get(id string) (*models.Account, error)
	List() []*models.Account
}

// AdapterLookup resolves platform adapters.
type AdapterLookup interface {
	Get(p models.Platform) (platforms.Adapter, bool)
}

// ActivityReader is the read side of the activity store.
type ActivityReader interface {
	Query(ctx context.Context, accountID string, limit int) ([]models.PostAttempt, error)
	ListEvents(ctx context.Context, limit int) ([]models.SystemEvent, error)
	SuccessRate(ctx context.Context, accountID string, since time.Time) (float64, int, error)
}

// ControlHandler serves the operator endpoints under /api/v1.
type ControlHandler struct {
	Scheduler Scheduler
	Accounts  AccountLookup
	Adapters  AdapterLookup
	Activity  ActivityReader
	Enqueuer  execution.Enqueuer
	Health    []HealthCheck
	Provider  string
	Logger    logging.Logger
	Now       func() time.Time
}

const recentAttempts = 10

func (h *ControlHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

var discard = logging.NewDiscard()

func (h *ControlHandler) log(r *http.Request) *logrus.Entry {
	logger := h.Logger
	if logger == nil {
		logger = discard
	}
	return logger.WithFields(logging.Fields{
		"path":     r.URL.Path,
		"operator": middleware.OperatorFromCtx(r.Context()),
	})
}

// --- GET /api/v1/accounts/{id}/status ---

type statusResponse struct {
	scheduler.AccountStatus
	DisplayName    string               `json:"display_name"`
	Platforms      []models.Platform    `json:"enabled_platforms"`
	SuccessRate24h *float64             `json:"success_rate_24h"`
	Attempts24h    int                  `json:"attempts_24h"`
	RecentAttempts []models.PostAttempt `json:"recent_attempts"`
}

// GetStatus handles GET /api/v1/accounts/{id}/status.
func (h *ControlHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	acct, err := h.Accounts.Get(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	st, err := h.Scheduler.Status(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	attempts, err := h.Activity.Query(r.Context(), id, recentAttempts)
	if err != nil {
		h.log(r).WithError(err).Error("Query attempts failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "activity store unavailable"})
		return
	}
	if attempts == nil {
		attempts = []models.PostAttempt{}
	}
	resp := statusResponse{
		AccountStatus:  st,
		DisplayName:    acct.DisplayName,
		Platforms:      acct.Platforms,
		RecentAttempts: attempts,
	}
	rate, total, err := h.Activity.SuccessRate(r.Context(), id, h.now().Add(-24*time.Hour))
	if err != nil {
		h.log(r).WithError(err).Warn("Success rate unavailable")
	} else if total > 0 {
		resp.SuccessRate24h = &rate
		resp.Attempts24h = total
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- POST /api/v1/accounts/{id}/trigger ---

type triggerAcceptedResponse struct {
	AccountID string `json:"account_id"`
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
}

// TriggerNow handles POST /api/v1/accounts/{id}/trigger. With ?async=true the
// cycle is handed to the job queue and 202 is returned at once.
func (h *ControlHandler) TriggerNow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.Accounts.Get(id); err != nil {
		h.writeError(w, r, err)
		return
	}

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		if h.Enqueuer == nil {
			writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "async trigger is not configured"})
			return
		}
		if h.Scheduler.EmergencyStopped() {
			h.writeError(w, r, scheduler.ErrEmergencyStop)
			return
		}
		jobID, err := h.Enqueuer.EnqueueTrigger(r.Context(), id)
		if err != nil {
			h.log(r).WithError(err).Error("Enqueue trigger failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue failed"})
			return
		}
		h.log(r).WithFields(logging.Fields{"account_id": id, "job_id": jobID}).Info("Trigger enqueued")
		writeJSON(w, http.StatusAccepted, triggerAcceptedResponse{AccountID: id, JobID: jobID, Status: "queued"})
		return
	}

	h.log(r).WithField("account_id", id).Info("Manual trigger")
	res, err := h.Scheduler.TriggerNow(r.Context(), id)
	if err != nil && res == nil {
		h.writeError(w, r, err)
		return
	}
	if err != nil {
		// The cycle ran but its outcome could not be stored.
		h.log(r).WithError(err).Error("Triggered cycle not recorded")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "cycle outcome not recorded", "result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- POST /api/v1/accounts/{id}/platforms/{platform}/test ---

type connectionResponse struct {
	AccountID string          `json:"account_id"`
	Platform  models.Platform `json:"platform"`
	Connected bool            `json:"connected"`
	Error     string          `json:"error,omitempty"`
}

// TestPlatform handles POST /api/v1/accounts/{id}/platforms/{platform}/test.
func (h *ControlHandler) TestPlatform(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p := models.Platform(r.PathValue("platform"))
	acct, err := h.Accounts.Get(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	adapter, ok := h.Adapters.Get(p)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown platform " + string(p)})
		return
	}
	if !acct.HasPlatform(p) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "platform not enabled for account"})
		return
	}
	resp := connectionResponse{AccountID: id, Platform: p}
	ok, err = adapter.TestConnection(r.Context(), acct.Credentials[p])
	switch {
	case errors.Is(err, platforms.ErrNoCredentials):
		resp.Error = err.Error()
	case err != nil:
		h.log(r).WithError(err).WithField("platform", p).Warn("Platform unreachable")
		resp.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	default:
		resp.Connected = ok
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- scheduler controls ---

type controlState struct {
	Paused        bool `json:"paused"`
	EmergencyStop bool `json:"emergency_stop"`
}

func (h *ControlHandler) state() controlState {
	return controlState{Paused: h.Scheduler.Paused(), EmergencyStop: h.Scheduler.EmergencyStopped()}
}

// Pause handles POST /api/v1/scheduler/pause.
func (h *ControlHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Pause(r.Context())
	h.log(r).Info("Scheduler paused by operator")
	writeJSON(w, http.StatusOK, h.state())
}

// Resume handles POST /api/v1/scheduler/resume.
func (h *ControlHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Resume(r.Context())
	h.log(r).Info("Scheduler resumed by operator")
	writeJSON(w, http.StatusOK, h.state())
}

type emergencyStopRequest struct {
	Enabled *bool  `json:"enabled"`
	Reason  string `json:"reason"`
}

// EmergencyStop handles POST /api/v1/scheduler/emergency-stop.
func (h *ControlHandler) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "enabled is required"})
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "operator " + middleware.OperatorFromCtx(r.Context())
	}
	if err := h.Scheduler.SetEmergencyStop(r.Context(), *req.Enabled, reason); err != nil {
		h.log(r).WithError(err).Error("Emergency stop not persisted")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "emergency stop not persisted"})
		return
	}
	h.log(r).WithFields(logging.Fields{"enabled": *req.Enabled, "reason": reason}).Warn("Emergency stop changed")
	writeJSON(w, http.StatusOK, h.state())
}

// --- activity queries ---

// ListAttempts handles GET /api/v1/attempts?account_id=&limit=.
func (h *ControlHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	attempts, err := h.Activity.Query(r.Context(), accountID, queryLimit(r))
	if err != nil {
		h.log(r).WithError(err).Error("Query attempts failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "activity store unavailable"})
		return
	}
	if attempts == nil {
		attempts = []models.PostAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

// ListEvents handles GET /api/v1/events?limit=.
func (h *ControlHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Activity.ListEvents(r.Context(), queryLimit(r))
	if err != nil {
		h.log(r).WithError(err).Error("List events failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "activity store unavailable"})
		return
	}
	if events == nil {
		events = []models.SystemEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// writeError maps scheduler and registry errors onto status codes.
func (h *ControlHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, scheduler.ErrUnknownAccount):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrCycleInFlight):
		status = http.StatusConflict
	case errors.Is(err, scheduler.ErrEmergencyStop):
		status = http.StatusLocked
	case errors.Is(err, scheduler.ErrNotStarted):
		status = http.StatusServiceUnavailable
	default:
		h.log(r).WithError(err).Error("Control request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
