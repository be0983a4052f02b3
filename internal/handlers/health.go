package handlers

import (
	"context"
	"net/http"
	"time"
)

// HealthCheck probes one dependency. A failing critical check makes the
// service unhealthy; any other failure only degrades it.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

const (
	healthHealthy   = "healthy"
	healthDegraded  = "degraded"
	healthUnhealthy = "unhealthy"
)

type healthResponse struct {
	Status        string            `json:"status"`
	Checks        map[string]string `json:"checks"`
	Provider      string            `json:"provider,omitempty"`
	Accounts      int               `json:"accounts"`
	Paused        bool              `json:"paused"`
	EmergencyStop bool              `json:"emergency_stop"`
	Time          time.Time         `json:"time"`
}

// HealthCheckHandler handles GET /api/v1/health. It answers 503 when unhealthy.
func (h *ControlHandler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:        healthHealthy,
		Checks:        make(map[string]string, len(h.Health)),
		Provider:      h.Provider,
		Accounts:      len(h.Accounts.List()),
		Paused:        h.Scheduler.Paused(),
		EmergencyStop: h.Scheduler.EmergencyStopped(),
		Time:          h.now().UTC(),
	}
	for _, c := range h.Health {
		if err := c.Check(ctx); err != nil {
			resp.Checks[c.Name] = err.Error()
			if c.Critical {
				resp.Status = healthUnhealthy
			} else if resp.Status == healthHealthy {
				resp.Status = healthDegraded
			}
			continue
		}
		resp.Checks[c.Name] = "ok"
	}

	status := http.StatusOK
	if resp.Status == healthUnhealthy {
		status = http.StatusServiceUnavailable
		h.log(r).WithField("checks", resp.Checks).Error("Health check unhealthy")
	}
	writeJSON(w, status, resp)
}
