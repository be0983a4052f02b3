package models

import (
	"time"

	"github.com/google/uuid"
)

// System event kinds.
const (
	EventStartup        = "startup"
	EventCatchUpPlanned = "catch_up_planned"
	EventSafetyBlock    = "safety_block"
	EventEmergencyStop  = "emergency_stop"
	EventSchedulerPause = "scheduler_pause"
	EventAccountsReload = "accounts_reload"
	EventStorageError   = "storage_error"
	EventConfigError    = "config_error"
)

// SystemEvent is an operator-visible log entry that is not a post attempt.
type SystemEvent struct {
	ID        uuid.UUID `json:"id"`
	Kind      string    `json:"kind"`
	Level     string    `json:"level"`
	AccountID string    `json:"account_id,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// CostEntry records the spend of model or moderation calls.
type CostEntry struct {
	ID        uuid.UUID `json:"id"`
	AccountID string    `json:"account_id"`
	Service   string    `json:"service"`
	Model     string    `json:"model"`
	Units     int       `json:"units"`
	CostUSD   float64   `json:"cost_usd"`
	CreatedAt time.Time `json:"created_at"`
}
