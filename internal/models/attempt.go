package models

import (
	"time"

	"github.com/google/uuid"
)

type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptFailure AttemptStatus = "failure"
)

// FailureKind separates safety outcomes from technical ones.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureTechnical     FailureKind = "technical"
	FailureRetrieval     FailureKind = "retrieval"
	FailureSafety        FailureKind = "safety"
	FailureLength        FailureKind = "length"
	FailurePlatform      FailureKind = "platform"
	FailureConfig        FailureKind = "config"
	FailureEmergencyStop FailureKind = "emergency_stop"
)

// PostAttempt is one append-only activity row. Platform is empty when the
// cycle failed before any platform was dispatched.
type PostAttempt struct {
	ID             uuid.UUID     `json:"id"`
	CycleID        uuid.UUID     `json:"cycle_id"`
	AccountID      string        `json:"account_id"`
	Platform       Platform      `json:"platform,omitempty"`
	Content        string        `json:"content"`
	Status         AttemptStatus `json:"status"`
	ErrorDetail    string        `json:"error_detail,omitempty"`
	FailureKind    FailureKind   `json:"failure_kind,omitempty"`
	SeedChunkID    string        `json:"seed_chunk_id,omitempty"`
	SourceChunkIDs []string      `json:"source_chunk_ids,omitempty"`
	PlatformPostID string        `json:"platform_post_id,omitempty"`
	IsCatchUp      bool          `json:"is_catch_up"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Succeeded reports whether the attempt reached the platform successfully.
func (a *PostAttempt) Succeeded() bool { return a.Status == AttemptSuccess }

// StoreTime truncates t to the precision every activity store keeps.
func StoreTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
