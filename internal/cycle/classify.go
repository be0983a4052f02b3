package cycle

import (
	"errors"

	"github.com/postloom/backend/internal/generator"
	"github.com/postloom/backend/internal/models"
	"github.com/postloom/backend/internal/platforms"
	"github.com/postloom/backend/internal/registry"
	"github.com/postloom/backend/internal/safety"
)

// Classify maps a cycle error onto the failure kind stored with the attempt.
func Classify(err error) models.FailureKind {
	var apiErr *platforms.APIError
	switch {
	case err == nil:
		return models.FailureNone
	case errors.Is(err, safety.ErrEmergencyStop):
		return models.FailureEmergencyStop
	case errors.Is(err, safety.ErrBlocked), errors.Is(err, safety.ErrCostLimit):
		return models.FailureSafety
	case errors.Is(err, generator.ErrEmptyCollection), errors.Is(err, generator.ErrRetrieval):
		return models.FailureRetrieval
	case errors.Is(err, generator.ErrLengthExhausted):
		return models.FailureLength
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, platforms.ErrNoCredentials),
		errors.Is(err, platforms.ErrUnknownPlatform):
		return models.FailureConfig
	case errors.As(err, &apiErr):
		return models.FailurePlatform
	default:
		return models.FailureTechnical
	}
}
