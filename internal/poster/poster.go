package poster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/metrics"
	"github.com/postloom/backend/internal/models"
	"github.com/postloom/backend/internal/platforms"
	"github.com/postloom/backend/internal/safety"
)

// recordTimeout bounds attempt writes once they are detached from the caller.
const recordTimeout = 10 * time.Second

// DispatchGate is consulted right before each platform call.
type DispatchGate interface {
	CheckDispatch(ctx context.Context) error
}

type Recorder interface {
	Record(ctx context.Context, a *models.PostAttempt) error
}

// Cycle identifies the run the attempts belong to.
type Cycle struct {
	ID        uuid.UUID
	IsCatchUp bool
}

// Outcome is what happened on one platform.
type Outcome struct {
	Platform    models.Platform
	Status      models.AttemptStatus
	PostID      string
	FailureKind models.FailureKind
	Err         error
}

func (o Outcome) Succeeded() bool { return o.Status == models.AttemptSuccess }

// Poster fans one generation result out to every platform the account has
// enabled. Platforms are independent: one failing never stops another.
type Poster struct {
	adapters *platforms.Set
	gate     DispatchGate
	store    Recorder
	metrics  *metrics.Metrics
	logger   logging.Logger
	now      func() time.Time
}

func New(adapters *platforms.Set, gate DispatchGate, store Recorder, m *metrics.Metrics, logger logging.Logger) *Poster {
	return &Poster{
		adapters: adapters,
		gate:     gate,
		store:    store,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Publish dispatches concurrently and then writes one attempt per platform
// in the account's platform order. The returned error is set only when an
// attempt could not be stored. Attempts are written even when ctx is
// cancelled after dispatch, since the posts may already be live.
func (p *Poster) Publish(ctx context.Context, cycle Cycle, acct *models.Account, res *models.GenerationResult) (map[models.Platform]Outcome, error) {
	rows := make([]*models.PostAttempt, len(acct.Platforms))
	outcomes := make([]Outcome, len(acct.Platforms))

	var g errgroup.Group
	for i, platform := range acct.Platforms {
		g.Go(func() error {
			outcomes[i], rows[i] = p.dispatch(ctx, cycle, acct, res, platform)
			return nil
		})
	}
	_ = g.Wait()

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	out := make(map[models.Platform]Outcome, len(outcomes))
	var storeErr error
	for i, row := range rows {
		out[row.Platform] = outcomes[i]
		p.metrics.PostAttempted(row.Platform, row.Status)
		if err := p.store.Record(recordCtx, row); err != nil {
			p.logger.WithError(err).WithFields(logging.Fields{
				"account_id": acct.ID,
				"cycle_id":   cycle.ID,
				"platform":   row.Platform,
			}).Error("Failed to record post attempt")
			storeErr = errors.Join(storeErr, fmt.Errorf("record %s attempt: %w", row.Platform, err))
		}
	}
	return out, storeErr
}

func (p *Poster) dispatch(ctx context.Context, cycle Cycle, acct *models.Account, res *models.GenerationResult, platform models.Platform) (Outcome, *models.PostAttempt) {
	text, hasText := res.TextFor(platform)
	content := text
	if !hasText {
		content = res.Content
	}
	fail := func(kind models.FailureKind, err error) (Outcome, *models.PostAttempt) {
		p.logger.WithError(err).WithFields(logging.Fields{
			"account_id":   acct.ID,
			"cycle_id":     cycle.ID,
			"platform":     platform,
			"failure_kind": kind,
		}).Warn("Platform post failed")
		return Outcome{Platform: platform, Status: models.AttemptFailure, FailureKind: kind, Err: err},
			p.row(cycle, acct, res, platform, content, models.AttemptFailure, kind, err.Error(), "")
	}

	adapter, ok := p.adapters.Get(platform)
	if !ok {
		return fail(models.FailureConfig, fmt.Errorf("%w: %s", platforms.ErrUnknownPlatform, platform))
	}
	creds, ok := acct.Credentials[platform]
	if !ok {
		return fail(models.FailureConfig, fmt.Errorf("%w: %s", platforms.ErrNoCredentials, platform))
	}
	if err := platforms.ValidateCredentials(platform, creds); err != nil {
		return fail(models.FailureConfig, err)
	}
	if reason, rejected := res.Rejected[platform]; rejected || !hasText {
		if reason == "" {
			reason = "no text for platform"
		}
		return fail(models.FailureLength, errors.New(reason))
	}
	if err := p.gate.CheckDispatch(ctx); err != nil {
		switch {
		case errors.Is(err, safety.ErrEmergencyStop):
			return fail(models.FailureEmergencyStop, err)
		case errors.Is(err, safety.ErrCostLimit):
			return fail(models.FailureSafety, fmt.Errorf("safety block: %w", err))
		default:
			return fail(models.FailureTechnical, err)
		}
	}

	postID, err := adapter.Post(ctx, creds, text)
	if err != nil {
		kind := models.FailurePlatform
		if errors.Is(err, platforms.ErrNoCredentials) {
			kind = models.FailureConfig
		}
		return fail(kind, err)
	}
	p.logger.WithFields(logging.Fields{
		"account_id": acct.ID,
		"cycle_id":   cycle.ID,
		"platform":   platform,
		"post_id":    postID,
	}).Info("Posted")
	return Outcome{Platform: platform, Status: models.AttemptSuccess, PostID: postID},
		p.row(cycle, acct, res, platform, text, models.AttemptSuccess, models.FailureNone, "", postID)
}

func (p *Poster) row(cycle Cycle, acct *models.Account, res *models.GenerationResult, platform models.Platform,
	content string, status models.AttemptStatus, kind models.FailureKind, detail, postID string) *models.PostAttempt {
	return &models.PostAttempt{
		CycleID:        cycle.ID,
		AccountID:      acct.ID,
		Platform:       platform,
		Content:        content,
		Status:         status,
		ErrorDetail:    detail,
		FailureKind:    kind,
		SeedChunkID:    res.SeedChunkID,
		SourceChunkIDs: res.SourceChunkIDs,
		PlatformPostID: postID,
		IsCatchUp:      cycle.IsCatchUp,
		CreatedAt:      p.now(),
	}
}

// AnySucceeded reports whether the cycle reached at least one platform.
func AnySucceeded(outcomes map[models.Platform]Outcome) bool {
	for _, o := range outcomes {
		if o.Succeeded() {
			return true
		}
	}
	return false
}
