package poster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/models"
	"github.com/postloom/backend/internal/platforms"
	"github.com/postloom/backend/internal/safety"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockAdapter struct {
	platform  models.Platform
	err       error
	calls     atomic.Int32
	afterPost func()
}

func (m *mockAdapter) Platform() models.Platform { return m.platform }
func (m *mockAdapter) CharacterLimit() int       { return 280 }
func (m *mockAdapter) Post(_ context.Context, _ models.Credentials, _ string) (string, error) {
	m.calls.Add(1)
	if m.err != nil {
		return "", m.err
	}
	if m.afterPost != nil {
		m.afterPost()
	}
	return string(m.platform) + "-id", nil
}
func (m *mockAdapter) TestConnection(context.Context, models.Credentials) (bool, error) {
	return true, nil
}

type mockGate struct{ err error }

func (g mockGate) CheckDispatch(context.Context) error { return g.err }

type memRecorder struct {
	mu   sync.Mutex
	rows []models.PostAttempt
	err  error
}

func (m *memRecorder) Record(ctx context.Context, a *models.PostAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.rows = append(m.rows, *a)
	return nil
}

func account() *models.Account {
	return &models.Account{
		ID:        "acct",
		Platforms: []models.Platform{models.PlatformTwitter, models.PlatformThreads},
		Credentials: map[models.Platform]models.Credentials{
			models.PlatformTwitter: {AccountID: "acct", Values: map[string]string{"access_token": "t"}},
			models.PlatformThreads: {AccountID: "acct", Values: map[string]string{"access_token": "t", "user_id": "u"}},
		},
	}
}

func generation() *models.GenerationResult {
	return &models.GenerationResult{
		AccountID:      "acct",
		Content:        "a post",
		Adapted:        map[models.Platform]string{models.PlatformTwitter: "a post", models.PlatformThreads: "a post"},
		SeedChunkID:    "seed-1",
		SourceChunkIDs: []string{"seed-1", "c2"},
	}
}

func setup(twitterErr, threadsErr error, gate DispatchGate) (*Poster, *mockAdapter, *mockAdapter, *memRecorder) {
	tw := &mockAdapter{platform: models.PlatformTwitter, err: twitterErr}
	th := &mockAdapter{platform: models.PlatformThreads, err: threadsErr}
	rec := &memRecorder{}
	p := New(platforms.NewSet(tw, th), gate, rec, nil, logging.NewDiscard())
	return p, tw, th, rec
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestPublish_OneFailsOneSucceeds(t *testing.T) {
	p, tw, th, rec := setup(errors.New("twitter is down"), nil, mockGate{})
	cycle := Cycle{ID: uuid.New(), IsCatchUp: true}

	out, err := p.Publish(context.Background(), cycle, account(), generation())
	require.NoError(t, err)
	assert.True(t, AnySucceeded(out))
	assert.Equal(t, int32(1), tw.calls.Load())
	assert.Equal(t, int32(1), th.calls.Load())

	require.Len(t, rec.rows, 2)
	assert.Equal(t, models.PlatformTwitter, rec.rows[0].Platform, "rows follow the account's platform order")
	assert.Equal(t, models.AttemptFailure, rec.rows[0].Status)
	assert.Equal(t, models.FailurePlatform, rec.rows[0].FailureKind)
	assert.Contains(t, rec.rows[0].ErrorDetail, "twitter is down")
	assert.Equal(t, models.AttemptSuccess, rec.rows[1].Status)
	assert.Equal(t, "threads-id", rec.rows[1].PlatformPostID)
	for _, row := range rec.rows {
		assert.Equal(t, cycle.ID, row.CycleID)
		assert.True(t, row.IsCatchUp)
		assert.Equal(t, "seed-1", row.SeedChunkID)
	}
}

func TestPublish_EmergencyStopSkipsEveryPost(t *testing.T) {
	p, tw, th, rec := setup(nil, nil, mockGate{err: safety.ErrEmergencyStop})

	out, err := p.Publish(context.Background(), Cycle{ID: uuid.New()}, account(), generation())
	require.NoError(t, err)
	assert.False(t, AnySucceeded(out))
	assert.Zero(t, tw.calls.Load())
	assert.Zero(t, th.calls.Load())
	require.Len(t, rec.rows, 2)
	for _, row := range rec.rows {
		assert.Equal(t, models.FailureEmergencyStop, row.FailureKind)
	}
}

func TestPublish_CostLimitIsSafetyFailure(t *testing.T) {
	p, _, _, rec := setup(nil, nil, mockGate{err: safety.ErrCostLimit})
	_, err := p.Publish(context.Background(), Cycle{ID: uuid.New()}, account(), generation())
	require.NoError(t, err)
	require.Len(t, rec.rows, 2)
	assert.Equal(t, models.FailureSafety, rec.rows[0].FailureKind)
	assert.Contains(t, rec.rows[0].ErrorDetail, "safety block")
}

func TestPublish_LengthAndConfigFailures(t *testing.T) {
	p, tw, th, rec := setup(nil, nil, mockGate{})
	acct := account()
	delete(acct.Credentials, models.PlatformThreads)
	res := generation()
	delete(res.Adapted, models.PlatformTwitter)
	res.Rejected = map[models.Platform]string{models.PlatformTwitter: "still 301 characters after 2 shorten attempts"}

	out, err := p.Publish(context.Background(), Cycle{ID: uuid.New()}, acct, res)
	require.NoError(t, err)
	assert.False(t, AnySucceeded(out))
	assert.Zero(t, tw.calls.Load())
	assert.Zero(t, th.calls.Load())
	assert.Equal(t, models.FailureLength, out[models.PlatformTwitter].FailureKind)
	assert.Equal(t, models.FailureConfig, out[models.PlatformThreads].FailureKind)
	assert.Equal(t, "a post", rec.rows[0].Content)
}

func TestPublish_StorageErrorIsReturned(t *testing.T) {
	p, _, _, rec := setup(nil, nil, mockGate{})
	rec.err = errors.New("disk full")
	out, err := p.Publish(context.Background(), Cycle{ID: uuid.New()}, account(), generation())
	assert.Error(t, err)
	assert.True(t, AnySucceeded(out), "outcomes still reflect what was posted")
}

func TestPublish_RecordsAttemptsAfterCallerCancels(t *testing.T) {
	p, tw, th, rec := setup(nil, nil, mockGate{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tw.afterPost = cancel
	th.afterPost = cancel

	out, err := p.Publish(ctx, Cycle{ID: uuid.New()}, account(), generation())
	require.NoError(t, err)
	assert.True(t, AnySucceeded(out))
	assert.Equal(t, int32(1), tw.calls.Load())
	assert.Equal(t, int32(1), th.calls.Load())

	require.Len(t, rec.rows, 2, "live posts must still be recorded")
	for _, row := range rec.rows {
		assert.Equal(t, models.AttemptSuccess, row.Status)
		assert.Equal(t, "seed-1", row.SeedChunkID)
	}
}
