package cycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postloom/backend/internal/generator"
	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/models"
	"github.com/postloom/backend/internal/platforms"
	"github.com/postloom/backend/internal/poster"
	"github.com/postloom/backend/internal/registry"
	"github.com/postloom/backend/internal/safety"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockAccounts map[string]*models.Account

func (m mockAccounts) Get(id string) (*models.Account, error) {
	if a, ok := m[id]; ok {
		return a, nil
	}
	return nil, registry.ErrNotFound
}

type mockGenerator struct {
	res   *models.GenerationResult
	err   error
	calls int
}

func (m *mockGenerator) Generate(context.Context, *models.Account) (*models.GenerationResult, error) {
	m.calls++
	return m.res, m.err
}

type mockGate struct {
	stopped bool
	verdict models.SafetyVerdict
	err     error
}

func (g *mockGate) EmergencyStopped() bool { return g.stopped }
func (g *mockGate) Review(context.Context, *models.Account, *models.GenerationResult) (models.SafetyVerdict, error) {
	return g.verdict, g.err
}

type mockPublisher struct {
	outcomes map[models.Platform]poster.Outcome
	calls    int
}

func (p *mockPublisher) Publish(context.Context, poster.Cycle, *models.Account, *models.GenerationResult) (map[models.Platform]poster.Outcome, error) {
	p.calls++
	return p.outcomes, nil
}

type memStore struct {
	mu        sync.Mutex
	rows      []models.PostAttempt
	events    []models.SystemEvent
	recordErr error
}

func (m *memStore) Record(ctx context.Context, a *models.PostAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.rows = append(m.rows, *a)
	return nil
}

func (m *memStore) RecordEvent(ctx context.Context, e *models.SystemEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	m.events = append(m.events, *e)
	return nil
}

type memCosts struct{ usages []models.Usage }

func (m *memCosts) RecordUsage(_ context.Context, _, _ string, u models.Usage) (float64, error) {
	m.usages = append(m.usages, u)
	return 0.01, nil
}

type fixture struct {
	runner    *Runner
	gen       *mockGenerator
	gate      *mockGate
	publisher *mockPublisher
	store     *memStore
	costs     *memCosts
}

func newFixture() *fixture {
	f := &fixture{
		gen: &mockGenerator{res: &models.GenerationResult{
			AccountID:   "acct",
			Content:     "hello",
			Adapted:     map[models.Platform]string{models.PlatformTwitter: "hello"},
			SeedChunkID: "seed",
			Usage:       models.Usage{Model: "m", Calls: 1, PromptTokens: 10},
		}},
		gate: &mockGate{verdict: models.SafetyVerdict{Allowed: true}},
		publisher: &mockPublisher{outcomes: map[models.Platform]poster.Outcome{
			models.PlatformTwitter: {Platform: models.PlatformTwitter, Status: models.AttemptSuccess, PostID: "1"},
		}},
		store: &memStore{},
		costs: &memCosts{},
	}
	accounts := mockAccounts{"acct": {ID: "acct", Platforms: []models.Platform{models.PlatformTwitter}}}
	f.runner = NewRunner(accounts, f.gen, f.gate, f.publisher, f.store, f.costs, nil, logging.NewDiscard())
	return f
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRun_Success(t *testing.T) {
	f := newFixture()
	res, err := f.runner.Run(context.Background(), "acct", false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, f.publisher.calls)
	assert.Empty(t, f.store.rows, "the poster writes platform rows itself")
	require.Len(t, f.costs.usages, 1)
	assert.InDelta(t, 0.01, res.CostUSD, 1e-9)
}

func TestRun_SafetyBlockWritesOneRowAndNeverPosts(t *testing.T) {
	f := newFixture()
	f.gate.verdict = models.SafetyVerdict{Kind: models.FailureSafety, Reasons: []string{"profanity: damn"}}

	res, err := f.runner.Run(context.Background(), "acct", true)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Zero(t, f.publisher.calls)
	require.Len(t, f.store.rows, 1)
	row := f.store.rows[0]
	assert.Equal(t, models.FailureSafety, row.FailureKind)
	assert.Equal(t, models.Platform(""), row.Platform)
	assert.True(t, strings.HasPrefix(row.ErrorDetail, "safety block:"))
	assert.True(t, row.IsCatchUp)
	assert.Equal(t, "seed", row.SeedChunkID)
	assert.Len(t, f.costs.usages, 1, "generation is billed even when blocked")
}

func TestRun_EmergencyStopSkipsGeneration(t *testing.T) {
	f := newFixture()
	f.gate.stopped = true

	res, err := f.runner.Run(context.Background(), "acct", false)
	require.NoError(t, err)
	assert.Equal(t, models.FailureEmergencyStop, res.FailureKind)
	assert.Zero(t, f.gen.calls)
	require.Len(t, f.store.rows, 1)
	require.Len(t, f.store.events, 1)
	assert.Equal(t, models.EventEmergencyStop, f.store.events[0].Kind)
}

func TestRun_GeneratorErrorsAreClassified(t *testing.T) {
	cases := map[string]struct {
		err  error
		kind models.FailureKind
	}{
		"empty collection": {generator.ErrEmptyCollection, models.FailureRetrieval},
		"model":            {generator.ErrModel, models.FailureTechnical},
		"length":           {generator.ErrLengthExhausted, models.FailureLength},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			f.gen.res, f.gen.err = nil, tc.err
			res, err := f.runner.Run(context.Background(), "acct", false)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, res.FailureKind)
			require.Len(t, f.store.rows, 1)
			assert.Equal(t, tc.kind, f.store.rows[0].FailureKind)
			assert.Zero(t, f.publisher.calls)
		})
	}
}

func TestRun_AllPlatformsFailing(t *testing.T) {
	f := newFixture()
	f.publisher.outcomes = map[models.Platform]poster.Outcome{
		models.PlatformTwitter: {Platform: models.PlatformTwitter, Status: models.AttemptFailure,
			FailureKind: models.FailurePlatform, Err: errors.New("503")},
	}
	res, err := f.runner.Run(context.Background(), "acct", false)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, models.FailurePlatform, res.FailureKind)
	assert.Contains(t, res.Detail, "twitter: 503")
}

func TestRun_UnknownAccountIsConfigFailure(t *testing.T) {
	f := newFixture()
	res, err := f.runner.Run(context.Background(), "ghost", false)
	require.NoError(t, err)
	assert.Equal(t, models.FailureConfig, res.FailureKind)
}

func TestRun_StorageErrorEscapes(t *testing.T) {
	f := newFixture()
	f.gate.stopped = true
	f.store.recordErr = errors.New("database is locked")

	_, err := f.runner.Run(context.Background(), "acct", false)
	assert.Error(t, err)
	kinds := []string{}
	for _, e := range f.store.events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, models.EventStorageError)
}

func TestRun_RecordsFailureAfterCallerCancels(t *testing.T) {
	f := newFixture()
	f.gen.res, f.gen.err = nil, context.Canceled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.runner.Run(ctx, "acct", false)
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Len(t, f.store.rows, 1, "the failed cycle is still recorded")
	assert.Equal(t, "acct", f.store.rows[0].AccountID)
}

// blockingGenerator parks every call until release is closed.
type blockingGenerator struct {
	entered chan string
	release chan struct{}
}

func (b *blockingGenerator) Generate(_ context.Context, acct *models.Account) (*models.GenerationResult, error) {
	b.entered <- acct.ID
	<-b.release
	return &models.GenerationResult{
		AccountID:   acct.ID,
		Content:     "hello from " + acct.ID,
		Adapted:     map[models.Platform]string{models.PlatformTwitter: "hello from " + acct.ID},
		SeedChunkID: "seed",
	}, nil
}

type memFlags struct {
	mu sync.Mutex
	on bool
}

func (m *memFlags) EmergencyStop(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.on, nil
}

func (m *memFlags) SetEmergencyStop(_ context.Context, on bool, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.on = on
	return nil
}

type countingAdapter struct{ posts atomic.Int32 }

func (c *countingAdapter) Platform() models.Platform { return models.PlatformTwitter }
func (c *countingAdapter) CharacterLimit() int       { return 280 }
func (c *countingAdapter) Post(context.Context, models.Credentials, string) (string, error) {
	c.posts.Add(1)
	return "id", nil
}
func (c *countingAdapter) TestConnection(context.Context, models.Credentials) (bool, error) {
	return true, nil
}

func TestRun_EmergencyStopDuringGenerationPreventsEveryPost(t *testing.T) {
	store := &memStore{}
	gate, err := safety.NewGate(context.Background(), safety.Options{
		Flags:  &memFlags{},
		Events: store,
		Logger: logging.NewDiscard(),
	})
	require.NoError(t, err)

	adapter := &countingAdapter{}
	pub := poster.New(platforms.NewSet(adapter), gate, store, nil, logging.NewDiscard())
	creds := map[models.Platform]models.Credentials{
		models.PlatformTwitter: {Values: map[string]string{"access_token": "t"}},
	}
	accounts := mockAccounts{
		"a": {ID: "a", Platforms: []models.Platform{models.PlatformTwitter}, Credentials: creds},
		"b": {ID: "b", Platforms: []models.Platform{models.PlatformTwitter}, Credentials: creds},
	}
	gen := &blockingGenerator{entered: make(chan string, 2), release: make(chan struct{})}
	runner := NewRunner(accounts, gen, gate, pub, store, nil, nil, logging.NewDiscard())

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i, id := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := runner.Run(context.Background(), id, false)
			assert.NoError(t, err)
			results[i] = res
		}()
	}

	select {
	case <-gen.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("no cycle reached generation")
	}
	require.NoError(t, gate.SetEmergencyStop(context.Background(), true, "test"))
	close(gen.release)
	wg.Wait()

	assert.Zero(t, adapter.posts.Load(), "nothing may be posted once the stop is set")
	for _, res := range results {
		require.NotNil(t, res)
		assert.False(t, res.Success)
		assert.Equal(t, models.FailureEmergencyStop, res.FailureKind)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.rows, 2)
	for _, row := range store.rows {
		assert.Equal(t, models.FailureEmergencyStop, row.FailureKind)
	}
	stops := 0
	for _, e := range store.events {
		if e.Kind == models.EventEmergencyStop && e.AccountID != "" {
			stops++
		}
	}
	assert.Equal(t, 2, stops, "each aborted cycle leaves an emergency_stop event")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, models.FailureNone, Classify(nil))
	assert.Equal(t, models.FailureEmergencyStop, Classify(safety.ErrEmergencyStop))
	assert.Equal(t, models.FailureSafety, Classify(safety.ErrCostLimit))
	assert.Equal(t, models.FailureConfig, Classify(platforms.ErrNoCredentials))
	assert.Equal(t, models.FailurePlatform, Classify(&platforms.APIError{StatusCode: 500}))
	assert.Equal(t, models.FailureTechnical, Classify(context.DeadlineExceeded))
}
