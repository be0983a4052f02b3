package generator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/postloom/backend/internal/knowledge"
	"github.com/postloom/backend/internal/llm"
	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/metrics"
	"github.com/postloom/backend/internal/models"
)

var (
	// ErrEmptyCollection is returned when the account's collection has no chunks.
	ErrEmptyCollection = errors.New("knowledge collection is empty")
	// ErrRetrieval wraps knowledge store failures.
	ErrRetrieval = errors.New("retrieval failed")
	// ErrModel wraps failed or empty model calls.
	ErrModel = errors.New("model call failed")
	// ErrLengthExhausted is returned when no platform's text fits its limit.
	ErrLengthExhausted = errors.New("content too long for every platform")
)

// lengthBuffer is the headroom a shorten request aims below the limit.
const lengthBuffer = 10

// SeedHistory answers which seeds an account used recently.
type SeedHistory interface {
	RecentSeedIDs(ctx context.Context, accountID string, window int) (map[string]struct{}, error)
}

type Settings struct {
	DedupWindow     int
	SeedCandidates  int
	ContextChunks   int
	ExemplarSample  int
	ShortenAttempts int
	Temperature     float64
	MaxTokens       int
}

type Options struct {
	Settings  Settings
	Knowledge knowledge.Store
	History   SeedHistory
	Model     llm.Provider
	// Limiter caps concurrent model calls across all accounts. Nil means no cap.
	Limiter *semaphore.Weighted
	// Limits maps every platform to its character limit.
	Limits  map[models.Platform]int
	Metrics *metrics.Metrics
	Logger  logging.Logger
	Rand    *rand.Rand
}

// Generator turns a knowledge chunk into platform-ready post text.
type Generator struct {
	settings  Settings
	knowledge knowledge.Store
	history   SeedHistory
	model     llm.Provider
	limiter   *semaphore.Weighted
	limits    map[models.Platform]int
	metrics   *metrics.Metrics
	logger    logging.Logger
	now       func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(opts Options) *Generator {
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscard()
	}
	s := opts.Settings
	if s.SeedCandidates <= 0 {
		s.SeedCandidates = 10
	}
	if s.ContextChunks < 0 {
		s.ContextChunks = 0
	}
	return &Generator{
		settings:  s,
		knowledge: opts.Knowledge,
		history:   opts.History,
		model:     opts.Model,
		limiter:   opts.Limiter,
		limits:    opts.Limits,
		metrics:   opts.Metrics,
		logger:    logger,
		now:       time.Now,
		rng:       rng,
	}
}

// Generate runs retrieval, generation and per-platform length refinement.
// On failure after a model call the partial result is returned alongside the
// error so its usage can still be billed.
func (g *Generator) Generate(ctx context.Context, acct *models.Account) (*models.GenerationResult, error) {
	log := g.logger.WithField("account_id", acct.ID)

	seed, err := g.pickSeed(ctx, acct)
	if err != nil {
		return nil, err
	}
	related, err := g.knowledge.Similar(ctx, acct.CollectionID, seed, g.settings.ContextChunks)
	if err != nil {
		return nil, fmt.Errorf("%w: similar chunks: %w", ErrRetrieval, err)
	}

	res := &models.GenerationResult{
		AccountID:      acct.ID,
		Adapted:        make(map[models.Platform]string, len(acct.Platforms)),
		SeedChunkID:    seed.ID,
		SourceChunkIDs: []string{seed.ID},
	}
	contextTexts := []string{seed.Text}
	for _, c := range related {
		res.SourceChunkIDs = append(res.SourceChunkIDs, c.ID)
		contextTexts = append(contextTexts, c.Text)
	}

	limit := g.tightestLimit(acct.Platforms)
	prompt, err := render("generate.tmpl", generateData{
		Context:   contextTexts,
		Exemplars: g.sampleExemplars(acct.Exemplars),
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}

	text, err := g.complete(ctx, res, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: acct.Persona},
			{Role: llm.RoleUser, Content: prompt},
		},
		Temperature: g.settings.Temperature,
		MaxTokens:   g.settings.MaxTokens,
	})
	if err != nil {
		return res, err
	}
	res.Content = text

	for _, p := range acct.Platforms {
		g.refine(ctx, res, p)
	}
	res.GeneratedAt = g.now()
	if len(res.Adapted) == 0 {
		return res, fmt.Errorf("%w: %v", ErrLengthExhausted, res.Rejected)
	}
	log.WithFields(logging.Fields{
		"seed_chunk_id": seed.ID,
		"chars":         utf8.RuneCountInString(text),
		"rejected":      len(res.Rejected),
	}).Info("Generated post")
	return res, nil
}

func (g *Generator) pickSeed(ctx context.Context, acct *models.Account) (models.Chunk, error) {
	recent := map[string]struct{}{}
	if g.settings.DedupWindow > 0 && g.history != nil {
		ids, err := g.history.RecentSeedIDs(ctx, acct.ID, g.settings.DedupWindow)
		if err != nil {
			return models.Chunk{}, fmt.Errorf("recent seeds: %w", err)
		}
		recent = ids
	}

	candidates, err := g.knowledge.Sample(ctx, acct.CollectionID, g.settings.DedupWindow+g.settings.SeedCandidates)
	if err != nil {
		if errors.Is(err, knowledge.ErrCollectionNotFound) {
			return models.Chunk{}, fmt.Errorf("%w: %s", ErrEmptyCollection, acct.CollectionID)
		}
		return models.Chunk{}, fmt.Errorf("%w: sample: %w", ErrRetrieval, err)
	}
	if len(candidates) == 0 {
		return models.Chunk{}, fmt.Errorf("%w: %s", ErrEmptyCollection, acct.CollectionID)
	}

	fresh := make([]models.Chunk, 0, len(candidates))
	for _, c := range candidates {
		if _, used := recent[c.ID]; !used {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		g.logger.WithFields(logging.Fields{
			"account_id": acct.ID,
			"candidates": len(candidates),
		}).Warn("Every candidate seed was used recently; reusing one")
		fresh = candidates
	}

	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return fresh[g.rng.Intn(len(fresh))], nil
}

func (g *Generator) sampleExemplars(all []string) []string {
	n := g.settings.ExemplarSample
	if n <= 0 || len(all) == 0 {
		return nil
	}
	if n >= len(all) {
		return append([]string(nil), all...)
	}
	g.rngMu.Lock()
	idx := g.rng.Perm(len(all))[:n]
	g.rngMu.Unlock()
	out := make([]string, n)
	for i, j := range idx {
		out[i] = all[j]
	}
	return out
}

func (g *Generator) tightestLimit(ps []models.Platform) int {
	limit := 0
	for _, p := range ps {
		if l, ok := g.limits[p]; ok && (limit == 0 || l < limit) {
			limit = l
		}
	}
	return limit
}

// refine shortens res.Content until it fits p or the attempts run out.
func (g *Generator) refine(ctx context.Context, res *models.GenerationResult, p models.Platform) {
	limit, ok := g.limits[p]
	if !ok {
		res.Adapted[p] = res.Content
		return
	}
	text := res.Content
	for attempt := 0; utf8.RuneCountInString(text) > limit && attempt < g.settings.ShortenAttempts; attempt++ {
		shorter, err := g.shorten(ctx, res, text, limit-lengthBuffer)
		if err != nil {
			g.logger.WithError(err).WithFields(logging.Fields{
				"account_id": res.AccountID,
				"platform":   p,
			}).Warn("Shorten call failed")
			break
		}
		text = shorter
	}
	if n := utf8.RuneCountInString(text); n > limit {
		if res.Rejected == nil {
			res.Rejected = make(map[models.Platform]string)
		}
		res.Rejected[p] = fmt.Sprintf("%d characters exceeds %s limit of %d after %d shorten attempts",
			n, p, limit, g.settings.ShortenAttempts)
		return
	}
	res.Adapted[p] = text
}

func (g *Generator) shorten(ctx context.Context, res *models.GenerationResult, text string, target int) (string, error) {
	prompt, err := render("shorten.tmpl", shortenData{
		Text:    text,
		Current: utf8.RuneCountInString(text),
		Target:  target,
	})
	if err != nil {
		return "", err
	}
	return g.complete(ctx, res, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: shortenSystemPrompt},
			{Role: llm.RoleUser, Content: prompt},
		},
		Temperature: 0.3,
		MaxTokens:   g.settings.MaxTokens,
	})
}

// complete calls the model under the global limiter and folds usage into res.
func (g *Generator) complete(ctx context.Context, res *models.GenerationResult, req llm.Request) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Acquire(ctx, 1); err != nil {
			return "", err
		}
		defer g.limiter.Release(1)
	}
	out, err := g.model.Complete(ctx, req)
	g.metrics.ModelCall(err == nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrModel, err)
	}
	usage := out.Usage
	if usage.Model == "" {
		usage.Model = g.model.Model()
	}
	if usage.Calls == 0 {
		usage.Calls = 1
	}
	res.Usage.Add(usage)

	text := clean(out.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty completion", ErrModel)
	}
	return text, nil
}
