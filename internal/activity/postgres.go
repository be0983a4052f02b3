package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/postloom/backend/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS post_attempts (
	seq              BIGSERIAL PRIMARY KEY,
	id               UUID NOT NULL UNIQUE,
	cycle_id         UUID NOT NULL,
	account_id       TEXT NOT NULL,
	platform         TEXT NOT NULL DEFAULT '',
	content          TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL CHECK (status IN ('success', 'failure')),
	error_detail     TEXT NOT NULL DEFAULT '',
	failure_kind     TEXT NOT NULL DEFAULT '',
	seed_chunk_id    TEXT NOT NULL DEFAULT '',
	source_chunk_ids TEXT[] NOT NULL DEFAULT '{}',
	platform_post_id TEXT NOT NULL DEFAULT '',
	is_catch_up      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_post_attempts_account_status_time
	ON post_attempts (account_id, status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_post_attempts_account_time
	ON post_attempts (account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS system_events (
	seq        BIGSERIAL PRIMARY KEY,
	id         UUID NOT NULL UNIQUE,
	kind       TEXT NOT NULL,
	level      TEXT NOT NULL,
	account_id TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS cost_entries (
	seq        BIGSERIAL PRIMARY KEY,
	id         UUID NOT NULL UNIQUE,
	account_id TEXT NOT NULL DEFAULT '',
	service    TEXT NOT NULL,
	model      TEXT NOT NULL DEFAULT '',
	units      INTEGER NOT NULL DEFAULT 0,
	cost_usd   DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cost_entries_time ON cost_entries (created_at);

CREATE TABLE IF NOT EXISTS control_flags (
	name       TEXT PRIMARY KEY,
	enabled    BOOLEAN NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore keeps activity in Postgres. Appends for one account are
// serialized with a transaction-scoped advisory lock.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// EnsureSchema creates the activity tables when they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, a *models.PostAttempt) error {
	if err := prepareAttempt(a, s.now()); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin record tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, a.AccountID); err != nil {
		return fmt.Errorf("lock account ledger: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO post_attempts (id, cycle_id, account_id, platform, content, status, error_detail,
			failure_kind, seed_chunk_id, source_chunk_ids, platform_post_id, is_catch_up, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, a.ID, a.CycleID, a.AccountID, string(a.Platform), a.Content, string(a.Status), a.ErrorDetail,
		string(a.FailureKind), a.SeedChunkID, nonNil(a.SourceChunkIDs), a.PlatformPostID, a.IsCatchUp, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert post attempt: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit post attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) LastSuccessfulPostTime(ctx context.Context, accountID string) (time.Time, bool, error) {
	return s.maxTime(ctx, `
		SELECT created_at FROM post_attempts
		WHERE account_id = $1 AND status = 'success'
		ORDER BY created_at DESC
		LIMIT 1
	`, accountID)
}

func (s *PostgresStore) LastAttemptTime(ctx context.Context, accountID string) (time.Time, bool, error) {
	return s.maxTime(ctx, `
		SELECT created_at FROM post_attempts
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, accountID)
}

func (s *PostgresStore) maxTime(ctx context.Context, query string, args ...any) (time.Time, bool, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx, query, args...).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last attempt time: %w", err)
	}
	return t.UTC(), true, nil
}

func (s *PostgresStore) RecentSeedIDs(ctx context.Context, accountID string, window int) (map[string]struct{}, error) {
	seeds := make(map[string]struct{})
	if window <= 0 {
		return seeds, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT seed FROM (
			SELECT cycle_id, MAX(seed_chunk_id) AS seed, MAX(created_at) AS last_at, MAX(seq) AS last_seq
			FROM post_attempts
			WHERE account_id = $1 AND status = 'success' AND seed_chunk_id <> ''
			GROUP BY cycle_id
			ORDER BY last_at DESC, last_seq DESC
			LIMIT $2
		) recent
	`, accountID, window)
	if err != nil {
		return nil, fmt.Errorf("query recent seeds: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan recent seed: %w", err)
		}
		seeds[id] = struct{}{}
	}
	return seeds, rows.Err()
}

func (s *PostgresStore) Query(ctx context.Context, accountID string, limit int) ([]models.PostAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, cycle_id, account_id, platform, content, status, error_detail, failure_kind,
			seed_chunk_id, source_chunk_ids, platform_post_id, is_catch_up, created_at
		FROM post_attempts
		WHERE $1 = '' OR account_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`, accountID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query post attempts: %w", err)
	}
	defer rows.Close()

	var out []models.PostAttempt
	for rows.Next() {
		var (
			a                      models.PostAttempt
			platform, status, kind string
		)
		if err := rows.Scan(&a.ID, &a.CycleID, &a.AccountID, &platform, &a.Content, &status, &a.ErrorDetail,
			&kind, &a.SeedChunkID, &a.SourceChunkIDs, &a.PlatformPostID, &a.IsCatchUp, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan post attempt: %w", err)
		}
		a.Platform = models.Platform(platform)
		a.Status = models.AttemptStatus(status)
		a.FailureKind = models.FailureKind(kind)
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SuccessRate(ctx context.Context, accountID string, since time.Time) (float64, int, error) {
	var total, succeeded int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'success')
		FROM post_attempts
		WHERE account_id = $1 AND created_at >= $2
	`, accountID, since).Scan(&total, &succeeded)
	if err != nil {
		return 0, 0, fmt.Errorf("query success rate: %w", err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(succeeded) / float64(total), total, nil
}

func (s *PostgresStore) RecordEvent(ctx context.Context, e *models.SystemEvent) error {
	prepareEvent(e, s.now())
	_, err := s.pool.Exec(ctx, `
		INSERT INTO system_events (id, kind, level, account_id, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.Kind, e.Level, e.AccountID, e.Message, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert system event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, limit int) ([]models.SystemEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, level, account_id, message, created_at
		FROM system_events
		ORDER BY created_at DESC, seq DESC
		LIMIT $1
	`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query system events: %w", err)
	}
	defer rows.Close()

	var out []models.SystemEvent
	for rows.Next() {
		var e models.SystemEvent
		if err := rows.Scan(&e.ID, &e.Kind, &e.Level, &e.AccountID, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan system event: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordCost(ctx context.Context, c *models.CostEntry) error {
	prepareCost(c, s.now())
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cost_entries (id, account_id, service, model, units, cost_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.AccountID, c.Service, c.Model, c.Units, c.CostUSD, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert cost entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) CostSince(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0) FROM cost_entries WHERE created_at >= $1
	`, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query cost since: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) EmergencyStop(ctx context.Context) (bool, error) {
	var enabled bool
	err := s.pool.QueryRow(ctx, `SELECT enabled FROM control_flags WHERE name = $1`, emergencyStopFlag).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query emergency stop: %w", err)
	}
	return enabled, nil
}

func (s *PostgresStore) SetEmergencyStop(ctx context.Context, enabled bool, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO control_flags (name, enabled, reason, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET enabled = EXCLUDED.enabled, reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at
	`, emergencyStopFlag, enabled, reason, s.now())
	if err != nil {
		return fmt.Errorf("persist emergency stop: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}
