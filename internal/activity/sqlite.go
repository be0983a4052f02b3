package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/postloom/backend/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS post_attempts (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	cycle_id         TEXT NOT NULL,
	account_id       TEXT NOT NULL,
	platform         TEXT NOT NULL DEFAULT '',
	content          TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL CHECK (status IN ('success', 'failure')),
	error_detail     TEXT NOT NULL DEFAULT '',
	failure_kind     TEXT NOT NULL DEFAULT '',
	seed_chunk_id    TEXT NOT NULL DEFAULT '',
	source_chunk_ids TEXT NOT NULL DEFAULT '[]',
	platform_post_id TEXT NOT NULL DEFAULT '',
	is_catch_up      INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_post_attempts_account_status_time
	ON post_attempts (account_id, status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_post_attempts_account_time
	ON post_attempts (account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS system_events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	kind       TEXT NOT NULL,
	level      TEXT NOT NULL,
	account_id TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cost_entries (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	account_id TEXT NOT NULL DEFAULT '',
	service    TEXT NOT NULL,
	model      TEXT NOT NULL DEFAULT '',
	units      INTEGER NOT NULL DEFAULT 0,
	cost_usd   REAL NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cost_entries_time ON cost_entries (created_at);

CREATE TABLE IF NOT EXISTS control_flags (
	name       TEXT PRIMARY KEY,
	enabled    INTEGER NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
`

// SQLiteStore is the single-node Store. One open connection makes every
// append go through a single writer.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Record(ctx context.Context, a *models.PostAttempt) error {
	if err := prepareAttempt(a, s.now()); err != nil {
		return err
	}
	sources, err := json.Marshal(nonNil(a.SourceChunkIDs))
	if err != nil {
		return fmt.Errorf("encode source chunk ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO post_attempts (id, cycle_id, account_id, platform, content, status, error_detail,
			failure_kind, seed_chunk_id, source_chunk_ids, platform_post_id, is_catch_up, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.CycleID, a.AccountID, string(a.Platform), a.Content, string(a.Status), a.ErrorDetail,
		string(a.FailureKind), a.SeedChunkID, string(sources), a.PlatformPostID, a.IsCatchUp, a.CreatedAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("insert post attempt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LastSuccessfulPostTime(ctx context.Context, accountID string) (time.Time, bool, error) {
	return s.maxTime(ctx, `
		SELECT MAX(created_at) FROM post_attempts WHERE account_id = ? AND status = 'success'
	`, accountID)
}

func (s *SQLiteStore) LastAttemptTime(ctx context.Context, accountID string) (time.Time, bool, error) {
	return s.maxTime(ctx, `SELECT MAX(created_at) FROM post_attempts WHERE account_id = ?`, accountID)
}

func (s *SQLiteStore) maxTime(ctx context.Context, query string, args ...any) (time.Time, bool, error) {
	var micros sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&micros); err != nil {
		return time.Time{}, false, fmt.Errorf("query last attempt time: %w", err)
	}
	if !micros.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMicro(micros.Int64).UTC(), true, nil
}

func (s *SQLiteStore) RecentSeedIDs(ctx context.Context, accountID string, window int) (map[string]struct{}, error) {
	seeds := make(map[string]struct{})
	if window <= 0 {
		return seeds, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seed FROM (
			SELECT cycle_id, MAX(seed_chunk_id) AS seed, MAX(created_at) AS last_at, MAX(seq) AS last_seq
			FROM post_attempts
			WHERE account_id = ? AND status = 'success' AND seed_chunk_id <> ''
			GROUP BY cycle_id
			ORDER BY last_at DESC, last_seq DESC
			LIMIT ?
		)
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

func (s *SQLiteStore) Query(ctx context.Context, accountID string, limit int) ([]models.PostAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle_id, account_id, platform, content, status, error_detail, failure_kind,
			seed_chunk_id, source_chunk_ids, platform_post_id, is_catch_up, created_at
		FROM post_attempts
		WHERE ? = '' OR account_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?
	`, accountID, accountID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query post attempts: %w", err)
	}
	defer rows.Close()

	var out []models.PostAttempt
	for rows.Next() {
		var (
			a                      models.PostAttempt
			platform, status, kind string
			sources                string
			createdAt              int64
		)
		if err := rows.Scan(&a.ID, &a.CycleID, &a.AccountID, &platform, &a.Content, &status, &a.ErrorDetail,
			&kind, &a.SeedChunkID, &sources, &a.PlatformPostID, &a.IsCatchUp, &createdAt); err != nil {
			return nil, fmt.Errorf("scan post attempt: %w", err)
		}
		a.Platform = models.Platform(platform)
		a.Status = models.AttemptStatus(status)
		a.FailureKind = models.FailureKind(kind)
		if err := json.Unmarshal([]byte(sources), &a.SourceChunkIDs); err != nil {
			return nil, fmt.Errorf("decode source chunk ids: %w", err)
		}
		a.CreatedAt = time.UnixMicro(createdAt).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SuccessRate(ctx context.Context, accountID string, since time.Time) (float64, int, error) {
	var total, succeeded int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0)
		FROM post_attempts
		WHERE account_id = ? AND created_at >= ?
	`, accountID, since.UnixMicro()).Scan(&total, &succeeded)
	if err != nil {
		return 0, 0, fmt.Errorf("query success rate: %w", err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(succeeded) / float64(total), total, nil
}

func (s *SQLiteStore) RecordEvent(ctx context.Context, e *models.SystemEvent) error {
	prepareEvent(e, s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_events (id, kind, level, account_id, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.Kind, e.Level, e.AccountID, e.Message, e.CreatedAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("insert system event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, limit int) ([]models.SystemEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, level, account_id, message, created_at
		FROM system_events
		ORDER BY created_at DESC, seq DESC
		LIMIT ?
	`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query system events: %w", err)
	}
	defer rows.Close()

	var out []models.SystemEvent
	for rows.Next() {
		var (
			e         models.SystemEvent
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.Level, &e.AccountID, &e.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan system event: %w", err)
		}
		e.CreatedAt = time.UnixMicro(createdAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordCost(ctx context.Context, c *models.CostEntry) error {
	prepareCost(c, s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_entries (id, account_id, service, model, units, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.AccountID, c.Service, c.Model, c.Units, c.CostUSD, c.CreatedAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("insert cost entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CostSince(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0) FROM cost_entries WHERE created_at >= ?
	`, since.UnixMicro()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query cost since: %w", err)
	}
	return total, nil
}

func (s *SQLiteStore) EmergencyStop(ctx context.Context) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx, `SELECT enabled FROM control_flags WHERE name = ?`, emergencyStopFlag).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query emergency stop: %w", err)
	}
	return enabled, nil
}

func (s *SQLiteStore) SetEmergencyStop(ctx context.Context, enabled bool, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO control_flags (name, enabled, reason, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET enabled = excluded.enabled, reason = excluded.reason,
			updated_at = excluded.updated_at
	`, emergencyStopFlag, enabled, reason, s.now().UnixMicro())
	if err != nil {
		return fmt.Errorf("persist emergency stop: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
