// internal/knowledge/postgres.go
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprowl/api/schemas"
)

// DBPool abstracts pgxpool.Pool so the store can be mocked in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const createKnowledgeTable = `
CREATE TABLE IF NOT EXISTS knowledge (
	fingerprint   TEXT PRIMARY KEY,
	activity      TEXT NOT NULL DEFAULT '',
	visits        INTEGER NOT NULL DEFAULT 0,
	tried_actions JSONB NOT NULL DEFAULT '{}',
	dead_end      BOOLEAN NOT NULL DEFAULT FALSE,
	crash_trigger BOOLEAN NOT NULL DEFAULT FALSE,
	annotation    TEXT NOT NULL DEFAULT '',
	first_seen    TIMESTAMPTZ,
	last_seen     TIMESTAMPTZ
)`

// upsertKnowledge folds one delta into a row additively: counters sum, flags
// OR, timestamps take min/max. The statement itself is commutative, so the
// order in which concurrent flushes land cannot change the final row.
const upsertKnowledge = `
INSERT INTO knowledge (fingerprint, activity, visits, tried_actions, dead_end, crash_trigger, annotation, first_seen, last_seen)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (fingerprint) DO UPDATE SET
	activity      = CASE WHEN EXCLUDED.activity <> '' THEN EXCLUDED.activity ELSE knowledge.activity END,
	visits        = knowledge.visits + EXCLUDED.visits,
	tried_actions = (
		SELECT COALESCE(jsonb_object_agg(key, value), '{}'::jsonb) FROM (
			SELECT key, SUM(value::int) AS value
			FROM (
				SELECT * FROM jsonb_each_text(knowledge.tried_actions)
				UNION ALL
				SELECT * FROM jsonb_each_text(EXCLUDED.tried_actions)
			) merged
			GROUP BY key
		) summed
	),
	dead_end      = knowledge.dead_end OR EXCLUDED.dead_end,
	crash_trigger = knowledge.crash_trigger OR EXCLUDED.crash_trigger,
	annotation    = CASE
		WHEN length(EXCLUDED.annotation) > length(knowledge.annotation) THEN EXCLUDED.annotation
		WHEN length(EXCLUDED.annotation) = length(knowledge.annotation) AND EXCLUDED.annotation > knowledge.annotation THEN EXCLUDED.annotation
		ELSE knowledge.annotation END,
	first_seen    = LEAST(knowledge.first_seen, EXCLUDED.first_seen),
	last_seen     = GREATEST(knowledge.last_seen, EXCLUDED.last_seen)`

const selectKnowledge = `
SELECT fingerprint, activity, visits, tried_actions, dead_end, crash_trigger, annotation, first_seen, last_seen
FROM knowledge`

// PostgresStore persists knowledge in PostgreSQL. Deltas accumulate in
// memory between flushes; each flush is a single transaction of additive
// upserts, so concurrent pools sharing a database merge without lost
// updates.
type PostgresStore struct {
	mu      sync.Mutex
	pool    DBPool
	base    map[schemas.Fingerprint]schemas.KnowledgeRecord
	pending map[schemas.Fingerprint]schemas.KnowledgeRecord
	logger  *zap.Logger
}

var _ schemas.KnowledgeStore = (*PostgresStore)(nil)

// NewPostgresStore verifies the connection and ensures the schema exists.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("db pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, createKnowledgeTable); err != nil {
		return nil, fmt.Errorf("failed to ensure knowledge table: %w", err)
	}
	return &PostgresStore{
		pool:    pool,
		base:    make(map[schemas.Fingerprint]schemas.KnowledgeRecord),
		pending: make(map[schemas.Fingerprint]schemas.KnowledgeRecord),
		logger:  logger.Named("knowledge.postgres"),
	}, nil
}

// Load reads all persisted records into the base snapshot.
func (s *PostgresStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.pool.Query(ctx, selectKnowledge)
	if err != nil {
		return fmt.Errorf("failed to query knowledge: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var rec schemas.KnowledgeRecord
		var tried []byte
		if err := rows.Scan(&rec.Fingerprint, &rec.Activity, &rec.Visits, &tried,
			&rec.DeadEnd, &rec.CrashTrigger, &rec.Annotation, &rec.FirstSeen, &rec.LastSeen); err != nil {
			return fmt.Errorf("failed to scan knowledge row: %w", err)
		}
		if len(tried) > 0 {
			if err := json.Unmarshal(tried, &rec.TriedActions); err != nil {
				return fmt.Errorf("failed to decode tried_actions for %s: %w", rec.Fingerprint, err)
			}
		}
		s.base[rec.Fingerprint] = rec
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read knowledge rows: %w", err)
	}
	s.logger.Info("Loaded persisted knowledge", zap.Int("records", count))
	return nil
}

// Snapshot returns base knowledge merged with not-yet-flushed deltas.
func (s *PostgresStore) Snapshot(ctx context.Context) (map[schemas.Fingerprint]schemas.KnowledgeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := copyRecords(s.base)
	for fp, delta := range s.pending {
		existing := out[fp]
		existing.Merge(delta)
		out[fp] = existing
	}
	return out, nil
}

// MergeDeltas folds a session's deltas into the pending set.
func (s *PostgresStore) MergeDeltas(ctx context.Context, deltas []schemas.KnowledgeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, delta := range deltas {
		if delta.Fingerprint == "" {
			continue
		}
		existing := s.pending[delta.Fingerprint]
		existing.Merge(delta)
		s.pending[delta.Fingerprint] = existing
	}
	return nil
}

// Flush writes the pending deltas in one transaction. On success the deltas
// move into the base snapshot; on failure nothing is lost and the next flush
// retries the full pending set.
func (s *PostgresStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin knowledge flush: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.logger.Error("Failed to rollback knowledge flush", zap.Error(rollbackErr))
		}
	}()

	for fp, delta := range s.pending {
		tried := delta.TriedActions
		if tried == nil {
			tried = map[string]int{}
		}
		triedJSON, err := json.Marshal(tried)
		if err != nil {
			return fmt.Errorf("failed to encode tried_actions for %s: %w", fp, err)
		}
		if _, err := tx.Exec(ctx, upsertKnowledge,
			string(fp), delta.Activity, delta.Visits, triedJSON,
			delta.DeadEnd, delta.CrashTrigger, delta.Annotation,
			delta.FirstSeen, delta.LastSeen); err != nil {
			return fmt.Errorf("failed to upsert knowledge for %s: %w", fp, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit knowledge flush: %w", err)
	}

	flushed := len(s.pending)
	for fp, delta := range s.pending {
		existing := s.base[fp]
		existing.Merge(delta)
		s.base[fp] = existing
	}
	s.pending = make(map[schemas.Fingerprint]schemas.KnowledgeRecord)
	s.logger.Info("Flushed knowledge deltas", zap.Int("records", flushed))
	return nil
}
