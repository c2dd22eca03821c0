package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
	ttl  time.Duration
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot store operations.
var preparedStatements = map[string]string{
	"save_stage_document": `INSERT INTO stage_documents (doc_id, pipeline_id, stage, query, results, count, debug, completed_stages, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, $10)
		ON CONFLICT (doc_id) DO UPDATE SET query = EXCLUDED.query, results = EXCLUDED.results, count = EXCLUDED.count, debug = EXCLUDED.debug, completed_stages = EXCLUDED.completed_stages, updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at`,
	"get_stage_document": `SELECT pipeline_id, stage, query, results, count, debug, completed_stages, created_at, updated_at, expires_at
		FROM stage_documents WHERE doc_id = $1 AND expires_at > $2`,
	"live_stages":     `SELECT stage FROM stage_documents WHERE pipeline_id = $1 AND expires_at > $2`,
	"create_status":   `INSERT INTO pipeline_status (pipeline_id, status, stage, progress, query, error, events, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, '', '[]'::jsonb, $6, $6, $7)
		ON CONFLICT (pipeline_id) DO UPDATE SET status = EXCLUDED.status, stage = EXCLUDED.stage, progress = EXCLUDED.progress, query = EXCLUDED.query, error = '', updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at`,
	"update_status":   `UPDATE pipeline_status SET stage = $2, progress = $3, updated_at = $4, expires_at = $5 WHERE pipeline_id = $1`,
	"record_event":    `UPDATE pipeline_status SET events = events || $2::jsonb, updated_at = $3, expires_at = $4 WHERE pipeline_id = $1`,
	"complete_status": `UPDATE pipeline_status SET status = 'completed', progress = 100, updated_at = $2, expires_at = $3 WHERE pipeline_id = $1`,
	"error_status":    `UPDATE pipeline_status SET status = 'error', error = $2, updated_at = $3, expires_at = $4 WHERE pipeline_id = $1`,
	"get_status": `SELECT status, stage, progress, query, error, events, created_at, updated_at, expires_at
		FROM pipeline_status WHERE pipeline_id = $1`,
	"list_expired":        `SELECT pipeline_id FROM stage_documents WHERE expires_at <= $1 ORDER BY expires_at ASC LIMIT $2`,
	"delete_expired_docs": `DELETE FROM stage_documents WHERE pipeline_id = $1 AND expires_at <= $2`,
	"delete_status":       `DELETE FROM pipeline_status WHERE pipeline_id = $1 AND expires_at <= $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, ttl time.Duration, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	if ttl <= 0 {
		ttl = time.Hour
	}
	return &PostgresStore{pool: pool, ttl: ttl}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS stage_documents (
	doc_id           TEXT PRIMARY KEY,
	pipeline_id      TEXT NOT NULL,
	stage            TEXT NOT NULL,
	query            TEXT NOT NULL DEFAULT '',
	results          JSONB NOT NULL DEFAULT '[]'::jsonb,
	count            INTEGER NOT NULL DEFAULT 0,
	debug            JSONB,
	completed_stages JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_status (
	pipeline_id TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'running',
	stage       TEXT NOT NULL DEFAULT '',
	progress    INTEGER NOT NULL DEFAULT 0,
	query       TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	events      JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stage_documents_pipeline_id ON stage_documents(pipeline_id);
CREATE INDEX IF NOT EXISTS idx_stage_documents_expires_at ON stage_documents(expires_at);
CREATE INDEX IF NOT EXISTS idx_pipeline_status_expires_at ON pipeline_status(expires_at);`

// Migrate applies the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) SaveStageDocument(ctx context.Context, doc *StageDocument) error {
	results, err := json.Marshal(doc.Results)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal results")
	}
	debug, err := json.Marshal(doc.Debug)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal debug")
	}
	completed, err := json.Marshal(doc.CompletedStages)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal completed stages")
	}

	now := time.Now().UTC()
	doc.DocID = StageDocID(doc.PipelineID, doc.Stage)
	doc.UpdatedAt = now
	doc.ExpiresAt = now.Add(s.ttl)

	_, err = s.pool.Exec(ctx, preparedStatements["save_stage_document"],
		doc.DocID, doc.PipelineID, doc.Stage, doc.Query,
		results, doc.Count, debug, completed, now, doc.ExpiresAt)
	if err != nil {
		return eris.Wrapf(err, "postgres: save stage document %s", doc.DocID)
	}
	return nil
}

func (s *PostgresStore) GetStageDocument(ctx context.Context, pipelineID, stage string) (*StageDocument, error) {
	docID := StageDocID(pipelineID, stage)
	row := s.pool.QueryRow(ctx, preparedStatements["get_stage_document"], docID, time.Now().UTC())

	doc := StageDocument{DocID: docID}
	var results, debug, completed []byte
	err := row.Scan(&doc.PipelineID, &doc.Stage, &doc.Query, &results, &doc.Count,
		&debug, &completed, &doc.CreatedAt, &doc.UpdatedAt, &doc.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get stage document %s", docID)
	}

	if err := json.Unmarshal(results, &doc.Results); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal results")
	}
	if len(debug) > 0 {
		if err := json.Unmarshal(debug, &doc.Debug); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal debug")
		}
	}
	if len(completed) > 0 {
		if err := json.Unmarshal(completed, &doc.CompletedStages); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal completed stages")
		}
	}
	return &doc, nil
}

func (s *PostgresStore) LiveStages(ctx context.Context, pipelineID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, preparedStatements["live_stages"], pipelineID, time.Now().UTC())
	if err != nil {
		return nil, eris.Wrap(err, "postgres: live stages")
	}
	defer rows.Close()

	var stages []string
	for rows.Next() {
		var stage string
		if err := rows.Scan(&stage); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage")
		}
		stages = append(stages, stage)
	}
	return stages, rows.Err()
}

func (s *PostgresStore) CreatePipelineStatus(ctx context.Context, status *PipelineStatus) error {
	now := time.Now().UTC()
	status.ExpiresAt = now.Add(s.ttl)
	if status.Status == "" {
		status.Status = StatusRunning
	}

	_, err := s.pool.Exec(ctx, preparedStatements["create_status"],
		status.PipelineID, status.Status, status.Stage, status.Progress, status.Query,
		now, status.ExpiresAt)
	if err != nil {
		return eris.Wrapf(err, "postgres: create pipeline status %s", status.PipelineID)
	}
	return nil
}

func (s *PostgresStore) UpdatePipelineStatus(ctx context.Context, pipelineID, stage string, progress int) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, preparedStatements["update_status"],
		pipelineID, stage, progress, now, now.Add(s.ttl))
	if err != nil {
		return eris.Wrapf(err, "postgres: update pipeline status %s", pipelineID)
	}
	return nil
}

func (s *PostgresStore) RecordStageEvent(ctx context.Context, pipelineID string, event StageEvent) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal([]StageEvent{event})
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stage event")
	}

	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, preparedStatements["record_event"],
		pipelineID, payload, now, now.Add(s.ttl))
	if err != nil {
		return eris.Wrapf(err, "postgres: record stage event %s", pipelineID)
	}
	return nil
}

func (s *PostgresStore) CompletePipelineStatus(ctx context.Context, pipelineID string) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, preparedStatements["complete_status"],
		pipelineID, now, now.Add(s.ttl))
	if err != nil {
		return eris.Wrapf(err, "postgres: complete pipeline status %s", pipelineID)
	}
	return nil
}

func (s *PostgresStore) ErrorPipelineStatus(ctx context.Context, pipelineID, category, message string) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, preparedStatements["error_status"],
		pipelineID, category+": "+message, now, now.Add(s.ttl))
	if err != nil {
		return eris.Wrapf(err, "postgres: error pipeline status %s", pipelineID)
	}
	return nil
}

func (s *PostgresStore) GetPipelineStatus(ctx context.Context, pipelineID string) (*PipelineStatus, error) {
	row := s.pool.QueryRow(ctx, preparedStatements["get_status"], pipelineID)

	status := PipelineStatus{PipelineID: pipelineID}
	var events []byte
	err := row.Scan(&status.Status, &status.Stage, &status.Progress, &status.Query,
		&status.Error, &events, &status.CreatedAt, &status.UpdatedAt, &status.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get pipeline status %s", pipelineID)
	}

	if len(events) > 0 {
		if err := json.Unmarshal(events, &status.Events); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal events")
		}
	}
	return &status, nil
}

func (s *PostgresStore) ListExpiredPipelines(ctx context.Context, now time.Time, maxDocs int) ([]string, error) {
	rows, err := s.pool.Query(ctx, preparedStatements["list_expired"], now, maxDocs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list expired pipelines")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pipeline id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) DeleteExpiredForPipeline(ctx context.Context, pipelineID string, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, preparedStatements["delete_expired_docs"], pipelineID, now)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete expired documents %s", pipelineID)
	}
	if _, err := s.pool.Exec(ctx, preparedStatements["delete_status"], pipelineID, now); err != nil {
		return tag.RowsAffected(), eris.Wrapf(err, "postgres: delete pipeline status %s", pipelineID)
	}
	return tag.RowsAffected(), nil
}
