package store

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-cli/internal/db"
	"github.com/sells-group/signal-cli/internal/model"
)

// PostgresStore implements Store using pgxpool and pgvector.
type PostgresStore struct {
	*sqlStore
	pool db.Pool
}

type pgxQuerier struct {
	pool db.Pool
}

func (q pgxQuerier) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := q.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q pgxQuerier) query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := q.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (q pgxQuerier) queryRow(ctx context.Context, query string, args ...any) row {
	return q.pool.QueryRow(ctx, query, args...)
}

func newPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{
		sqlStore: newSQLStore(pgxQuerier{pool: pool}, dialect{
			name:       "postgres",
			ph:         sq.Dollar,
			skipLocked: " FOR UPDATE SKIP LOCKED",
		}),
		pool: pool,
	}
}

// NewPostgres connects to Postgres and returns a store backed by the pool.
func NewPostgres(ctx context.Context, url string, maxConns int32) (*PostgresStore, error) {
	pool, err := db.Open(ctx, url, maxConns)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: open")
	}
	return newPostgresStore(pool), nil
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
	id              TEXT PRIMARY KEY,
	url             TEXT NOT NULL UNIQUE,
	title           TEXT NOT NULL DEFAULT '',
	content         TEXT NOT NULL DEFAULT '',
	scrape_status   TEXT NOT NULL DEFAULT 'pending',
	scrape_attempts INTEGER NOT NULL DEFAULT 0,
	scrape_error    TEXT NOT NULL DEFAULT '',
	error_type      TEXT NOT NULL DEFAULT '',
	claimed_at      TIMESTAMPTZ,
	scraped_at      TIMESTAMPTZ,
	metadata        JSONB,
	metadata_at     TIMESTAMPTZ,
	embedding       vector,
	embedded_at     TIMESTAMPTZ,
	matched_at      TIMESTAMPTZ,
	published_at    TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT documents_embedding_scraped CHECK (embedding IS NULL OR scrape_status IN ('completed', 'metadata_only'))
);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents (scrape_status, created_at);

CREATE TABLE IF NOT EXISTS targets (
	id                TEXT PRIMARY KEY,
	organization_id   TEXT NOT NULL,
	name              TEXT NOT NULL,
	target_type       TEXT NOT NULL DEFAULT 'topic',
	priority          INTEGER NOT NULL DEFAULT 3,
	keywords          JSONB NOT NULL DEFAULT '[]',
	embedding_context TEXT NOT NULL DEFAULT '',
	embedding         vector,
	embedded_at       TIMESTAMPTZ,
	active            BOOLEAN NOT NULL DEFAULT true,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_targets_org ON targets (organization_id) WHERE active;

CREATE TABLE IF NOT EXISTS signals (
	id                TEXT PRIMARY KEY,
	organization_id   TEXT NOT NULL,
	signal_type       TEXT NOT NULL,
	subtype           TEXT NOT NULL DEFAULT '',
	title             TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	target_id         TEXT,
	target_name       TEXT NOT NULL DEFAULT '',
	target_type       TEXT NOT NULL DEFAULT '',
	document_id       TEXT,
	confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
	urgency           TEXT NOT NULL DEFAULT 'low',
	evidence          JSONB NOT NULL DEFAULT '{}',
	pattern_data      JSONB,
	trigger_signal_id TEXT,
	pattern_id        TEXT,
	status            TEXT NOT NULL DEFAULT 'active',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT signals_cascade_pattern_data CHECK (signal_type <> 'cascade_alert' OR pattern_data IS NOT NULL)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_signals_cascade ON signals (trigger_signal_id, pattern_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_signals_match ON signals (organization_id, document_id, target_id);
CREATE INDEX IF NOT EXISTS idx_signals_recent ON signals (status, created_at);

CREATE TABLE IF NOT EXISTS patterns (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL UNIQUE,
	description          TEXT NOT NULL DEFAULT '',
	trigger_signal_type  TEXT NOT NULL,
	trigger_entity_types JSONB NOT NULL DEFAULT '[]',
	trigger_keywords     JSONB NOT NULL DEFAULT '[]',
	cascade_steps        JSONB NOT NULL DEFAULT '[]',
	times_observed       INTEGER NOT NULL DEFAULT 0,
	validations_total    INTEGER NOT NULL DEFAULT 0,
	validations_accurate INTEGER NOT NULL DEFAULT 0,
	accuracy_rate        DOUBLE PRECISION NOT NULL DEFAULT 0,
	confidence           DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	is_active            BOOLEAN NOT NULL DEFAULT true,
	last_observed_at     TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS predictions (
	id                       TEXT PRIMARY KEY,
	organization_id          TEXT NOT NULL,
	signal_id                TEXT NOT NULL UNIQUE,
	target_id                TEXT NOT NULL DEFAULT '',
	signal_type              TEXT NOT NULL DEFAULT '',
	pattern_id               TEXT NOT NULL DEFAULT '',
	predicted_outcome        TEXT NOT NULL,
	predicted_timeframe_days INTEGER NOT NULL DEFAULT 0,
	predicted_confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
	search_query             TEXT NOT NULL DEFAULT '',
	predicted_at             TIMESTAMPTZ NOT NULL,
	expires_at               TIMESTAMPTZ NOT NULL,
	status                   TEXT NOT NULL DEFAULT 'pending',
	validated_at             TIMESTAMPTZ,
	validated_by             TEXT NOT NULL DEFAULT '',
	was_accurate             BOOLEAN,
	outcome_match            DOUBLE PRECISION,
	outcome_occurred         TEXT NOT NULL DEFAULT '',
	reasoning                TEXT NOT NULL DEFAULT '',
	evidence_document_ids    JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_predictions_pending ON predictions (predicted_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS accuracy_stats (
	organization_id TEXT NOT NULL,
	target_id       TEXT NOT NULL,
	signal_type     TEXT NOT NULL,
	total           INTEGER NOT NULL DEFAULT 0,
	accurate        INTEGER NOT NULL DEFAULT 0,
	accuracy_rate   DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (organization_id, target_id, signal_type)
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	options      JSONB,
	stages       JSONB NOT NULL DEFAULT '[]',
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	duration_ms  BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs (started_at DESC);
`

// Migrate creates the schema and the pgvector extension.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// EnqueueDocuments bulk-loads new documents through COPY, skipping known URLs.
func (s *PostgresStore) EnqueueDocuments(ctx context.Context, docs []model.Document) (int, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(docs))
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		if seen[d.URL] {
			continue
		}
		seen[d.URL] = true
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		rows = append(rows, []any{d.ID, d.URL, d.Title, string(model.ScrapeStatusPending), d.PublishedAt, now, now})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "documents",
		Columns:      []string{"id", "url", "title", "scrape_status", "published_at", "created_at", "updated_at"},
		ConflictKeys: []string{"url"},
		UpdateCols:   []string{},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: enqueue documents")
	}
	return int(n), nil
}

// SearchDocumentsByEmbedding ranks scraped documents in the window by cosine
// similarity using the pgvector distance operator.
func (s *PostgresStore) SearchDocumentsByEmbedding(ctx context.Context, vec []float32, after, before time.Time, limit int) ([]model.ScoredDocument, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	arg := vectorArg(vec)
	sel := s.sb.Select(documentColumns).
		Column(sq.Alias(sq.Expr("1 - (embedding <=> ?)", arg), "similarity")).
		From("documents")
	b := s.windowed(sel, after, before).
		Where(sq.Eq{"scrape_status": scrapedStatuses}).
		Where("embedding IS NOT NULL").
		OrderByClause("embedding <=> ?", arg).
		Limit(uint64(limit))

	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build vector search")
	}
	rs, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: vector search")
	}
	defer rs.Close()

	var out []model.ScoredDocument
	for rs.Next() {
		var sim float64
		d, err := scanDocument(rs, false, &sim)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan vector search")
		}
		out = append(out, model.ScoredDocument{Document: d, Similarity: sim})
	}
	return out, eris.Wrap(rs.Err(), "postgres: vector search iterate")
}
