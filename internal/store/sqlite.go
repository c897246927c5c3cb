package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/signal-cli/internal/model"
)

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// vectorCandidates caps how many embedded documents the SQLite backend scores
// in memory per similarity search.
const vectorCandidates = 5000

// SQLiteStore implements Store using modernc.org/sqlite. Similarity search
// runs in process since SQLite has no vector operator.
type SQLiteStore struct {
	*sqlStore
	db *sql.DB
}

type sqlQuerier struct {
	db *sql.DB
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { _ = r.Rows.Close() }

func (q sqlQuerier) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q sqlQuerier) query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{r}, nil
}

func (q sqlQuerier) queryRow(ctx context.Context, query string, args ...any) row {
	return q.db.QueryRowContext(ctx, query, args...)
}

// sqliteDSN forces the sqlite time format so DATETIME columns round-trip and
// compare lexically in UTC.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_time_format=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_time_format=sqlite"
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection serializes writers; concurrent batch workers queue on it
	// instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{
		sqlStore: newSQLStore(sqlQuerier{db: db}, dialect{name: "sqlite", ph: sq.Question}),
		db:       db,
	}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id              TEXT PRIMARY KEY,
	url             TEXT NOT NULL UNIQUE,
	title           TEXT NOT NULL DEFAULT '',
	content         TEXT NOT NULL DEFAULT '',
	scrape_status   TEXT NOT NULL DEFAULT 'pending',
	scrape_attempts INTEGER NOT NULL DEFAULT 0,
	scrape_error    TEXT NOT NULL DEFAULT '',
	error_type      TEXT NOT NULL DEFAULT '',
	claimed_at      DATETIME,
	scraped_at      DATETIME,
	metadata        TEXT,
	metadata_at     DATETIME,
	embedding       TEXT,
	embedded_at     DATETIME,
	matched_at      DATETIME,
	published_at    DATETIME,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	CHECK (embedding IS NULL OR scrape_status IN ('completed', 'metadata_only'))
);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents (scrape_status, created_at);

CREATE TABLE IF NOT EXISTS targets (
	id                TEXT PRIMARY KEY,
	organization_id   TEXT NOT NULL,
	name              TEXT NOT NULL,
	target_type       TEXT NOT NULL DEFAULT 'topic',
	priority          INTEGER NOT NULL DEFAULT 3,
	keywords          TEXT NOT NULL DEFAULT '[]',
	embedding_context TEXT NOT NULL DEFAULT '',
	embedding         TEXT,
	embedded_at       DATETIME,
	active            BOOLEAN NOT NULL DEFAULT 1,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_targets_org ON targets (organization_id, active);

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
	confidence        REAL NOT NULL DEFAULT 0,
	urgency           TEXT NOT NULL DEFAULT 'low',
	evidence          TEXT NOT NULL DEFAULT '{}',
	pattern_data      TEXT,
	trigger_signal_id TEXT,
	pattern_id        TEXT,
	status            TEXT NOT NULL DEFAULT 'active',
	created_at        DATETIME NOT NULL,
	CHECK (signal_type <> 'cascade_alert' OR pattern_data IS NOT NULL)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_signals_cascade ON signals (trigger_signal_id, pattern_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_signals_match ON signals (organization_id, document_id, target_id);
CREATE INDEX IF NOT EXISTS idx_signals_recent ON signals (status, created_at);

CREATE TABLE IF NOT EXISTS patterns (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL UNIQUE,
	description          TEXT NOT NULL DEFAULT '',
	trigger_signal_type  TEXT NOT NULL,
	trigger_entity_types TEXT NOT NULL DEFAULT '[]',
	trigger_keywords     TEXT NOT NULL DEFAULT '[]',
	cascade_steps        TEXT NOT NULL DEFAULT '[]',
	times_observed       INTEGER NOT NULL DEFAULT 0,
	validations_total    INTEGER NOT NULL DEFAULT 0,
	validations_accurate INTEGER NOT NULL DEFAULT 0,
	accuracy_rate        REAL NOT NULL DEFAULT 0,
	confidence           REAL NOT NULL DEFAULT 0.5,
	is_active            BOOLEAN NOT NULL DEFAULT 1,
	last_observed_at     DATETIME,
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL
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
	predicted_confidence     REAL NOT NULL DEFAULT 0,
	search_query             TEXT NOT NULL DEFAULT '',
	predicted_at             DATETIME NOT NULL,
	expires_at               DATETIME NOT NULL,
	status                   TEXT NOT NULL DEFAULT 'pending',
	validated_at             DATETIME,
	validated_by             TEXT NOT NULL DEFAULT '',
	was_accurate             BOOLEAN,
	outcome_match            REAL,
	outcome_occurred         TEXT NOT NULL DEFAULT '',
	reasoning                TEXT NOT NULL DEFAULT '',
	evidence_document_ids    TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_predictions_status ON predictions (status, predicted_at);

CREATE TABLE IF NOT EXISTS accuracy_stats (
	organization_id TEXT NOT NULL,
	target_id       TEXT NOT NULL,
	signal_type     TEXT NOT NULL,
	total           INTEGER NOT NULL DEFAULT 0,
	accurate        INTEGER NOT NULL DEFAULT 0,
	accuracy_rate   REAL NOT NULL DEFAULT 0,
	updated_at      DATETIME NOT NULL,
	PRIMARY KEY (organization_id, target_id, signal_type)
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	options      TEXT,
	stages       TEXT NOT NULL DEFAULT '[]',
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
	duration_ms  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs (started_at);
`

// Migrate creates all tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SearchDocumentsByEmbedding scores the most recent embedded documents in the
// window by cosine similarity in memory.
func (s *SQLiteStore) SearchDocumentsByEmbedding(ctx context.Context, vec []float32, after, before time.Time, limit int) ([]model.ScoredDocument, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	b := s.windowed(s.selectDocuments(true), after, before).
		Where(sq.Eq{"scrape_status": scrapedStatuses}).
		Where("embedding IS NOT NULL").
		OrderBy("created_at DESC").
		Limit(vectorCandidates)
	docs, err := s.listDocuments(ctx, b, true, "vector search")
	if err != nil {
		return nil, err
	}

	scored := make([]model.ScoredDocument, 0, len(docs))
	for _, d := range docs {
		sim := model.CosineSimilarity(vec, d.Embedding)
		d.Embedding = nil
		scored = append(scored, model.ScoredDocument{Document: d, Similarity: sim})
	}
	return topScored(scored, limit), nil
}
