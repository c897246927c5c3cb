package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-cli/internal/model"
)

// ErrNotFound is returned by Get* lookups that match no row.
var ErrNotFound = eris.New("store: not found")

type row interface {
	Scan(dest ...any) error
}

type rows interface {
	row
	Next() bool
	Err() error
	Close()
}

// querier abstracts pgx and database/sql so both backends share one query layer.
type querier interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	query(ctx context.Context, query string, args ...any) (rows, error)
	queryRow(ctx context.Context, query string, args ...any) row
}

// dialect carries the per-backend differences of the shared SQL.
type dialect struct {
	name       string
	ph         sq.PlaceholderFormat
	skipLocked string
}

// sqlStore implements every Store method whose SQL is portable between
// Postgres and SQLite. Queries are written with ? placeholders and rebound.
type sqlStore struct {
	q  querier
	d  dialect
	sb sq.StatementBuilderType
}

func newSQLStore(q querier, d dialect) *sqlStore {
	return &sqlStore{q: q, d: d, sb: sq.StatementBuilder.PlaceholderFormat(d.ph)}
}

func (s *sqlStore) rebind(query string) string {
	out, err := s.d.ph.ReplacePlaceholders(query)
	if err != nil {
		return query
	}
	return out
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	return s.q.exec(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (rows, error) {
	return s.q.query(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) row {
	return s.q.queryRow(ctx, s.rebind(query), args...)
}

func (s *sqlStore) wrap(err error, action string) error {
	return eris.Wrapf(err, "%s: %s", s.d.name, action)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

// collect runs a built select and scans every row with scan.
func collect[T any](ctx context.Context, s *sqlStore, b sq.SelectBuilder, scan func(row) (T, error)) ([]T, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rs, err := s.q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []T
	for rs.Next() {
		v, err := scan(rs)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rs.Err()
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	return b, eris.Wrap(err, "store: marshal json")
}

func unmarshalJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return eris.Wrap(json.Unmarshal(b, v), "store: unmarshal json")
}

func vectorArg(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timeArg(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var scrapedStatuses = []string{string(model.ScrapeStatusCompleted), string(model.ScrapeStatusMetadataOnly)}

// --- Documents ---

const documentColumns = `id, url, title, content, scrape_status, scrape_attempts, scrape_error, error_type,
	claimed_at, scraped_at, metadata, metadata_at, embedded_at, matched_at, published_at, created_at, updated_at`

func scanDocument(r row, withEmbedding bool, extra ...any) (model.Document, error) {
	var d model.Document
	var meta []byte
	var vec *pgvector.Vector
	dest := []any{
		&d.ID, &d.URL, &d.Title, &d.Content, &d.ScrapeStatus, &d.ScrapeAttempts, &d.ScrapeError, &d.ErrorType,
		&d.ClaimedAt, &d.ScrapedAt, &meta, &d.MetadataAt, &d.EmbeddedAt, &d.MatchedAt, &d.PublishedAt, &d.CreatedAt, &d.UpdatedAt,
	}
	if withEmbedding {
		dest = append(dest, &vec)
	}
	dest = append(dest, extra...)
	if err := r.Scan(dest...); err != nil {
		return d, err
	}
	if len(meta) > 0 {
		d.Metadata = &model.DocumentMetadata{}
		if err := unmarshalJSON(meta, d.Metadata); err != nil {
			return d, err
		}
	}
	if vec != nil {
		d.Embedding = vec.Slice()
	}
	return d, nil
}

func (s *sqlStore) selectDocuments(withEmbedding bool) sq.SelectBuilder {
	cols := documentColumns
	if withEmbedding {
		cols += ", embedding"
	}
	return s.sb.Select(cols).From("documents")
}

func (s *sqlStore) listDocuments(ctx context.Context, b sq.SelectBuilder, withEmbedding bool, action string) ([]model.Document, error) {
	docs, err := collect(ctx, s, b, func(r row) (model.Document, error) { return scanDocument(r, withEmbedding) })
	return docs, s.wrap(err, action)
}

func (s *sqlStore) enqueueOne(ctx context.Context, d model.Document, now time.Time) (int64, error) {
	return s.exec(ctx,
		`INSERT INTO documents (id, url, title, scrape_status, published_at, created_at, updated_at)
		 VALUES (?, ?, ?, 'pending', ?, ?, ?) ON CONFLICT (url) DO NOTHING`,
		d.ID, d.URL, d.Title, timeArg(d.PublishedAt), now, now,
	)
}

// EnqueueDocuments inserts new pending documents, skipping known URLs.
func (s *sqlStore) EnqueueDocuments(ctx context.Context, docs []model.Document) (int, error) {
	now := time.Now().UTC()
	var inserted int
	for _, d := range docs {
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		n, err := s.enqueueOne(ctx, d, now)
		if err != nil {
			return inserted, s.wrap(err, "enqueue document "+d.URL)
		}
		inserted += int(n)
	}
	return inserted, nil
}

func (s *sqlStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	query, args, err := s.selectDocuments(true).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, s.wrap(err, "build get document")
	}
	d, err := scanDocument(s.q.queryRow(ctx, query, args...), true)
	if err != nil {
		if isNoRows(err) {
			return nil, eris.Wrapf(ErrNotFound, "%s: document %s", s.d.name, id)
		}
		return nil, s.wrap(err, "get document "+id)
	}
	return &d, nil
}

func (s *sqlStore) CountDocumentsByStatus(ctx context.Context) (map[model.ScrapeStatus]int, error) {
	rs, err := s.query(ctx, `SELECT scrape_status, COUNT(*) FROM documents GROUP BY scrape_status`)
	if err != nil {
		return nil, s.wrap(err, "count documents")
	}
	defer rs.Close()

	counts := make(map[model.ScrapeStatus]int)
	for rs.Next() {
		var status string
		var n int
		if err := rs.Scan(&status, &n); err != nil {
			return nil, s.wrap(err, "scan document count")
		}
		counts[model.ScrapeStatus(status)] = n
	}
	return counts, s.wrap(rs.Err(), "count documents iterate")
}

// ClaimPendingDocuments moves up to limit pending documents to processing and
// returns them. Only rows still pending at update time are claimed.
func (s *sqlStore) ClaimPendingDocuments(ctx context.Context, limit int, now time.Time) ([]model.Document, error) {
	now = now.UTC()
	rs, err := s.query(ctx,
		`UPDATE documents SET scrape_status = 'processing', claimed_at = ?, updated_at = ?
		 WHERE scrape_status = 'pending' AND id IN (
			SELECT id FROM documents WHERE scrape_status = 'pending'
			ORDER BY created_at, id LIMIT ?`+s.d.skipLocked+`)
		 RETURNING id`,
		now, now, limit,
	)
	if err != nil {
		return nil, s.wrap(err, "claim documents")
	}
	var ids []string
	for rs.Next() {
		var id string
		if err := rs.Scan(&id); err != nil {
			rs.Close()
			return nil, s.wrap(err, "scan claimed id")
		}
		ids = append(ids, id)
	}
	rs.Close()
	if err := rs.Err(); err != nil {
		return nil, s.wrap(err, "claim documents iterate")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	b := s.selectDocuments(false).Where(sq.Eq{"id": ids}).OrderBy("created_at", "id")
	return s.listDocuments(ctx, b, false, "load claimed documents")
}

// CompleteScrape records fetched content. It returns false when the document
// was no longer processing (already completed, swept, or claimed elsewhere).
func (s *sqlStore) CompleteScrape(ctx context.Context, id string, res ScrapeResult, now time.Time) (bool, error) {
	now = now.UTC()
	n, err := s.exec(ctx,
		`UPDATE documents SET scrape_status = ?,
			title = CASE WHEN ? <> '' THEN ? ELSE title END,
			content = ?, published_at = COALESCE(?, published_at),
			scraped_at = ?, claimed_at = NULL, scrape_error = '', error_type = '', updated_at = ?
		 WHERE id = ? AND scrape_status = 'processing'`,
		string(res.Status), res.Title, res.Title, res.Content, timeArg(res.PublishedAt), now, now, id,
	)
	if err != nil {
		return false, s.wrap(err, "complete scrape "+id)
	}
	return n == 1, nil
}

// FailScrape increments the attempt counter and returns the document to
// pending, or to failed once maxAttempts is reached. It returns the new status,
// or "" when the document was not processing.
func (s *sqlStore) FailScrape(ctx context.Context, id string, maxAttempts int, errMsg, errType string, now time.Time) (model.ScrapeStatus, error) {
	var status string
	err := s.queryRow(ctx,
		`UPDATE documents SET scrape_attempts = scrape_attempts + 1,
			scrape_status = CASE WHEN scrape_attempts + 1 >= ? THEN 'failed' ELSE 'pending' END,
			scrape_error = ?, error_type = ?, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND scrape_status = 'processing'
		 RETURNING scrape_status`,
		maxAttempts, errMsg, errType, now.UTC(), id,
	).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", s.wrap(err, "fail scrape "+id)
	}
	return model.ScrapeStatus(status), nil
}

// ReleaseDocument returns a processing document to pending without counting an attempt.
func (s *sqlStore) ReleaseDocument(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := s.exec(ctx,
		`UPDATE documents SET scrape_status = 'pending', claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND scrape_status = 'processing'`,
		now.UTC(), id,
	)
	if err != nil {
		return false, s.wrap(err, "release document "+id)
	}
	return n == 1, nil
}

// ResetStuckDocuments returns documents claimed before cutoff to pending.
func (s *sqlStore) ResetStuckDocuments(ctx context.Context, cutoff, now time.Time) (int, error) {
	n, err := s.exec(ctx,
		`UPDATE documents SET scrape_status = 'pending', claimed_at = NULL, updated_at = ?
		 WHERE scrape_status = 'processing' AND COALESCE(claimed_at, updated_at) < ?`,
		now.UTC(), cutoff.UTC(),
	)
	if err != nil {
		return 0, s.wrap(err, "reset stuck documents")
	}
	return int(n), nil
}

func (s *sqlStore) ListDocumentsNeedingMetadata(ctx context.Context, since time.Time, limit int) ([]model.Document, error) {
	b := s.selectDocuments(false).
		Where(sq.Eq{"scrape_status": scrapedStatuses}).
		Where("metadata_at IS NULL").
		Where(sq.GtOrEq{"created_at": since.UTC()}).
		OrderBy("created_at DESC", "id").
		Limit(uint64(limit))
	return s.listDocuments(ctx, b, false, "list documents needing metadata")
}

func (s *sqlStore) SaveDocumentMetadata(ctx context.Context, id string, meta *model.DocumentMetadata, now time.Time) error {
	b, err := marshalJSON(meta)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`UPDATE documents SET metadata = ?, metadata_at = ?, updated_at = ? WHERE id = ?`,
		b, now.UTC(), now.UTC(), id,
	)
	return s.wrap(err, "save metadata "+id)
}

func (s *sqlStore) ListDocumentsNeedingEmbedding(ctx context.Context, since time.Time, limit int) ([]model.Document, error) {
	b := s.selectDocuments(false).
		Where(sq.Eq{"scrape_status": scrapedStatuses}).
		Where("embedding IS NULL").
		Where(sq.GtOrEq{"created_at": since.UTC()}).
		OrderBy("created_at DESC", "id").
		Limit(uint64(limit))
	return s.listDocuments(ctx, b, false, "list documents needing embedding")
}

// SaveDocumentEmbedding stores the vector only while the document is in a
// scraped state, so an embedding never exists on an unscraped document.
func (s *sqlStore) SaveDocumentEmbedding(ctx context.Context, id string, vec []float32, now time.Time) (bool, error) {
	n, err := s.exec(ctx,
		`UPDATE documents SET embedding = ?, embedded_at = ?, updated_at = ?
		 WHERE id = ? AND scrape_status IN ('completed', 'metadata_only')`,
		vectorArg(vec), now.UTC(), now.UTC(), id,
	)
	if err != nil {
		return false, s.wrap(err, "save embedding "+id)
	}
	return n == 1, nil
}

func (s *sqlStore) ListUnmatchedDocuments(ctx context.Context, since time.Time, limit int) ([]model.Document, error) {
	b := s.selectDocuments(true).
		Where(sq.Eq{"scrape_status": scrapedStatuses}).
		Where("embedding IS NOT NULL").
		Where("matched_at IS NULL").
		Where(sq.GtOrEq{"created_at": since.UTC()}).
		OrderBy("created_at", "id").
		Limit(uint64(limit))
	return s.listDocuments(ctx, b, true, "list unmatched documents")
}

func (s *sqlStore) MarkDocumentMatched(ctx context.Context, id string, now time.Time) error {
	_, err := s.exec(ctx, `UPDATE documents SET matched_at = ?, updated_at = ? WHERE id = ?`, now.UTC(), now.UTC(), id)
	return s.wrap(err, "mark matched "+id)
}

func (s *sqlStore) windowed(b sq.SelectBuilder, after, before time.Time) sq.SelectBuilder {
	b = b.Where(sq.Expr("COALESCE(published_at, created_at) > ?", after.UTC()))
	if !before.IsZero() {
		b = b.Where(sq.Expr("COALESCE(published_at, created_at) <= ?", before.UTC()))
	}
	return b
}

// SearchDocumentsByKeyword finds scraped documents in the window containing
// any of terms, scored by the fraction of terms present.
func (s *sqlStore) SearchDocumentsByKeyword(ctx context.Context, terms []string, after, before time.Time, limit int) ([]model.ScoredDocument, error) {
	var lowered []string
	ors := sq.Or{}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		lowered = append(lowered, t)
		like := "%" + t + "%"
		ors = append(ors, sq.Like{"LOWER(title)": like}, sq.Like{"LOWER(content)": like})
	}
	if len(lowered) == 0 {
		return nil, nil
	}

	b := s.windowed(s.selectDocuments(false), after, before).
		Where(sq.Eq{"scrape_status": scrapedStatuses}).
		Where(ors).
		OrderBy("created_at DESC").
		Limit(uint64(limit * 5))
	docs, err := s.listDocuments(ctx, b, false, "keyword search")
	if err != nil {
		return nil, err
	}

	scored := make([]model.ScoredDocument, 0, len(docs))
	for _, d := range docs {
		text := strings.ToLower(d.Title + " " + d.Content)
		var hits int
		for _, t := range lowered {
			if strings.Contains(text, t) {
				hits++
			}
		}
		scored = append(scored, model.ScoredDocument{Document: d, Similarity: float64(hits) / float64(len(lowered))})
	}
	return topScored(scored, limit), nil
}

func topScored(scored []model.ScoredDocument, limit int) []model.ScoredDocument {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Document.Timestamp().After(scored[j].Document.Timestamp())
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// --- Targets ---

const targetColumns = `id, organization_id, name, target_type, priority, keywords, embedding_context,
	embedding, embedded_at, active, created_at, updated_at`

func scanTarget(r row) (model.Target, error) {
	var t model.Target
	var keywords []byte
	var vec *pgvector.Vector
	if err := r.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Type, &t.Priority, &keywords, &t.EmbeddingContext,
		&vec, &t.EmbeddedAt, &t.Active, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return t, err
	}
	if vec != nil {
		t.Embedding = vec.Slice()
	}
	return t, unmarshalJSON(keywords, &t.Keywords)
}

func (s *sqlStore) ListActiveTargets(ctx context.Context, organizationID string) ([]model.Target, error) {
	b := s.sb.Select(targetColumns).From("targets").Where(sq.Eq{"active": true}).OrderBy("organization_id", "priority", "name")
	if organizationID != "" {
		b = b.Where(sq.Eq{"organization_id": organizationID})
	}
	targets, err := collect(ctx, s, b, scanTarget)
	return targets, s.wrap(err, "list active targets")
}

// UpsertTarget creates or updates a target. Any update marks its embedding stale.
func (s *sqlStore) UpsertTarget(ctx context.Context, t *model.Target) error {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	keywords, err := marshalJSON(t.Keywords)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO targets (id, organization_id, name, target_type, priority, keywords, embedding_context, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET organization_id = excluded.organization_id, name = excluded.name,
			target_type = excluded.target_type, priority = excluded.priority, keywords = excluded.keywords,
			embedding_context = excluded.embedding_context, active = excluded.active, updated_at = excluded.updated_at`,
		t.ID, t.OrganizationID, t.Name, string(t.Type), t.Priority, keywords, t.EmbeddingContext, t.Active, t.CreatedAt, t.UpdatedAt,
	)
	return s.wrap(err, "upsert target "+t.Name)
}

func (s *sqlStore) ListTargetsNeedingEmbedding(ctx context.Context, force bool, limit int) ([]model.Target, error) {
	b := s.sb.Select(targetColumns).From("targets").Where(sq.Eq{"active": true}).OrderBy("priority", "name")
	if !force {
		b = b.Where("(embedding IS NULL OR embedded_at IS NULL OR embedded_at < updated_at)")
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	targets, err := collect(ctx, s, b, scanTarget)
	return targets, s.wrap(err, "list targets needing embedding")
}

func (s *sqlStore) SaveTargetEmbedding(ctx context.Context, id string, vec []float32, now time.Time) error {
	_, err := s.exec(ctx, `UPDATE targets SET embedding = ?, embedded_at = ? WHERE id = ?`, vectorArg(vec), now.UTC(), id)
	return s.wrap(err, "save target embedding "+id)
}

// --- Signals ---

const signalColumns = `id, organization_id, signal_type, subtype, title, description, target_id, target_name,
	target_type, document_id, confidence, urgency, evidence, pattern_data, trigger_signal_id, pattern_id, status, created_at`

func scanSignal(r row) (model.Signal, error) {
	var sg model.Signal
	var evidence, patternData []byte
	var targetID, documentID, triggerID, patternID *string
	if err := r.Scan(&sg.ID, &sg.OrganizationID, &sg.Type, &sg.Subtype, &sg.Title, &sg.Description, &targetID, &sg.TargetName,
		&sg.TargetType, &documentID, &sg.Confidence, &sg.Urgency, &evidence, &patternData, &triggerID, &patternID,
		&sg.Status, &sg.CreatedAt); err != nil {
		return sg, err
	}
	sg.TargetID, sg.DocumentID = deref(targetID), deref(documentID)
	sg.TriggerSignalID, sg.PatternID = deref(triggerID), deref(patternID)
	if err := unmarshalJSON(evidence, &sg.Evidence); err != nil {
		return sg, err
	}
	if len(patternData) > 0 && string(patternData) != "null" {
		sg.PatternData = &model.PatternData{}
		if err := unmarshalJSON(patternData, sg.PatternData); err != nil {
			return sg, err
		}
	}
	return sg, nil
}

// InsertSignal stores a signal. It returns false when an equivalent signal
// already exists: the same (document, target) match, or for cascade alerts
// the same (trigger signal, pattern) pair.
func (s *sqlStore) InsertSignal(ctx context.Context, sg *model.Signal) (bool, error) {
	if sg.OrganizationID == "" {
		return false, eris.Errorf("%s: signal without organization", s.d.name)
	}
	if sg.ID == "" {
		sg.ID = uuid.New().String()
	}
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = time.Now().UTC()
	}
	if sg.Status == "" {
		sg.Status = model.SignalStatusActive
	}
	if sg.IsCascadeAlert() && (sg.PatternData == nil || sg.TriggerSignalID == "" || sg.PatternID == "") {
		return false, eris.Errorf("%s: cascade alert %s without pattern data", s.d.name, sg.ID)
	}

	evidence, err := marshalJSON(sg.Evidence)
	if err != nil {
		return false, err
	}
	var patternData any
	if sg.PatternData != nil {
		if patternData, err = marshalJSON(sg.PatternData); err != nil {
			return false, err
		}
	}

	n, err := s.exec(ctx,
		`INSERT INTO signals (`+signalColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		sg.ID, sg.OrganizationID, sg.Type, sg.Subtype, sg.Title, sg.Description, nullString(sg.TargetID), sg.TargetName,
		string(sg.TargetType), nullString(sg.DocumentID), sg.Confidence, string(sg.Urgency), evidence, patternData,
		nullString(sg.TriggerSignalID), nullString(sg.PatternID), string(sg.Status), sg.CreatedAt.UTC(),
	)
	if err != nil {
		return false, s.wrap(err, "insert signal")
	}
	return n == 1, nil
}

func (s *sqlStore) getSignal(ctx context.Context, b sq.SelectBuilder) (*model.Signal, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	sg, err := scanSignal(s.q.queryRow(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	return &sg, nil
}

func (s *sqlStore) GetSignal(ctx context.Context, id string) (*model.Signal, error) {
	sg, err := s.getSignal(ctx, s.sb.Select(signalColumns).From("signals").Where(sq.Eq{"id": id}))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "%s: signal %s", s.d.name, id)
	}
	return sg, s.wrap(err, "get signal "+id)
}

// FindCascadeAlert returns the alert for (trigger, pattern), or nil if none exists.
func (s *sqlStore) FindCascadeAlert(ctx context.Context, triggerSignalID, patternID string) (*model.Signal, error) {
	sg, err := s.getSignal(ctx, s.sb.Select(signalColumns).From("signals").
		Where(sq.Eq{"signal_type": model.SignalTypeCascadeAlert, "trigger_signal_id": triggerSignalID, "pattern_id": patternID}).
		Limit(1))
	if isNoRows(err) {
		return nil, nil
	}
	return sg, s.wrap(err, "find cascade alert")
}

func (s *sqlStore) ListSignals(ctx context.Context, f SignalFilter) ([]model.Signal, error) {
	b := s.sb.Select(signalColumns).From("signals").OrderBy("created_at DESC", "id")
	if f.OrganizationID != "" {
		b = b.Where(sq.Eq{"organization_id": f.OrganizationID})
	}
	if len(f.Types) > 0 {
		b = b.Where(sq.Eq{"signal_type": f.Types})
	}
	if len(f.ExcludeTypes) > 0 {
		b = b.Where(sq.NotEq{"signal_type": f.ExcludeTypes})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.TargetID != "" {
		b = b.Where(sq.Eq{"target_id": f.TargetID})
	}
	if f.DocumentID != "" {
		b = b.Where(sq.Eq{"document_id": f.DocumentID})
	}
	if !f.Since.IsZero() {
		b = b.Where(sq.GtOrEq{"created_at": f.Since.UTC()})
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	signals, err := collect(ctx, s, b.Limit(uint64(limit)), scanSignal)
	return signals, s.wrap(err, "list signals")
}

func (s *sqlStore) UpdateSignalPatternData(ctx context.Context, id string, pd *model.PatternData) error {
	b, err := marshalJSON(pd)
	if err != nil {
		return err
	}
	n, err := s.exec(ctx, `UPDATE signals SET pattern_data = ? WHERE id = ?`, b, id)
	if err != nil {
		return s.wrap(err, "update pattern data "+id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s: signal %s", s.d.name, id)
	}
	return nil
}

// --- Patterns ---

const patternColumns = `id, name, description, trigger_signal_type, trigger_entity_types, trigger_keywords, cascade_steps,
	times_observed, validations_total, validations_accurate, accuracy_rate, confidence, is_active, last_observed_at,
	created_at, updated_at`

func scanPattern(r row) (model.Pattern, error) {
	var p model.Pattern
	var entityTypes, keywords, steps []byte
	if err := r.Scan(&p.ID, &p.Name, &p.Description, &p.TriggerSignalType, &entityTypes, &keywords, &steps,
		&p.TimesObserved, &p.ValidationsTotal, &p.ValidationsAccurate, &p.AccuracyRate, &p.Confidence, &p.IsActive,
		&p.LastObservedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	if err := unmarshalJSON(entityTypes, &p.TriggerEntityTypes); err != nil {
		return p, err
	}
	if err := unmarshalJSON(keywords, &p.TriggerKeywords); err != nil {
		return p, err
	}
	if err := unmarshalJSON(steps, &p.Steps); err != nil {
		return p, err
	}
	sort.SliceStable(p.Steps, func(i, j int) bool { return p.Steps[i].Step < p.Steps[j].Step })
	return p, nil
}

func (s *sqlStore) ListActivePatterns(ctx context.Context, minConfidence float64) ([]model.Pattern, error) {
	b := s.sb.Select(patternColumns).From("patterns").
		Where(sq.Eq{"is_active": true}).
		Where(sq.GtOrEq{"confidence": minConfidence}).
		OrderBy("confidence DESC", "name")
	patterns, err := collect(ctx, s, b, scanPattern)
	return patterns, s.wrap(err, "list active patterns")
}

func (s *sqlStore) GetPattern(ctx context.Context, id string) (*model.Pattern, error) {
	query, args, err := s.sb.Select(patternColumns).From("patterns").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, s.wrap(err, "build get pattern")
	}
	p, err := scanPattern(s.q.queryRow(ctx, query, args...))
	if err != nil {
		if isNoRows(err) {
			return nil, eris.Wrapf(ErrNotFound, "%s: pattern %s", s.d.name, id)
		}
		return nil, s.wrap(err, "get pattern "+id)
	}
	return &p, nil
}

// UpsertPattern is the curation write path. It is keyed by name and never
// touches the observation or validation counters of an existing pattern.
func (s *sqlStore) UpsertPattern(ctx context.Context, p *model.Pattern) error {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	entityTypes, err := marshalJSON(p.TriggerEntityTypes)
	if err != nil {
		return err
	}
	keywords, err := marshalJSON(p.TriggerKeywords)
	if err != nil {
		return err
	}
	steps, err := marshalJSON(p.Steps)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx,
		`INSERT INTO patterns (id, name, description, trigger_signal_type, trigger_entity_types, trigger_keywords,
			cascade_steps, times_observed, accuracy_rate, confidence, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET description = excluded.description,
			trigger_signal_type = excluded.trigger_signal_type, trigger_entity_types = excluded.trigger_entity_types,
			trigger_keywords = excluded.trigger_keywords, cascade_steps = excluded.cascade_steps,
			confidence = excluded.confidence, is_active = excluded.is_active, updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Description, p.TriggerSignalType, entityTypes, keywords, steps,
		p.TimesObserved, p.AccuracyRate, p.Confidence, p.IsActive, now, now,
	)
	if err != nil {
		return s.wrap(err, "upsert pattern "+p.Name)
	}
	return s.wrap(s.queryRow(ctx, `SELECT id FROM patterns WHERE name = ?`, p.Name).Scan(&p.ID), "reload pattern id")
}

func (s *sqlStore) RecordPatternObservation(ctx context.Context, id string, at time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE patterns SET times_observed = times_observed + 1, last_observed_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), id,
	)
	return s.wrap(err, "record pattern observation "+id)
}

func (s *sqlStore) RecordPatternValidation(ctx context.Context, id string, accurate bool, now time.Time) error {
	inc := 0
	if accurate {
		inc = 1
	}
	_, err := s.exec(ctx,
		`UPDATE patterns SET validations_total = validations_total + 1,
			validations_accurate = validations_accurate + ?,
			accuracy_rate = (validations_accurate + ?) * 1.0 / (validations_total + 1),
			updated_at = ?
		 WHERE id = ?`,
		inc, inc, now.UTC(), id,
	)
	return s.wrap(err, "record pattern validation "+id)
}

// --- Predictions ---

const predictionColumns = `id, organization_id, signal_id, target_id, signal_type, pattern_id, predicted_outcome,
	predicted_timeframe_days, predicted_confidence, search_query, predicted_at, expires_at, status, validated_at,
	validated_by, was_accurate, outcome_match, outcome_occurred, reasoning, evidence_document_ids`

func scanPrediction(r row) (model.Prediction, error) {
	var p model.Prediction
	var evidence []byte
	if err := r.Scan(&p.ID, &p.OrganizationID, &p.SignalID, &p.TargetID, &p.SignalType, &p.PatternID, &p.PredictedOutcome,
		&p.PredictedTimeframeDays, &p.PredictedConfidence, &p.SearchQuery, &p.PredictedAt, &p.ExpiresAt, &p.Status,
		&p.ValidatedAt, &p.ValidatedBy, &p.WasAccurate, &p.OutcomeMatch, &p.OutcomeOccurred, &p.Reasoning, &evidence); err != nil {
		return p, err
	}
	return p, unmarshalJSON(evidence, &p.EvidenceDocumentIDs)
}

// InsertPrediction stores a pending prediction. A signal has at most one
// prediction; a second insert for the same signal is ignored.
func (s *sqlStore) InsertPrediction(ctx context.Context, p *model.Prediction) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = model.PredictionStatusPending
	}
	if p.PredictedAt.IsZero() {
		p.PredictedAt = time.Now().UTC()
	}
	if p.ExpiresAt.IsZero() {
		p.ExpiresAt = p.PredictedAt.AddDate(0, 0, p.PredictedTimeframeDays)
	}
	_, err := s.exec(ctx,
		`INSERT INTO predictions (id, organization_id, signal_id, target_id, signal_type, pattern_id, predicted_outcome,
			predicted_timeframe_days, predicted_confidence, search_query, predicted_at, expires_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (signal_id) DO NOTHING`,
		p.ID, p.OrganizationID, p.SignalID, p.TargetID, p.SignalType, p.PatternID, p.PredictedOutcome,
		p.PredictedTimeframeDays, p.PredictedConfidence, p.SearchQuery, p.PredictedAt.UTC(), p.ExpiresAt.UTC(), string(p.Status),
	)
	return s.wrap(err, "insert prediction")
}

func (s *sqlStore) ListPredictions(ctx context.Context, f PredictionFilter) ([]model.Prediction, error) {
	b := s.sb.Select(predictionColumns).From("predictions").OrderBy("predicted_at DESC", "id")
	if f.SignalID != "" {
		b = b.Where(sq.Eq{"signal_id": f.SignalID})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	preds, err := collect(ctx, s, b.Limit(uint64(limit)), scanPrediction)
	return preds, s.wrap(err, "list predictions")
}

// ListEligiblePredictions returns pending predictions that have expired or
// were made before maturedBefore. Expired predictions come first, earliest
// expiry first, so matured predictions that keep being deferred cannot hold
// the batch; the rest follow by expiry.
func (s *sqlStore) ListEligiblePredictions(ctx context.Context, now, maturedBefore time.Time, limit int) ([]model.Prediction, error) {
	b := s.sb.Select(predictionColumns).From("predictions").
		Where(sq.Eq{"status": string(model.PredictionStatusPending)}).
		Where(sq.Or{sq.LtOrEq{"expires_at": now.UTC()}, sq.LtOrEq{"predicted_at": maturedBefore.UTC()}}).
		OrderByClause("CASE WHEN expires_at <= ? THEN 0 ELSE 1 END", now.UTC()).
		OrderBy("expires_at", "predicted_at", "id").
		Limit(uint64(limit))
	preds, err := collect(ctx, s, b, scanPrediction)
	return preds, s.wrap(err, "list eligible predictions")
}

func (s *sqlStore) SavePredictionQuery(ctx context.Context, id, query string) error {
	_, err := s.exec(ctx, `UPDATE predictions SET search_query = ? WHERE id = ? AND status = 'pending'`, query, id)
	return s.wrap(err, "save prediction query "+id)
}

// ResolvePrediction writes the validation outcome exactly once. It returns
// false when the prediction was already resolved.
func (s *sqlStore) ResolvePrediction(ctx context.Context, id string, res model.Resolution) (bool, error) {
	evidence, err := marshalJSON(res.EvidenceDocumentIDs)
	if err != nil {
		return false, err
	}
	n, err := s.exec(ctx,
		`UPDATE predictions SET status = ?, was_accurate = ?, outcome_match = ?, outcome_occurred = ?, reasoning = ?,
			evidence_document_ids = ?, validated_by = ?, validated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(res.Status), res.WasAccurate, res.OutcomeMatch, string(res.OutcomeOccurred), res.Reasoning,
		evidence, res.ValidatedBy, res.ValidatedAt.UTC(), id,
	)
	if err != nil {
		return false, s.wrap(err, "resolve prediction "+id)
	}
	return n == 1, nil
}

func (s *sqlStore) RecordAccuracy(ctx context.Context, organizationID, targetID, signalType string, accurate bool, now time.Time) error {
	inc := 0
	if accurate {
		inc = 1
	}
	_, err := s.exec(ctx,
		`INSERT INTO accuracy_stats (organization_id, target_id, signal_type, total, accurate, accuracy_rate, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?, ?)
		 ON CONFLICT (organization_id, target_id, signal_type) DO UPDATE SET
			total = accuracy_stats.total + 1,
			accurate = accuracy_stats.accurate + excluded.accurate,
			accuracy_rate = (accuracy_stats.accurate + excluded.accurate) * 1.0 / (accuracy_stats.total + 1),
			updated_at = excluded.updated_at`,
		organizationID, targetID, signalType, inc, float64(inc), now.UTC(),
	)
	return s.wrap(err, "record accuracy")
}

func (s *sqlStore) GetAccuracy(ctx context.Context, organizationID, targetID, signalType string) (*model.AccuracyStat, error) {
	a := model.AccuracyStat{OrganizationID: organizationID, TargetID: targetID, SignalType: signalType}
	err := s.queryRow(ctx,
		`SELECT total, accurate, accuracy_rate, updated_at FROM accuracy_stats
		 WHERE organization_id = ? AND target_id = ? AND signal_type = ?`,
		organizationID, targetID, signalType,
	).Scan(&a.Total, &a.Accurate, &a.AccuracyRate, &a.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, s.wrap(err, "get accuracy")
	}
	return &a, nil
}

// --- Runs ---

const runColumns = `id, kind, status, options, stages, started_at, completed_at, duration_ms`

func scanRun(r row) (model.PipelineRun, error) {
	var run model.PipelineRun
	var options, stages []byte
	if err := r.Scan(&run.ID, &run.Kind, &run.Status, &options, &stages, &run.StartedAt, &run.CompletedAt, &run.DurationMs); err != nil {
		return run, err
	}
	if err := unmarshalJSON(options, &run.Options); err != nil {
		return run, err
	}
	return run, unmarshalJSON(stages, &run.Stages)
}

func (s *sqlStore) CreateRun(ctx context.Context, kind model.RunKind, options map[string]any) (*model.PipelineRun, error) {
	run := &model.PipelineRun{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    model.RunStatusRunning,
		Options:   options,
		Stages:    []model.StageResult{},
		StartedAt: time.Now().UTC(),
	}
	opts, err := marshalJSON(options)
	if err != nil {
		return nil, err
	}
	_, err = s.exec(ctx,
		`INSERT INTO pipeline_runs (id, kind, status, options, stages, started_at, duration_ms) VALUES (?, ?, ?, ?, ?, ?, 0)`,
		run.ID, string(run.Kind), string(run.Status), opts, []byte("[]"), run.StartedAt,
	)
	if err != nil {
		return nil, s.wrap(err, "create run")
	}
	return run, nil
}

func (s *sqlStore) CompleteRun(ctx context.Context, run *model.PipelineRun) error {
	stages, err := marshalJSON(run.Stages)
	if err != nil {
		return err
	}
	n, err := s.exec(ctx,
		`UPDATE pipeline_runs SET status = ?, stages = ?, completed_at = ?, duration_ms = ? WHERE id = ?`,
		string(run.Status), stages, timeArg(run.CompletedAt), run.DurationMs, run.ID,
	)
	if err != nil {
		return s.wrap(err, "complete run "+run.ID)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s: run %s", s.d.name, run.ID)
	}
	return nil
}

func (s *sqlStore) GetRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	query, args, err := s.sb.Select(runColumns).From("pipeline_runs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, s.wrap(err, "build get run")
	}
	run, err := scanRun(s.q.queryRow(ctx, query, args...))
	if err != nil {
		if isNoRows(err) {
			return nil, eris.Wrapf(ErrNotFound, "%s: run %s", s.d.name, id)
		}
		return nil, s.wrap(err, "get run "+id)
	}
	return &run, nil
}

func (s *sqlStore) ListRuns(ctx context.Context, f RunFilter) ([]model.PipelineRun, error) {
	b := s.sb.Select(runColumns).From("pipeline_runs").OrderBy("started_at DESC", "id")
	if f.Kind != "" {
		b = b.Where(sq.Eq{"kind": string(f.Kind)})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}
	if !f.Since.IsZero() {
		b = b.Where(sq.GtOrEq{"started_at": f.Since.UTC()})
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	b = b.Limit(uint64(limit))
	if f.Offset > 0 {
		b = b.Offset(uint64(f.Offset))
	}
	runs, err := collect(ctx, s, b, scanRun)
	return runs, s.wrap(err, "list runs")
}
