package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/hyperjump/nagare/internal/models"
)

// SQLStore implements Store on SQLite or PostgreSQL through sqlx.
// Queries are written with ? placeholders and rebound for the active driver.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
	logger *zap.Logger
}

// SQLStoreOption configures a SQLStore.
type SQLStoreOption func(*SQLStore)

// WithLogger sets a logger for store diagnostics.
func WithLogger(l *zap.Logger) SQLStoreOption {
	return func(s *SQLStore) { s.logger = l }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) SQLStoreOption {
	return func(s *SQLStore) { s.now = now }
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist. ":memory:" opens a private in-memory database.
func NewSQLiteStore(dbPath string, opts ...SQLStoreOption) (*SQLStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn = dbPath + "?_busy_timeout=5000"
	}
	db, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; one connection keeps ":memory:" databases alive and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}
	return newSQLStore(db, DriverSQLite, opts...)
}

// NewPostgresStore connects to PostgreSQL (with the pgvector extension available) and initializes the schema.
func NewPostgresStore(ctx context.Context, dsn string, opts ...SQLStoreOption) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return newSQLStore(db, DriverPostgres, opts...)
}

func newSQLStore(db *sqlx.DB, driver string, opts ...SQLStoreOption) (*SQLStore, error) {
	s := &SQLStore{db: db, driver: driver, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	schema, err := schemaFor(driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) timestamp() time.Time {
	return s.now().UTC()
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateDocuments inserts documents in one transaction. Status defaults to queued.
func (s *SQLStore) CreateDocuments(ctx context.Context, docs []*models.Document) error {
	now := s.timestamp()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`INSERT INTO documents (` + documentColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		for _, doc := range docs {
			if doc.Status == "" {
				doc.Status = models.StatusQueued
			}
			doc.CreatedAt = now
			doc.UpdatedAt = now
			meta, err := metadataValue(doc.Metadata)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, query,
				doc.ID, doc.SourceRef, doc.Title, doc.Category, doc.Confidence, meta,
				embeddingValue(doc.Embedding), string(doc.Status), doc.RetryCount, doc.ErrorMessage,
				doc.BatchCorrelationID, doc.CreatedAt, doc.UpdatedAt, doc.IndexedAt,
			)
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("document %s: %w", doc.ID, ErrAlreadyExists)
				}
				return fmt.Errorf("insert document %s: %w", doc.ID, err)
			}
		}
		return nil
	})
}

// GetDocument returns a document by ID.
func (s *SQLStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var row documentRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+documentColumns+` FROM documents WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// GetDocuments returns the documents that exist among ids, keyed by id.
func (s *SQLStore) GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error) {
	out := make(map[string]*models.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT `+documentColumns+` FROM documents WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []documentRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for i := range rows {
		doc, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out[doc.ID] = doc
	}
	return out, nil
}

// ListDocuments returns documents ordered by creation time, optionally narrowed by batch and status.
func (s *SQLStore) ListDocuments(ctx context.Context, filter ListFilter) ([]*models.Document, error) {
	var (
		where []string
		args  []any
	)
	if filter.CorrelationID != "" {
		where = append(where, "batch_correlation_id = ?")
		args = append(args, filter.CorrelationID)
	}
	if filter.Status != "" {
		where = append(where, "processing_status = ?")
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + documentColumns + ` FROM documents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	var rows []documentRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	docs := make([]*models.Document, 0, len(rows))
	for i := range rows {
		doc, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// casResult maps a zero-row conditional update to ErrNotFound or ErrConflict.
func (s *SQLStore) casResult(ctx context.Context, q sqlx.QueryerContext, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = sqlx.GetContext(ctx, q, &exists, s.db.Rebind(`SELECT 1 FROM documents WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("document %s: %w", id, ErrConflict)
}

// TransitionStatus moves a document from one status to the next if, and only if, it is currently in from.
func (s *SQLStore) TransitionStatus(ctx context.Context, id string, from, to models.Status) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s: %w", from, to, ErrConflict)
	}
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE documents SET processing_status = ?, updated_at = ? WHERE id = ? AND processing_status = ?`),
		string(to), s.timestamp(), id, string(from),
	)
	if err != nil {
		return err
	}
	return s.casResult(ctx, s.db, res, id)
}

// CompleteStage records a stage's output, advances the status, and resets the per-stage retry counter.
func (s *SQLStore) CompleteStage(ctx context.Context, id string, from, to models.Status, update StageUpdate) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s: %w", from, to, ErrConflict)
	}
	meta, err := metadataValue(update.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE documents SET
			processing_status = ?,
			category = COALESCE(?, category),
			confidence = COALESCE(?, confidence),
			metadata = COALESCE(?, metadata),
			retry_count = 0,
			error_message = NULL,
			updated_at = ?
		WHERE id = ? AND processing_status = ?`),
		string(to), update.Category, update.Confidence, meta, s.timestamp(), id, string(from),
	)
	if err != nil {
		return err
	}
	return s.casResult(ctx, s.db, res, id)
}

// IncrementRetry bumps the retry counter of a non-terminal document and returns the new value.
func (s *SQLStore) IncrementRetry(ctx context.Context, id string, reason string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind(`UPDATE documents
		SET retry_count = retry_count + 1, error_message = ?, updated_at = ?
		WHERE id = ? AND processing_status NOT IN ('indexed', 'failed')
		RETURNING retry_count`),
		reason, s.timestamp(), id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetDocument(ctx, id); getErr != nil {
			return 0, getErr
		}
		return 0, fmt.Errorf("document %s is terminal: %w", id, ErrConflict)
	}
	return count, err
}

// MarkFailed moves a non-terminal document to failed and records the reason.
func (s *SQLStore) MarkFailed(ctx context.Context, id string, reason string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE documents
		SET processing_status = 'failed', error_message = ?, updated_at = ?
		WHERE id = ? AND processing_status NOT IN ('indexed', 'failed')`),
		reason, s.timestamp(), id,
	)
	if err != nil {
		return err
	}
	return s.casResult(ctx, s.db, res, id)
}

// MarkIndexed moves a document from indexing to indexed.
func (s *SQLStore) MarkIndexed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE documents
		SET processing_status = 'indexed', indexed_at = ?, error_message = NULL, updated_at = ?
		WHERE id = ? AND processing_status = 'indexing'`),
		at.UTC(), s.timestamp(), id,
	)
	if err != nil {
		return err
	}
	return s.casResult(ctx, s.db, res, id)
}

// UpsertBatch writes the indexable fields of every document keyed by id (last write wins).
// Each item runs under its own savepoint so one rejection never rolls back the others.
// If the enclosing commit fails, every item is reported failed with that error.
func (s *SQLStore) UpsertBatch(ctx context.Context, docs []*models.Document) []models.ItemResult {
	results := make([]models.ItemResult, len(docs))
	for i, doc := range docs {
		results[i].ID = doc.ID
	}
	if len(docs) == 0 {
		return results
	}
	now := s.timestamp()
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`INSERT INTO documents (` + documentColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				title = excluded.title,
				category = excluded.category,
				confidence = excluded.confidence,
				metadata = excluded.metadata,
				embedding = excluded.embedding,
				updated_at = excluded.updated_at`)
		for i, doc := range docs {
			results[i].Err = s.upsertOne(ctx, tx, query, doc, now)
		}
		return nil
	})
	if err != nil {
		err = classifyWriteError(err)
		for i := range results {
			results[i].Err = err
		}
	}
	return results
}

func (s *SQLStore) upsertOne(ctx context.Context, tx *sqlx.Tx, query string, doc *models.Document, now time.Time) error {
	meta, err := metadataValue(doc.Metadata)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SAVEPOINT item"); err != nil {
		return classifyWriteError(err)
	}
	created := doc.CreatedAt
	if created.IsZero() {
		created = now
	}
	status := doc.Status
	if status == "" {
		status = models.StatusIndexing
	}
	_, err = tx.ExecContext(ctx, query,
		doc.ID, doc.SourceRef, doc.Title, doc.Category, doc.Confidence, meta,
		embeddingValue(doc.Embedding), string(status), doc.RetryCount, doc.ErrorMessage,
		doc.BatchCorrelationID, created, now, doc.IndexedAt,
	)
	if err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT item"); rbErr != nil {
			s.logger.Warn("rollback to savepoint failed", zap.String("document_id", doc.ID), zap.Error(rbErr))
		}
		return classifyWriteError(err)
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT item"); err != nil {
		return classifyWriteError(err)
	}
	return nil
}

// ListEmbeddings streams every indexed document that has an embedding.
func (s *SQLStore) ListEmbeddings(ctx context.Context, fn func(EmbeddingRecord) error) error {
	rows, err := s.db.QueryxContext(ctx, `SELECT id, COALESCE(category, '') AS category, embedding
		FROM documents WHERE processing_status = 'indexed' AND embedding IS NOT NULL ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rec EmbeddingRecord
			vec nullVector
		)
		if err := rows.Scan(&rec.ID, &rec.Category, &vec); err != nil {
			return err
		}
		rec.Embedding = vec.vec
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CreateBatch opens a batch expecting total terminal outcomes.
func (s *SQLStore) CreateBatch(ctx context.Context, correlationID string, total int) (*models.BatchJob, error) {
	if total < 0 {
		return nil, fmt.Errorf("batch total must not be negative")
	}
	now := s.timestamp()
	job := &models.BatchJob{
		CorrelationID: correlationID,
		Total:         total,
		Status:        models.BatchPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if total == 0 {
		job.Status = models.BatchCompleted
		job.ClosedAt = &now
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO batches (`+batchColumns+`)
		VALUES (?, ?, 0, 0, ?, ?, ?, ?)`),
		job.CorrelationID, job.Total, string(job.Status), job.CreatedAt, job.UpdatedAt, job.ClosedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("batch %s: %w", correlationID, ErrAlreadyExists)
		}
		return nil, err
	}
	return job, nil
}

// GetBatch returns a batch by correlation id.
func (s *SQLStore) GetBatch(ctx context.Context, correlationID string) (*models.BatchJob, error) {
	return s.getBatch(ctx, s.db, correlationID)
}

func (s *SQLStore) getBatch(ctx context.Context, q sqlx.QueryerContext, correlationID string) (*models.BatchJob, error) {
	var row batchRow
	err := sqlx.GetContext(ctx, q, &row, s.db.Rebind(`SELECT `+batchColumns+` FROM batches WHERE correlation_id = ?`), correlationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", correlationID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// RecordTerminal records one document's terminal outcome in its batch.
// The membership insert and the counter increment commit together, so a redelivered event
// for the same document is a no-op and concurrent completions never lose an update.
// It reports whether the counters changed; closed and cancelled batches are left untouched.
func (s *SQLStore) RecordTerminal(ctx context.Context, correlationID, documentID string, outcome models.Outcome) (bool, error) {
	var column string
	switch outcome {
	case models.OutcomeCompleted:
		column = "completed"
	case models.OutcomeFailed:
		column = "failed"
	default:
		return false, fmt.Errorf("unknown outcome %q", outcome)
	}
	recorded := false
	now := s.timestamp()
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO batch_members (correlation_id, document_id, outcome, recorded_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (correlation_id, document_id) DO NOTHING`),
			correlationID, documentID, string(outcome), now,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}

		// Closure is decided from the pre-increment counters: this increment closes the batch
		// when it makes completed+failed reach total.
		failedAfter := "failed"
		if outcome == models.OutcomeFailed {
			failedAfter = "failed + 1"
		}
		res, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE batches SET
				`+column+` = `+column+` + 1,
				status = CASE
					WHEN completed + failed + 1 >= total AND `+failedAfter+` = 0 THEN 'completed'
					WHEN completed + failed + 1 >= total THEN 'failed-partial'
					ELSE 'processing'
				END,
				closed_at = CASE WHEN completed + failed + 1 >= total THEN ? ELSE closed_at END,
				updated_at = ?
			WHERE correlation_id = ? AND status IN ('pending', 'processing') AND completed + failed < total`),
			now, now, correlationID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errBatchClosed
		}
		recorded = true
		return nil
	})
	if err != nil && !errors.Is(err, errBatchClosed) {
		return false, err
	}
	if !recorded {
		if _, err := s.GetBatch(ctx, correlationID); err != nil {
			return false, err
		}
	}
	return recorded, nil
}

var errBatchClosed = errors.New("batch closed")

// CancelBatch marks an open batch cancelled. Closed batches are returned unchanged.
func (s *SQLStore) CancelBatch(ctx context.Context, correlationID string) (*models.BatchJob, error) {
	now := s.timestamp()
	var job *models.BatchJob
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE batches SET status = 'cancelled', closed_at = ?, updated_at = ?
			WHERE correlation_id = ? AND status IN ('pending', 'processing')`),
			now, now, correlationID,
		); err != nil {
			return err
		}
		var err error
		job, err = s.getBatch(ctx, tx, correlationID)
		return err
	})
	return job, err
}

// CountByStatus returns the number of documents per processing status.
func (s *SQLStore) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT processing_status, COUNT(*) FROM documents GROUP BY processing_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[models.Status]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[models.Status(status)] = n
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
