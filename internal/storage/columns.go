package storage

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pgvector/pgvector-go"

	"github.com/hyperjump/nagare/internal/faults"
	"github.com/hyperjump/nagare/internal/models"
)

// nullVector scans a nullable embedding column. Both dialects store the pgvector text form.
type nullVector struct {
	vec []float32
}

func (n *nullVector) Scan(src any) error {
	if src == nil {
		n.vec = nil
		return nil
	}
	var v pgvector.Vector
	if err := v.Scan(src); err != nil {
		return fmt.Errorf("scan embedding: %w", err)
	}
	n.vec = v.Slice()
	return nil
}

func embeddingValue(vec []float32) any {
	if len(vec) == 0 {
		return nil
	}
	var v driver.Valuer = pgvector.NewVector(vec)
	return v
}

func metadataValue(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, faults.Validation(fmt.Errorf("marshal metadata: %w", err))
	}
	return string(b), nil
}

type documentRow struct {
	ID                 string          `db:"id"`
	SourceRef          string          `db:"source_ref"`
	Title              string          `db:"title"`
	Category           sql.NullString  `db:"category"`
	Confidence         sql.NullFloat64 `db:"confidence"`
	Metadata           sql.NullString  `db:"metadata"`
	Embedding          nullVector      `db:"embedding"`
	Status             string          `db:"processing_status"`
	RetryCount         int             `db:"retry_count"`
	ErrorMessage       sql.NullString  `db:"error_message"`
	BatchCorrelationID sql.NullString  `db:"batch_correlation_id"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
	IndexedAt          sql.NullTime    `db:"indexed_at"`
}

const documentColumns = `id, source_ref, title, category, confidence, metadata, embedding,
	processing_status, retry_count, error_message, batch_correlation_id, created_at, updated_at, indexed_at`

func (r *documentRow) toModel() (*models.Document, error) {
	status, err := models.ParseStatus(r.Status)
	if err != nil {
		return nil, err
	}
	doc := &models.Document{
		ID:         r.ID,
		SourceRef:  r.SourceRef,
		Title:      r.Title,
		Embedding:  r.Embedding.vec,
		Status:     status,
		RetryCount: r.RetryCount,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.Category.Valid {
		doc.Category = models.StringPtr(r.Category.String)
	}
	if r.Confidence.Valid {
		doc.Confidence = models.Float64Ptr(r.Confidence.Float64)
	}
	if r.ErrorMessage.Valid {
		doc.ErrorMessage = models.StringPtr(r.ErrorMessage.String)
	}
	if r.BatchCorrelationID.Valid {
		doc.BatchCorrelationID = models.StringPtr(r.BatchCorrelationID.String)
	}
	if r.IndexedAt.Valid {
		t := r.IndexedAt.Time
		doc.IndexedAt = &t
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		if err := json.Unmarshal([]byte(r.Metadata.String), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return doc, nil
}

const batchColumns = `correlation_id, total, completed, failed, status, created_at, updated_at, closed_at`

type batchRow struct {
	CorrelationID string       `db:"correlation_id"`
	Total         int          `db:"total"`
	Completed     int          `db:"completed"`
	Failed        int          `db:"failed"`
	Status        string       `db:"status"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
	ClosedAt      sql.NullTime `db:"closed_at"`
}

func (r *batchRow) toModel() *models.BatchJob {
	job := &models.BatchJob{
		CorrelationID: r.CorrelationID,
		Total:         r.Total,
		Completed:     r.Completed,
		Failed:        r.Failed,
		Status:        models.BatchStatus(r.Status),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.ClosedAt.Valid {
		t := r.ClosedAt.Time
		job.ClosedAt = &t
	}
	return job
}

// classifyWriteError tags driver errors so the indexer retries only transient rejections.
func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	if faults.KindOf(err) != faults.KindUnknown {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrMismatch, sqlite3.ErrTooBig:
			return faults.Validation(err)
		default:
			return faults.Transient(err)
		}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 22 is data exceptions, class 23 integrity violations.
		if strings.HasPrefix(string(pqErr.Code), "22") || strings.HasPrefix(string(pqErr.Code), "23") {
			return faults.Validation(err)
		}
		return faults.Transient(err)
	}
	return faults.Transient(err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
