package models

import "time"

// BatchStatus is the lifecycle state of a BatchJob.
type BatchStatus string

const (
	BatchPending       BatchStatus = "pending"
	BatchProcessing    BatchStatus = "processing"
	BatchCompleted     BatchStatus = "completed"
	BatchFailedPartial BatchStatus = "failed-partial"
	BatchCancelled     BatchStatus = "cancelled"
)

// IsClosed reports whether the batch accepts no further counter increments.
func (s BatchStatus) IsClosed() bool {
	return s == BatchCompleted || s == BatchFailedPartial || s == BatchCancelled
}

// Outcome is the terminal result of one document within a batch.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// BatchJob aggregates progress for documents sharing a correlation id.
// Completed+Failed never exceeds Total and equals it only once closed.
type BatchJob struct {
	CorrelationID string      `json:"correlation_id" db:"correlation_id"`
	Total         int         `json:"total" db:"total"`
	Completed     int         `json:"completed" db:"completed"`
	Failed        int         `json:"failed" db:"failed"`
	Status        BatchStatus `json:"status" db:"status"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
	ClosedAt      *time.Time  `json:"closed_at,omitempty" db:"closed_at"`
}

// BatchProgress is the read model returned to operators.
type BatchProgress struct {
	CorrelationID string      `json:"correlation_id"`
	Total         int         `json:"total"`
	Completed     int         `json:"completed"`
	Failed        int         `json:"failed"`
	Percent       float64     `json:"percent"`
	Status        BatchStatus `json:"status"`
}

// Progress derives the operator view from the stored counters.
func (b *BatchJob) Progress() BatchProgress {
	p := BatchProgress{
		CorrelationID: b.CorrelationID,
		Total:         b.Total,
		Completed:     b.Completed,
		Failed:        b.Failed,
		Status:        b.Status,
	}
	if b.Total > 0 {
		p.Percent = float64(b.Completed+b.Failed) * 100 / float64(b.Total)
	}
	return p
}

// ResolveStatus computes the status implied by the counters.
// A cancelled batch stays cancelled.
func (b *BatchJob) ResolveStatus() BatchStatus {
	switch {
	case b.Status == BatchCancelled:
		return BatchCancelled
	case b.Total > 0 && b.Completed+b.Failed >= b.Total && b.Failed == 0:
		return BatchCompleted
	case b.Total > 0 && b.Completed+b.Failed >= b.Total:
		return BatchFailedPartial
	case b.Completed+b.Failed > 0:
		return BatchProcessing
	default:
		return BatchPending
	}
}
