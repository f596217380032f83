package models

import "fmt"

// Status is a document's position in the processing state machine.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusClassifying Status = "classifying"
	StatusClassified  Status = "classified"
	StatusExtracting  Status = "extracting"
	StatusExtracted   Status = "extracted"
	StatusIndexing    Status = "indexing"
	StatusIndexed     Status = "indexed"
	StatusFailed      Status = "failed"
)

// pipelineOrder lists the forward path; failed sits outside it.
var pipelineOrder = []Status{
	StatusQueued,
	StatusClassifying,
	StatusClassified,
	StatusExtracting,
	StatusExtracted,
	StatusIndexing,
	StatusIndexed,
}

var statusRank = func() map[Status]int {
	m := make(map[Status]int, len(pipelineOrder))
	for i, s := range pipelineOrder {
		m[s] = i
	}
	return m
}()

// AllStatuses returns every status in pipeline order, failed last.
func AllStatuses() []Status {
	return append(append([]Status(nil), pipelineOrder...), StatusFailed)
}

// ParseStatus validates s.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if st == StatusFailed {
		return st, nil
	}
	if _, ok := statusRank[st]; !ok {
		return "", fmt.Errorf("unknown processing status %q", s)
	}
	return st, nil
}

// Rank returns the position along the forward path, or -1 for failed and unknown values.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusIndexed || s == StatusFailed
}

// CanTransition reports whether moving from s to next keeps the machine forward-only.
// Any non-terminal state may fail; otherwise the rank must strictly increase.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	from, to := s.Rank(), next.Rank()
	return from >= 0 && to > from
}

// Before reports whether s precedes other on the forward path.
func (s Status) Before(other Status) bool {
	return s.Rank() >= 0 && other.Rank() >= 0 && s.Rank() < other.Rank()
}
