package models

import (
	"fmt"
	"time"
)

// Event types routed between pipeline stages.
const (
	EventUploaded   = "document.uploaded"
	EventClassified = "document.classified"
	EventExtracted  = "document.extracted"
	EventIndexed    = "document.indexed"
	EventFailed     = "document.failed"
)

// PayloadDocumentID is the payload key every event carries.
const PayloadDocumentID = "document_id"

// Envelope is the wire shape of every routed event.
type Envelope struct {
	ID              string         `json:"id"`
	EventType       string         `json:"event_type"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	DeliveryAttempt int            `json:"delivery_attempt"`
	Payload         map[string]any `json:"payload"`
}

// DocumentID extracts payload.document_id.
func (e *Envelope) DocumentID() (string, error) {
	raw, ok := e.Payload[PayloadDocumentID]
	if !ok {
		return "", fmt.Errorf("payload missing %s", PayloadDocumentID)
	}
	id, ok := raw.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("payload %s must be a non-empty string", PayloadDocumentID)
	}
	return id, nil
}

// PayloadString returns a string payload field, or "" when absent.
func (e *Envelope) PayloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// DocumentPayload builds a payload for documentID with optional extra fields.
func DocumentPayload(documentID string, extra map[string]any) map[string]any {
	p := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		p[k] = v
	}
	p[PayloadDocumentID] = documentID
	return p
}
