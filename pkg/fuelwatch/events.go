package fuelwatch

import (
	"context"
	"time"
)

// Event is the flat, JSON-serializable payload handed to the external
// event-publishing collaborator (message bus, websocket fan-out).
type Event struct {
	EventType     string         `json:"event_type"`
	AnomalyID     string         `json:"anomaly_id,omitempty"`
	RuleID        string         `json:"rule_id,omitempty"`
	StationID     string         `json:"station_id,omitempty"`
	TransactionID *string        `json:"transaction_id"`
	Severity      string         `json:"severity,omitempty"`
	ReceiptToken  string         `json:"receipt_token,omitempty"`
	Timestamp     string         `json:"timestamp,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// Publisher delivers events to external consumers. Implementations must be
// best-effort: the core logs and swallows their failures.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(ctx context.Context, event Event) error {
	return nil
}

func anomalyEvent(anomaly Anomaly, now time.Time) Event {
	event := Event{
		EventType:     EventAnomalyDetected,
		AnomalyID:     anomaly.AnomalyID,
		TransactionID: anomaly.TransactionID,
		Severity:      string(anomaly.Severity),
		Timestamp:     now.UTC().Format(time.RFC3339),
		Details:       anomaly.Details,
	}
	if anomaly.StationID != nil {
		event.StationID = *anomaly.StationID
	}
	if anomaly.RuleSlug != nil {
		event.RuleID = *anomaly.RuleSlug
	}
	return event
}

func receiptSentEvent(receipt Receipt, now time.Time) Event {
	transactionID := receipt.TransactionID
	event := Event{
		EventType:     EventReceiptSent,
		TransactionID: &transactionID,
		ReceiptToken:  receipt.Token,
		Timestamp:     now.UTC().Format(time.RFC3339),
	}
	if receipt.StationID != nil {
		event.StationID = *receipt.StationID
	}
	return event
}
