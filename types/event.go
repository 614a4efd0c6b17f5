package types

import (
	"encoding/json"
	"time"
)

// EventType tags the payload carried by an Event.
type EventType string

// Event types pushed to subscribers.
const (
	EventDataUpdate           EventType = "data_update"
	EventCorrelationInsight   EventType = "correlation_insight"
	EventCorrelationAnomaly   EventType = "correlation_anomaly"
	EventAlertNotification    EventType = "alert_notification"
	EventConnectionResponse   EventType = "connection_response"
	EventSubscriptionResponse EventType = "subscription_response"
)

// Event is the tagged record distributed by the event bus. Payload is
// pre-encoded JSON so publication does not depend on every subscriber
// re-marshaling the same value.
type Event struct {
	Type      EventType       `json:"type"`
	Domain    DomainID        `json:"domain,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent builds an event, marshaling payload to JSON. A payload that
// fails to marshal is replaced with a JSON null rather than dropped so
// subscribers still observe the occurrence.
func NewEvent(typ EventType, domain DomainID, payload any, ts time.Time) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage("null")
	}
	return Event{Type: typ, Domain: domain, Payload: raw, Timestamp: ts}
}
