// Package alert evaluates configured thresholds against sampled metric
// values and manages the resulting alert lifecycle. Each threshold owns
// at most one active alert at a time; repeated violations escalate or
// de-escalate that alert instead of raising duplicates, and an alert
// resolves only after its metric stays within bounds for the full
// cooldown.
package alert

import (
	"time"

	"github.com/google/uuid"
)

// Level is the evaluated position of a metric relative to a threshold.
type Level string

// Evaluation levels, in escalation order.
const (
	LevelOK       Level = "ok"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Severity labels an alert for consumers.
type Severity string

// Alert severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// State is the lifecycle state of an alert record.
type State string

// Alert lifecycle states.
const (
	StateRaised       State = "raised"
	StateAcknowledged State = "acknowledged"
	StateResolved     State = "resolved"
)

// Alert is one alert occurrence. ValueAtRaise is the metric value that
// first triggered it; Severity tracks the current escalation level.
type Alert struct {
	ID           uuid.UUID  `json:"id"`
	ThresholdRef string     `json:"threshold_ref"`
	Severity     Severity   `json:"severity"`
	State        State      `json:"state"`
	RaisedAt     time.Time  `json:"raised_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	ValueAtRaise float64    `json:"value_at_raise"`
}

// TransitionKind names what happened to an alert.
type TransitionKind string

// Transition kinds published with alert notifications.
const (
	TransitionRaised      TransitionKind = "raised"
	TransitionEscalated   TransitionKind = "escalated"
	TransitionDeescalated TransitionKind = "deescalated"
	TransitionResolved    TransitionKind = "resolved"
)

// Transition describes one lifecycle change. It is both the return
// value of Evaluate and the payload of alert_notification events.
type Transition struct {
	Kind         TransitionKind `json:"kind"`
	ThresholdRef string         `json:"threshold_ref"`
	From         Level          `json:"from"`
	To           Level          `json:"to"`
	Value        float64        `json:"value"`
	Alert        Alert          `json:"alert"`
	OccurredAt   time.Time      `json:"occurred_at"`
}
