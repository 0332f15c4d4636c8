package domain

import "time"

type ProbeID string

type AlarmID string

// Outcome is the immutable record of one probe run.
type Outcome struct {
	ProbeID       ProbeID   `json:"probe_id"`
	Timestamp     time.Time `json:"timestamp"`
	Success       bool      `json:"success"`
	DurationMS    float64   `json:"duration_ms"`
	Error         string    `json:"error,omitempty"`
	StatusCode    int       `json:"status_code,omitempty"`
	ArtifactURI   string    `json:"artifact_uri,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// AlarmState literals are part of the notification contract; do not rename.
type AlarmState string

const (
	StateOK               AlarmState = "OK"
	StateAlarm            AlarmState = "ALARM"
	StateInsufficientData AlarmState = "INSUFFICIENT_DATA"
)

func (s AlarmState) Valid() bool {
	switch s {
	case StateOK, StateAlarm, StateInsufficientData:
		return true
	}
	return false
}

// TransitionEvent is delivered to subscribers when an alarm changes state.
// Field names are a stable wire contract.
type TransitionEvent struct {
	AlarmID       AlarmID    `json:"alarmId"`
	PreviousState AlarmState `json:"previousState"`
	NewState      AlarmState `json:"newState"`
	OccurredAt    time.Time  `json:"occurredAt"`
	MetricValue   *float64   `json:"metricValue"`
	ProbeID       ProbeID    `json:"probeId"`
}
