package model

import "time"

// IncidentStatus represents the lifecycle state of an incident
type IncidentStatus string

const (
	IncidentStatusOpen   IncidentStatus = "OPEN"
	IncidentStatusClosed IncidentStatus = "CLOSED"
)

// Incident represents a continuous DOWN period of one service
type Incident struct {
	ID                 string         `json:"id"`
	ServiceID          string         `json:"service_id"`
	ServiceName        string         `json:"service_name"`
	Status             IncidentStatus `json:"status"`
	StartTime          time.Time      `json:"start_time"`
	EndTime            *time.Time     `json:"end_time,omitempty"`
	DurationMs         *int64         `json:"duration_ms,omitempty"`
	FailedChecks       int            `json:"failed_checks"`
	CorrelationID      string         `json:"correlation_id,omitempty"`
	RootCauseServiceID string         `json:"root_cause_service_id,omitempty"`
	ImpactedServices   []string       `json:"impacted_services,omitempty"`
	IsCorrelated       bool           `json:"is_correlated"`
}

// Duration returns the fixed duration of a closed incident
func (i *Incident) Duration() time.Duration {
	if i.DurationMs == nil {
		return 0
	}
	return time.Duration(*i.DurationMs) * time.Millisecond
}

// CorrelationUpdate is the set of correlation fields written on an incident
type CorrelationUpdate struct {
	CorrelationID      string
	RootCauseServiceID string
	ImpactedServices   []string
	IsCorrelated       bool
}
