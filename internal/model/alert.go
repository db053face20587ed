package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "INFO"
	AlertSeverityWarning  AlertSeverity = "WARNING"
	AlertSeverityCritical AlertSeverity = "CRITICAL"
)

// AlertType represents the event that triggered an alert
type AlertType string

const (
	AlertTypeIncidentOpened  AlertType = "INCIDENT_OPENED"
	AlertTypeIncidentClosed  AlertType = "INCIDENT_CLOSED"
	AlertTypeResponseTime    AlertType = "RESPONSE_TIME"
	AlertTypeServiceDegraded AlertType = "SERVICE_DEGRADED"
)

// IsDowntime reports whether the type is gated by the downtime email flag
func (t AlertType) IsDowntime() bool {
	return t == AlertTypeIncidentOpened || t == AlertTypeIncidentClosed
}

// AlertStatus represents the delivery state of an alert
type AlertStatus string

const (
	AlertStatusPending AlertStatus = "PENDING"
	AlertStatusSent    AlertStatus = "SENT"
	AlertStatusFailed  AlertStatus = "FAILED"
)

// Alert represents one notification attempt
type Alert struct {
	ID          string        `json:"id"`
	ServiceID   string        `json:"service_id"`
	ServiceName string        `json:"service_name"`
	Type        AlertType     `json:"type"`
	Severity    AlertSeverity `json:"severity"`
	Title       string        `json:"title"`
	Message     string        `json:"message"`
	Channels    []string      `json:"channels"`
	Status      AlertStatus   `json:"status"`
	IncidentID  string        `json:"incident_id,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	SentAt      *time.Time    `json:"sent_at,omitempty"`
}

// Group routes notifications for the services that reference it
type Group struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Color       string   `json:"color,omitempty"`
	Webhooks    []string `json:"webhooks,omitempty"`
	AlertEmails []string `json:"alert_emails,omitempty"`
}

// MaintenanceWindow suppresses alerts for a service between Start and End
type MaintenanceWindow struct {
	ID        string    `json:"id"`
	ServiceID string    `json:"service_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Reason    string    `json:"reason,omitempty"`
}

// Active reports whether t falls inside the window
func (w *MaintenanceWindow) Active(t time.Time) bool {
	return !t.Before(w.StartTime) && t.Before(w.EndTime)
}

// Settings are the global monitoring switches
type Settings struct {
	GlobalHealthChecksEnabled bool `json:"global_health_checks_enabled"`
	GlobalAlertsEnabled       bool `json:"global_alerts_enabled"`
	ServiceEmailsEnabled      bool `json:"service_emails_enabled"`
	AlertCooldownMinutes      int  `json:"alert_cooldown_minutes"`
}

// DefaultSettings returns every switch enabled with a 30 minute cooldown
func DefaultSettings() Settings {
	return Settings{
		GlobalHealthChecksEnabled: true,
		GlobalAlertsEnabled:       true,
		ServiceEmailsEnabled:      true,
		AlertCooldownMinutes:      30,
	}
}
