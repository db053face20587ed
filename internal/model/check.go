package model

import "time"

// ErrorType classifies why a check reported DOWN
type ErrorType string

const (
	ErrorTypeTimeout    ErrorType = "TIMEOUT"
	ErrorTypeConnection ErrorType = "CONNECTION"
	ErrorTypeAuth       ErrorType = "AUTH"
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeUnknown    ErrorType = "UNKNOWN"
)

// CheckMetadata carries check-specific detail
type CheckMetadata struct {
	RetryCount  int                    `json:"retry_count"`
	ReadTimeMs  *float64               `json:"read_time_ms,omitempty"`
	WriteTimeMs *float64               `json:"write_time_ms,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// HealthCheckResult is the outcome of a single health check
type HealthCheckResult struct {
	ServiceID      string        `json:"service_id"`
	ServiceName    string        `json:"service_name"`
	Status         ServiceStatus `json:"status"`
	ResponseTimeMs int64         `json:"response_time_ms"`
	StatusCode     int           `json:"status_code,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	ErrorType      ErrorType     `json:"error_type,omitempty"`
	Metadata       CheckMetadata `json:"metadata"`
	CheckedAt      time.Time     `json:"checked_at"`
}

// IsUp reports whether the check succeeded
func (r *HealthCheckResult) IsUp() bool {
	return r.Status == ServiceStatusUp
}

// HealthCheck is a persisted, immutable HealthCheckResult
type HealthCheck struct {
	ID string `json:"id"`
	HealthCheckResult
}
