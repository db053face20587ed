package storage

import (
	"context"
	"errors"
	"time"

	"github.com/t77yq/service-monitor/internal/model"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// ServiceStore persists monitored services
type ServiceStore interface {
	// ListActiveServices returns services that are not soft-deleted
	ListActiveServices(ctx context.Context) ([]*model.Service, error)

	// GetService returns a service by ID, including soft-deleted ones
	GetService(ctx context.Context, id string) (*model.Service, error)

	CreateService(ctx context.Context, svc *model.Service) error
	UpdateService(ctx context.Context, svc *model.Service) error

	// UpdateServiceStatus records the outcome of a sweep
	UpdateServiceStatus(ctx context.Context, id string, status model.ServiceStatus, checkedAt time.Time) error

	// UpdateResponseTimeCounters stores the consecutive breach counters
	UpdateResponseTimeCounters(ctx context.Context, id string, warning, critical int) error

	// UpdateLastAlert records the last delivered alert on the service
	UpdateLastAlert(ctx context.Context, id string, alertType model.AlertType, sentAt time.Time) error

	SoftDeleteService(ctx context.Context, id string, at time.Time) error
	RestoreService(ctx context.Context, id string) error
}

// HealthCheckStore is the append-only check time series
type HealthCheckStore interface {
	AppendHealthCheck(ctx context.Context, check *model.HealthCheck) error

	// RecentHealthChecks returns up to limit checks ordered newest first
	RecentHealthChecks(ctx context.Context, serviceID string, limit int) ([]*model.HealthCheck, error)

	// DeleteHealthChecksBefore removes checks older than before
	DeleteHealthChecksBefore(ctx context.Context, before time.Time) (int64, error)
}

// IncidentStore persists incidents. At most one OPEN incident exists per service.
type IncidentStore interface {
	// GetOpenIncident returns nil, nil when the service has no open incident
	GetOpenIncident(ctx context.Context, serviceID string) (*model.Incident, error)
	GetIncident(ctx context.Context, id string) (*model.Incident, error)
	CreateIncident(ctx context.Context, incident *model.Incident) error
	IncrementFailedChecks(ctx context.Context, id string) error
	SetFailedChecks(ctx context.Context, id string, count int) error

	// CloseIncident sets end time and duration on an OPEN incident
	CloseIncident(ctx context.Context, id string, endTime time.Time, durationMs int64) error
	UpdateCorrelation(ctx context.Context, id string, update model.CorrelationUpdate) error
	ListIncidents(ctx context.Context, serviceID string) ([]*model.Incident, error)
}

// AlertStore persists notification attempts
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *model.Alert) error

	// RecentAlerts returns alerts of the given type sent for the service since the given time
	RecentAlerts(ctx context.Context, serviceID string, alertType model.AlertType, since time.Time) ([]*model.Alert, error)
	MarkAlertSent(ctx context.Context, id string, sentAt time.Time) error
	MarkAlertFailed(ctx context.Context, id string, reason string) error
	ListAlerts(ctx context.Context, serviceID string) ([]*model.Alert, error)
}

// SettingsStore reads and writes the global switches
type SettingsStore interface {
	GetSettings(ctx context.Context) (model.Settings, error)
	SaveSettings(ctx context.Context, settings model.Settings) error
}

// GroupStore resolves notification groups
type GroupStore interface {
	GetGroup(ctx context.Context, id string) (*model.Group, error)
	SaveGroup(ctx context.Context, group *model.Group) error
}

// MaintenanceStore answers maintenance window lookups
type MaintenanceStore interface {
	InMaintenance(ctx context.Context, serviceID string, at time.Time) (bool, error)
	AddMaintenanceWindow(ctx context.Context, window *model.MaintenanceWindow) error
}

// Store bundles every repository the monitoring engine consumes
type Store interface {
	ServiceStore
	HealthCheckStore
	IncidentStore
	AlertStore
	SettingsStore
	GroupStore
	MaintenanceStore
	Close() error
}
