package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/service-monitor/internal/model"
	"github.com/t77yq/service-monitor/internal/storage"
)

// ConnectionInvalidator evicts pooled clients whose connection parameters changed
type ConnectionInvalidator interface {
	InvalidateServiceConnections(ctx context.Context, oldCfg, newCfg model.ServiceConfig)
}

// Manager applies administrative changes to monitored services
type Manager struct {
	logger *zap.Logger
	store  storage.ServiceStore
	pool   ConnectionInvalidator
	now    func() time.Time
}

// NewManager creates a service manager. pool may be nil when pooling is off.
func NewManager(logger *zap.Logger, store storage.ServiceStore, pool ConnectionInvalidator) *Manager {
	return &Manager{
		logger: logger.Named("service"),
		store:  store,
		pool:   pool,
		now:    time.Now,
	}
}

// Create validates svc, fills in defaults and persists it
func (m *Manager) Create(ctx context.Context, svc *model.Service) (*model.Service, error) {
	if svc.ID == "" {
		svc.ID = uuid.New().String()
	}
	applyDefaults(svc)
	if err := validate(svc); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	svc.Status = model.ServiceStatusUnknown
	svc.LastCheckedAt = nil
	svc.DeletedAt = nil
	svc.CreatedAt = now
	svc.UpdatedAt = now

	if err := m.store.CreateService(ctx, svc); err != nil {
		return nil, err
	}

	m.logger.Info("Created service",
		zap.String("service_id", svc.ID),
		zap.String("service_name", svc.Name),
		zap.String("service_type", string(svc.Type)))
	return svc, nil
}

// Update replaces the editable fields of an active service. Runtime state
// (status, breach counters, last alert) is kept from the stored record.
func (m *Manager) Update(ctx context.Context, svc *model.Service) (*model.Service, error) {
	current, err := m.store.GetService(ctx, svc.ID)
	if err != nil {
		return nil, err
	}
	if current.DeletedAt != nil {
		return nil, storage.ErrNotFound
	}
	if svc.Type != current.Type {
		return nil, fmt.Errorf("%w: %s to %s", ErrTypeImmutable, current.Type, svc.Type)
	}

	applyDefaults(svc)
	if err := validate(svc); err != nil {
		return nil, err
	}

	svc.Status = current.Status
	svc.LastCheckedAt = current.LastCheckedAt
	svc.CreatedAt = current.CreatedAt
	svc.DeletedAt = nil
	svc.UpdatedAt = m.now().UTC()
	svc.Alerting.WarningCount = current.Alerting.WarningCount
	svc.Alerting.CriticalCount = current.Alerting.CriticalCount
	svc.Alerting.LastAlertType = current.Alerting.LastAlertType
	svc.Alerting.LastAlertSentAt = current.Alerting.LastAlertSentAt

	if err := m.store.UpdateService(ctx, svc); err != nil {
		return nil, err
	}

	if m.pool != nil && current.UseConnectionPool {
		next := svc.Config
		if !svc.UseConnectionPool {
			next = nil
		}
		m.pool.InvalidateServiceConnections(ctx, current.Config, next)
	}

	m.logger.Info("Updated service",
		zap.String("service_id", svc.ID),
		zap.String("service_name", svc.Name))
	return svc, nil
}

// SoftDelete tombstones a service and releases its pooled client
func (m *Manager) SoftDelete(ctx context.Context, id string) error {
	current, err := m.store.GetService(ctx, id)
	if err != nil {
		return err
	}
	if current.DeletedAt != nil {
		return storage.ErrNotFound
	}

	if err := m.store.SoftDeleteService(ctx, id, m.now().UTC()); err != nil {
		return err
	}
	if m.pool != nil && current.UseConnectionPool {
		m.pool.InvalidateServiceConnections(ctx, current.Config, nil)
	}

	m.logger.Info("Deleted service",
		zap.String("service_id", id),
		zap.String("service_name", current.Name))
	return nil
}

// Restore brings a soft-deleted service back into the sweep
func (m *Manager) Restore(ctx context.Context, id string) error {
	if err := m.store.RestoreService(ctx, id); err != nil {
		return err
	}
	m.logger.Info("Restored service", zap.String("service_id", id))
	return nil
}

func applyDefaults(svc *model.Service) {
	svc.Name = strings.TrimSpace(svc.Name)
	if svc.TimeoutMs <= 0 {
		svc.TimeoutMs = model.DefaultTimeoutMs
	}
	if svc.CheckIntervalSec <= 0 {
		svc.CheckIntervalSec = model.DefaultCheckIntervalSec
	}
	if svc.Alerting == (model.AlertSettings{}) {
		svc.Alerting = model.DefaultAlertSettings()
	}
	if svc.Alerting.WarningAttempts <= 0 {
		svc.Alerting.WarningAttempts = 1
	}
	if svc.Alerting.CriticalAttempts <= 0 {
		svc.Alerting.CriticalAttempts = 1
	}
}

func validate(svc *model.Service) error {
	if svc.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidService)
	}
	if err := svc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidService, err)
	}
	for _, dep := range svc.Dependencies {
		if dep == svc.ID {
			return fmt.Errorf("%w: service %q depends on itself", ErrInvalidService, svc.Name)
		}
	}
	return nil
}
