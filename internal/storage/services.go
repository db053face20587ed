package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/service-monitor/internal/model"
)

const serviceColumns = `id, name, service_type, config, timeout_ms, check_interval_sec,
	use_connection_pool, status, last_checked_at, alerting, warning_count, critical_count,
	last_alert_type, last_alert_sent_at, dependencies, group_id, deleted_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// ListActiveServices implements ServiceStore.ListActiveServices
func (s *SQLiteStore) ListActiveServices(ctx context.Context) ([]*model.Service, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+serviceColumns+`
		FROM services
		WHERE deleted_at IS NULL
		ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()

	var services []*model.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			s.logger.Error("Skipping unreadable service", zap.Error(err))
			continue
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

// GetService implements ServiceStore.GetService
func (s *SQLiteStore) GetService(ctx context.Context, id string) (*model.Service, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = ?`, id)
	svc, err := scanService(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	return svc, nil
}

// CreateService implements ServiceStore.CreateService
func (s *SQLiteStore) CreateService(ctx context.Context, svc *model.Service) error {
	args, err := serviceArgs(svc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO services (`+serviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	return nil
}

// UpdateService implements ServiceStore.UpdateService
func (s *SQLiteStore) UpdateService(ctx context.Context, svc *model.Service) error {
	args, err := serviceArgs(svc)
	if err != nil {
		return err
	}
	// id moves from the first column to the WHERE clause
	args = append(args[1:], svc.ID)
	res, err := s.db.ExecContext(ctx, `
		UPDATE services SET
			name = ?, service_type = ?, config = ?, timeout_ms = ?, check_interval_sec = ?,
			use_connection_pool = ?, status = ?, last_checked_at = ?, alerting = ?,
			warning_count = ?, critical_count = ?, last_alert_type = ?, last_alert_sent_at = ?,
			dependencies = ?, group_id = ?, deleted_at = ?, created_at = ?, updated_at = ?
		WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update service: %w", err)
	}
	return expectOneRow(res)
}

// UpdateServiceStatus implements ServiceStore.UpdateServiceStatus
func (s *SQLiteStore) UpdateServiceStatus(ctx context.Context, id string, status model.ServiceStatus, checkedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE services SET status = ?, last_checked_at = ?, updated_at = ?
		WHERE id = ?`, string(status), toMillis(checkedAt), toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update service status: %w", err)
	}
	return expectOneRow(res)
}

// UpdateResponseTimeCounters implements ServiceStore.UpdateResponseTimeCounters
func (s *SQLiteStore) UpdateResponseTimeCounters(ctx context.Context, id string, warning, critical int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE services SET warning_count = ?, critical_count = ?
		WHERE id = ?`, warning, critical, id)
	if err != nil {
		return fmt.Errorf("failed to update response time counters: %w", err)
	}
	return expectOneRow(res)
}

// UpdateLastAlert implements ServiceStore.UpdateLastAlert
func (s *SQLiteStore) UpdateLastAlert(ctx context.Context, id string, alertType model.AlertType, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE services SET last_alert_type = ?, last_alert_sent_at = ?
		WHERE id = ?`, string(alertType), toMillis(sentAt), id)
	if err != nil {
		return fmt.Errorf("failed to update last alert: %w", err)
	}
	return expectOneRow(res)
}

// SoftDeleteService implements ServiceStore.SoftDeleteService
func (s *SQLiteStore) SoftDeleteService(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE services SET deleted_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`, toMillis(at), toMillis(at), id)
	if err != nil {
		return fmt.Errorf("failed to delete service: %w", err)
	}
	return expectOneRow(res)
}

// RestoreService implements ServiceStore.RestoreService
func (s *SQLiteStore) RestoreService(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE services SET deleted_at = NULL, updated_at = ?
		WHERE id = ? AND deleted_at IS NOT NULL`, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to restore service: %w", err)
	}
	return expectOneRow(res)
}

func serviceArgs(svc *model.Service) ([]interface{}, error) {
	if svc.Config == nil {
		return nil, fmt.Errorf("service %s has no configuration", svc.ID)
	}
	config, err := json.Marshal(svc.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal service config: %w", err)
	}

	// counters and last alert live in their own columns
	static := svc.Alerting
	static.WarningCount = 0
	static.CriticalCount = 0
	static.LastAlertType = ""
	static.LastAlertSentAt = nil
	alerting, err := json.Marshal(static)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alert settings: %w", err)
	}

	deps, err := encodeStrings(svc.Dependencies)
	if err != nil {
		return nil, err
	}

	status := svc.Status
	if status == "" {
		status = model.ServiceStatusUnknown
	}

	return []interface{}{
		svc.ID,
		svc.Name,
		string(svc.Type),
		string(config),
		svc.TimeoutMs,
		svc.CheckIntervalSec,
		svc.UseConnectionPool,
		string(status),
		nullMillis(svc.LastCheckedAt),
		string(alerting),
		svc.Alerting.WarningCount,
		svc.Alerting.CriticalCount,
		sql.NullString{String: string(svc.Alerting.LastAlertType), Valid: svc.Alerting.LastAlertType != ""},
		nullMillis(svc.Alerting.LastAlertSentAt),
		deps,
		sql.NullString{String: svc.GroupID, Valid: svc.GroupID != ""},
		nullMillis(svc.DeletedAt),
		toMillis(svc.CreatedAt),
		toMillis(svc.UpdatedAt),
	}, nil
}

func scanService(row rowScanner) (*model.Service, error) {
	var (
		svc                          model.Service
		serviceType, status          string
		config, alerting             string
		lastChecked, lastAlertSent   sql.NullInt64
		deletedAt                    sql.NullInt64
		createdAt, updatedAt         int64
		lastAlertType, deps, groupID sql.NullString
	)

	err := row.Scan(
		&svc.ID,
		&svc.Name,
		&serviceType,
		&config,
		&svc.TimeoutMs,
		&svc.CheckIntervalSec,
		&svc.UseConnectionPool,
		&status,
		&lastChecked,
		&alerting,
		&svc.Alerting.WarningCount,
		&svc.Alerting.CriticalCount,
		&lastAlertType,
		&lastAlertSent,
		&deps,
		&groupID,
		&deletedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	svc.Type = model.ServiceType(serviceType)
	svc.Status = model.ServiceStatus(status)
	svc.Config, err = model.DecodeServiceConfig(svc.Type, []byte(config))
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", svc.ID, err)
	}

	warning, critical := svc.Alerting.WarningCount, svc.Alerting.CriticalCount
	if err := json.Unmarshal([]byte(alerting), &svc.Alerting); err != nil {
		return nil, fmt.Errorf("service %s: failed to decode alert settings: %w", svc.ID, err)
	}
	svc.Alerting.WarningCount = warning
	svc.Alerting.CriticalCount = critical
	svc.Alerting.LastAlertType = model.AlertType(lastAlertType.String)
	svc.Alerting.LastAlertSentAt = timeFromNull(lastAlertSent)

	if err := decodeStrings(deps, &svc.Dependencies); err != nil {
		return nil, err
	}
	svc.GroupID = groupID.String
	svc.LastCheckedAt = timeFromNull(lastChecked)
	svc.DeletedAt = timeFromNull(deletedAt)
	svc.CreatedAt = fromMillis(createdAt)
	svc.UpdatedAt = fromMillis(updatedAt)

	return &svc, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
