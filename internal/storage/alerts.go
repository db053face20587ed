package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/t77yq/service-monitor/internal/model"
)

const alertColumns = `id, service_id, service_name, type, severity, title, message,
	channels, status, incident_id, error, created_at, sent_at`

// CreateAlert implements AlertStore.CreateAlert
func (s *SQLiteStore) CreateAlert(ctx context.Context, alert *model.Alert) error {
	channels, err := encodeStrings(alert.Channels)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID,
		alert.ServiceID,
		alert.ServiceName,
		string(alert.Type),
		string(alert.Severity),
		alert.Title,
		alert.Message,
		channels,
		string(alert.Status),
		sql.NullString{String: alert.IncidentID, Valid: alert.IncidentID != ""},
		sql.NullString{String: alert.Error, Valid: alert.Error != ""},
		toMillis(alert.CreatedAt),
		nullMillis(alert.SentAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

// RecentAlerts implements AlertStore.RecentAlerts
func (s *SQLiteStore) RecentAlerts(ctx context.Context, serviceID string, alertType model.AlertType, since time.Time) ([]*model.Alert, error) {
	return s.queryAlerts(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE service_id = ? AND type = ? AND status = ? AND sent_at >= ?
		ORDER BY sent_at DESC`,
		serviceID, string(alertType), string(model.AlertStatusSent), toMillis(since))
}

// ListAlerts implements AlertStore.ListAlerts, newest first
func (s *SQLiteStore) ListAlerts(ctx context.Context, serviceID string) ([]*model.Alert, error) {
	return s.queryAlerts(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE service_id = ?
		ORDER BY created_at DESC, rowid DESC`, serviceID)
}

// MarkAlertSent implements AlertStore.MarkAlertSent
func (s *SQLiteStore) MarkAlertSent(ctx context.Context, id string, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status = ?, sent_at = ?, error = NULL
		WHERE id = ?`, string(model.AlertStatusSent), toMillis(sentAt), id)
	if err != nil {
		return fmt.Errorf("failed to mark alert sent: %w", err)
	}
	return expectOneRow(res)
}

// MarkAlertFailed implements AlertStore.MarkAlertFailed
func (s *SQLiteStore) MarkAlertFailed(ctx context.Context, id string, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status = ?, error = ?
		WHERE id = ?`, string(model.AlertStatusFailed), reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark alert failed: %w", err)
	}
	return expectOneRow(res)
}

func (s *SQLiteStore) queryAlerts(ctx context.Context, query string, args ...interface{}) ([]*model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.Alert
	for rows.Next() {
		var (
			alert                      model.Alert
			alertType, severity        string
			status                     string
			channels, incidentID, errs sql.NullString
			createdAt                  int64
			sentAt                     sql.NullInt64
		)
		err := rows.Scan(
			&alert.ID,
			&alert.ServiceID,
			&alert.ServiceName,
			&alertType,
			&severity,
			&alert.Title,
			&alert.Message,
			&channels,
			&status,
			&incidentID,
			&errs,
			&createdAt,
			&sentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}

		alert.Type = model.AlertType(alertType)
		alert.Severity = model.AlertSeverity(severity)
		alert.Status = model.AlertStatus(status)
		alert.IncidentID = incidentID.String
		alert.Error = errs.String
		alert.CreatedAt = fromMillis(createdAt)
		alert.SentAt = timeFromNull(sentAt)
		if err := decodeStrings(channels, &alert.Channels); err != nil {
			return nil, err
		}
		alerts = append(alerts, &alert)
	}
	return alerts, rows.Err()
}
