package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/t77yq/service-monitor/internal/model"
)

// AppendHealthCheck implements HealthCheckStore.AppendHealthCheck
func (s *SQLiteStore) AppendHealthCheck(ctx context.Context, check *model.HealthCheck) error {
	metadata, err := json.Marshal(check.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal check metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO health_checks (
			id, service_id, service_name, status, response_time_ms,
			status_code, error_message, error_type, metadata, checked_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		check.ID,
		check.ServiceID,
		check.ServiceName,
		string(check.Status),
		check.ResponseTimeMs,
		sql.NullInt64{Int64: int64(check.StatusCode), Valid: check.StatusCode != 0},
		sql.NullString{String: check.ErrorMessage, Valid: check.ErrorMessage != ""},
		sql.NullString{String: string(check.ErrorType), Valid: check.ErrorType != ""},
		string(metadata),
		toMillis(check.CheckedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append health check: %w", err)
	}
	return nil
}

// RecentHealthChecks implements HealthCheckStore.RecentHealthChecks
func (s *SQLiteStore) RecentHealthChecks(ctx context.Context, serviceID string, limit int) ([]*model.HealthCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service_id, service_name, status, response_time_ms,
			status_code, error_message, error_type, metadata, checked_at
		FROM health_checks
		WHERE service_id = ?
		ORDER BY checked_at DESC, rowid DESC
		LIMIT ?`, serviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query health checks: %w", err)
	}
	defer rows.Close()

	var checks []*model.HealthCheck
	for rows.Next() {
		var (
			check                   model.HealthCheck
			status                  string
			statusCode              sql.NullInt64
			errorMessage, errorType sql.NullString
			metadata                sql.NullString
			checkedAt               int64
		)
		err := rows.Scan(
			&check.ID,
			&check.ServiceID,
			&check.ServiceName,
			&status,
			&check.ResponseTimeMs,
			&statusCode,
			&errorMessage,
			&errorType,
			&metadata,
			&checkedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan health check: %w", err)
		}

		check.Status = model.ServiceStatus(status)
		check.StatusCode = int(statusCode.Int64)
		check.ErrorMessage = errorMessage.String
		check.ErrorType = model.ErrorType(errorType.String)
		check.CheckedAt = fromMillis(checkedAt)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &check.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode check metadata: %w", err)
			}
		}
		checks = append(checks, &check)
	}
	return checks, rows.Err()
}

// DeleteHealthChecksBefore implements HealthCheckStore.DeleteHealthChecksBefore
func (s *SQLiteStore) DeleteHealthChecksBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM health_checks WHERE checked_at < ?", toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete health checks: %w", err)
	}
	return res.RowsAffected()
}
