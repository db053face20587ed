package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/t77yq/service-monitor/internal/model"
)

const incidentColumns = `id, service_id, service_name, status, start_time, end_time, duration_ms,
	failed_checks, correlation_id, root_cause_service_id, impacted_services, is_correlated`

// GetOpenIncident implements IncidentStore.GetOpenIncident
func (s *SQLiteStore) GetOpenIncident(ctx context.Context, serviceID string) (*model.Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE service_id = ? AND status = ?`, serviceID, string(model.IncidentStatusOpen))
	incident, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open incident: %w", err)
	}
	return incident, nil
}

// GetIncident implements IncidentStore.GetIncident
func (s *SQLiteStore) GetIncident(ctx context.Context, id string) (*model.Incident, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id)
	incident, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return incident, nil
}

// CreateIncident implements IncidentStore.CreateIncident. A second OPEN
// incident for the same service violates a unique index and fails.
func (s *SQLiteStore) CreateIncident(ctx context.Context, incident *model.Incident) error {
	impacted, err := encodeStrings(incident.ImpactedServices)
	if err != nil {
		return err
	}
	var durationMs sql.NullInt64
	if incident.DurationMs != nil {
		durationMs = sql.NullInt64{Int64: *incident.DurationMs, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents (`+incidentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		incident.ID,
		incident.ServiceID,
		incident.ServiceName,
		string(incident.Status),
		toMillis(incident.StartTime),
		nullMillis(incident.EndTime),
		durationMs,
		incident.FailedChecks,
		sql.NullString{String: incident.CorrelationID, Valid: incident.CorrelationID != ""},
		sql.NullString{String: incident.RootCauseServiceID, Valid: incident.RootCauseServiceID != ""},
		impacted,
		incident.IsCorrelated,
	)
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

// IncrementFailedChecks implements IncidentStore.IncrementFailedChecks
func (s *SQLiteStore) IncrementFailedChecks(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET failed_checks = failed_checks + 1
		WHERE id = ? AND status = ?`, id, string(model.IncidentStatusOpen))
	if err != nil {
		return fmt.Errorf("failed to increment failed checks: %w", err)
	}
	return expectOneRow(res)
}

// SetFailedChecks implements IncidentStore.SetFailedChecks
func (s *SQLiteStore) SetFailedChecks(ctx context.Context, id string, count int) error {
	res, err := s.db.ExecContext(ctx, "UPDATE incidents SET failed_checks = ? WHERE id = ?", count, id)
	if err != nil {
		return fmt.Errorf("failed to set failed checks: %w", err)
	}
	return expectOneRow(res)
}

// CloseIncident implements IncidentStore.CloseIncident. Closing an incident
// that is already CLOSED returns ErrNotFound.
func (s *SQLiteStore) CloseIncident(ctx context.Context, id string, endTime time.Time, durationMs int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET status = ?, end_time = ?, duration_ms = ?
		WHERE id = ? AND status = ?`,
		string(model.IncidentStatusClosed), toMillis(endTime), durationMs,
		id, string(model.IncidentStatusOpen))
	if err != nil {
		return fmt.Errorf("failed to close incident: %w", err)
	}
	return expectOneRow(res)
}

// UpdateCorrelation implements IncidentStore.UpdateCorrelation
func (s *SQLiteStore) UpdateCorrelation(ctx context.Context, id string, update model.CorrelationUpdate) error {
	impacted, err := encodeStrings(update.ImpactedServices)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET
			correlation_id = ?, root_cause_service_id = ?, impacted_services = ?, is_correlated = ?
		WHERE id = ?`,
		sql.NullString{String: update.CorrelationID, Valid: update.CorrelationID != ""},
		sql.NullString{String: update.RootCauseServiceID, Valid: update.RootCauseServiceID != ""},
		impacted,
		update.IsCorrelated,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update correlation: %w", err)
	}
	return expectOneRow(res)
}

// ListIncidents implements IncidentStore.ListIncidents, newest first
func (s *SQLiteStore) ListIncidents(ctx context.Context, serviceID string) ([]*model.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE service_id = ?
		ORDER BY start_time DESC`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*model.Incident
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, incident)
	}
	return incidents, rows.Err()
}

func scanIncident(row rowScanner) (*model.Incident, error) {
	var (
		incident                 model.Incident
		status                   string
		startTime                int64
		endTime, durationMs      sql.NullInt64
		correlationID, rootCause sql.NullString
		impacted                 sql.NullString
	)
	err := row.Scan(
		&incident.ID,
		&incident.ServiceID,
		&incident.ServiceName,
		&status,
		&startTime,
		&endTime,
		&durationMs,
		&incident.FailedChecks,
		&correlationID,
		&rootCause,
		&impacted,
		&incident.IsCorrelated,
	)
	if err != nil {
		return nil, err
	}

	incident.Status = model.IncidentStatus(status)
	incident.StartTime = fromMillis(startTime)
	incident.EndTime = timeFromNull(endTime)
	if durationMs.Valid {
		d := durationMs.Int64
		incident.DurationMs = &d
	}
	incident.CorrelationID = correlationID.String
	incident.RootCauseServiceID = rootCause.String
	if err := decodeStrings(impacted, &incident.ImpactedServices); err != nil {
		return nil, err
	}
	return &incident, nil
}
