package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/service-monitor/internal/model"
)

// SQLiteStore implements Store on a single SQLite database
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath and applies the schema
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("storage"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS services (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			service_type TEXT NOT NULL,
			config TEXT NOT NULL,
			timeout_ms INTEGER NOT NULL,
			check_interval_sec INTEGER NOT NULL,
			use_connection_pool INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			last_checked_at INTEGER,
			alerting TEXT NOT NULL,
			warning_count INTEGER NOT NULL DEFAULT 0,
			critical_count INTEGER NOT NULL DEFAULT 0,
			last_alert_type TEXT,
			last_alert_sent_at INTEGER,
			dependencies TEXT,
			group_id TEXT,
			deleted_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS health_checks (
			id TEXT PRIMARY KEY,
			service_id TEXT NOT NULL,
			service_name TEXT NOT NULL,
			status TEXT NOT NULL,
			response_time_ms INTEGER NOT NULL,
			status_code INTEGER,
			error_message TEXT,
			error_type TEXT,
			metadata TEXT,
			checked_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_health_checks_service_time ON health_checks(service_id, checked_at);

		CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			service_id TEXT NOT NULL,
			service_name TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER,
			duration_ms INTEGER,
			failed_checks INTEGER NOT NULL,
			correlation_id TEXT,
			root_cause_service_id TEXT,
			impacted_services TEXT,
			is_correlated INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_incidents_service ON incidents(service_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_one_open ON incidents(service_id) WHERE status = 'OPEN';

		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			service_id TEXT NOT NULL,
			service_name TEXT NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			channels TEXT,
			status TEXT NOT NULL,
			incident_id TEXT,
			error TEXT,
			created_at INTEGER NOT NULL,
			sent_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_service_type ON alerts(service_id, type, sent_at);

		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS service_groups (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			color TEXT,
			webhooks TEXT,
			alert_emails TEXT
		);

		CREATE TABLE IF NOT EXISTS maintenance_windows (
			id TEXT PRIMARY KEY,
			service_id TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			reason TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_maintenance_service ON maintenance_windows(service_id, start_time, end_time);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const settingsGlobalHealthChecks = "globalHealthChecksEnabled"
const settingsGlobalAlerts = "globalAlertsEnabled"
const settingsServiceEmails = "serviceEmailsEnabled"
const settingsCooldown = "alertCooldownMinutes"

// GetSettings implements SettingsStore.GetSettings. Missing keys keep their defaults.
func (s *SQLiteStore) GetSettings(ctx context.Context) (model.Settings, error) {
	settings := model.DefaultSettings()

	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return settings, fmt.Errorf("failed to read settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return settings, fmt.Errorf("failed to scan setting: %w", err)
		}
		switch key {
		case settingsGlobalHealthChecks:
			settings.GlobalHealthChecksEnabled = value == "true"
		case settingsGlobalAlerts:
			settings.GlobalAlertsEnabled = value == "true"
		case settingsServiceEmails:
			settings.ServiceEmailsEnabled = value == "true"
		case settingsCooldown:
			n, err := strconv.Atoi(value)
			if err != nil {
				s.logger.Warn("Ignoring invalid cooldown setting", zap.String("value", value))
				continue
			}
			settings.AlertCooldownMinutes = n
		}
	}
	return settings, rows.Err()
}

// SaveSettings implements SettingsStore.SaveSettings
func (s *SQLiteStore) SaveSettings(ctx context.Context, settings model.Settings) error {
	values := map[string]string{
		settingsGlobalHealthChecks: strconv.FormatBool(settings.GlobalHealthChecksEnabled),
		settingsGlobalAlerts:       strconv.FormatBool(settings.GlobalAlertsEnabled),
		settingsServiceEmails:      strconv.FormatBool(settings.ServiceEmailsEnabled),
		settingsCooldown:           strconv.Itoa(settings.AlertCooldownMinutes),
	}
	for key, value := range values {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		if err != nil {
			return fmt.Errorf("failed to save setting %s: %w", key, err)
		}
	}
	return nil
}

// GetGroup implements GroupStore.GetGroup
func (s *SQLiteStore) GetGroup(ctx context.Context, id string) (*model.Group, error) {
	var group model.Group
	var description, color, webhooks, emails sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, color, webhooks, alert_emails
		FROM service_groups WHERE id = ?`, id).Scan(
		&group.ID, &group.Name, &description, &color, &webhooks, &emails)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}

	group.Description = description.String
	group.Color = color.String
	if err := decodeStrings(webhooks, &group.Webhooks); err != nil {
		return nil, err
	}
	if err := decodeStrings(emails, &group.AlertEmails); err != nil {
		return nil, err
	}
	return &group, nil
}

// SaveGroup implements GroupStore.SaveGroup
func (s *SQLiteStore) SaveGroup(ctx context.Context, group *model.Group) error {
	webhooks, err := json.Marshal(group.Webhooks)
	if err != nil {
		return fmt.Errorf("failed to marshal webhooks: %w", err)
	}
	emails, err := json.Marshal(group.AlertEmails)
	if err != nil {
		return fmt.Errorf("failed to marshal emails: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO service_groups (id, name, description, color, webhooks, alert_emails)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			color = excluded.color,
			webhooks = excluded.webhooks,
			alert_emails = excluded.alert_emails`,
		group.ID, group.Name, group.Description, group.Color, string(webhooks), string(emails))
	if err != nil {
		return fmt.Errorf("failed to save group: %w", err)
	}
	return nil
}

// InMaintenance implements MaintenanceStore.InMaintenance
func (s *SQLiteStore) InMaintenance(ctx context.Context, serviceID string, at time.Time) (bool, error) {
	var count int
	ms := toMillis(at)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM maintenance_windows
		WHERE service_id = ? AND start_time <= ? AND end_time > ?`,
		serviceID, ms, ms).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check maintenance windows: %w", err)
	}
	return count > 0, nil
}

// AddMaintenanceWindow implements MaintenanceStore.AddMaintenanceWindow
func (s *SQLiteStore) AddMaintenanceWindow(ctx context.Context, window *model.MaintenanceWindow) error {
	if !window.EndTime.After(window.StartTime) {
		return fmt.Errorf("maintenance window must end after it starts")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO maintenance_windows (id, service_id, start_time, end_time, reason)
		VALUES (?, ?, ?, ?, ?)`,
		window.ID, window.ServiceID, toMillis(window.StartTime), toMillis(window.EndTime), window.Reason)
	if err != nil {
		return fmt.Errorf("failed to add maintenance window: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func decodeStrings(raw sql.NullString, dst *[]string) error {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), dst); err != nil {
		return fmt.Errorf("failed to decode string list: %w", err)
	}
	return nil
}

func encodeStrings(values []string) (sql.NullString, error) {
	if len(values) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode string list: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
