package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/service-monitor/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	store, err := NewSQLiteStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newAPIService(name string) *model.Service {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Service{
		ID:               uuid.New().String(),
		Name:             name,
		Type:             model.ServiceTypeAPI,
		Config:           &model.APIConfig{URL: "http://localhost:8080/health", Method: "GET"},
		TimeoutMs:        2000,
		CheckIntervalSec: 30,
		Status:           model.ServiceStatusUnknown,
		Alerting:         model.DefaultAlertSettings(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestServiceLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	svc := newAPIService("billing")
	svc.Dependencies = []string{"db-1"}
	svc.GroupID = "ops"
	require.NoError(t, store.CreateService(ctx, svc))

	got, err := store.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, "billing", got.Name)
	assert.Equal(t, model.ServiceTypeAPI, got.Type)
	assert.Equal(t, []string{"db-1"}, got.Dependencies)
	assert.Equal(t, "ops", got.GroupID)
	require.IsType(t, &model.APIConfig{}, got.Config)
	assert.Equal(t, "http://localhost:8080/health", got.Config.(*model.APIConfig).URL)
	assert.True(t, got.CreatedAt.Equal(svc.CreatedAt))
	assert.Nil(t, got.LastCheckedAt)

	checkedAt := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.UpdateServiceStatus(ctx, svc.ID, model.ServiceStatusDown, checkedAt))
	require.NoError(t, store.UpdateResponseTimeCounters(ctx, svc.ID, 2, 1))
	require.NoError(t, store.UpdateLastAlert(ctx, svc.ID, model.AlertTypeIncidentOpened, checkedAt))

	got, err = store.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStatusDown, got.Status)
	require.NotNil(t, got.LastCheckedAt)
	assert.True(t, got.LastCheckedAt.Equal(checkedAt))
	assert.Equal(t, 2, got.Alerting.WarningCount)
	assert.Equal(t, 1, got.Alerting.CriticalCount)
	assert.Equal(t, model.AlertTypeIncidentOpened, got.Alerting.LastAlertType)
	assert.Equal(t, model.DefaultWarningThresholdMs, got.Alerting.WarningThresholdMs)

	active, err := store.ListActiveServices(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, store.SoftDeleteService(ctx, svc.ID, time.Now()))
	active, err = store.ListActiveServices(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.ErrorIs(t, store.SoftDeleteService(ctx, svc.ID, time.Now()), ErrNotFound)

	require.NoError(t, store.RestoreService(ctx, svc.ID))
	active, err = store.ListActiveServices(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestGetServiceNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetService(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecentHealthChecksNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := 0; i < 5; i++ {
		status := model.ServiceStatusUp
		if i%2 == 1 {
			status = model.ServiceStatusDown
		}
		require.NoError(t, store.AppendHealthCheck(ctx, &model.HealthCheck{
			ID: uuid.New().String(),
			HealthCheckResult: model.HealthCheckResult{
				ServiceID:      "svc-1",
				ServiceName:    "svc",
				Status:         status,
				ResponseTimeMs: int64(100 * i),
				CheckedAt:      base.Add(time.Duration(i) * time.Minute),
				Metadata:       model.CheckMetadata{RetryCount: i},
			},
		}))
	}

	checks, err := store.RecentHealthChecks(ctx, "svc-1", 3)
	require.NoError(t, err)
	require.Len(t, checks, 3)
	assert.True(t, checks[0].CheckedAt.Equal(base.Add(4*time.Minute)))
	assert.Equal(t, int64(400), checks[0].ResponseTimeMs)
	assert.Equal(t, 4, checks[0].Metadata.RetryCount)
	assert.Equal(t, model.ServiceStatusDown, checks[1].Status)

	deleted, err := store.DeleteHealthChecksBefore(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	checks, err = store.RecentHealthChecks(ctx, "svc-1", 10)
	require.NoError(t, err)
	assert.Len(t, checks, 3)
}

func TestSingleOpenIncidentPerService(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Millisecond)

	incident := &model.Incident{
		ID:           uuid.New().String(),
		ServiceID:    "svc-1",
		ServiceName:  "svc",
		Status:       model.IncidentStatusOpen,
		StartTime:    start,
		FailedChecks: 1,
	}
	require.NoError(t, store.CreateIncident(ctx, incident))

	duplicate := *incident
	duplicate.ID = uuid.New().String()
	assert.Error(t, store.CreateIncident(ctx, &duplicate))

	require.NoError(t, store.IncrementFailedChecks(ctx, incident.ID))
	open, err := store.GetOpenIncident(ctx, "svc-1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, 2, open.FailedChecks)

	end := start.Add(90 * time.Second)
	require.NoError(t, store.CloseIncident(ctx, incident.ID, end, 90000))
	assert.ErrorIs(t, store.CloseIncident(ctx, incident.ID, end, 90000), ErrNotFound)

	open, err = store.GetOpenIncident(ctx, "svc-1")
	require.NoError(t, err)
	assert.Nil(t, open)

	closed, err := store.GetIncident(ctx, incident.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IncidentStatusClosed, closed.Status)
	require.NotNil(t, closed.EndTime)
	assert.True(t, closed.EndTime.Equal(end))
	assert.Equal(t, 90*time.Second, closed.Duration())

	// a new outage may open once the previous one is closed
	next := *incident
	next.ID = uuid.New().String()
	require.NoError(t, store.CreateIncident(ctx, &next))
}

func TestUpdateCorrelation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	incident := &model.Incident{
		ID:        uuid.New().String(),
		ServiceID: "api",
		Status:    model.IncidentStatusOpen,
		StartTime: time.Now(),
	}
	require.NoError(t, store.CreateIncident(ctx, incident))
	require.NoError(t, store.UpdateCorrelation(ctx, incident.ID, model.CorrelationUpdate{
		CorrelationID:      "corr-1",
		RootCauseServiceID: "db",
		ImpactedServices:   []string{"api", "web"},
		IsCorrelated:       true,
	}))

	got, err := store.GetIncident(ctx, incident.ID)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.Equal(t, "db", got.RootCauseServiceID)
	assert.Equal(t, []string{"api", "web"}, got.ImpactedServices)
	assert.True(t, got.IsCorrelated)
}

func TestRecentAlertsOnlyCountsSent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sent := &model.Alert{
		ID:          uuid.New().String(),
		ServiceID:   "svc-1",
		ServiceName: "svc",
		Type:        model.AlertTypeIncidentOpened,
		Severity:    model.AlertSeverityCritical,
		Title:       "down",
		Message:     "down",
		Channels:    []string{"email"},
		Status:      model.AlertStatusPending,
		CreatedAt:   now,
	}
	require.NoError(t, store.CreateAlert(ctx, sent))
	require.NoError(t, store.MarkAlertSent(ctx, sent.ID, now))

	failed := *sent
	failed.ID = uuid.New().String()
	require.NoError(t, store.CreateAlert(ctx, &failed))
	require.NoError(t, store.MarkAlertFailed(ctx, failed.ID, "smtp unavailable"))

	recent, err := store.RecentAlerts(ctx, "svc-1", model.AlertTypeIncidentOpened, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, sent.ID, recent[0].ID)
	assert.Equal(t, []string{"email"}, recent[0].Channels)

	recent, err = store.RecentAlerts(ctx, "svc-1", model.AlertTypeIncidentClosed, now.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, recent)

	all, err := store.ListAlerts(ctx, "svc-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSettingsDefaultsAndOverrides(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	settings, err := store.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultSettings(), settings)

	settings.GlobalAlertsEnabled = false
	settings.AlertCooldownMinutes = 5
	require.NoError(t, store.SaveSettings(ctx, settings))

	got, err := store.GetSettings(ctx)
	require.NoError(t, err)
	assert.False(t, got.GlobalAlertsEnabled)
	assert.True(t, got.GlobalHealthChecksEnabled)
	assert.Equal(t, 5, got.AlertCooldownMinutes)
}

func TestGroupsAndMaintenance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveGroup(ctx, &model.Group{
		ID:          "ops",
		Name:        "Operations",
		Webhooks:    []string{"https://hooks.slack.com/services/x"},
		AlertEmails: []string{"ops@example.com"},
	}))
	group, err := store.GetGroup(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"ops@example.com"}, group.AlertEmails)

	_, err = store.GetGroup(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now()
	require.NoError(t, store.AddMaintenanceWindow(ctx, &model.MaintenanceWindow{
		ID:        uuid.New().String(),
		ServiceID: "svc-1",
		StartTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
	}))

	in, err := store.InMaintenance(ctx, "svc-1", now)
	require.NoError(t, err)
	assert.True(t, in)

	in, err = store.InMaintenance(ctx, "svc-1", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, in)

	in, err = store.InMaintenance(ctx, "svc-2", now)
	require.NoError(t, err)
	assert.False(t, in)
}
