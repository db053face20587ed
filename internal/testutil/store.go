package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/service-monitor/internal/model"
	"github.com/t77yq/service-monitor/internal/storage"
)

// NewStore opens a SQLite store in a temporary directory
func NewStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()

	store, err := storage.NewSQLiteStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// CreateAPIService persists an api service pointing at url
func CreateAPIService(t *testing.T, store storage.ServiceStore, name, url string, deps ...string) *model.Service {
	t.Helper()

	now := time.Now().UTC().Truncate(time.Millisecond)
	svc := &model.Service{
		ID:               uuid.New().String(),
		Name:             name,
		Type:             model.ServiceTypeAPI,
		Config:           &model.APIConfig{URL: url},
		TimeoutMs:        1000,
		CheckIntervalSec: 60,
		Status:           model.ServiceStatusUnknown,
		Alerting:         model.DefaultAlertSettings(),
		Dependencies:     deps,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, store.CreateService(context.Background(), svc))
	return svc
}

// AppendCheck persists a check with the given status and timestamp
func AppendCheck(t *testing.T, store storage.HealthCheckStore, svc *model.Service, status model.ServiceStatus, at time.Time) *model.HealthCheck {
	t.Helper()

	check := &model.HealthCheck{
		ID: uuid.New().String(),
		HealthCheckResult: model.HealthCheckResult{
			ServiceID:   svc.ID,
			ServiceName: svc.Name,
			Status:      status,
			CheckedAt:   at.UTC().Truncate(time.Millisecond),
		},
	}
	require.NoError(t, store.AppendHealthCheck(context.Background(), check))
	return check
}
