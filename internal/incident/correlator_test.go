package incident

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/service-monitor/internal/model"
	"github.com/t77yq/service-monitor/internal/storage"
	"github.com/t77yq/service-monitor/internal/testutil"
)

func openIncident(t *testing.T, store storage.IncidentStore, svc *model.Service, start time.Time) *model.Incident {
	t.Helper()

	incident := &model.Incident{
		ID:           uuid.New().String(),
		ServiceID:    svc.ID,
		ServiceName:  svc.Name,
		Status:       model.IncidentStatusOpen,
		StartTime:    start.UTC().Truncate(time.Millisecond),
		FailedChecks: 1,
	}
	require.NoError(t, store.CreateIncident(context.Background(), incident))
	return incident
}

func TestCorrelateWithDependency(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	correlator := NewCorrelator(zaptest.NewLogger(t), store, store)

	db := testutil.CreateAPIService(t, store, "db", "http://db.local")
	api := testutil.CreateAPIService(t, store, "api", "http://api.local", db.ID)

	t0 := time.Now().UTC().Add(-10 * time.Minute)
	dbIncident := openIncident(t, store, db, t0)
	apiIncident := openIncident(t, store, api, t0.Add(30*time.Second))

	require.NoError(t, correlator.Correlate(ctx, api, apiIncident))

	assert.True(t, apiIncident.IsCorrelated)
	assert.Equal(t, dbIncident.ID, apiIncident.CorrelationID)
	assert.Equal(t, db.ID, apiIncident.RootCauseServiceID)

	storedAPI, err := store.GetIncident(ctx, apiIncident.ID)
	require.NoError(t, err)
	assert.True(t, storedAPI.IsCorrelated)
	assert.Equal(t, dbIncident.ID, storedAPI.CorrelationID)
	assert.Equal(t, db.ID, storedAPI.RootCauseServiceID)

	storedDB, err := store.GetIncident(ctx, dbIncident.ID)
	require.NoError(t, err)
	assert.True(t, storedDB.IsCorrelated)
	assert.Equal(t, dbIncident.ID, storedDB.CorrelationID)
	assert.Equal(t, db.ID, storedDB.RootCauseServiceID)
	assert.Equal(t, []string{api.ID}, storedDB.ImpactedServices)
}

func TestCorrelateOutsideWindow(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	correlator := NewCorrelator(zaptest.NewLogger(t), store, store)

	db := testutil.CreateAPIService(t, store, "db", "http://db.local")
	api := testutil.CreateAPIService(t, store, "api", "http://api.local", db.ID)

	t0 := time.Now().UTC().Add(-time.Hour)
	dbIncident := openIncident(t, store, db, t0)
	apiIncident := openIncident(t, store, api, t0.Add(5*time.Minute))

	require.NoError(t, correlator.Correlate(ctx, api, apiIncident))
	assert.False(t, apiIncident.IsCorrelated)

	storedDB, err := store.GetIncident(ctx, dbIncident.ID)
	require.NoError(t, err)
	assert.False(t, storedDB.IsCorrelated)
	assert.Empty(t, storedDB.ImpactedServices)
}

func TestCorrelateIgnoresClosedDependencyIncident(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	correlator := NewCorrelator(zaptest.NewLogger(t), store, store)

	db := testutil.CreateAPIService(t, store, "db", "http://db.local")
	api := testutil.CreateAPIService(t, store, "api", "http://api.local", db.ID)

	t0 := time.Now().UTC().Add(-time.Hour)
	dbIncident := openIncident(t, store, db, t0)
	require.NoError(t, store.CloseIncident(ctx, dbIncident.ID, t0.Add(10*time.Second), 10000))

	apiIncident := openIncident(t, store, api, t0.Add(20*time.Second))
	require.NoError(t, correlator.Correlate(ctx, api, apiIncident))
	assert.False(t, apiIncident.IsCorrelated)
}

func TestCorrelateAsRootCause(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	correlator := NewCorrelator(zaptest.NewLogger(t), store, store)

	db := testutil.CreateAPIService(t, store, "db", "http://db.local")
	api := testutil.CreateAPIService(t, store, "api", "http://api.local", db.ID)
	web := testutil.CreateAPIService(t, store, "web", "http://web.local", api.ID)
	late := testutil.CreateAPIService(t, store, "reports", "http://reports.local", db.ID)

	t0 := time.Now().UTC().Add(-time.Hour)
	apiIncident := openIncident(t, store, api, t0)
	webIncident := openIncident(t, store, web, t0.Add(10*time.Second))
	lateIncident := openIncident(t, store, late, t0.Add(-10*time.Minute))
	dbIncident := openIncident(t, store, db, t0.Add(time.Minute))

	require.NoError(t, correlator.Correlate(ctx, db, dbIncident))

	assert.True(t, dbIncident.IsCorrelated)
	assert.Equal(t, db.ID, dbIncident.RootCauseServiceID)
	assert.ElementsMatch(t, []string{api.ID, web.ID}, dbIncident.ImpactedServices)

	for _, id := range []string{apiIncident.ID, webIncident.ID} {
		stored, err := store.GetIncident(ctx, id)
		require.NoError(t, err)
		assert.True(t, stored.IsCorrelated)
		assert.Equal(t, dbIncident.ID, stored.CorrelationID)
		assert.Equal(t, db.ID, stored.RootCauseServiceID)
	}

	storedLate, err := store.GetIncident(ctx, lateIncident.ID)
	require.NoError(t, err)
	assert.False(t, storedLate.IsCorrelated)
}

func TestDetectorCorrelatesOnOpen(t *testing.T) {
	ctx := context.Background()
	detector, store, _ := newTestDetector(t)

	db := testutil.CreateAPIService(t, store, "db", "http://db.local")
	api := testutil.CreateAPIService(t, store, "api", "http://api.local", db.ID)

	t0 := time.Now().UTC().Add(-time.Hour)
	dbCheck := testutil.AppendCheck(t, store, db, model.ServiceStatusDown, t0)
	dbIncident, err := detector.Process(ctx, db, model.ServiceStatusUp, dbCheck)
	require.NoError(t, err)

	apiCheck := testutil.AppendCheck(t, store, api, model.ServiceStatusDown, t0.Add(30*time.Second))
	apiIncident, err := detector.Process(ctx, api, model.ServiceStatusUp, apiCheck)
	require.NoError(t, err)

	assert.True(t, apiIncident.IsCorrelated)
	assert.Equal(t, dbIncident.ID, apiIncident.CorrelationID)
	assert.Equal(t, db.ID, apiIncident.RootCauseServiceID)
}
