package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/service-monitor/internal/alert"
	"github.com/t77yq/service-monitor/internal/checker"
	"github.com/t77yq/service-monitor/internal/events"
	"github.com/t77yq/service-monitor/internal/incident"
	"github.com/t77yq/service-monitor/internal/model"
	"github.com/t77yq/service-monitor/internal/notify"
	"github.com/t77yq/service-monitor/internal/storage"
	"github.com/t77yq/service-monitor/internal/testutil"
)

type recordedWebhook struct {
	title    string
	severity model.AlertSeverity
}

type fakeWebhooks struct {
	mu    sync.Mutex
	calls []recordedWebhook
}

func (f *fakeWebhooks) Dispatch(_ context.Context, _ notify.ChannelType, title, _ string, severity model.AlertSeverity, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedWebhook{title: title, severity: severity})
	return nil
}

func (f *fakeWebhooks) count(severity model.AlertSeverity) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.severity == severity {
			n++
		}
	}
	return n
}

type sweepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *sweepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *sweepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type engineFixture struct {
	store    *storage.SQLiteStore
	webhooks *fakeWebhooks
	clock    *sweepClock
	engine   *Engine
}

func newEngineFixture(t *testing.T, opts ...EngineOption) *engineFixture {
	t.Helper()

	logger := zaptest.NewLogger(t)
	store := testutil.NewStore(t)
	webhooks := &fakeWebhooks{}
	clock := &sweepClock{now: time.Now()}

	policy := checker.DefaultRetryPolicy()
	policy.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	runner := checker.NewRunner(logger, nil, checker.WithRetryPolicy(policy))

	dispatcher := alert.NewDispatcher(logger, store, webhooks, nil)
	latency := alert.NewResponseTimeMonitor(logger, store, dispatcher)
	correlator := incident.NewCorrelator(logger, store, store)
	detector := incident.NewDetector(logger, store, store, correlator, dispatcher, nil)

	opts = append([]EngineOption{WithEngineClock(clock.Now)}, opts...)
	return &engineFixture{
		store:    store,
		webhooks: webhooks,
		clock:    clock,
		engine:   NewEngine(logger, store, runner, latency, detector, opts...),
	}
}

// addGroupedService creates an api service whose group has one webhook
func (f *engineFixture) addGroupedService(t *testing.T, name, url string) *model.Service {
	t.Helper()
	ctx := context.Background()

	group := &model.Group{
		ID:       uuid.New().String(),
		Name:     name + "-team",
		Webhooks: []string{"https://example.com/hooks/" + name},
	}
	require.NoError(t, f.store.SaveGroup(ctx, group))

	svc := testutil.CreateAPIService(t, f.store, name, url)
	svc.GroupID = group.ID
	require.NoError(t, f.store.UpdateService(ctx, svc))
	return svc
}

func (f *engineFixture) sweep(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.HealthCheckJob(context.Background()))
	f.clock.Advance(time.Minute)
}

func TestSweepOpensAndClosesIncident(t *testing.T) {
	ctx := context.Background()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newEngineFixture(t)
	svc := f.addGroupedService(t, "checkout", srv.URL)

	f.sweep(t)
	open, err := f.store.GetOpenIncident(ctx, svc.ID)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, 1, open.FailedChecks)

	f.sweep(t)
	f.sweep(t)
	open, err = f.store.GetOpenIncident(ctx, svc.ID)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, 3, open.FailedChecks)

	stored, err := f.store.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStatusDown, stored.Status)

	f.sweep(t)
	incidents, err := f.store.ListIncidents(ctx, svc.ID)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	closed := incidents[0]
	assert.Equal(t, model.IncidentStatusClosed, closed.Status)

	checks, err := f.store.RecentHealthChecks(ctx, svc.ID, 10)
	require.NoError(t, err)
	require.Len(t, checks, 4)
	first, last := checks[3], checks[0]
	assert.Equal(t, 500, first.StatusCode)
	assert.Equal(t, model.ServiceStatusUp, last.Status)
	assert.True(t, first.CheckedAt.Equal(closed.StartTime))
	require.NotNil(t, closed.EndTime)
	assert.True(t, last.CheckedAt.Equal(*closed.EndTime))
	assert.Equal(t, last.CheckedAt.Sub(first.CheckedAt), closed.Duration())

	alerts, err := f.store.ListAlerts(ctx, svc.ID)
	require.NoError(t, err)
	var opened, recovered int
	for _, a := range alerts {
		assert.Equal(t, model.AlertStatusSent, a.Status)
		switch a.Type {
		case model.AlertTypeIncidentOpened:
			opened++
		case model.AlertTypeIncidentClosed:
			recovered++
		}
	}
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, 1, f.webhooks.count(model.AlertSeverityCritical))
	assert.Equal(t, 1, f.webhooks.count(model.AlertSeverityInfo))

	stored, err = f.store.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStatusUp, stored.Status)
	require.NotNil(t, stored.LastCheckedAt)
	assert.True(t, last.CheckedAt.Equal(*stored.LastCheckedAt))
}

func TestSweepSkipsServicesNotDue(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	f := newEngineFixture(t)
	testutil.CreateAPIService(t, f.store, "docs", srv.URL)

	require.NoError(t, f.engine.HealthCheckJob(context.Background()))
	require.NoError(t, f.engine.HealthCheckJob(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	f.clock.Advance(time.Minute)
	require.NoError(t, f.engine.HealthCheckJob(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestSweepGloballyDisabled(t *testing.T) {
	ctx := context.Background()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	f := newEngineFixture(t)
	svc := testutil.CreateAPIService(t, f.store, "docs", srv.URL)
	settings := model.DefaultSettings()
	settings.GlobalHealthChecksEnabled = false
	require.NoError(t, f.store.SaveSettings(ctx, settings))

	require.NoError(t, f.engine.HealthCheckJob(ctx))
	assert.Zero(t, atomic.LoadInt32(&hits))

	checks, err := f.store.RecentHealthChecks(ctx, svc.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, checks)
}

func TestSweepContinuesPastMisconfiguredService(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	f := newEngineFixture(t)
	broken := testutil.CreateAPIService(t, f.store, "broken", "")
	healthy := testutil.CreateAPIService(t, f.store, "healthy", srv.URL)

	err := f.engine.HealthCheckJob(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, checker.ErrMisconfigured)
	assert.Contains(t, err.Error(), "broken")

	stored, err := f.store.GetService(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStatusUp, stored.Status)

	stored, err = f.store.GetService(ctx, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStatusUnknown, stored.Status)
}

func TestCheckServicePublishesEvent(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	_, js := testutil.StartJetStream(t)
	publisher, err := events.NewJetStreamPublisher(ctx, zaptest.NewLogger(t), js)
	require.NoError(t, err)

	f := newEngineFixture(t, WithEventPublisher(publisher))
	svc := testutil.CreateAPIService(t, f.store, "docs", srv.URL)

	check, err := f.engine.CheckService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStatusUp, check.Status)

	msgs, err := testutil.ConsumeMessages(js, events.CheckSubject(svc.ID), time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var published model.HealthCheck
	require.NoError(t, json.Unmarshal(msgs[0].Data, &published))
	assert.Equal(t, check.ID, published.ID)
	assert.Equal(t, svc.ID, published.ServiceID)

	require.NoError(t, f.store.SoftDeleteService(ctx, svc.ID, time.Now()))
	_, err = f.engine.CheckService(ctx, svc.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
