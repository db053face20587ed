package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/t77yq/service-monitor/internal/events"
	"github.com/t77yq/service-monitor/internal/metrics"
	"github.com/t77yq/service-monitor/internal/model"
	"github.com/t77yq/service-monitor/internal/storage"
)

// DueTolerance is how early before its interval elapses a service counts as due
const DueTolerance = time.Second

// Runner checks one service
type Runner interface {
	Run(ctx context.Context, svc *model.Service) (*model.HealthCheckResult, error)
}

// LatencyEvaluator tracks response time breaches of UP checks
type LatencyEvaluator interface {
	Evaluate(ctx context.Context, svc *model.Service, result *model.HealthCheckResult) (*model.Alert, error)
}

// IncidentProcessor applies a persisted check to the service's incident state
type IncidentProcessor interface {
	Process(ctx context.Context, svc *model.Service, previous model.ServiceStatus, check *model.HealthCheck) (*model.Incident, error)
}

// Engine runs health-check sweeps over every active service
type Engine struct {
	logger    *zap.Logger
	store     storage.Store
	runner    Runner
	latency   LatencyEvaluator
	incidents IncidentProcessor
	publisher events.Publisher
	now       func() time.Time
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithEventPublisher publishes every persisted check
func WithEventPublisher(publisher events.Publisher) EngineOption {
	return func(e *Engine) {
		e.publisher = publisher
	}
}

// WithEngineClock overrides the time source used for due checks
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a sweep engine
func NewEngine(
	logger *zap.Logger,
	store storage.Store,
	runner Runner,
	latency LatencyEvaluator,
	incidents IncidentProcessor,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		logger:    logger.Named("engine"),
		store:     store,
		runner:    runner,
		latency:   latency,
		incidents: incidents,
		publisher: events.NopPublisher{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HealthCheckJob runs one sweep. Services are checked one after another; a
// failing service does not stop the sweep and all failures are returned
// together.
func (e *Engine) HealthCheckJob(ctx context.Context) error {
	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		return err
	}
	if !settings.GlobalHealthChecksEnabled {
		e.logger.Info("Health checks globally disabled, skipping sweep")
		return nil
	}

	services, err := e.store.ListActiveServices(ctx)
	if err != nil {
		return err
	}

	start := e.now()
	var errs error
	var checked int
	for _, svc := range services {
		if ctx.Err() != nil {
			return multierr.Append(errs, ctx.Err())
		}
		if !e.due(svc, start) {
			continue
		}
		checked++
		if _, err := e.check(ctx, svc); err != nil {
			e.logger.Error("Health check failed",
				zap.String("service_id", svc.ID),
				zap.String("service_name", svc.Name),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("service %s: %w", svc.Name, err))
		}
	}

	e.logger.Debug("Sweep finished",
		zap.Int("services", len(services)),
		zap.Int("checked", checked),
		zap.Duration("elapsed", time.Since(start)))
	return errs
}

// CheckService checks one service immediately regardless of its interval
func (e *Engine) CheckService(ctx context.Context, id string) (*model.HealthCheck, error) {
	svc, err := e.store.GetService(ctx, id)
	if err != nil {
		return nil, err
	}
	if svc.DeletedAt != nil {
		return nil, storage.ErrNotFound
	}
	return e.check(ctx, svc)
}

func (e *Engine) due(svc *model.Service, now time.Time) bool {
	if svc.LastCheckedAt == nil || svc.CheckIntervalSec <= 0 {
		return true
	}
	return now.Sub(*svc.LastCheckedAt) >= svc.CheckInterval()-DueTolerance
}

func (e *Engine) check(ctx context.Context, svc *model.Service) (*model.HealthCheck, error) {
	previous := svc.Status

	result, err := e.runner.Run(ctx, svc)
	if err != nil {
		return nil, err
	}

	check := &model.HealthCheck{
		ID:                uuid.New().String(),
		HealthCheckResult: *result,
	}
	if err := e.store.AppendHealthCheck(ctx, check); err != nil {
		return nil, err
	}
	e.record(svc, check)

	if err := e.publisher.Publish(ctx, events.CheckSubject(svc.ID), check); err != nil {
		e.logger.Warn("Failed to publish check event",
			zap.String("service_id", svc.ID),
			zap.Error(err))
	}

	if check.Status == model.ServiceStatusUp {
		if _, err := e.latency.Evaluate(ctx, svc, &check.HealthCheckResult); err != nil {
			e.logger.Error("Failed to evaluate response time",
				zap.String("service_id", svc.ID),
				zap.Error(err))
		}
	}

	if _, err := e.incidents.Process(ctx, svc, previous, check); err != nil {
		return nil, fmt.Errorf("failed to process incident state: %w", err)
	}

	if err := e.store.UpdateServiceStatus(ctx, svc.ID, check.Status, check.CheckedAt); err != nil {
		return nil, err
	}
	svc.Status = check.Status
	checkedAt := check.CheckedAt
	svc.LastCheckedAt = &checkedAt
	return check, nil
}

func (e *Engine) record(svc *model.Service, check *model.HealthCheck) {
	serviceType := string(svc.Type)
	metrics.ChecksTotal.WithLabelValues(serviceType, string(check.Status)).Inc()
	metrics.CheckDuration.WithLabelValues(serviceType).Observe(float64(check.ResponseTimeMs) / 1000)
	if check.Metadata.RetryCount > 0 {
		metrics.CheckRetries.WithLabelValues(serviceType).Add(float64(check.Metadata.RetryCount))
	}

	fields := []zap.Field{
		zap.String("service_id", svc.ID),
		zap.String("service_name", svc.Name),
		zap.String("status", string(check.Status)),
		zap.Int64("response_time_ms", check.ResponseTimeMs),
	}
	if check.Status == model.ServiceStatusDown {
		e.logger.Warn("Service check DOWN", append(fields,
			zap.String("error_type", string(check.ErrorType)),
			zap.String("error", check.ErrorMessage))...)
		return
	}
	e.logger.Debug("Service check UP", fields...)
}
