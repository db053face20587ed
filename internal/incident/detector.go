package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/service-monitor/internal/events"
	"github.com/t77yq/service-monitor/internal/metrics"
	"github.com/t77yq/service-monitor/internal/model"
	"github.com/t77yq/service-monitor/internal/storage"
)

// DefaultHistoryLimit is how many recent checks are scanned when backfilling an incident
const DefaultHistoryLimit = 100

// Alerter is notified when incidents open and close
type Alerter interface {
	AlertIncidentOpened(ctx context.Context, incident *model.Incident) (*model.Alert, error)
	AlertIncidentClosed(ctx context.Context, incident *model.Incident) (*model.Alert, error)
}

// Detector turns status transitions into incident records
type Detector struct {
	logger       *zap.Logger
	incidents    storage.IncidentStore
	checks       storage.HealthCheckStore
	correlator   *Correlator
	alerter      Alerter
	publisher    events.Publisher
	historyLimit int
}

// NewDetector creates a detector. correlator and alerter may be nil.
func NewDetector(
	logger *zap.Logger,
	incidents storage.IncidentStore,
	checks storage.HealthCheckStore,
	correlator *Correlator,
	alerter Alerter,
	publisher events.Publisher,
) *Detector {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Detector{
		logger:       logger.Named("detector"),
		incidents:    incidents,
		checks:       checks,
		correlator:   correlator,
		alerter:      alerter,
		publisher:    publisher,
		historyLimit: DefaultHistoryLimit,
	}
}

// Process applies the transition from previous to check.Status for svc. The
// check must already be persisted. It returns the incident that was opened,
// updated or closed, or nil when nothing changed.
func (d *Detector) Process(ctx context.Context, svc *model.Service, previous model.ServiceStatus, check *model.HealthCheck) (*model.Incident, error) {
	switch check.Status {
	case model.ServiceStatusDown:
		return d.handleDown(ctx, svc, previous, check)
	case model.ServiceStatusUp:
		if previous == model.ServiceStatusUp {
			return nil, nil
		}
		return d.handleUp(ctx, svc, check)
	default:
		return nil, nil
	}
}

func (d *Detector) handleDown(ctx context.Context, svc *model.Service, previous model.ServiceStatus, check *model.HealthCheck) (*model.Incident, error) {
	open, err := d.incidents.GetOpenIncident(ctx, svc.ID)
	if err != nil {
		return nil, err
	}

	if open != nil {
		if err := d.incidents.IncrementFailedChecks(ctx, open.ID); err != nil {
			return nil, err
		}
		open.FailedChecks++
		d.logger.Debug("Incident still open",
			zap.String("service_id", svc.ID),
			zap.String("incident_id", open.ID),
			zap.Int("failed_checks", open.FailedChecks))
		return open, nil
	}

	if previous == model.ServiceStatusDown {
		d.logger.Warn("Service was DOWN without an open incident, opening one",
			zap.String("service_id", svc.ID))
	}
	return d.open(ctx, svc, check)
}

func (d *Detector) open(ctx context.Context, svc *model.Service, check *model.HealthCheck) (*model.Incident, error) {
	startTime, run, err := d.backfill(ctx, svc.ID, check)
	if err != nil {
		return nil, err
	}

	incident := &model.Incident{
		ID:           uuid.New().String(),
		ServiceID:    svc.ID,
		ServiceName:  svc.Name,
		Status:       model.IncidentStatusOpen,
		StartTime:    startTime,
		FailedChecks: 1,
	}
	if err := d.incidents.CreateIncident(ctx, incident); err != nil {
		return nil, err
	}
	if run > 1 {
		if err := d.incidents.SetFailedChecks(ctx, incident.ID, run); err != nil {
			return nil, err
		}
		incident.FailedChecks = run
	}
	metrics.IncidentsOpened.Inc()

	d.logger.Info("Incident opened",
		zap.String("service_id", svc.ID),
		zap.String("service_name", svc.Name),
		zap.String("incident_id", incident.ID),
		zap.Time("start_time", incident.StartTime),
		zap.Int("failed_checks", incident.FailedChecks))

	if d.correlator != nil {
		if err := d.correlator.Correlate(ctx, svc, incident); err != nil {
			d.logger.Error("Failed to correlate incident",
				zap.String("incident_id", incident.ID),
				zap.Error(err))
		}
	}

	d.publish(ctx, events.SubjectIncidentOpened, incident)

	if d.alerter != nil {
		if _, err := d.alerter.AlertIncidentOpened(ctx, incident); err != nil {
			d.logger.Error("Failed to send incident opened alert",
				zap.String("incident_id", incident.ID),
				zap.Error(err))
		}
	}
	return incident, nil
}

// backfill walks the newest-first history and returns the timestamp of the
// oldest check in the trailing run of DOWN checks along with the run length
func (d *Detector) backfill(ctx context.Context, serviceID string, check *model.HealthCheck) (startTime time.Time, run int, err error) {
	history, err := d.checks.RecentHealthChecks(ctx, serviceID, d.historyLimit)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to load check history: %w", err)
	}

	startTime = check.CheckedAt
	for _, h := range history {
		if h.Status != model.ServiceStatusDown {
			break
		}
		startTime = h.CheckedAt
		run++
	}
	if run == 0 {
		run = 1
	}
	return startTime, run, nil
}

func (d *Detector) handleUp(ctx context.Context, svc *model.Service, check *model.HealthCheck) (*model.Incident, error) {
	open, err := d.incidents.GetOpenIncident(ctx, svc.ID)
	if err != nil {
		return nil, err
	}
	if open == nil {
		return nil, nil
	}

	endTime := check.CheckedAt
	durationMs := endTime.Sub(open.StartTime).Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}

	err = d.incidents.CloseIncident(ctx, open.ID, endTime, durationMs)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	open.Status = model.IncidentStatusClosed
	open.EndTime = &endTime
	open.DurationMs = &durationMs
	metrics.IncidentsClosed.Inc()

	d.logger.Info("Incident closed",
		zap.String("service_id", svc.ID),
		zap.String("incident_id", open.ID),
		zap.Duration("duration", open.Duration()))

	d.publish(ctx, events.SubjectIncidentClosed, open)

	if d.alerter != nil {
		if _, err := d.alerter.AlertIncidentClosed(ctx, open); err != nil {
			d.logger.Error("Failed to send incident closed alert",
				zap.String("incident_id", open.ID),
				zap.Error(err))
		}
	}
	return open, nil
}

func (d *Detector) publish(ctx context.Context, subject string, incident *model.Incident) {
	if err := d.publisher.Publish(ctx, subject, incident); err != nil {
		d.logger.Warn("Failed to publish incident event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
