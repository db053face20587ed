package alert

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/service-monitor/internal/model"
	"github.com/t77yq/service-monitor/internal/storage"
)

// Sender delivers an alert request
type Sender interface {
	Send(ctx context.Context, req Request) (*model.Alert, error)
}

// ResponseTimeMonitor tracks consecutive latency breaches of UP checks and
// raises an alert once a threshold was breached the required number of times
// in a row
type ResponseTimeMonitor struct {
	logger   *zap.Logger
	services storage.ServiceStore
	sender   Sender
}

// NewResponseTimeMonitor creates a response time monitor
func NewResponseTimeMonitor(logger *zap.Logger, services storage.ServiceStore, sender Sender) *ResponseTimeMonitor {
	return &ResponseTimeMonitor{
		logger:   logger.Named("response_time"),
		services: services,
		sender:   sender,
	}
}

// Evaluate updates the breach counters of svc for result and persists them.
// It returns the alert sent, if any. DOWN results are ignored.
func (m *ResponseTimeMonitor) Evaluate(ctx context.Context, svc *model.Service, result *model.HealthCheckResult) (*model.Alert, error) {
	if result.Status != model.ServiceStatusUp {
		return nil, nil
	}

	settings := &svc.Alerting
	elapsed := int(result.ResponseTimeMs)
	warning, critical := settings.WarningCount, settings.CriticalCount

	var fire model.AlertSeverity
	switch {
	case settings.CriticalThresholdMs > 0 && elapsed >= settings.CriticalThresholdMs:
		critical++
		warning = 0
		if critical >= required(settings.CriticalAttempts) {
			fire = model.AlertSeverityCritical
			critical = 0
		}
	case settings.WarningThresholdMs > 0 && elapsed >= settings.WarningThresholdMs:
		warning++
		critical = 0
		if warning >= required(settings.WarningAttempts) {
			fire = model.AlertSeverityWarning
			warning = 0
		}
	default:
		warning, critical = 0, 0
	}

	if warning != settings.WarningCount || critical != settings.CriticalCount {
		if err := m.services.UpdateResponseTimeCounters(ctx, svc.ID, warning, critical); err != nil {
			return nil, fmt.Errorf("failed to persist response time counters: %w", err)
		}
		settings.WarningCount, settings.CriticalCount = warning, critical
	}

	if fire == "" {
		return nil, nil
	}
	return m.alert(ctx, svc, fire, result.ResponseTimeMs)
}

func (m *ResponseTimeMonitor) alert(ctx context.Context, svc *model.Service, severity model.AlertSeverity, elapsedMs int64) (*model.Alert, error) {
	settings := svc.Alerting
	req := Request{
		ServiceID:   svc.ID,
		ServiceName: svc.Name,
		Severity:    severity,
	}
	if severity == model.AlertSeverityCritical {
		req.Type = model.AlertTypeServiceDegraded
		req.Title = fmt.Sprintf("Critical response time: %s", svc.Name)
		req.Message = fmt.Sprintf("%s responded in %dms, at or above the %dms critical threshold for %d consecutive checks.",
			svc.Name, elapsedMs, settings.CriticalThresholdMs, required(settings.CriticalAttempts))
	} else {
		req.Type = model.AlertTypeResponseTime
		req.Title = fmt.Sprintf("Slow response time: %s", svc.Name)
		req.Message = fmt.Sprintf("%s responded in %dms, at or above the %dms warning threshold for %d consecutive checks.",
			svc.Name, elapsedMs, settings.WarningThresholdMs, required(settings.WarningAttempts))
	}

	m.logger.Info("Response time threshold breached",
		zap.String("service_id", svc.ID),
		zap.String("severity", string(severity)),
		zap.Int64("response_time_ms", elapsedMs))

	alert, err := m.sender.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to send response time alert: %w", err)
	}
	return alert, nil
}

func required(attempts int) int {
	if attempts < 1 {
		return 1
	}
	return attempts
}
