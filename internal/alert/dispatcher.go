package alert

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/service-monitor/internal/events"
	"github.com/t77yq/service-monitor/internal/metrics"
	"github.com/t77yq/service-monitor/internal/model"
	"github.com/t77yq/service-monitor/internal/notify"
	"github.com/t77yq/service-monitor/internal/storage"
)

// Skip reasons reported in logs and the alerts_skipped metric
const (
	SkipGlobalDisabled  = "global_disabled"
	SkipServiceMissing  = "service_not_found"
	SkipServiceDisabled = "service_disabled"
	SkipNoChannel       = "no_channel"
	SkipMaintenance     = "maintenance"
	SkipCooldown        = "cooldown"
)

// Request describes an alert to deliver for one service
type Request struct {
	ServiceID   string
	ServiceName string
	Type        model.AlertType
	Severity    model.AlertSeverity
	Title       string
	Message     string
	IncidentID  string
}

// Dispatcher decides whether an alert is sent and fans it out to the
// service's webhooks and email recipients
type Dispatcher struct {
	logger     *zap.Logger
	store      storage.Store
	webhooks   notify.WebhookSender
	email      notify.EmailSender
	publisher  events.Publisher
	recipients []string
	now        func() time.Time
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithRecipients sets the static email recipients added to every alert
func WithRecipients(recipients []string) Option {
	return func(d *Dispatcher) {
		d.recipients = recipients
	}
}

// WithPublisher publishes delivered alerts
func WithPublisher(publisher events.Publisher) Option {
	return func(d *Dispatcher) {
		d.publisher = publisher
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a dispatcher. email may be nil, in which case only
// webhooks are used.
func NewDispatcher(logger *zap.Logger, store storage.Store, webhooks notify.WebhookSender, email notify.EmailSender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:    logger.Named("alert"),
		store:     store,
		webhooks:  webhooks,
		email:     email,
		publisher: events.NopPublisher{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send runs the delivery pipeline for req. A nil alert with a nil error
// means the alert was skipped.
func (d *Dispatcher) Send(ctx context.Context, req Request) (*model.Alert, error) {
	settings, err := d.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	if !settings.GlobalAlertsEnabled {
		return d.skip(req, SkipGlobalDisabled)
	}

	svc, err := d.store.GetService(ctx, req.ServiceID)
	if errors.Is(err, storage.ErrNotFound) {
		return d.skip(req, SkipServiceMissing)
	}
	if err != nil {
		return nil, err
	}
	if svc.DeletedAt != nil {
		return d.skip(req, SkipServiceMissing)
	}
	if !svc.Alerting.Enabled {
		return d.skip(req, SkipServiceDisabled)
	}
	if req.ServiceName == "" {
		req.ServiceName = svc.Name
	}

	webhooks, emails, err := d.resolveChannels(ctx, svc)
	if err != nil {
		return nil, err
	}
	emailUsable := d.email != nil && svc.Alerting.EmailEnabled && settings.ServiceEmailsEnabled && len(emails) > 0
	if !emailUsable {
		emails = nil
	}
	if len(webhooks) == 0 && len(emails) == 0 {
		return d.skip(req, SkipNoChannel)
	}

	now := d.now().UTC().Truncate(time.Millisecond)
	inMaintenance, err := d.store.InMaintenance(ctx, svc.ID, now)
	if err != nil {
		return nil, err
	}
	if inMaintenance {
		return d.skip(req, SkipMaintenance)
	}

	if settings.AlertCooldownMinutes > 0 {
		since := now.Add(-time.Duration(settings.AlertCooldownMinutes) * time.Minute)
		recent, err := d.store.RecentAlerts(ctx, svc.ID, req.Type, since)
		if err != nil {
			return nil, err
		}
		if len(recent) > 0 {
			return d.skip(req, SkipCooldown)
		}
	}

	alert := &model.Alert{
		ID:          uuid.New().String(),
		ServiceID:   svc.ID,
		ServiceName: req.ServiceName,
		Type:        req.Type,
		Severity:    req.Severity,
		Title:       req.Title,
		Message:     req.Message,
		Channels:    append(append([]string(nil), webhooks...), emails...),
		Status:      model.AlertStatusPending,
		IncidentID:  req.IncidentID,
		CreatedAt:   now,
	}
	if err := d.store.CreateAlert(ctx, alert); err != nil {
		return nil, err
	}

	if !emailAllowed(svc.Alerting, req.Type) {
		emails = nil
	}
	attempted, failed := d.deliver(ctx, alert, webhooks, emails)

	if err := d.finish(ctx, svc, alert, attempted, failed); err != nil {
		return nil, err
	}
	return alert, nil
}

// AlertIncidentOpened sends the downtime alert for a newly opened incident
func (d *Dispatcher) AlertIncidentOpened(ctx context.Context, incident *model.Incident) (*model.Alert, error) {
	message := fmt.Sprintf("%s is DOWN since %s (%d failed checks).",
		incident.ServiceName, incident.StartTime.UTC().Format(time.RFC3339), incident.FailedChecks)
	if incident.RootCauseServiceID != "" && incident.RootCauseServiceID != incident.ServiceID {
		message += fmt.Sprintf(" Likely caused by dependency %s.", incident.RootCauseServiceID)
	}

	return d.Send(ctx, Request{
		ServiceID:   incident.ServiceID,
		ServiceName: incident.ServiceName,
		Type:        model.AlertTypeIncidentOpened,
		Severity:    model.AlertSeverityCritical,
		Title:       fmt.Sprintf("Service down: %s", incident.ServiceName),
		Message:     message,
		IncidentID:  incident.ID,
	})
}

// AlertIncidentClosed sends the recovery alert for a closed incident
func (d *Dispatcher) AlertIncidentClosed(ctx context.Context, incident *model.Incident) (*model.Alert, error) {
	return d.Send(ctx, Request{
		ServiceID:   incident.ServiceID,
		ServiceName: incident.ServiceName,
		Type:        model.AlertTypeIncidentClosed,
		Severity:    model.AlertSeverityInfo,
		Title:       fmt.Sprintf("Service recovered: %s", incident.ServiceName),
		Message: fmt.Sprintf("%s is back UP after %s of downtime.",
			incident.ServiceName, incident.Duration().Round(time.Second)),
		IncidentID: incident.ID,
	})
}

func (d *Dispatcher) skip(req Request, reason string) (*model.Alert, error) {
	metrics.AlertsSkipped.WithLabelValues(reason).Inc()
	d.logger.Info("Alert skipped",
		zap.String("service_id", req.ServiceID),
		zap.String("type", string(req.Type)),
		zap.String("reason", reason))
	return nil, nil
}

// resolveChannels returns the group webhooks and the union of static and
// group email recipients, both deduplicated
func (d *Dispatcher) resolveChannels(ctx context.Context, svc *model.Service) (webhooks, emails []string, err error) {
	emails = dedupe(nil, d.recipients)
	if svc.GroupID == "" {
		return nil, emails, nil
	}

	group, err := d.store.GetGroup(ctx, svc.GroupID)
	if errors.Is(err, storage.ErrNotFound) {
		d.logger.Warn("Service references a missing group",
			zap.String("service_id", svc.ID),
			zap.String("group_id", svc.GroupID))
		return nil, emails, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return dedupe(nil, group.Webhooks), dedupe(emails, group.AlertEmails), nil
}

func (d *Dispatcher) deliver(ctx context.Context, alert *model.Alert, webhooks, emails []string) (attempted, failed int) {
	for _, url := range webhooks {
		attempted++
		err := d.webhooks.Dispatch(ctx, notify.DetectChannel(url), alert.Title, alert.Message, alert.Severity, url)
		if err != nil {
			failed++
			d.logger.Warn("Webhook delivery failed",
				zap.String("alert_id", alert.ID),
				zap.Error(err))
		}
	}

	for _, to := range emails {
		attempted++
		err := d.email.SendEmail(ctx, notify.Email{
			To:      to,
			Subject: alert.Title,
			HTML:    renderHTML(alert),
		})
		if err != nil {
			failed++
			d.logger.Warn("Email delivery failed",
				zap.String("alert_id", alert.ID),
				zap.String("to", to),
				zap.Error(err))
		}
	}
	return attempted, failed
}

func (d *Dispatcher) finish(ctx context.Context, svc *model.Service, alert *model.Alert, attempted, failed int) error {
	if attempted > 0 && failed < attempted {
		sentAt := d.now().UTC().Truncate(time.Millisecond)
		if err := d.store.MarkAlertSent(ctx, alert.ID, sentAt); err != nil {
			return err
		}
		if err := d.store.UpdateLastAlert(ctx, svc.ID, alert.Type, sentAt); err != nil {
			return err
		}
		alert.Status = model.AlertStatusSent
		alert.SentAt = &sentAt
		if failed > 0 {
			alert.Error = fmt.Sprintf("failed to send %d/%d notifications", failed, attempted)
		}
	} else {
		reason := fmt.Sprintf("failed to send %d/%d notifications", failed, attempted)
		if attempted == 0 {
			reason = fmt.Sprintf("no channel accepts %s alerts", alert.Type)
		}
		if err := d.store.MarkAlertFailed(ctx, alert.ID, reason); err != nil {
			return err
		}
		alert.Status = model.AlertStatusFailed
		alert.Error = reason
	}

	metrics.AlertsTotal.WithLabelValues(string(alert.Type), string(alert.Status)).Inc()
	d.logger.Info("Alert processed",
		zap.String("alert_id", alert.ID),
		zap.String("service_id", svc.ID),
		zap.String("type", string(alert.Type)),
		zap.String("status", string(alert.Status)),
		zap.Int("attempted", attempted),
		zap.Int("failed", failed))

	if err := d.publisher.Publish(ctx, events.AlertSubject(string(alert.Type)), alert); err != nil {
		d.logger.Warn("Failed to publish alert event", zap.Error(err))
	}
	return nil
}

// emailAllowed applies the per-type email switches. Webhooks are not gated.
func emailAllowed(settings model.AlertSettings, t model.AlertType) bool {
	if t.IsDowntime() {
		return settings.DowntimeAlerts
	}
	return settings.ResponseTimeAlerts
}

func dedupe(dst, src []string) []string {
	seen := make(map[string]bool, len(dst)+len(src))
	out := make([]string, 0, len(dst)+len(src))
	for _, list := range [][]string{dst, src} {
		for _, v := range list {
			v = strings.TrimSpace(v)
			key := strings.ToLower(v)
			if v == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, v)
		}
	}
	return out
}

func renderHTML(alert *model.Alert) string {
	var b strings.Builder
	b.WriteString("<h2>" + html.EscapeString(alert.Title) + "</h2>")
	b.WriteString("<p>" + html.EscapeString(alert.Message) + "</p>")
	b.WriteString("<p><strong>Severity:</strong> " + string(alert.Severity) + "<br>")
	b.WriteString("<strong>Service:</strong> " + html.EscapeString(alert.ServiceName) + "<br>")
	b.WriteString("<strong>Time:</strong> " + alert.CreatedAt.Format(time.RFC1123) + "</p>")
	return b.String()
}
