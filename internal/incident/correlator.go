package incident

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/service-monitor/internal/metrics"
	"github.com/t77yq/service-monitor/internal/model"
	"github.com/t77yq/service-monitor/internal/storage"
)

// CorrelationWindow is how close two incident start times must be to be linked
const CorrelationWindow = 2 * time.Minute

// ServiceLister lists the services the dependency graph is built from
type ServiceLister interface {
	ListActiveServices(ctx context.Context) ([]*model.Service, error)
}

// Correlator links a newly opened incident to open incidents of related services
type Correlator struct {
	logger    *zap.Logger
	services  ServiceLister
	incidents storage.IncidentStore
	window    time.Duration
}

// NewCorrelator creates a correlator using the default two minute window
func NewCorrelator(logger *zap.Logger, services ServiceLister, incidents storage.IncidentStore) *Correlator {
	return &Correlator{
		logger:    logger.Named("correlator"),
		services:  services,
		incidents: incidents,
		window:    CorrelationWindow,
	}
}

// Correlate links incident, just opened for svc, with currently OPEN
// incidents. A service without dependencies is treated as a potential root
// cause for its downstream services; otherwise the first declared
// dependency with a matching open incident becomes the root cause.
func (c *Correlator) Correlate(ctx context.Context, svc *model.Service, incident *model.Incident) error {
	if len(svc.Dependencies) == 0 {
		return c.correlateDownstream(ctx, svc, incident)
	}
	return c.correlateUpstream(ctx, svc, incident)
}

func (c *Correlator) correlateDownstream(ctx context.Context, svc *model.Service, incident *model.Incident) error {
	services, err := c.services.ListActiveServices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}
	graph := BuildDependencyGraph(services)

	var impacted []string
	for _, id := range graph.Downstream(svc.ID) {
		open, err := c.incidents.GetOpenIncident(ctx, id)
		if err != nil {
			return err
		}
		if open == nil || !c.withinWindow(open.StartTime, incident.StartTime) {
			continue
		}

		err = c.incidents.UpdateCorrelation(ctx, open.ID, model.CorrelationUpdate{
			CorrelationID:      incident.ID,
			RootCauseServiceID: svc.ID,
			ImpactedServices:   open.ImpactedServices,
			IsCorrelated:       true,
		})
		if err != nil {
			return err
		}
		metrics.IncidentsCorrelated.Inc()
		impacted = append(impacted, id)
	}

	if len(impacted) == 0 {
		return nil
	}

	update := model.CorrelationUpdate{
		CorrelationID:      incident.ID,
		RootCauseServiceID: svc.ID,
		ImpactedServices:   impacted,
		IsCorrelated:       true,
	}
	if err := c.incidents.UpdateCorrelation(ctx, incident.ID, update); err != nil {
		return err
	}
	apply(incident, update)

	c.logger.Info("Incident identified as root cause",
		zap.String("service_id", svc.ID),
		zap.String("incident_id", incident.ID),
		zap.Strings("impacted", impacted))
	return nil
}

func (c *Correlator) correlateUpstream(ctx context.Context, svc *model.Service, incident *model.Incident) error {
	for _, dep := range svc.Dependencies {
		open, err := c.incidents.GetOpenIncident(ctx, dep)
		if err != nil {
			return err
		}
		if open == nil || !c.withinWindow(open.StartTime, incident.StartTime) {
			continue
		}

		correlationID := open.CorrelationID
		if correlationID == "" {
			correlationID = open.ID
		}
		rootCause := open.RootCauseServiceID
		if rootCause == "" {
			rootCause = dep
		}

		update := model.CorrelationUpdate{
			CorrelationID:      correlationID,
			RootCauseServiceID: dep,
			IsCorrelated:       true,
		}
		if err := c.incidents.UpdateCorrelation(ctx, incident.ID, update); err != nil {
			return err
		}
		apply(incident, update)

		err = c.incidents.UpdateCorrelation(ctx, open.ID, model.CorrelationUpdate{
			CorrelationID:      correlationID,
			RootCauseServiceID: rootCause,
			ImpactedServices:   appendUnique(open.ImpactedServices, svc.ID),
			IsCorrelated:       true,
		})
		if err != nil {
			return err
		}
		metrics.IncidentsCorrelated.Inc()

		c.logger.Info("Incident correlated with dependency",
			zap.String("service_id", svc.ID),
			zap.String("incident_id", incident.ID),
			zap.String("root_cause_service_id", dep))
		return nil
	}
	return nil
}

func (c *Correlator) withinWindow(a, b time.Time) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= c.window
}

func apply(incident *model.Incident, update model.CorrelationUpdate) {
	incident.CorrelationID = update.CorrelationID
	incident.RootCauseServiceID = update.RootCauseServiceID
	incident.ImpactedServices = update.ImpactedServices
	incident.IsCorrelated = update.IsCorrelated
}

func appendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(append([]string(nil), list...), id)
}
