package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	StreamName = "MONITOR"

	SubjectIncidentOpened = "monitor.incident.opened"
	SubjectIncidentClosed = "monitor.incident.closed"
	SubjectSystem         = "monitor.system"

	streamMaxAge  = 7 * 24 * time.Hour
	streamMaxMsgs = 1000000
)

// CheckSubject is the subject a service's health checks are published on
func CheckSubject(serviceID string) string {
	return "monitor.check." + serviceID
}

// AlertSubject is the subject alerts of the given type are published on
func AlertSubject(alertType string) string {
	return "monitor.alert." + alertType
}

// Publisher emits monitoring events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload interface{}) error
}

// JetStreamPublisher publishes JSON events to the MONITOR stream
type JetStreamPublisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewJetStreamPublisher ensures the MONITOR stream exists and returns a publisher for it
func NewJetStreamPublisher(ctx context.Context, logger *zap.Logger, js nats.JetStreamContext) (*JetStreamPublisher, error) {
	p := &JetStreamPublisher{
		logger: logger.Named("events"),
		js:     js,
	}
	if err := p.ensureStream(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *JetStreamPublisher) ensureStream(ctx context.Context) error {
	_, err := p.js.StreamInfo(StreamName, nats.Context(ctx))
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"monitor.>"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  streamMaxMsgs,
	}, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("Created event stream", zap.String("stream", StreamName))
	return nil
}

// Publish marshals payload as JSON and publishes it on subject
func (p *JetStreamPublisher) Publish(ctx context.Context, subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// NopPublisher discards every event
type NopPublisher struct{}

// Publish implements Publisher
func (NopPublisher) Publish(ctx context.Context, subject string, payload interface{}) error {
	return nil
}
