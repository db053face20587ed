package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ServiceType represents the protocol used to check a service
type ServiceType string

const (
	ServiceTypeAPI           ServiceType = "api"
	ServiceTypeMongoDB       ServiceType = "mongodb"
	ServiceTypeElasticsearch ServiceType = "elasticsearch"
	ServiceTypeRedis         ServiceType = "redis"
)

// ServiceStatus represents the last observed status of a service
type ServiceStatus string

const (
	ServiceStatusUp      ServiceStatus = "UP"
	ServiceStatusDown    ServiceStatus = "DOWN"
	ServiceStatusUnknown ServiceStatus = "unknown"
)

const (
	DefaultTimeoutMs          = 5000
	DefaultCheckIntervalSec   = 60
	DefaultWarningThresholdMs = 3000
	DefaultWarningAttempts    = 3
	DefaultCriticalThreshold  = 5000
	DefaultCriticalAttempts   = 3
)

// ServiceConfig is the protocol-specific part of a service. Exactly one
// implementation is active per service and it must match Service.Type.
type ServiceConfig interface {
	ServiceType() ServiceType
	// Validate reports a missing required connection field
	Validate() error
}

// APIConfig checks an HTTP endpoint
type APIConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

func (c *APIConfig) ServiceType() ServiceType { return ServiceTypeAPI }

func (c *APIConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("api service requires url")
	}
	return nil
}

// MongoPipeline is a named aggregation run against one collection.
// Pipeline holds the stage array as extended JSON.
type MongoPipeline struct {
	Name       string `json:"name"`
	Collection string `json:"collection"`
	Pipeline   string `json:"pipeline"`
}

// MongoConfig checks a MongoDB deployment
type MongoConfig struct {
	ConnectionString string          `json:"connection_string"`
	Database         string          `json:"database,omitempty"`
	Pipelines        []MongoPipeline `json:"pipelines,omitempty"`
}

func (c *MongoConfig) ServiceType() ServiceType { return ServiceTypeMongoDB }

func (c *MongoConfig) Validate() error {
	if c.ConnectionString == "" {
		return fmt.Errorf("mongodb service requires connection_string")
	}
	for i, p := range c.Pipelines {
		if p.Collection == "" {
			return fmt.Errorf("mongodb pipeline %d requires collection", i)
		}
	}
	return nil
}

// ElasticsearchConfig checks an Elasticsearch cluster
type ElasticsearchConfig struct {
	ConnectionString string `json:"connection_string"`
	Index            string `json:"index,omitempty"`
	Query            string `json:"query,omitempty"`
	Size             int    `json:"size,omitempty"`
	Username         string `json:"username,omitempty"`
	Password         string `json:"password,omitempty"`
	APIKey           string `json:"api_key,omitempty"`
}

func (c *ElasticsearchConfig) ServiceType() ServiceType { return ServiceTypeElasticsearch }

func (c *ElasticsearchConfig) Validate() error {
	if c.ConnectionString == "" {
		return fmt.Errorf("elasticsearch service requires connection_string")
	}
	return nil
}

// RedisOperation is a raw command executed by the redis check
type RedisOperation struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// RedisConfig checks a Redis server
type RedisConfig struct {
	ConnectionString string           `json:"connection_string"`
	Password         string           `json:"password,omitempty"`
	Database         int              `json:"database,omitempty"`
	TestKeys         []string         `json:"test_keys,omitempty"`
	Operations       []RedisOperation `json:"operations,omitempty"`
}

func (c *RedisConfig) ServiceType() ServiceType { return ServiceTypeRedis }

func (c *RedisConfig) Validate() error {
	if c.ConnectionString == "" {
		return fmt.Errorf("redis service requires connection_string")
	}
	for i, op := range c.Operations {
		if op.Command == "" {
			return fmt.Errorf("redis operation %d requires command", i)
		}
	}
	return nil
}

// AlertSettings holds the per-service alerting configuration and the
// consecutive-breach counters carried between sweeps
type AlertSettings struct {
	Enabled             bool       `json:"enabled"`
	EmailEnabled        bool       `json:"email_enabled"`
	DowntimeAlerts      bool       `json:"downtime_alerts"`
	ResponseTimeAlerts  bool       `json:"response_time_alerts"`
	WarningThresholdMs  int        `json:"warning_threshold_ms"`
	WarningAttempts     int        `json:"warning_attempts"`
	CriticalThresholdMs int        `json:"critical_threshold_ms"`
	CriticalAttempts    int        `json:"critical_attempts"`
	WarningCount        int        `json:"warning_count"`
	CriticalCount       int        `json:"critical_count"`
	LastAlertType       AlertType  `json:"last_alert_type,omitempty"`
	LastAlertSentAt     *time.Time `json:"last_alert_sent_at,omitempty"`
}

// DefaultAlertSettings returns alerting enabled on every channel with the
// standard latency thresholds
func DefaultAlertSettings() AlertSettings {
	return AlertSettings{
		Enabled:             true,
		EmailEnabled:        true,
		DowntimeAlerts:      true,
		ResponseTimeAlerts:  true,
		WarningThresholdMs:  DefaultWarningThresholdMs,
		WarningAttempts:     DefaultWarningAttempts,
		CriticalThresholdMs: DefaultCriticalThreshold,
		CriticalAttempts:    DefaultCriticalAttempts,
	}
}

// Service represents a monitored target
type Service struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Type              ServiceType   `json:"service_type"`
	Config            ServiceConfig `json:"-"`
	TimeoutMs         int           `json:"timeout_ms"`
	CheckIntervalSec  int           `json:"check_interval_sec"`
	UseConnectionPool bool          `json:"use_connection_pool"`
	Status            ServiceStatus `json:"status"`
	LastCheckedAt     *time.Time    `json:"last_checked_at,omitempty"`
	Alerting          AlertSettings `json:"alerting"`
	Dependencies      []string      `json:"dependencies,omitempty"`
	GroupID           string        `json:"group_id,omitempty"`
	DeletedAt         *time.Time    `json:"deleted_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Timeout returns the check timeout, falling back to the default
func (s *Service) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return DefaultTimeoutMs * time.Millisecond
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// CheckInterval returns how often the service should be checked
func (s *Service) CheckInterval() time.Duration {
	return time.Duration(s.CheckIntervalSec) * time.Second
}

// Validate checks that the config is present, matches Type and carries its
// required fields
func (s *Service) Validate() error {
	if s.Config == nil {
		return fmt.Errorf("service %q has no %s configuration", s.Name, s.Type)
	}
	if s.Config.ServiceType() != s.Type {
		return fmt.Errorf("service %q has type %s but %s configuration", s.Name, s.Type, s.Config.ServiceType())
	}
	return s.Config.Validate()
}

// DecodeServiceConfig decodes the stored JSON payload for the given type
func DecodeServiceConfig(t ServiceType, raw []byte) (ServiceConfig, error) {
	var cfg ServiceConfig
	switch t {
	case ServiceTypeAPI:
		cfg = &APIConfig{}
	case ServiceTypeMongoDB:
		cfg = &MongoConfig{}
	case ServiceTypeElasticsearch:
		cfg = &ElasticsearchConfig{}
	case ServiceTypeRedis:
		cfg = &RedisConfig{}
	default:
		return nil, fmt.Errorf("unknown service type: %s", t)
	}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s config: %w", t, err)
	}
	return cfg, nil
}
