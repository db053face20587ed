package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/t77yq/service-monitor/internal/metrics"
	"github.com/t77yq/service-monitor/internal/model"
)

// ErrInvalidURI is returned when a connection string cannot be parsed
var ErrInvalidURI = errors.New("invalid connection string")

// DefaultTimeout bounds connection setup for pooled clients
const DefaultTimeout = 10 * time.Second

// MongoFactory creates a MongoDB client for a connection string
type MongoFactory func(ctx context.Context, uri string) (*mongo.Client, error)

// RedisFactory creates a Redis client for a service configuration
type RedisFactory func(cfg *model.RedisConfig) (*redis.Client, error)

// Manager caches long-lived MongoDB and Redis clients. MongoDB clients are
// keyed by connection string, Redis clients by connection string and database.
type Manager struct {
	logger *zap.Logger

	mu           sync.Mutex
	mongoClients map[string]*mongo.Client
	redisClients map[string]*redis.Client

	newMongo MongoFactory
	newRedis RedisFactory
}

// Option configures a Manager
type Option func(*Manager)

// WithMongoFactory replaces the MongoDB client constructor
func WithMongoFactory(f MongoFactory) Option {
	return func(m *Manager) { m.newMongo = f }
}

// WithRedisFactory replaces the Redis client constructor
func WithRedisFactory(f RedisFactory) Option {
	return func(m *Manager) { m.newRedis = f }
}

// NewManager creates an empty connection pool
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:       logger.Named("pool"),
		mongoClients: make(map[string]*mongo.Client),
		redisClients: make(map[string]*redis.Client),
		newMongo: func(ctx context.Context, uri string) (*mongo.Client, error) {
			return NewMongoClient(ctx, uri, DefaultTimeout)
		},
		newRedis: func(cfg *model.RedisConfig) (*redis.Client, error) {
			return NewRedisClient(cfg, DefaultTimeout)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MongoClient returns the cached client for uri, creating it on first use
func (m *Manager) MongoClient(ctx context.Context, uri string) (*mongo.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if client, ok := m.mongoClients[uri]; ok {
		return client, nil
	}

	client, err := m.newMongo(ctx, uri)
	if err != nil {
		return nil, err
	}
	m.mongoClients[uri] = client
	m.updateGauges()

	m.logger.Info("Pooled new MongoDB client")
	return client, nil
}

// RedisClient returns the cached client for cfg, creating it on first use
func (m *Manager) RedisClient(cfg *model.RedisConfig) (*redis.Client, error) {
	key := RedisKey(cfg)

	m.mu.Lock()
	defer m.mu.Unlock()

	if client, ok := m.redisClients[key]; ok {
		return client, nil
	}

	client, err := m.newRedis(cfg)
	if err != nil {
		return nil, err
	}
	m.redisClients[key] = client
	m.updateGauges()

	m.logger.Info("Pooled new Redis client", zap.Int("database", cfg.Database))
	return client, nil
}

// RemoveClient closes and evicts one cached client. Close errors are logged.
func (m *Manager) RemoveClient(ctx context.Context, serviceType model.ServiceType, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(ctx, serviceType, key)
}

func (m *Manager) removeLocked(ctx context.Context, serviceType model.ServiceType, key string) {
	switch serviceType {
	case model.ServiceTypeMongoDB:
		client, ok := m.mongoClients[key]
		if !ok {
			return
		}
		delete(m.mongoClients, key)
		if err := client.Disconnect(ctx); err != nil {
			m.logger.Warn("Failed to disconnect pooled MongoDB client", zap.Error(err))
		}
	case model.ServiceTypeRedis:
		client, ok := m.redisClients[key]
		if !ok {
			return
		}
		delete(m.redisClients, key)
		if err := client.Close(); err != nil {
			m.logger.Warn("Failed to close pooled Redis client", zap.Error(err))
		}
	default:
		return
	}
	m.updateGauges()
	m.logger.Info("Evicted pooled client", zap.String("service_type", string(serviceType)))
}

// InvalidateServiceConnections evicts the client cached for oldCfg when the
// connection string or database differs in newCfg. A nil newCfg evicts
// unconditionally.
func (m *Manager) InvalidateServiceConnections(ctx context.Context, oldCfg, newCfg model.ServiceConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch old := oldCfg.(type) {
	case *model.MongoConfig:
		next, ok := newCfg.(*model.MongoConfig)
		if !ok || next.ConnectionString != old.ConnectionString {
			m.removeLocked(ctx, model.ServiceTypeMongoDB, old.ConnectionString)
		}
	case *model.RedisConfig:
		next, ok := newCfg.(*model.RedisConfig)
		if !ok || RedisKey(next) != RedisKey(old) {
			m.removeLocked(ctx, model.ServiceTypeRedis, RedisKey(old))
		}
	}
}

// Cleanup closes every pooled client
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs error
	for key, client := range m.mongoClients {
		if err := client.Disconnect(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to disconnect mongodb client: %w", err))
		}
		delete(m.mongoClients, key)
	}
	for key, client := range m.redisClients {
		if err := client.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
		delete(m.redisClients, key)
	}
	m.updateGauges()

	m.logger.Info("Connection pool cleaned up")
	return errs
}

// Size returns the number of cached clients
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mongoClients) + len(m.redisClients)
}

func (m *Manager) updateGauges() {
	metrics.PooledClients.WithLabelValues(string(model.ServiceTypeMongoDB)).Set(float64(len(m.mongoClients)))
	metrics.PooledClients.WithLabelValues(string(model.ServiceTypeRedis)).Set(float64(len(m.redisClients)))
}

// RedisKey is the cache key of a Redis configuration
func RedisKey(cfg *model.RedisConfig) string {
	return fmt.Sprintf("%s:%d", cfg.ConnectionString, cfg.Database)
}

// NewMongoClient creates a MongoDB client. The driver connects lazily, so
// server errors surface on the first command. A URI that cannot be parsed is
// reported as ErrInvalidURI; seed list lookups for mongodb+srv URIs happen
// here too and their failures are returned as network errors.
func NewMongoClient(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(timeout).
		SetConnectTimeout(timeout)

	if err := opts.Validate(); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return nil, fmt.Errorf("failed to resolve mongodb uri: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create mongodb client: %w", err)
	}
	return client, nil
}

// NewRedisClient creates a Redis client with driver-level retries disabled
func NewRedisClient(cfg *model.RedisConfig, timeout time.Duration) (*redis.Client, error) {
	opts, err := RedisOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts.MaxRetries = -1
	opts.DialTimeout = timeout
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout
	return redis.NewClient(opts), nil
}

// RedisOptions builds client options from a redis:// URL or a bare host:port
func RedisOptions(cfg *model.RedisConfig) (*redis.Options, error) {
	var opts *redis.Options
	if strings.HasPrefix(cfg.ConnectionString, "redis://") || strings.HasPrefix(cfg.ConnectionString, "rediss://") {
		parsed, err := redis.ParseURL(cfg.ConnectionString)
		if err != nil {
			return nil, fmt.Errorf("invalid redis connection string: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: cfg.ConnectionString}
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.Database != 0 {
		opts.DB = cfg.Database
	}
	return opts, nil
}
