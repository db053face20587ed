package checker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/t77yq/service-monitor/internal/model"
	"github.com/t77yq/service-monitor/internal/pool"
)

// testKeyTTL is the expiry of values written by the test-key check
const testKeyTTL = 60 * time.Second

// RedisChecker runs test keys, custom commands or a PING against Redis
type RedisChecker struct {
	logger *zap.Logger
	pool   ClientPool
}

// NewRedisChecker creates a Redis checker
func NewRedisChecker(logger *zap.Logger, clients ClientPool) *RedisChecker {
	return &RedisChecker{
		logger: logger,
		pool:   clients,
	}
}

// Check runs the check against a pooled or dedicated client
func (c *RedisChecker) Check(ctx context.Context, svc *model.Service) (*model.HealthCheckResult, error) {
	cfg, ok := svc.Config.(*model.RedisConfig)
	if !ok {
		return nil, fmt.Errorf("%w: redis service without redis config", ErrMisconfigured)
	}

	pooled := svc.UseConnectionPool && c.pool != nil
	var client *redis.Client
	var err error
	if pooled {
		client, err = c.pool.RedisClient(cfg)
	} else {
		client, err = pool.NewRedisClient(cfg, svc.Timeout())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}
	if !pooled {
		defer client.Close()
	}

	var result *model.HealthCheckResult
	switch {
	case len(cfg.TestKeys) > 0:
		result, err = c.testKeys(ctx, client, cfg.TestKeys)
	case len(cfg.Operations) > 0:
		result, err = c.operations(ctx, client, cfg.Operations)
	default:
		err = client.Ping(ctx).Err()
		if err == nil {
			result = upResult()
		}
	}

	if err != nil {
		if pooled {
			c.logger.Warn("Pooled Redis client failed",
				zap.String("service_id", svc.ID),
				zap.Error(err))
		}
		return nil, err
	}
	return result, nil
}

func (c *RedisChecker) testKeys(ctx context.Context, client *redis.Client, keys []string) (*model.HealthCheckResult, error) {
	var readTotal, writeTotal time.Duration
	for _, key := range keys {
		value := fmt.Sprintf("health-check-%d", time.Now().UnixNano())

		start := time.Now()
		if err := client.Set(ctx, key, value, testKeyTTL).Err(); err != nil {
			return nil, fmt.Errorf("SET %s failed: %w", key, err)
		}
		writeTotal += time.Since(start)

		start = time.Now()
		got, err := client.Get(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("GET %s failed: %w", key, err)
		}
		readTotal += time.Since(start)

		if got != value {
			return downResult(model.ErrorTypeValidation, "GET %s returned a different value than written", key), nil
		}
	}

	n := float64(len(keys))
	readMs := float64(readTotal.Microseconds()) / 1000 / n
	writeMs := float64(writeTotal.Microseconds()) / 1000 / n

	result := upResult()
	result.Metadata.ReadTimeMs = &readMs
	result.Metadata.WriteTimeMs = &writeMs
	return result, nil
}

func (c *RedisChecker) operations(ctx context.Context, client *redis.Client, ops []model.RedisOperation) (*model.HealthCheckResult, error) {
	for _, op := range ops {
		args := make([]interface{}, 0, len(op.Args)+1)
		args = append(args, op.Command)
		for _, arg := range op.Args {
			args = append(args, arg)
		}

		err := client.Do(ctx, args...).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%s failed: %w", strings.ToUpper(op.Command), err)
		}
	}

	result := upResult()
	result.Metadata.Details = map[string]interface{}{"operations": len(ops)}
	return result, nil
}
