package checker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/t77yq/service-monitor/internal/model"
)

// Checker checks one kind of service. A returned error is a check failure
// that the Runner may retry; a returned DOWN result is final.
type Checker interface {
	Check(ctx context.Context, svc *model.Service) (*model.HealthCheckResult, error)
}

// timeoutPolicy is implemented by checkers that adjust the per-attempt timeout
type timeoutPolicy interface {
	Timeout(svc *model.Service) time.Duration
}

// ClientPool hands out shared database clients for services that opt into pooling
type ClientPool interface {
	MongoClient(ctx context.Context, uri string) (*mongo.Client, error)
	RedisClient(cfg *model.RedisConfig) (*redis.Client, error)
}

// Runner executes protocol checks with timeout, retry and error classification
type Runner struct {
	logger   *zap.Logger
	checkers map[model.ServiceType]Checker
	policy   RetryPolicy
	now      func() time.Time
}

// Option configures a Runner
type Option func(*Runner)

// WithRetryPolicy overrides the default retry policy
func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Runner) { r.policy = p }
}

// WithChecker registers or replaces the checker for a service type
func WithChecker(t model.ServiceType, c Checker) Option {
	return func(r *Runner) { r.checkers[t] = c }
}

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a runner with checkers for every supported service type.
// pool may be nil, in which case every check uses a dedicated connection.
func NewRunner(logger *zap.Logger, pool ClientPool, opts ...Option) *Runner {
	logger = logger.Named("checker")
	r := &Runner{
		logger: logger,
		checkers: map[model.ServiceType]Checker{
			model.ServiceTypeAPI:           NewAPIChecker(logger),
			model.ServiceTypeMongoDB:       NewMongoChecker(logger, pool),
			model.ServiceTypeElasticsearch: NewElasticsearchChecker(logger),
			model.ServiceTypeRedis:         NewRedisChecker(logger, pool),
		},
		policy: DefaultRetryPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run checks svc. Check failures are reported as a DOWN result; the error
// return is reserved for services that cannot be checked at all.
func (r *Runner) Run(ctx context.Context, svc *model.Service) (*model.HealthCheckResult, error) {
	checker, ok := r.checkers[svc.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, svc.Type)
	}
	if err := svc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}

	timeout := svc.Timeout()
	if tp, ok := checker.(timeoutPolicy); ok {
		timeout = tp.Timeout(svc)
	}

	var (
		result  *model.HealthCheckResult
		elapsed time.Duration
	)
	attempt, err := r.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		res, err := checker.Check(attemptCtx, svc)
		elapsed = time.Since(start)
		if err != nil {
			r.logger.Debug("Health check attempt failed",
				zap.String("service_id", svc.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		result = res
		return nil
	})

	if err != nil {
		if errors.Is(err, ErrMisconfigured) {
			return nil, err
		}
		result = &model.HealthCheckResult{
			Status:       model.ServiceStatusDown,
			ErrorMessage: err.Error(),
			ErrorType:    Classify(err),
		}
		r.logger.Warn("Health check failed",
			zap.String("service_id", svc.ID),
			zap.String("service_name", svc.Name),
			zap.Int("attempts", attempt+1),
			zap.String("error_type", string(result.ErrorType)),
			zap.Error(err))
	}

	result.ServiceID = svc.ID
	result.ServiceName = svc.Name
	result.ResponseTimeMs = elapsed.Milliseconds()
	result.Metadata.RetryCount = attempt
	result.CheckedAt = r.now().UTC().Truncate(time.Millisecond)
	return result, nil
}

func downResult(errorType model.ErrorType, format string, args ...interface{}) *model.HealthCheckResult {
	return &model.HealthCheckResult{
		Status:       model.ServiceStatusDown,
		ErrorMessage: fmt.Sprintf(format, args...),
		ErrorType:    errorType,
	}
}

func upResult() *model.HealthCheckResult {
	return &model.HealthCheckResult{Status: model.ServiceStatusUp}
}
