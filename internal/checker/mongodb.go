package checker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/t77yq/service-monitor/internal/model"
	"github.com/t77yq/service-monitor/internal/pool"
)

const defaultMongoDatabase = "admin"

// MongoChecker pings a MongoDB deployment or runs configured aggregations
type MongoChecker struct {
	logger *zap.Logger
	pool   ClientPool
}

// NewMongoChecker creates a MongoDB checker
func NewMongoChecker(logger *zap.Logger, clients ClientPool) *MongoChecker {
	return &MongoChecker{
		logger: logger,
		pool:   clients,
	}
}

type parsedPipeline struct {
	name       string
	collection string
	stages     []bson.D
}

// Check runs the check against a pooled or dedicated client
func (c *MongoChecker) Check(ctx context.Context, svc *model.Service) (*model.HealthCheckResult, error) {
	cfg, ok := svc.Config.(*model.MongoConfig)
	if !ok {
		return nil, fmt.Errorf("%w: mongodb service without mongodb config", ErrMisconfigured)
	}

	pipelines := make([]parsedPipeline, 0, len(cfg.Pipelines))
	for _, p := range cfg.Pipelines {
		stages, err := ParsePipeline(p.Pipeline)
		if err != nil {
			return downResult(model.ErrorTypeValidation, "invalid pipeline %q: %v", p.Name, err), nil
		}
		pipelines = append(pipelines, parsedPipeline{name: p.Name, collection: p.Collection, stages: stages})
	}

	pooled := svc.UseConnectionPool && c.pool != nil
	var client *mongo.Client
	var err error
	if pooled {
		client, err = c.pool.MongoClient(ctx, cfg.ConnectionString)
	} else {
		client, err = pool.NewMongoClient(ctx, cfg.ConnectionString, svc.Timeout())
	}
	if errors.Is(err, pool.ErrInvalidURI) {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}
	if err != nil {
		return nil, err
	}
	if !pooled {
		defer func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Disconnect(disconnectCtx)
		}()
	}

	result, err := c.check(ctx, client, cfg, pipelines)
	if err != nil && pooled {
		c.logger.Warn("Pooled MongoDB client failed",
			zap.String("service_id", svc.ID),
			zap.Error(err))
	}
	return result, err
}

func (c *MongoChecker) check(ctx context.Context, client *mongo.Client, cfg *model.MongoConfig, pipelines []parsedPipeline) (*model.HealthCheckResult, error) {
	dbName := cfg.Database
	if dbName == "" {
		dbName = defaultMongoDatabase
	}
	db := client.Database(dbName)

	if len(pipelines) == 0 {
		if err := db.RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err(); err != nil {
			return nil, fmt.Errorf("ping failed: %w", err)
		}
		return upResult(), nil
	}

	details := make(map[string]interface{}, len(pipelines))
	for _, p := range pipelines {
		cursor, err := db.Collection(p.collection).Aggregate(ctx, p.stages)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q failed: %w", p.name, err)
		}
		var docs []bson.M
		err = cursor.All(ctx, &docs)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q failed: %w", p.name, err)
		}
		details[p.name] = len(docs)
	}

	result := upResult()
	result.Metadata.Details = details
	return result, nil
}

// ParsePipeline decodes an extended JSON array of aggregation stages
func ParsePipeline(raw string) ([]bson.D, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty pipeline")
	}
	var wrapper struct {
		Pipeline []bson.D `bson:"pipeline"`
	}
	if err := bson.UnmarshalExtJSON([]byte(`{"pipeline":`+raw+`}`), false, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Pipeline, nil
}
