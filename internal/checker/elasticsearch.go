package checker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/t77yq/service-monitor/internal/model"
)

const (
	minElasticsearchTimeout = time.Second
	maxElasticsearchTimeout = 30 * time.Second

	// MaxSearchSize caps the number of hits a search check may request
	MaxSearchSize = 100
)

// ElasticsearchChecker checks cluster health or runs a search
type ElasticsearchChecker struct {
	logger *zap.Logger
}

// NewElasticsearchChecker creates an Elasticsearch checker
func NewElasticsearchChecker(logger *zap.Logger) *ElasticsearchChecker {
	return &ElasticsearchChecker{logger: logger}
}

// Timeout clamps the service timeout to [1s, 30s]
func (c *ElasticsearchChecker) Timeout(svc *model.Service) time.Duration {
	timeout := svc.Timeout()
	if timeout < minElasticsearchTimeout {
		return minElasticsearchTimeout
	}
	if timeout > maxElasticsearchTimeout {
		return maxElasticsearchTimeout
	}
	return timeout
}

// Check runs a search when an index or query is configured, otherwise a
// cluster health request
func (c *ElasticsearchChecker) Check(ctx context.Context, svc *model.Service) (*model.HealthCheckResult, error) {
	cfg, ok := svc.Config.(*model.ElasticsearchConfig)
	if !ok {
		return nil, fmt.Errorf("%w: elasticsearch service without elasticsearch config", ErrMisconfigured)
	}

	var body map[string]interface{}
	if cfg.Query != "" {
		if err := json.Unmarshal([]byte(cfg.Query), &body); err != nil {
			return downResult(model.ErrorTypeValidation, "invalid query JSON: %v", err), nil
		}
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{cfg.ConnectionString},
		Username:     cfg.Username,
		Password:     cfg.Password,
		APIKey:       cfg.APIKey,
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}

	if cfg.Index != "" || cfg.Query != "" {
		return c.search(ctx, client, cfg, body)
	}
	return c.clusterHealth(ctx, client)
}

func (c *ElasticsearchChecker) clusterHealth(ctx context.Context, client *elasticsearch.Client) (*model.HealthCheckResult, error) {
	res, err := client.Cluster.Health(client.Cluster.Health.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("cluster health request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res), nil
	}

	var health struct {
		Status        string `json:"status"`
		NumberOfNodes int    `json:"number_of_nodes"`
	}
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to parse cluster health: %w", err)
	}

	var result *model.HealthCheckResult
	switch health.Status {
	case "green", "yellow":
		result = upResult()
	default:
		result = downResult(model.ErrorTypeUnknown, "cluster status %s", health.Status)
	}
	result.StatusCode = res.StatusCode
	result.Metadata.Details = map[string]interface{}{
		"cluster_status":  health.Status,
		"number_of_nodes": health.NumberOfNodes,
	}
	return result, nil
}

func (c *ElasticsearchChecker) search(ctx context.Context, client *elasticsearch.Client, cfg *model.ElasticsearchConfig, body map[string]interface{}) (*model.HealthCheckResult, error) {
	if body == nil {
		body = map[string]interface{}{
			"query": map[string]interface{}{"match_all": map[string]interface{}{}},
		}
	}
	if size := requestedSize(cfg, body); size > 0 {
		if size > MaxSearchSize {
			size = MaxSearchSize
		}
		body["size"] = size
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return downResult(model.ErrorTypeValidation, "invalid query: %v", err), nil
	}

	opts := []func(*esapi.SearchRequest){
		client.Search.WithContext(ctx),
		client.Search.WithBody(bytes.NewReader(payload)),
	}
	if cfg.Index != "" {
		opts = append(opts, client.Search.WithIndex(cfg.Index))
	}

	res, err := client.Search(opts...)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res), nil
	}

	var parsed struct {
		Took int `json:"took"`
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	result := upResult()
	result.StatusCode = res.StatusCode
	result.Metadata.Details = map[string]interface{}{
		"took_ms":    parsed.Took,
		"total_hits": parsed.Hits.Total.Value,
	}
	return result, nil
}

// requestedSize prefers the configured size over one embedded in the query
func requestedSize(cfg *model.ElasticsearchConfig, body map[string]interface{}) int {
	if cfg.Size > 0 {
		return cfg.Size
	}
	if n, ok := body["size"].(float64); ok {
		return int(n)
	}
	return 0
}

func responseError(res *esapi.Response) *model.HealthCheckResult {
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))

	errorType := model.ErrorTypeUnknown
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		errorType = model.ErrorTypeAuth
	}
	result := downResult(errorType, "elasticsearch returned %s: %s", res.Status(), bytes.TrimSpace(msg))
	result.StatusCode = res.StatusCode
	return result
}
