package checker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/service-monitor/internal/model"
)

func elasticsearchServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func elasticsearchService(cfg *model.ElasticsearchConfig) *model.Service {
	return &model.Service{
		ID:        "es-1",
		Name:      "search",
		Type:      model.ServiceTypeElasticsearch,
		Config:    cfg,
		TimeoutMs: 2000,
	}
}

func TestElasticsearchClusterHealth(t *testing.T) {
	tests := []struct {
		status string
		want   model.ServiceStatus
	}{
		{"green", model.ServiceStatusUp},
		{"yellow", model.ServiceStatusUp},
		{"red", model.ServiceStatusDown},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			server := elasticsearchServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/_cluster/health", r.URL.Path)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"status":          tt.status,
					"number_of_nodes": 3,
				})
			})

			svc := elasticsearchService(&model.ElasticsearchConfig{ConnectionString: server.URL})
			result, err := noRetryRunner(t).Run(context.Background(), svc)
			require.NoError(t, err)

			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, tt.status, result.Metadata.Details["cluster_status"])
		})
	}
}

func TestElasticsearchSearchSizeIsCapped(t *testing.T) {
	var sent map[string]interface{}
	server := elasticsearchServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/logs/_search", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		w.Write([]byte(`{"took":3,"hits":{"total":{"value":42},"hits":[]}}`))
	})

	svc := elasticsearchService(&model.ElasticsearchConfig{
		ConnectionString: server.URL,
		Index:            "logs",
		Query:            `{"query":{"match_all":{}},"size":500}`,
	})
	result, err := noRetryRunner(t).Run(context.Background(), svc)
	require.NoError(t, err)

	assert.Equal(t, model.ServiceStatusUp, result.Status)
	assert.Equal(t, float64(MaxSearchSize), sent["size"])
	assert.Contains(t, sent, "query")
	assert.Equal(t, 42, result.Metadata.Details["total_hits"])
}

func TestElasticsearchConfiguredSizeIsCapped(t *testing.T) {
	var sent map[string]interface{}
	server := elasticsearchServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		w.Write([]byte(`{"took":1,"hits":{"total":{"value":0},"hits":[]}}`))
	})

	svc := elasticsearchService(&model.ElasticsearchConfig{
		ConnectionString: server.URL,
		Index:            "logs",
		Size:             250,
	})
	_, err := noRetryRunner(t).Run(context.Background(), svc)
	require.NoError(t, err)

	assert.Equal(t, float64(MaxSearchSize), sent["size"])
	assert.Contains(t, sent, "query")
}

func TestElasticsearchInvalidQueryFailsWithoutRequest(t *testing.T) {
	var hits int32
	server := elasticsearchServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	})

	sleep := &recordingSleep{}
	svc := elasticsearchService(&model.ElasticsearchConfig{
		ConnectionString: server.URL,
		Index:            "logs",
		Query:            `{"query": {`,
	})
	result, err := NewRunner(zaptest.NewLogger(t), nil, WithRetryPolicy(testPolicy(sleep))).Run(context.Background(), svc)
	require.NoError(t, err)

	assert.Equal(t, model.ServiceStatusDown, result.Status)
	assert.Equal(t, model.ErrorTypeValidation, result.ErrorType)
	assert.Equal(t, 0, result.Metadata.RetryCount)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
	assert.Empty(t, sleep.delays)
}

func TestElasticsearchAuthError(t *testing.T) {
	server := elasticsearchServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"security_exception"}`))
	})

	svc := elasticsearchService(&model.ElasticsearchConfig{
		ConnectionString: server.URL,
		Username:         "elastic",
		Password:         "wrong",
	})
	result, err := noRetryRunner(t).Run(context.Background(), svc)
	require.NoError(t, err)

	assert.Equal(t, model.ServiceStatusDown, result.Status)
	assert.Equal(t, model.ErrorTypeAuth, result.ErrorType)
	assert.Equal(t, http.StatusUnauthorized, result.StatusCode)
}

func TestElasticsearchTimeoutClamp(t *testing.T) {
	c := NewElasticsearchChecker(zaptest.NewLogger(t))

	svc := elasticsearchService(&model.ElasticsearchConfig{ConnectionString: "http://localhost:9200"})
	svc.TimeoutMs = 200
	assert.Equal(t, time.Second, c.Timeout(svc))

	svc.TimeoutMs = 60000
	assert.Equal(t, 30*time.Second, c.Timeout(svc))

	svc.TimeoutMs = 4000
	assert.Equal(t, 4*time.Second, c.Timeout(svc))
}
