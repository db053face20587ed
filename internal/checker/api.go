package checker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/service-monitor/internal/model"
)

// maxDrainBytes bounds how much of a response body is read before closing
const maxDrainBytes = 64 << 10

// APIChecker checks HTTP endpoints
type APIChecker struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewAPIChecker creates an HTTP checker. Redirects are not followed so a 3xx
// answer counts as UP on its own.
func NewAPIChecker(logger *zap.Logger) *APIChecker {
	return &APIChecker{
		logger: logger,
		httpClient: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Check issues the configured request
func (c *APIChecker) Check(ctx context.Context, svc *model.Service) (*model.HealthCheckResult, error) {
	cfg, ok := svc.Config.(*model.APIConfig)
	if !ok {
		return nil, fmt.Errorf("%w: api service without api config", ErrMisconfigured)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if cfg.Body != "" {
		body = strings.NewReader(cfg.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid request: %v", ErrMisconfigured, err)
	}
	for key, value := range cfg.Headers {
		req.Header.Set(key, value)
	}
	if cfg.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Executing HTTP check",
		zap.String("method", method),
		zap.String("url", cfg.URL))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		result := upResult()
		result.StatusCode = resp.StatusCode
		return result, nil
	}

	errorType := model.ErrorTypeUnknown
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		errorType = model.ErrorTypeAuth
	}
	result := downResult(errorType, "HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	result.StatusCode = resp.StatusCode
	return result, nil
}
