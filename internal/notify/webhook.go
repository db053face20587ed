package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/t77yq/service-monitor/internal/model"
)

// ChannelType selects the payload format of a webhook
type ChannelType string

const (
	ChannelSlack   ChannelType = "slack"
	ChannelDiscord ChannelType = "discord"
	ChannelWebhook ChannelType = "webhook"
)

// SignatureHeader carries the HMAC-SHA256 of generic webhook payloads
const SignatureHeader = "X-Monitor-Signature"

const (
	defaultWebhookTimeout = 10 * time.Second
	breakerTimeout        = time.Minute
	breakerFailures       = 5
)

// DetectChannel infers the channel type from a webhook URL
func DetectChannel(url string) ChannelType {
	lower := strings.ToLower(url)
	switch {
	case strings.Contains(lower, "hooks.slack.com"):
		return ChannelSlack
	case strings.Contains(lower, "discord.com/api/webhooks"),
		strings.Contains(lower, "discordapp.com/api/webhooks"):
		return ChannelDiscord
	default:
		return ChannelWebhook
	}
}

// Sign returns the signature header value for payload
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches payload
func Verify(secret string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(secret, payload)))
}

// WebhookSender delivers a notification to one webhook target
type WebhookSender interface {
	Dispatch(ctx context.Context, channel ChannelType, title, message string, severity model.AlertSeverity, target string) error
}

// WebhookDispatcher posts notifications to webhook URLs. Each URL has its own
// circuit breaker so a dead endpoint stops being called for a while.
type WebhookDispatcher struct {
	logger   *zap.Logger
	client   *http.Client
	secret   string
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// WebhookOption configures a WebhookDispatcher
type WebhookOption func(*WebhookDispatcher)

// WithSigningSecret signs generic payloads with secret
func WithSigningSecret(secret string) WebhookOption {
	return func(d *WebhookDispatcher) {
		d.secret = secret
	}
}

// WithHTTPClient replaces the default client
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(d *WebhookDispatcher) {
		d.client = client
	}
}

// NewWebhookDispatcher creates a webhook dispatcher
func NewWebhookDispatcher(logger *zap.Logger, opts ...WebhookOption) *WebhookDispatcher {
	d := &WebhookDispatcher{
		logger:   logger.Named("webhook"),
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch implements WebhookSender
func (d *WebhookDispatcher) Dispatch(ctx context.Context, channel ChannelType, title, message string, severity model.AlertSeverity, target string) error {
	payload, err := buildPayload(channel, title, message, severity)
	if err != nil {
		return err
	}

	_, err = d.breaker(target).Execute(func() (interface{}, error) {
		return nil, d.post(ctx, channel, target, payload)
	})
	if err != nil {
		return fmt.Errorf("webhook %s: %w", channel, err)
	}

	d.logger.Debug("Webhook delivered",
		zap.String("channel", string(channel)),
		zap.String("title", title))
	return nil
}

func (d *WebhookDispatcher) post(ctx context.Context, channel ChannelType, target string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "service-monitor/1.0")
	if channel == ChannelWebhook && d.secret != "" {
		req.Header.Set(SignatureHeader, Sign(d.secret, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func (d *WebhookDispatcher) breaker(target string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.breakers[target]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("Webhook circuit breaker state changed",
				zap.String("target", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	d.breakers[target] = cb
	return cb
}

type genericPayload struct {
	Title     string              `json:"title"`
	Message   string              `json:"message"`
	Severity  model.AlertSeverity `json:"severity"`
	Timestamp time.Time           `json:"timestamp"`
}

func buildPayload(channel ChannelType, title, message string, severity model.AlertSeverity) ([]byte, error) {
	var body interface{}
	switch channel {
	case ChannelSlack:
		body = map[string]string{"text": fmt.Sprintf("*%s*\n%s", title, message)}
	case ChannelDiscord:
		body = map[string]string{"content": fmt.Sprintf("**%s**\n%s", title, message)}
	case ChannelWebhook:
		body = genericPayload{
			Title:     title,
			Message:   message,
			Severity:  severity,
			Timestamp: time.Now().UTC(),
		}
	default:
		return nil, fmt.Errorf("unsupported channel type: %s", channel)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return payload, nil
}
