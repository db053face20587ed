package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"net/smtp"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/service-monitor/internal/model"
)

func TestDetectChannel(t *testing.T) {
	assert.Equal(t, ChannelSlack, DetectChannel("https://hooks.slack.com/services/T000/B000/XXX"))
	assert.Equal(t, ChannelDiscord, DetectChannel("https://discord.com/api/webhooks/1/abc"))
	assert.Equal(t, ChannelDiscord, DetectChannel("https://discordapp.com/api/webhooks/1/abc"))
	assert.Equal(t, ChannelWebhook, DetectChannel("https://example.com/hook"))
}

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"title":"down"}`)
	sig := Sign("secret", payload)

	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.True(t, Verify("secret", payload, sig))
	assert.False(t, Verify("other", payload, sig))
	assert.False(t, Verify("secret", []byte(`{"title":"up"}`), sig))
}

func TestDispatchPayloadFormats(t *testing.T) {
	var body []byte
	var signature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get(SignatureHeader)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(zaptest.NewLogger(t), WithSigningSecret("s3cret"))
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, ChannelSlack, "API down", "checkout is DOWN", model.AlertSeverityCritical, srv.URL))
	var slack map[string]string
	require.NoError(t, json.Unmarshal(body, &slack))
	assert.Equal(t, "*API down*\ncheckout is DOWN", slack["text"])
	assert.Empty(t, signature)

	require.NoError(t, d.Dispatch(ctx, ChannelDiscord, "API down", "checkout is DOWN", model.AlertSeverityCritical, srv.URL))
	var discord map[string]string
	require.NoError(t, json.Unmarshal(body, &discord))
	assert.Equal(t, "**API down**\ncheckout is DOWN", discord["content"])

	require.NoError(t, d.Dispatch(ctx, ChannelWebhook, "API down", "checkout is DOWN", model.AlertSeverityCritical, srv.URL))
	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &generic))
	assert.Equal(t, "API down", generic["title"])
	assert.Equal(t, "CRITICAL", generic["severity"])
	assert.True(t, Verify("s3cret", body, signature))
}

func TestDispatchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(zaptest.NewLogger(t))
	err := d.Dispatch(context.Background(), ChannelWebhook, "t", "m", model.AlertSeverityInfo, srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
}

func TestDispatchBreakerOpensPerTarget(t *testing.T) {
	var failing, healthy int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&failing, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&healthy, 1)
	}))
	defer good.Close()

	d := NewWebhookDispatcher(zaptest.NewLogger(t))
	ctx := context.Background()
	for i := 0; i < breakerFailures; i++ {
		require.Error(t, d.Dispatch(ctx, ChannelWebhook, "t", "m", model.AlertSeverityInfo, bad.URL))
	}

	err := d.Dispatch(ctx, ChannelWebhook, "t", "m", model.AlertSeverityInfo, bad.URL)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(breakerFailures), atomic.LoadInt32(&failing))

	require.NoError(t, d.Dispatch(ctx, ChannelWebhook, "t", "m", model.AlertSeverityInfo, good.URL))
	assert.Equal(t, int32(1), atomic.LoadInt32(&healthy))
}

func TestSMTPSender(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	sender := NewSMTPSender(zaptest.NewLogger(t), SMTPConfig{
		Host:     "smtp.example.com",
		Port:     587,
		Username: "monitor",
		Password: "pw",
		From:     "monitor@example.com",
	})
	sender.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		assert.NotNil(t, a)
		return nil
	}

	err := sender.SendEmail(context.Background(), Email{
		To:      "oncall@example.com",
		Subject: "Incident\r\nBcc: evil@example.com",
		HTML:    "<p>checkout is DOWN</p>",
	})
	require.NoError(t, err)

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "monitor@example.com", gotFrom)
	assert.Equal(t, []string{"oncall@example.com"}, gotTo)
	msg := string(gotMsg)
	assert.Contains(t, msg, "Subject: Incident  Bcc: evil@example.com\r\n")
	assert.Contains(t, msg, "To: <oncall@example.com>\r\n")
	assert.Contains(t, msg, "From: monitor@example.com\r\n")
	assert.Contains(t, msg, "Content-Type: text/html; charset=UTF-8")
	assert.True(t, strings.HasSuffix(msg, "<p>checkout is DOWN</p>\r\n"))
}

func TestSMTPSenderErrors(t *testing.T) {
	unconfigured := NewSMTPSender(zaptest.NewLogger(t), SMTPConfig{})
	assert.ErrorIs(t, unconfigured.SendEmail(context.Background(), Email{To: "a@example.com"}), ErrSMTPNotConfigured)

	sender := NewSMTPSender(zaptest.NewLogger(t), SMTPConfig{Host: "localhost", Port: 25})
	sender.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("550 mailbox unavailable")
	}
	err := sender.SendEmail(context.Background(), Email{To: "a@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "550 mailbox unavailable")

	sender.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("message with an injected header must not be sent")
		return nil
	}
	err = sender.SendEmail(context.Background(), Email{To: "ops@example.com\r\nBcc: evil@example.com"})
	assert.ErrorContains(t, err, "invalid recipient")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sender.SendEmail(ctx, Email{To: "a@example.com"}), context.Canceled)
}

func TestBuildMessageStripsHeaderBreaks(t *testing.T) {
	to := &mail.Address{Name: "On Call", Address: "oncall@example.com"}
	msg := string(buildMessage("monitor@example.com\r\nBcc: evil@example.com", to, Email{Subject: "down"}))

	assert.Contains(t, msg, "From: monitor@example.com  Bcc: evil@example.com\r\n")
	assert.Contains(t, msg, "To: \"On Call\" <oncall@example.com>\r\n")
	assert.NotContains(t, msg, "\r\nBcc:")
}
