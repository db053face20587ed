package checker

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/t77yq/service-monitor/internal/model"
)

var errorKeywords = []struct {
	errorType model.ErrorType
	keywords  []string
}{
	{model.ErrorTypeTimeout, []string{"timeout", "timed out", "deadline exceeded", "abort"}},
	{model.ErrorTypeConnection, []string{"refused", "connection", "fetch failed", "no such host", "dial"}},
	{model.ErrorTypeAuth, []string{"auth", "401", "403", "unauthorized"}},
	{model.ErrorTypeValidation, []string{"invalid", "parse", "json"}},
}

// Classify maps a check error onto the error taxonomy
func Classify(err error) model.ErrorType {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrMisconfigured) {
		return model.ErrorTypeValidation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.ErrorTypeTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return model.ErrorTypeConnection
	}

	msg := strings.ToLower(err.Error())
	for _, group := range errorKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(msg, kw) {
				return group.errorType
			}
		}
	}
	return model.ErrorTypeUnknown
}
