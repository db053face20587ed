package notify

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

// ErrSMTPNotConfigured is returned when no SMTP host is set
var ErrSMTPNotConfigured = errors.New("smtp not configured")

// Email is a single HTML message to one recipient
type Email struct {
	To      string
	Subject string
	HTML    string
}

// EmailSender delivers email
type EmailSender interface {
	SendEmail(ctx context.Context, email Email) error
}

// SMTPConfig holds the SMTP relay settings
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender sends email through an SMTP relay
type SMTPSender struct {
	logger   *zap.Logger
	config   SMTPConfig
	sendMail sendMailFunc
}

// NewSMTPSender creates an SMTP sender
func NewSMTPSender(logger *zap.Logger, config SMTPConfig) *SMTPSender {
	return &SMTPSender{
		logger:   logger.Named("smtp"),
		config:   config,
		sendMail: smtp.SendMail,
	}
}

// SendEmail implements EmailSender
func (s *SMTPSender) SendEmail(ctx context.Context, email Email) error {
	if s.config.Host == "" {
		return ErrSMTPNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	to, err := mail.ParseAddress(email.To)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", email.To, err)
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	if err := s.sendMail(addr, auth, s.config.From, []string{to.Address}, buildMessage(s.config.From, to, email)); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", email.To, err)
	}

	s.logger.Debug("Email sent",
		zap.String("to", email.To),
		zap.String("subject", email.Subject))
	return nil
}

func buildMessage(from string, to *mail.Address, email Email) []byte {
	var b strings.Builder
	b.WriteString("From: " + sanitizeHeader(from) + "\r\n")
	b.WriteString("To: " + to.String() + "\r\n")
	b.WriteString("Subject: " + sanitizeHeader(email.Subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(email.HTML)
	b.WriteString("\r\n")
	return []byte(b.String())
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
