// Package notify delivers activation notifications to newly provisioned users.
package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/idsync/pkg/observability"
)

// Sender delivers an activation notification.
type Sender interface {
	SendActivation(ctx context.Context, recipient, username, token string) error
}

// NewActivationToken returns a random single-use activation token.
func NewActivationToken() string {
	return uuid.NewString()
}

// SMTPConfig configures SMTPSender.
type SMTPConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	From          string
	ActivationURL string
}

// SMTPSender sends activation mail through an SMTP relay.
type SMTPSender struct {
	config   SMTPConfig
	sendMail func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
	logger   *observability.Logger
}

// NewSMTPSender creates an SMTPSender.
func NewSMTPSender(config SMTPConfig, logger *observability.Logger) *SMTPSender {
	return &SMTPSender{
		config:   config,
		sendMail: smtp.SendMail,
		logger:   logger.WithField("component", "smtp_sender"),
	}
}

// SendActivation mails recipient a link carrying token.
func (s *SMTPSender) SendActivation(ctx context.Context, recipient, username, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if recipient == "" {
		return fmt.Errorf("no recipient address for %s", username)
	}

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	msg := s.message(recipient, username, token)
	if err := s.sendMail(addr, auth, s.config.From, []string{recipient}, msg); err != nil {
		return fmt.Errorf("failed to send activation mail: %w", err)
	}

	s.logger.WithField("username", username).Info("Activation mail sent")
	return nil
}

func (s *SMTPSender) message(recipient, username, token string) []byte {
	link := s.config.ActivationURL
	if link != "" {
		sep := "?"
		if strings.Contains(link, "?") {
			sep = "&"
		}
		link += sep + "token=" + url.QueryEscape(token)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.config.From)
	fmt.Fprintf(&b, "To: %s\r\n", recipient)
	b.WriteString("Subject: Activate your account\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	fmt.Fprintf(&b, "Hello %s,\r\n\r\nYour account is ready.\r\n", username)
	if link != "" {
		fmt.Fprintf(&b, "Activate it here: %s\r\n", link)
	} else {
		fmt.Fprintf(&b, "Your activation code is %s\r\n", token)
	}
	return []byte(b.String())
}

// LogSender only logs notifications. Used in development.
type LogSender struct {
	logger *observability.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *observability.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// SendActivation logs the notification.
func (s *LogSender) SendActivation(ctx context.Context, recipient, username, token string) error {
	s.logger.WithFields(map[string]interface{}{
		"recipient": recipient,
		"username":  username,
	}).Info("Activation notification (log only)")
	return nil
}
