// SPDX-License-Identifier: AGPL-3.0-or-later
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	mail "github.com/go-mail/mail/v2"

	"github.com/relaynotify/core/internal/infrastructure/config"
	"github.com/relaynotify/core/pkg/logger"
)

// Transport is the boundary the delivery pipeline's circuit breaker wraps
// (§4.5, §4.6 step 6). It sends an already-rendered Message and never
// touches templates, preferences, or rate limits.
type Transport interface {
	Send(ctx context.Context, msg Message) (*SendResult, error)
}

// SMTPTransport sends mail through a configured relay via go-mail/mail.
type SMTPTransport struct {
	config config.MailConfig
}

func NewSMTPTransport(cfg config.MailConfig) *SMTPTransport {
	return &SMTPTransport{config: cfg}
}

func (s *SMTPTransport) Send(ctx context.Context, msg Message) (*SendResult, error) {
	if s.config.Host == "" {
		logger.Logger.Info("smtp not configured, email not sent", "subject", msg.Subject)
		return &SendResult{Accepted: true, SentAt: time.Now()}, nil
	}

	if len(msg.To) == 0 {
		return nil, fmt.Errorf("no recipients specified")
	}
	if s.config.From == "" {
		return nil, fmt.Errorf("RELAY_MAIL_FROM not set")
	}

	m := mail.NewMessage()
	m.SetHeader("From", m.FormatAddress(s.config.From, s.config.FromName))
	m.SetHeader("To", msg.To...)
	if len(msg.Cc) > 0 {
		m.SetHeader("Cc", msg.Cc...)
	}
	if len(msg.Bcc) > 0 {
		m.SetHeader("Bcc", msg.Bcc...)
	}

	subject := msg.Subject
	if s.config.SubjectPrefix != "" {
		subject = s.config.SubjectPrefix + subject
	}
	m.SetHeader("Subject", subject)

	for key, value := range msg.Headers {
		m.SetHeader(key, value)
	}

	m.SetBody("text/plain", msg.BodyText)
	if msg.BodyHTML != "" {
		m.AddAlternative("text/html", msg.BodyHTML)
	}

	timeout := s.config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	d := mail.NewDialer(s.config.Host, s.config.Port, s.config.Username, s.config.Password)
	if s.config.TLS {
		// Implicit TLS/SSL, typically port 465.
		d.SSL = true
		d.TLSConfig = &tls.Config{ServerName: s.config.Host, InsecureSkipVerify: s.config.InsecureSkipVerify}
	} else if s.config.StartTLS {
		// Explicit STARTTLS, typically port 587.
		d.TLSConfig = &tls.Config{ServerName: s.config.Host, InsecureSkipVerify: s.config.InsecureSkipVerify}
		d.StartTLSPolicy = mail.MandatoryStartTLS
	}
	d.Timeout = timeout

	logger.Logger.Debug("sending email", "to", msg.To, "subject", msg.Subject)

	if err := d.DialAndSend(m); err != nil {
		return nil, fmt.Errorf("failed to send email: %w", err)
	}

	return &SendResult{Accepted: true, SentAt: time.Now()}, nil
}
