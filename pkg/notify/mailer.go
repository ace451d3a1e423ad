package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/paulschiretz/pgl-vzbackup/pkg/config"
)

// Mailer delivers a single notification message.
type Mailer interface {
	Send(subject, body, to string) error
}

// SMTPMailer delivers mail over a plain SMTP session, with optional SASL
// PLAIN authentication when credentials are configured.
type SMTPMailer struct {
	host     string
	port     int
	from     string
	username string
	password string
}

var _ Mailer = (*SMTPMailer)(nil)

// NewSMTPMailer creates an SMTPMailer from the mail configuration.
func NewSMTPMailer(cfg config.MailConfig) *SMTPMailer {
	return &SMTPMailer{
		host:     cfg.Host,
		port:     cfg.Port,
		from:     cfg.From,
		username: cfg.Username,
		password: cfg.Password,
	}
}

// Send delivers one message to the recipient.
func (m *SMTPMailer) Send(subject, body, to string) error {
	var auth sasl.Client
	if m.username != "" {
		auth = sasl.NewPlainClient("", m.username, m.password)
	}

	msg := strings.NewReader(formatMessage(m.from, to, subject, body))
	addr := fmt.Sprintf("%s:%d", m.host, m.port)
	if err := smtp.SendMail(addr, auth, m.from, []string{to}, msg); err != nil {
		return fmt.Errorf("smtp delivery via %s failed: %w", addr, err)
	}
	return nil
}

// formatMessage renders a minimal RFC 5322 message.
func formatMessage(from, to, subject, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return b.String()
}
