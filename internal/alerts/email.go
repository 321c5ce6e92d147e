// email.go implements the SMTP Notifier. Settings live in the database
// settings table (managed by the dashboard tier); the SMTP password is stored
// fernet-encrypted and decrypted on use.

package alerts

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/wgwarden/wgwarden/internal/crypto"
	"github.com/wgwarden/wgwarden/internal/database"
)

// sendTimeout bounds one SMTP delivery. Package-level var so tests can override.
var sendTimeout = 15 * time.Second

// EmailNotifier delivers alerts over SMTP using settings from the database.
type EmailNotifier struct{}

type smtpSettings struct {
	host       string
	port       string
	username   string
	password   string
	from       string
	recipients []string
}

func loadSMTPSettings() (*smtpSettings, error) {
	get := func(key string) string {
		v, err := database.GetSetting(key)
		if err != nil {
			return ""
		}
		return v
	}

	s := &smtpSettings{
		host:     get("smtp_host"),
		port:     get("smtp_port"),
		username: get("smtp_username"),
		from:     get("smtp_from"),
	}
	if s.host == "" {
		return nil, fmt.Errorf("smtp_host is not configured")
	}
	if s.port == "" {
		s.port = "587"
	}
	if s.from == "" {
		s.from = s.username
	}

	for _, r := range strings.Split(get("alert_recipients"), ",") {
		if r = strings.TrimSpace(r); r != "" {
			s.recipients = append(s.recipients, r)
		}
	}
	if len(s.recipients) == 0 {
		return nil, fmt.Errorf("alert_recipients is not configured")
	}

	password, err := crypto.Decrypt(get("smtp_password"))
	if err != nil {
		return nil, fmt.Errorf("decrypt smtp password: %w", err)
	}
	s.password = password

	return s, nil
}

// Send delivers one alert by email to all configured recipients.
func (n *EmailNotifier) Send(ctx context.Context, alert Alert) error {
	settings, err := loadSMTPSettings()
	if err != nil {
		return fmt.Errorf("email notifier: %w", err)
	}

	addr := net.JoinHostPort(settings.host, settings.port)
	msg := buildMessage(settings.from, settings.recipients, alert)

	var auth smtp.Auth
	if settings.username != "" {
		auth = smtp.PlainAuth("", settings.username, settings.password, settings.host)
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, settings.from, settings.recipients, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send mail via %s: %w", addr, err)
		}
		log.Printf("Email alert %q delivered to %d recipient(s)", alert.Subject, len(settings.recipients))
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send mail via %s: %w", addr, sendCtx.Err())
	}
}

func buildMessage(from string, recipients []string, alert Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", alert.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(alert.Message)
	b.WriteString("\r\n")
	return []byte(b.String())
}
