package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// SMTPConfig is the relay every email subscriber sends through.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Email sends a plain-text message to one recipient.
type Email struct {
	SMTP SMTPConfig
	To   string
}

func NewEmail(to string, relay SMTPConfig) (*Email, error) {
	if _, err := mail.ParseAddress(to); err != nil {
		return nil, fmt.Errorf("email: invalid address %q", to)
	}
	if relay.Host == "" {
		return nil, errors.New("email: no SMTP host configured")
	}
	if relay.Port == 0 {
		relay.Port = 587
	}
	if relay.From == "" {
		relay.From = "canarywatch@" + relay.Host
	}
	return &Email{SMTP: relay, To: to}, nil
}

func (e *Email) Kind() string    { return "email" }
func (e *Email) Address() string { return e.To }

// Deliver speaks SMTP over a connection bounded by ctx's deadline.
func (e *Email) Deliver(ctx context.Context, msg Message) error {
	addr := net.JoinHostPort(e.SMTP.Host, strconv.Itoa(e.SMTP.Port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("email: dial %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	c, err := smtp.NewClient(conn, e.SMTP.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("email: handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: e.SMTP.Host}); err != nil {
			return fmt.Errorf("email: starttls: %w", err)
		}
	}
	if e.SMTP.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", e.SMTP.Username, e.SMTP.Password, e.SMTP.Host)); err != nil {
			return fmt.Errorf("email: auth: %w", err)
		}
	}
	if err := c.Mail(e.SMTP.From); err != nil {
		return fmt.Errorf("email: mail from: %w", err)
	}
	if err := c.Rcpt(e.To); err != nil {
		return fmt.Errorf("email: rcpt to: %w", err)
	}
	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("email: data: %w", err)
	}
	if _, err := wc.Write(e.render(msg)); err != nil {
		wc.Close()
		return fmt.Errorf("email: write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("email: data: %w", err)
	}
	return c.Quit()
}

func (e *Email) render(msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.SMTP.From)
	fmt.Fprintf(&b, "To: %s\r\n", e.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", "[canarywatch] "+Title(msg.Event)))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(Text(msg), "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
