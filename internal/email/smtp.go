// Package email sends plain-text mail with optional attachments over SMTP.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/klytics/sheetkit/internal/config"
)

// ErrNotConfigured is returned when no SMTP host is set.
var ErrNotConfigured = errors.New("smtp is not configured; set smtp.host and smtp.from")

// Config holds SMTP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// FromConfig extracts SMTP settings. An empty host yields ErrNotConfigured.
func FromConfig(c *config.Config) (Config, error) {
	sc := Config{
		Host:     c.SMTP.Host,
		Port:     c.SMTP.Port,
		Username: c.SMTP.Username,
		Password: c.SMTP.Password,
		From:     c.SMTP.From,
	}
	if sc.Host == "" {
		return Config{}, ErrNotConfigured
	}
	if sc.Port == 0 {
		sc.Port = 587
	}
	if !ValidateEmail(sc.From) {
		return Config{}, fmt.Errorf("invalid smtp.from address: %q", sc.From)
	}
	return sc, nil
}

// Attachment is an in-memory file attached to a message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message holds the email content and recipients.
type Message struct {
	To          []string
	CC          []string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Validate returns an error if the message is malformed.
func (m *Message) Validate() error {
	if len(m.To) == 0 {
		return errors.New("no recipients specified")
	}
	for _, addr := range m.To {
		if !ValidateEmail(addr) {
			return fmt.Errorf("invalid recipient email address: %q", addr)
		}
	}
	for _, addr := range m.CC {
		if !ValidateEmail(addr) {
			return fmt.Errorf("invalid CC email address: %q", addr)
		}
	}
	if strings.ContainsAny(m.Subject, "\r\n") {
		return errors.New("subject must be a single line")
	}
	return nil
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// ValidateEmail returns true if s looks like a valid email address.
func ValidateEmail(s string) bool {
	return emailRegex.MatchString(s)
}

// Sender delivers messages through one SMTP server.
type Sender struct {
	cfg     Config
	timeout time.Duration
	// deliver is swapped out in tests.
	deliver func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSender returns a sender for cfg.
func NewSender(cfg Config) *Sender {
	s := &Sender{cfg: cfg, timeout: 30 * time.Second}
	if cfg.Port == 465 {
		s.deliver = s.sendTLS
	} else {
		s.deliver = smtp.SendMail
	}
	return s
}

// Send delivers msg. The context bounds the whole exchange.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	raw, err := Build(s.cfg.From, msg)
	if err != nil {
		return fmt.Errorf("could not build email: %w", err)
	}

	rcpts := make([]string, 0, len(msg.To)+len(msg.CC))
	rcpts = append(rcpts, msg.To...)
	rcpts = append(rcpts, msg.CC...)

	var a smtp.Auth
	if s.cfg.Username != "" {
		a = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	done := make(chan error, 1)
	go func() { done <- s.deliver(addr, a, s.cfg.From, rcpts, raw) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.timeout):
		return fmt.Errorf("smtp send timed out after %s", s.timeout)
	}
}

// Build renders msg as a MIME multipart message including headers.
func Build(from string, msg Message) ([]byte, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	text := make(textproto.MIMEHeader)
	text.Set("Content-Type", "text/plain; charset=utf-8")
	part, err := w.CreatePart(text)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write([]byte(msg.Body)); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Type", ct)
		h.Set("Content-Transfer-Encoding", "base64")
		h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.Name))
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, err
		}
		encoded := base64.StdEncoding.EncodeToString(att.Data)
		// RFC 2045 line length
		for i := 0; i < len(encoded); i += 76 {
			end := min(i+76, len(encoded))
			if _, err := part.Write([]byte(encoded[i:end] + "\r\n")); err != nil {
				return nil, err
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "From: %s\r\n", from)
	fmt.Fprintf(&out, "To: %s\r\n", strings.Join(msg.To, ", "))
	if len(msg.CC) > 0 {
		fmt.Fprintf(&out, "Cc: %s\r\n", strings.Join(msg.CC, ", "))
	}
	fmt.Fprintf(&out, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&out, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	out.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&out, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", w.Boundary())
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func (s *Sender) sendTLS(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	host, _, _ := net.SplitHostPort(addr)
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: s.timeout}, "tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return fmt.Errorf("TLS connection failed: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("SMTP client creation failed: %w", err)
	}
	defer client.Close()

	if a != nil {
		if err := client.Auth(a); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
