package channels

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/stockwatch/connectivity"
)

// SMTPConfig holds the mail server settings. The same values serve every
// send; each send dials its own connection.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// From is the sender address. Defaults to Username.
	From string
	// RequireTLS refuses servers that do not offer STARTTLS.
	RequireTLS bool
	// DialTimeout bounds connect. Default: 30s.
	DialTimeout time.Duration
	// TLSConfig overrides the STARTTLS configuration.
	TLSConfig *tls.Config
}

// SMTPChannel sends email with STARTTLS and PLAIN auth.
type SMTPChannel struct {
	cfg SMTPConfig
}

// NewSMTPChannel validates cfg and returns a channel.
func NewSMTPChannel(cfg SMTPConfig) (*SMTPChannel, error) {
	if cfg.Host == "" {
		return nil, &ErrNotConfigured{Platform: "smtp", Field: "host"}
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.From == "" {
		return nil, &ErrNotConfigured{Platform: "smtp", Field: "from"}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &SMTPChannel{cfg: cfg}, nil
}

// Platform implements Channel.
func (c *SMTPChannel) Platform() string { return "smtp" }

// Send implements Channel. A recipient rejected as nonexistent or with a
// bad address (550, 551, 553) is permanent and stops the dispatcher's
// retries for that destination. Every other failure is retried.
func (c *SMTPChannel) Send(ctx context.Context, msg Message) error {
	if err := c.send(ctx, msg); err != nil {
		return &ErrSendFailed{Platform: "smtp", Destination: msg.Destination, Cause: err}
	}
	return nil
}

func mailboxRejected(err error) bool {
	var tpErr *textproto.Error
	if !errors.As(err, &tpErr) {
		return false
	}
	switch tpErr.Code {
	case 550, 551, 553:
		return true
	}
	return false
}

func (c *SMTPChannel) send(ctx context.Context, msg Message) error {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("greeting: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsCfg := c.cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{ServerName: c.cfg.Host}
		}
		if err := client.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	} else if c.cfg.RequireTLS {
		return fmt.Errorf("server %s does not offer STARTTLS", addr)
	}

	if c.cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("auth: %w", err)
			}
		}
	}

	if err := client.Mail(c.cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(msg.Destination); err != nil {
		err = fmt.Errorf("rcpt to: %w", err)
		if mailboxRejected(err) {
			return connectivity.Permanent(err)
		}
		return err
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(c.compose(msg)); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end data: %w", err)
	}
	return client.Quit()
}

func (c *SMTPChannel) compose(msg Message) []byte {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.Destination)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", headerSafe(msg.Subject)))
	fmt.Fprintf(&b, "Date: %s\r\n", ts.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
