package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SMTPConfig holds STARTTLS submission settings. There are no default credentials.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
	// TLSConfig overrides the default STARTTLS config (tests use it).
	TLSConfig *tls.Config
}

// SMTPMailer submits mail over SMTP with STARTTLS and PLAIN auth.
type SMTPMailer struct {
	cfg    SMTPConfig
	logger *zap.Logger
}

func NewSMTPMailer(cfg SMTPConfig, logger *zap.Logger) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("smtp credentials are required")
	}
	if cfg.From == "" {
		return nil, errors.New("smtp sender address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPMailer{cfg: cfg, logger: logger}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return &SendError{Transport: "smtp", Permanent: true, Cause: err}
	}
	if err := m.send(ctx, msg); err != nil {
		return &SendError{Transport: "smtp", Permanent: isPermanentSMTP(err), Cause: err}
	}
	m.logger.Info("email sent via smtp",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return nil
}

func (m *SMTPMailer) send(ctx context.Context, msg Message) error {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))

	dialer := &net.Dialer{Timeout: m.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	deadline := time.Now().Add(m.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	tlsCfg := m.cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}
	}
	if err := c.StartTLS(tlsCfg); err != nil {
		return fmt.Errorf("starttls: %w", err)
	}
	if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(msg.To); err != nil {
		return &recipientError{err: err}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(buildMIME(m.cfg.From, msg, time.Now())); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end data: %w", err)
	}
	return c.Quit()
}

// buildMIME renders a UTF-8 text/plain message. Subject is Q-encoded so
// Greek text survives 7-bit relays.
func buildMIME(from string, msg Message, now time.Time) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%s@vlasia.gr>\r\n", uuid.NewString())
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")

	qp := quotedprintable.NewWriter(&buf)
	_, _ = qp.Write([]byte(msg.Body))
	_ = qp.Close()
	return buf.Bytes()
}

type recipientError struct{ err error }

func (e *recipientError) Error() string { return "rcpt to: " + e.err.Error() }
func (e *recipientError) Unwrap() error { return e.err }

// isPermanentSMTP treats a 5xx reply to RCPT as permanent. Other failures,
// auth included, are systemic and should count against the breaker.
func isPermanentSMTP(err error) bool {
	var rcptErr *recipientError
	if !errors.As(err, &rcptErr) {
		return false
	}
	var tpErr *textproto.Error
	return errors.As(err, &tpErr) && tpErr.Code >= 500
}
