// Package mailer sends the relay's emails through one of several transports.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Message is a plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Validate rejects messages no transport could deliver.
func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" {
		return errors.New("message recipient is required")
	}
	if strings.TrimSpace(m.Subject) == "" {
		return errors.New("message subject is required")
	}
	if strings.TrimSpace(m.Body) == "" {
		return errors.New("message body is required")
	}
	return nil
}

// Mailer delivers one message. Any returned error is a transport failure.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SendError wraps a transport failure. Permanent marks failures that will
// not go away on retry, such as a rejected recipient.
type SendError struct {
	Transport string
	Permanent bool
	Cause     error
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s send failed (%s): %v", e.Transport, kind, e.Cause)
}

func (e *SendError) Unwrap() error { return e.Cause }

// IsPermanent reports whether err is a SendError marked permanent.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// LogMailer only logs. Used in development.
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return &SendError{Transport: "log", Permanent: true, Cause: err}
	}
	m.logger.Info("email (development mode, not sent)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("body_bytes", len(msg.Body)),
	)
	return nil
}
