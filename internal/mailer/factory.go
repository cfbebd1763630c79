package mailer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/vlasia/internal/circuitbreaker"
	"github.com/lalithlochan/vlasia/internal/config"
)

// FromConfig builds the configured transport behind a circuit breaker.
func FromConfig(ctx context.Context, mail config.Mail, region string, logger *zap.Logger) (*ProtectedMailer, error) {
	var (
		m   Mailer
		err error
	)

	switch mail.Transport {
	case config.TransportSMTP:
		m, err = NewSMTPMailer(SMTPConfig{
			Host:     mail.SMTPHost,
			Port:     mail.SMTPPort,
			Username: mail.SMTPUsername,
			Password: mail.SMTPPassword,
			From:     mail.From,
			Timeout:  mail.Timeout,
		}, logger)
	case config.TransportSES:
		m, err = NewSESMailer(ctx, SESConfig{Region: region, FromEmail: mail.From}, logger)
	case config.TransportResend:
		m, err = NewResendMailer(ResendConfig{
			APIKey:  mail.ResendAPIKey,
			BaseURL: mail.ResendURL,
			From:    mail.From,
			Timeout: mail.Timeout,
		}, logger)
	case config.TransportLog:
		m = NewLogMailer(logger)
	default:
		return nil, fmt.Errorf("unknown mail transport %q", mail.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s mailer: %w", mail.Transport, err)
	}

	cb := circuitbreaker.New(circuitbreaker.Config{
		Name:            mail.Transport,
		MaxFailures:     mail.BreakerMaxFailures,
		RecoveryTimeout: mail.BreakerRecovery,
	}, logger)

	return NewProtectedMailer(m, cb, logger), nil
}
