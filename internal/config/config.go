package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"go.uber.org/zap/zapcore"
)

// Transports accepted by MAIL_TRANSPORT.
const (
	TransportSMTP   = "smtp"
	TransportSES    = "ses"
	TransportResend = "resend"
	TransportLog    = "log"
)

// Relay modes accepted by RELAY_MODE.
const (
	ModeOnce = "once"
	ModeLoop = "loop"
	ModeSQS  = "sqs"
)

// Fan-out modes accepted by RELAY_FANOUT.
const (
	FanoutLossy   = "lossy"
	FanoutTracked = "tracked"
)

var ErrMissingSecret = errors.New("missing required secret")

// Database connection settings.
type Database struct {
	Host         string        `env:"DB_HOST,default=localhost"`
	Port         int           `env:"DB_PORT,default=5432"`
	User         string        `env:"DB_USER,default=vlasia"`
	Password     string        `env:"DB_PASSWORD"`
	Name         string        `env:"DB_NAME,default=vlasia"`
	SSLMode      string        `env:"DB_SSLMODE,default=disable"`
	QueryTimeout time.Duration `env:"DB_QUERY_TIMEOUT,default=800ms"`
}

// Redis settings. An empty host disables every Redis-backed feature.
type Redis struct {
	Host     string `env:"REDIS_HOST"`
	Port     int    `env:"REDIS_PORT,default=6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,default=0"`
}

// Enabled reports whether a Redis host was configured.
func (r Redis) Enabled() bool { return r.Host != "" }

// AWS holds region and resource identifiers shared by SES, SNS and SQS.
type AWS struct {
	Region        string `env:"AWS_REGION,default=eu-central-1"`
	WakeQueueURL  string `env:"SQS_WAKE_QUEUE_URL"`
	AlertTopicARN string `env:"SNS_ALERT_TOPIC_ARN"`
}

// Mail holds transport settings. Credentials have no defaults.
type Mail struct {
	Transport    string        `env:"MAIL_TRANSPORT,default=smtp"`
	From         string        `env:"MAIL_FROM"`
	AdminEmail   string        `env:"ADMIN_EMAIL"`
	Timeout      time.Duration `env:"MAIL_TIMEOUT,default=30s"`
	SMTPHost     string        `env:"SMTP_HOST"`
	SMTPPort     int           `env:"SMTP_PORT,default=587"`
	SMTPUsername string        `env:"SMTP_USERNAME"`
	SMTPPassword string        `env:"SMTP_PASSWORD"`
	ResendAPIKey string        `env:"RESEND_API_KEY"`
	ResendURL    string        `env:"RESEND_API_URL,default=https://api.resend.com"`

	BreakerMaxFailures int           `env:"MAIL_BREAKER_MAX_FAILURES,default=5"`
	BreakerRecovery    time.Duration `env:"MAIL_BREAKER_RECOVERY,default=1m"`
}

// Server is the Content Service configuration.
type Server struct {
	Port     int    `env:"PORT,default=8080"`
	Env      string `env:"ENV,default=development"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	OutboxSecret      string `env:"OUTBOX_SECRET,required=true"`
	AdminAPIKey       string `env:"ADMIN_API_KEY,required=true"`
	OutboxMaxAttempts int    `env:"OUTBOX_MAX_ATTEMPTS,default=5"`
	FormRateLimit     int    `env:"FORM_RATE_LIMIT,default=10"`

	Database Database
	Redis    Redis
	AWS      AWS
}

// Relay is the Notification Relay configuration.
type Relay struct {
	Env      string `env:"ENV,default=development"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	OutboxURL     string        `env:"OUTBOX_URL,required=true"`
	OutboxSecret  string        `env:"OUTBOX_SECRET,required=true"`
	OutboxTimeout time.Duration `env:"OUTBOX_TIMEOUT,default=10s"`

	Mode      string        `env:"RELAY_MODE,default=once"`
	Interval  time.Duration `env:"RELAY_INTERVAL,default=5m"`
	SendDelay time.Duration `env:"RELAY_SEND_DELAY,default=1s"`
	BatchSize int           `env:"RELAY_BATCH_SIZE,default=50"`
	Fanout    string        `env:"RELAY_FANOUT,default=lossy"`
	LockFile  string        `env:"RELAY_LOCK_FILE,default=/tmp/vlasia-relay.lock"`
	LockTTL   time.Duration `env:"RELAY_LOCK_TTL,default=30m"`

	Mail  Mail
	Redis Redis
	AWS   AWS
}

// LoadServer reads the Content Service configuration from the environment.
func LoadServer() (*Server, error) {
	var cfg Server
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values go-env cannot express as tags.
func (c *Server) Validate() error {
	if strings.TrimSpace(c.OutboxSecret) == "" {
		return fmt.Errorf("%w: OUTBOX_SECRET", ErrMissingSecret)
	}
	if strings.TrimSpace(c.AdminAPIKey) == "" {
		return fmt.Errorf("%w: ADMIN_API_KEY", ErrMissingSecret)
	}
	if c.OutboxMaxAttempts < 1 {
		return fmt.Errorf("invalid OUTBOX_MAX_ATTEMPTS: %d", c.OutboxMaxAttempts)
	}
	return nil
}

// LoadRelay reads the Notification Relay configuration from the environment.
func LoadRelay() (*Relay, error) {
	var cfg Relay
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the credentials required by the selected transport and mode.
func (c *Relay) Validate() error {
	if strings.TrimSpace(c.OutboxSecret) == "" {
		return fmt.Errorf("%w: OUTBOX_SECRET", ErrMissingSecret)
	}
	if strings.TrimSpace(c.OutboxURL) == "" {
		return errors.New("OUTBOX_URL is required")
	}

	switch c.Mode {
	case ModeOnce, ModeLoop:
	case ModeSQS:
		if c.AWS.WakeQueueURL == "" {
			return errors.New("SQS_WAKE_QUEUE_URL is required when RELAY_MODE=sqs")
		}
	default:
		return fmt.Errorf("invalid RELAY_MODE: %q", c.Mode)
	}

	if c.Mode == ModeLoop && c.Interval <= 0 {
		return fmt.Errorf("RELAY_INTERVAL must be positive when RELAY_MODE=loop, got %s", c.Interval)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("RELAY_LOCK_TTL must be positive, got %s", c.LockTTL)
	}
	if c.SendDelay < 0 {
		return fmt.Errorf("RELAY_SEND_DELAY must not be negative, got %s", c.SendDelay)
	}

	switch c.Fanout {
	case FanoutLossy, FanoutTracked:
	default:
		return fmt.Errorf("invalid RELAY_FANOUT: %q", c.Fanout)
	}

	if c.Mail.AdminEmail == "" {
		return errors.New("ADMIN_EMAIL is required")
	}

	m := c.Mail
	switch m.Transport {
	case TransportSMTP:
		if m.SMTPHost == "" {
			return errors.New("SMTP_HOST is required when MAIL_TRANSPORT=smtp")
		}
		if m.SMTPUsername == "" {
			return fmt.Errorf("%w: SMTP_USERNAME", ErrMissingSecret)
		}
		if m.SMTPPassword == "" {
			return fmt.Errorf("%w: SMTP_PASSWORD", ErrMissingSecret)
		}
		if m.From == "" {
			return errors.New("MAIL_FROM is required")
		}
	case TransportSES:
		if m.From == "" {
			return errors.New("MAIL_FROM is required")
		}
	case TransportResend:
		if m.ResendAPIKey == "" {
			return fmt.Errorf("%w: RESEND_API_KEY", ErrMissingSecret)
		}
		if m.From == "" {
			return errors.New("MAIL_FROM is required")
		}
	case TransportLog:
	default:
		return fmt.Errorf("invalid MAIL_TRANSPORT: %q", m.Transport)
	}
	return nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// MarshalLogObject logs the configuration with secrets masked.
func (c *Server) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("port", c.Port)
	enc.AddString("env", c.Env)
	enc.AddString("outbox_secret", mask(c.OutboxSecret))
	enc.AddString("admin_api_key", mask(c.AdminAPIKey))
	enc.AddInt("outbox_max_attempts", c.OutboxMaxAttempts)
	enc.AddString("db_host", c.Database.Host)
	enc.AddString("db_name", c.Database.Name)
	enc.AddString("db_password", mask(c.Database.Password))
	enc.AddString("redis_host", c.Redis.Host)
	enc.AddString("sqs_wake_queue", c.AWS.WakeQueueURL)
	enc.AddString("sns_alert_topic", c.AWS.AlertTopicARN)
	return nil
}

// MarshalLogObject logs the configuration with secrets masked.
func (c *Relay) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("env", c.Env)
	enc.AddString("outbox_url", c.OutboxURL)
	enc.AddString("outbox_secret", mask(c.OutboxSecret))
	enc.AddString("mode", c.Mode)
	enc.AddString("fanout", c.Fanout)
	enc.AddDuration("send_delay", c.SendDelay)
	enc.AddInt("batch_size", c.BatchSize)
	enc.AddString("mail_transport", c.Mail.Transport)
	enc.AddString("mail_from", c.Mail.From)
	enc.AddString("smtp_host", c.Mail.SMTPHost)
	enc.AddString("smtp_password", mask(c.Mail.SMTPPassword))
	enc.AddString("resend_api_key", mask(c.Mail.ResendAPIKey))
	enc.AddString("redis_host", c.Redis.Host)
	return nil
}
