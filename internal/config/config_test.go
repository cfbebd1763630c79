package config

import (
	"errors"
	"testing"
	"time"
)

func setServerEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OUTBOX_SECRET", "relay-secret")
	t.Setenv("ADMIN_API_KEY", "admin-secret")
}

func setRelayEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OUTBOX_URL", "http://localhost:8080")
	t.Setenv("OUTBOX_SECRET", "relay-secret")
	t.Setenv("ADMIN_EMAIL", "admin@vlasia.gr")
	t.Setenv("MAIL_TRANSPORT", "log")
}

func TestLoadServer_Defaults(t *testing.T) {
	setServerEnv(t)

	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.OutboxMaxAttempts != 5 {
		t.Errorf("OutboxMaxAttempts = %d, want 5", cfg.OutboxMaxAttempts)
	}
	if cfg.Database.QueryTimeout != 800*time.Millisecond {
		t.Errorf("QueryTimeout = %v, want 800ms", cfg.Database.QueryTimeout)
	}
	if cfg.Redis.Enabled() {
		t.Error("Redis should be disabled without REDIS_HOST")
	}
}

func TestLoadServer_MissingSecret(t *testing.T) {
	t.Setenv("ADMIN_API_KEY", "admin-secret")

	if _, err := LoadServer(); err == nil {
		t.Fatal("expected error when OUTBOX_SECRET is unset")
	}
}

func TestLoadServer_EmptySecret(t *testing.T) {
	setServerEnv(t)
	t.Setenv("OUTBOX_SECRET", "  ")

	_, err := LoadServer()
	if !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("err = %v, want ErrMissingSecret", err)
	}
}

func TestLoadRelay_Defaults(t *testing.T) {
	setRelayEnv(t)

	cfg, err := LoadRelay()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Mode != ModeOnce {
		t.Errorf("Mode = %s, want once", cfg.Mode)
	}
	if cfg.SendDelay != time.Second {
		t.Errorf("SendDelay = %v, want 1s", cfg.SendDelay)
	}
	if cfg.Fanout != FanoutLossy {
		t.Errorf("Fanout = %s, want lossy", cfg.Fanout)
	}
	if cfg.Mail.Timeout != 30*time.Second {
		t.Errorf("Mail.Timeout = %v, want 30s", cfg.Mail.Timeout)
	}
}

func TestRelayValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{
			name:    "smtp without credentials",
			env:     map[string]string{"MAIL_TRANSPORT": "smtp", "SMTP_HOST": "smtp.example.com", "MAIL_FROM": "a@b.c"},
			wantErr: true,
		},
		{
			name: "smtp with credentials",
			env: map[string]string{
				"MAIL_TRANSPORT": "smtp", "SMTP_HOST": "smtp.example.com", "MAIL_FROM": "a@b.c",
				"SMTP_USERNAME": "user", "SMTP_PASSWORD": "pass",
			},
			wantErr: false,
		},
		{
			name:    "resend without key",
			env:     map[string]string{"MAIL_TRANSPORT": "resend", "MAIL_FROM": "a@b.c"},
			wantErr: true,
		},
		{
			name:    "ses needs sender",
			env:     map[string]string{"MAIL_TRANSPORT": "ses"},
			wantErr: true,
		},
		{
			name:    "unknown transport",
			env:     map[string]string{"MAIL_TRANSPORT": "pigeon"},
			wantErr: true,
		},
		{
			name:    "sqs mode without queue",
			env:     map[string]string{"RELAY_MODE": "sqs"},
			wantErr: true,
		},
		{
			name:    "unknown fanout",
			env:     map[string]string{"RELAY_FANOUT": "sometimes"},
			wantErr: true,
		},
		{
			name:    "loop mode with zero interval",
			env:     map[string]string{"RELAY_MODE": "loop", "RELAY_INTERVAL": "0s"},
			wantErr: true,
		},
		{
			name:    "once mode ignores interval",
			env:     map[string]string{"RELAY_INTERVAL": "0s"},
			wantErr: false,
		},
		{
			name:    "zero lock ttl",
			env:     map[string]string{"RELAY_LOCK_TTL": "0s"},
			wantErr: true,
		},
		{
			name:    "negative send delay",
			env:     map[string]string{"RELAY_SEND_DELAY": "-1s"},
			wantErr: true,
		},
		{
			name:    "zero send delay",
			env:     map[string]string{"RELAY_SEND_DELAY": "0s"},
			wantErr: false,
		},
		{
			name:    "tracked fanout",
			env:     map[string]string{"RELAY_FANOUT": "tracked"},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRelayEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadRelay()
			if (err != nil) != tt.wantErr {
				t.Errorf("LoadRelay() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadRelay_MissingOutboxURL(t *testing.T) {
	t.Setenv("OUTBOX_SECRET", "relay-secret")
	t.Setenv("ADMIN_EMAIL", "admin@vlasia.gr")

	if _, err := LoadRelay(); err == nil {
		t.Fatal("expected error when OUTBOX_URL is unset")
	}
}
