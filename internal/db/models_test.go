package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"contacts", KindContacts, false},
		{"subscribers", KindSubscribers, false},
		{"announcements", KindAnnouncements, false},
		{"articles", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKindColumns(t *testing.T) {
	tests := []struct {
		kind  Kind
		table string
		flag  string
	}{
		{KindContacts, "contact_messages", "notification_sent"},
		{KindSubscribers, "newsletter_subscribers", "welcome_email_sent"},
		{KindAnnouncements, "announcements", "sent_to_newsletter"},
	}

	for _, tt := range tests {
		if got := tt.kind.table(); got != tt.table {
			t.Errorf("%s.table() = %s, want %s", tt.kind, got, tt.table)
		}
		if got := tt.kind.flag(); got != tt.flag {
			t.Errorf("%s.flag() = %s, want %s", tt.kind, got, tt.flag)
		}
	}
}

func TestKindsRelayOrder(t *testing.T) {
	want := []Kind{KindSubscribers, KindContacts, KindAnnouncements}
	for i, k := range want {
		if Kinds[i] != k {
			t.Errorf("Kinds[%d] = %s, want %s", i, Kinds[i], k)
		}
	}
}

func TestValidCategoryAndPriority(t *testing.T) {
	for _, c := range []string{"general", "event", "important", "news"} {
		if !ValidCategory(c) {
			t.Errorf("ValidCategory(%q) = false", c)
		}
	}
	if ValidCategory("gossip") {
		t.Error("ValidCategory(gossip) = true")
	}
	for _, p := range []string{"low", "normal", "high", "urgent"} {
		if !ValidPriority(p) {
			t.Errorf("ValidPriority(%q) = false", p)
		}
	}
	if ValidPriority("meh") {
		t.Error("ValidPriority(meh) = true")
	}
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{Host: "db", Port: 5432, User: "vlasia", Database: "site", SSLMode: "disable"}
	if strings.Contains(cfg.DSN(), "password") {
		t.Errorf("DSN without password should omit it: %s", cfg.DSN())
	}

	cfg.Password = "s3cret"
	if !strings.Contains(cfg.DSN(), "password=s3cret") {
		t.Errorf("DSN should carry password: %s", cfg.DSN())
	}
}

func TestStoreErrWrapsBoth(t *testing.T) {
	cause := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	err := storeErr("list pending contacts", cause)

	if !errors.Is(err, ErrStoreUnavailable) {
		t.Error("expected ErrStoreUnavailable")
	}
	if !errors.Is(err, cause) {
		t.Error("expected wrapped cause")
	}
}

func TestStoreErrClassification(t *testing.T) {
	tests := []struct {
		name            string
		err             error
		wantUnavailable bool
	}{
		{"query timeout", fmt.Errorf("query: %w", context.DeadlineExceeded), true},
		{"connection refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"connection dropped", io.ErrUnexpectedEOF, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"foreign key violation", &pgconn.PgError{Code: pgForeignKeyViolation}, false},
		{"scan mismatch", errors.New("can't scan into dest[0]"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := storeErr("op", tt.err)
			if got := errors.Is(err, ErrStoreUnavailable); got != tt.wantUnavailable {
				t.Errorf("unavailable = %v, want %v (%v)", got, tt.wantUnavailable, err)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("cause not wrapped: %v", err)
			}
		})
	}
}

func TestDeliveryFieldsPromoted(t *testing.T) {
	msg := "smtp 550"
	now := time.Now()
	c := ContactMessage{ID: 1, Delivery: Delivery{Attempts: 2, LastError: &msg, DeadLetteredAt: &now}}

	if c.Attempts != 2 || *c.LastError != msg {
		t.Errorf("embedded delivery fields not promoted: %+v", c)
	}
}
