package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/vlasia/internal/circuitbreaker"
	"github.com/lalithlochan/vlasia/internal/config"
	"github.com/lalithlochan/vlasia/internal/outbox"
)

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"complete", Message{To: "a@b.gr", Subject: "s", Body: "b"}, false},
		{"no recipient", Message{Subject: "s", Body: "b"}, true},
		{"blank subject", Message{To: "a@b.gr", Subject: "  ", Body: "b"}, true},
		{"no body", Message{To: "a@b.gr", Subject: "s"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.msg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLogMailer(t *testing.T) {
	m := NewLogMailer(zap.NewNop())
	if err := m.Send(context.Background(), Message{To: "a@b.gr", Subject: "s", Body: "b"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	err := m.Send(context.Background(), Message{})
	if !IsPermanent(err) {
		t.Fatalf("invalid message should be permanent, got %v", err)
	}
}

func TestSendErrorWrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("send: %w", &SendError{Transport: "smtp", Cause: cause})

	if !errors.Is(err, cause) {
		t.Error("cause not reachable through errors.Is")
	}
	if IsPermanent(err) {
		t.Error("transient error reported as permanent")
	}
	if !strings.Contains(err.Error(), "transient") {
		t.Errorf("error text = %q", err.Error())
	}
}

func TestIsPermanentSMTP(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rcpt 550", &recipientError{err: &textproto.Error{Code: 550, Msg: "no such user"}}, true},
		{"rcpt 451", &recipientError{err: &textproto.Error{Code: 451, Msg: "try later"}}, false},
		{"auth 535", fmt.Errorf("auth: %w", &textproto.Error{Code: 535, Msg: "bad credentials"}), false},
		{"dial", errors.New("dial tcp: connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isPermanentSMTP(tt.err); got != tt.want {
				t.Errorf("isPermanentSMTP() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildMIME(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	raw := string(buildMIME("site@vlasia.gr", Message{
		To:      "maria@example.com",
		Subject: "Ανακοίνωση: Πανηγύρι",
		Body:    "Καλησπέρα σας",
	}, now))

	for _, want := range []string{
		"From: site@vlasia.gr\r\n",
		"To: maria@example.com\r\n",
		"Subject: =?utf-8?q?",
		"Content-Type: text/plain; charset=UTF-8\r\n",
		"Content-Transfer-Encoding: quoted-printable\r\n",
		"Message-ID: <",
		"Date: Sun, 01 Jun 2025 09:30:00 +0000\r\n",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("MIME missing %q\n%s", want, raw)
		}
	}
	if strings.Contains(raw, "Πανηγύρι") {
		t.Error("subject must be encoded")
	}
}

func TestNewSMTPMailerRequiresCredentials(t *testing.T) {
	if _, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com", From: "a@b.gr"}, zap.NewNop()); err == nil {
		t.Fatal("expected error without credentials")
	}
	m, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com", Username: "u", Password: "p", From: "a@b.gr"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if m.cfg.Port != 587 || m.cfg.Timeout != 30*time.Second {
		t.Errorf("defaults not applied: %+v", m.cfg)
	}
}

func TestComposerContact(t *testing.T) {
	c, err := NewComposer("admin@vlasia.gr")
	if err != nil {
		t.Fatal(err)
	}
	msg := c.Contact(outbox.Contact{
		ID: 1, FirstName: "Μαρία", LastName: "Παπαδοπούλου", Email: "maria@example.com",
		Subject: "Εκδήλωση", Message: "Πότε είναι το πανηγύρι;",
		CreatedAt: time.Date(2025, 8, 10, 18, 5, 0, 0, time.UTC),
	})

	if msg.To != "admin@vlasia.gr" {
		t.Errorf("To = %s", msg.To)
	}
	if msg.Subject != "Νέο μήνυμα επικοινωνίας: Εκδήλωση" {
		t.Errorf("Subject = %s", msg.Subject)
	}
	for _, want := range []string{"Όνομα: Μαρία Παπαδοπούλου", "Email: maria@example.com", "Πότε είναι το πανηγύρι;", "Αποστάλθηκε: 2025-08-10 18:05:00"} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("body missing %q", want)
		}
	}
}

func TestComposerWelcomeAndAnnouncement(t *testing.T) {
	c, _ := NewComposer("admin@vlasia.gr")

	w := c.Welcome(outbox.Subscriber{ID: 2, Email: "nikos@example.com"})
	if w.To != "nikos@example.com" || w.Subject != welcomeSubject {
		t.Errorf("unexpected welcome: %+v", w)
	}
	if !strings.HasSuffix(w.Body, "🌿 vlasia.gr 🌿") {
		t.Error("welcome must end with the signature")
	}

	a := c.Announcement(outbox.Announcement{
		ID: 3, Title: "Πανηγύρι", Content: "Στις 15 Αυγούστου.", Category: "event", Priority: "high",
		CreatedAt: time.Date(2025, 8, 1, 23, 59, 0, 0, time.UTC),
	}, "eleni@example.com")
	if a.To != "eleni@example.com" || a.Subject != "Ανακοίνωση: Πανηγύρι" {
		t.Errorf("unexpected announcement: %+v", a)
	}
	for _, want := range []string{"Κατηγορία: event", "Προτεραιότητα: high", "Ημερομηνία: 2025-08-01"} {
		if !strings.Contains(a.Body, want) {
			t.Errorf("body missing %q", want)
		}
	}
}

func TestNewComposerRequiresAdmin(t *testing.T) {
	if _, err := NewComposer(""); err == nil {
		t.Fatal("expected error")
	}
}

type stubMailer struct {
	err   error
	calls int
}

func (s *stubMailer) Send(ctx context.Context, msg Message) error {
	s.calls++
	return s.err
}

func TestProtectedMailerOpensOnTransientFailures(t *testing.T) {
	inner := &stubMailer{err: &SendError{Transport: "smtp", Cause: errors.New("timeout")}}
	cb := circuitbreaker.New(circuitbreaker.Config{Name: "smtp", MaxFailures: 2, RecoveryTimeout: time.Hour}, zap.NewNop())
	p := NewProtectedMailer(inner, cb, zap.NewNop())
	msg := Message{To: "a@b.gr", Subject: "s", Body: "b"}

	_ = p.Send(context.Background(), msg)
	_ = p.Send(context.Background(), msg)

	err := p.Send(context.Background(), msg)
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	var se *SendError
	if !errors.As(err, &se) {
		t.Fatal("open breaker must still be a SendError")
	}
	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2", inner.calls)
	}
}

func TestProtectedMailerIgnoresPermanentFailures(t *testing.T) {
	inner := &stubMailer{err: &SendError{Transport: "smtp", Permanent: true, Cause: errors.New("550")}}
	cb := circuitbreaker.New(circuitbreaker.Config{Name: "smtp", MaxFailures: 1, RecoveryTimeout: time.Hour}, zap.NewNop())
	p := NewProtectedMailer(inner, cb, zap.NewNop())

	for i := 0; i < 3; i++ {
		_ = p.Send(context.Background(), Message{To: "a@b.gr", Subject: "s", Body: "b"})
	}
	if cb.GetState() != circuitbreaker.StateClosed {
		t.Fatalf("breaker state = %s, want closed", cb.GetState())
	}
	if inner.calls != 3 {
		t.Errorf("inner calls = %d, want 3", inner.calls)
	}
}

func TestFromConfig(t *testing.T) {
	ctx := context.Background()

	m, err := FromConfig(ctx, config.Mail{Transport: config.TransportLog}, "eu-central-1", zap.NewNop())
	if err != nil {
		t.Fatalf("FromConfig(log) error = %v", err)
	}
	if m.Breaker().Name() != "log" {
		t.Errorf("breaker name = %s", m.Breaker().Name())
	}

	if _, err := FromConfig(ctx, config.Mail{Transport: config.TransportSMTP, SMTPHost: "h", From: "a@b.gr"}, "", zap.NewNop()); err == nil {
		t.Error("smtp without credentials should fail")
	}
	if _, err := FromConfig(ctx, config.Mail{Transport: "pigeon"}, "", zap.NewNop()); err == nil {
		t.Error("unknown transport should fail")
	}
}
