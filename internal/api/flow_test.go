package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/vlasia/internal/mailer"
	"github.com/lalithlochan/vlasia/internal/outbox"
	"github.com/lalithlochan/vlasia/internal/relay"
)

type captureMailer struct {
	mu   sync.Mutex
	sent []mailer.Message
	fail map[string]error
}

func (m *captureMailer) Send(ctx context.Context, msg mailer.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[msg.To]; err != nil {
		return err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

// startSite runs the full router behind a real listener and returns a relay
// dependency set pointed at it.
func startSite(t *testing.T, repo *MockRepository, m mailer.Mailer, opts ...Option) (*httptest.Server, relay.Deps) {
	t.Helper()
	srv := httptest.NewServer(newTestRouter(t, repo, opts...))
	t.Cleanup(srv.Close)

	client, err := outbox.NewClient(outbox.Config{BaseURL: srv.URL, Secret: testOutboxSecret, Timeout: 2 * time.Second}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	composer, err := mailer.NewComposer("admin@vlasia.gr")
	if err != nil {
		t.Fatal(err)
	}
	return srv, relay.Deps{Outbox: client, Mailer: m, Composer: composer, Sleep: noSleep, Logger: zap.NewNop()}
}

func TestContactNotificationRoundTrip(t *testing.T) {
	repo := NewMockRepository()
	m := &captureMailer{}
	srv, deps := startSite(t, repo, m)

	rec := doJSON(t, newTestRouter(t, repo), http.MethodPost, "/api/contact", "", validContact())
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: status = %d", rec.Code)
	}

	report := relay.Sweep(context.Background(), deps, relay.DefaultOptions())
	if got := report.Kinds[outbox.KindContacts]; got.Sent != 1 || got.Acknowledged != 1 {
		t.Fatalf("contacts report = %+v", got)
	}
	if len(m.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(m.sent))
	}
	if msg := m.sent[0]; msg.To != "admin@vlasia.gr" || msg.Subject != "Νέο μήνυμα επικοινωνίας: Πανηγύρι" {
		t.Errorf("message = %+v", msg)
	}

	client, _ := outbox.NewClient(outbox.Config{BaseURL: srv.URL, Secret: testOutboxSecret}, zap.NewNop())
	pending, err := client.PendingContacts(context.Background(), 50)
	if err != nil || len(pending) != 0 {
		t.Fatalf("after sweep: pending = %+v, err = %v", pending, err)
	}

	report = relay.Sweep(context.Background(), deps, relay.DefaultOptions())
	if report.Processed() != 0 || len(m.sent) != 1 {
		t.Fatalf("second sweep resent: %+v", report.Kinds[outbox.KindContacts])
	}
}

func TestFailedSendsDeadLetterThroughTheWire(t *testing.T) {
	repo := NewMockRepository()
	alerter := &recordingAlerter{}
	m := &captureMailer{fail: map[string]error{
		"nikos@example.com": &mailer.SendError{Transport: "smtp", Cause: errors.New("451 try later")},
	}}
	_, deps := startSite(t, repo, m, WithAlerter(alerter), WithMaxAttempts(2))

	if _, _, err := repo.Subscribe(context.Background(), "nikos@example.com"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		relay.Sweep(context.Background(), deps, relay.DefaultOptions())
	}

	var sub struct {
		attempts int
		dead     bool
	}
	for _, s := range repo.subscribers {
		sub.attempts, sub.dead = s.Attempts, s.DeadLetteredAt != nil
	}
	if sub.attempts != 2 || !sub.dead {
		t.Fatalf("subscriber attempts=%d dead=%v, want 2 and dead-lettered", sub.attempts, sub.dead)
	}
	if len(alerter.alerts) != 1 || alerter.alerts[0].Kind != "subscribers" {
		t.Fatalf("alerts = %+v", alerter.alerts)
	}
}

func TestTrackedFanoutRoundTrip(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()
	for _, e := range []string{"one@example.com", "two@example.com"} {
		s, _, _ := repo.Subscribe(ctx, e)
		repo.subscribers[s.ID].WelcomeEmailSent = true
	}

	m := &captureMailer{fail: map[string]error{"two@example.com": errors.New("mailbox full")}}
	_, deps := startSite(t, repo, m)

	router := newTestRouter(t, repo)
	rec := doJSON(t, router, http.MethodPost, "/api/admin/announcements", testAdminKey,
		AnnouncementRequest{Title: "Νερό", Content: "Διακοπή υδροδότησης", IsPublished: true})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", rec.Code)
	}

	opts := relay.DefaultOptions()
	opts.Fanout = relay.FanoutTracked

	relay.Sweep(ctx, deps, opts)
	pending, _ := repo.ListPendingAnnouncements(ctx, 50)
	if len(pending) != 1 {
		t.Fatal("announcement with an undelivered recipient must stay pending")
	}

	delete(m.fail, "two@example.com")
	relay.Sweep(ctx, deps, opts)
	pending, _ = repo.ListPendingAnnouncements(ctx, 50)
	if len(pending) != 0 {
		t.Fatal("announcement should be acknowledged once every recipient has it")
	}

	perRecipient := map[string]int{}
	for _, msg := range m.sent {
		perRecipient[msg.To]++
	}
	if perRecipient["one@example.com"] != 1 || perRecipient["two@example.com"] != 1 {
		t.Fatalf("deliveries = %v, want exactly one each", perRecipient)
	}
}
