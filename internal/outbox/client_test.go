package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL + "/", Secret: "s3cret", Timeout: time.Second}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(Config{Secret: "x"}, zap.NewNop()); err == nil {
		t.Error("expected error for empty base url")
	}
	if _, err := NewClient(Config{BaseURL: "http://localhost"}, zap.NewNop()); err == nil {
		t.Error("expected error for empty secret")
	}
	if _, err := NewClientWithResty(Config{BaseURL: "http://localhost", Secret: "x"}, nil, zap.NewNop()); err == nil {
		t.Error("expected error for nil resty client")
	}
}

func TestPendingContactsSendsSecretAndLimit(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/outbox/contacts" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer s3cret" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Errorf("limit = %q, want 50", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ContactsResponse{
			Success:  true,
			Contacts: []Contact{{ID: 7, FirstName: "Maria", Email: "maria@example.com", CreatedAt: created}},
		})
	})

	contacts, err := c.PendingContacts(context.Background(), 50)
	if err != nil {
		t.Fatalf("PendingContacts() error = %v", err)
	}
	if len(contacts) != 1 || contacts[0].ID != 7 || !contacts[0].CreatedAt.Equal(created) {
		t.Fatalf("unexpected contacts: %+v", contacts)
	}
}

func TestAcknowledgePath(t *testing.T) {
	t.Parallel()

	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	if err := c.Acknowledge(context.Background(), KindAnnouncements, 12); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if gotPath != "/api/outbox/announcements/12/ack" {
		t.Errorf("path = %s", gotPath)
	}
}

func TestStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "not found", status: http.StatusNotFound, want: ErrNotFound},
		{name: "store down", status: http.StatusServiceUnavailable, want: ErrUnavailable},
		{name: "bad gateway", status: http.StatusBadGateway, want: ErrUnavailable},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"type":"x","title":"nope","status":0}`))
			})

			err := c.Acknowledge(context.Background(), KindContacts, 1)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUnauthorizedIsStatusError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"unauthorized","title":"Unauthorized","status":401,"detail":"bad secret"}`))
	})

	_, err := c.PendingAnnouncements(context.Background(), 10)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusUnauthorized || se.Detail != "bad secret" {
		t.Fatalf("unexpected StatusError: %+v", se)
	}
}

func TestNetworkErrorIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewClient(Config{BaseURL: url, Secret: "s", Timeout: time.Second}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.PendingWelcomes(context.Background(), 5); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestReportFailureBody(t *testing.T) {
	t.Parallel()

	var got FailureRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/outbox/subscribers/3/failure" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"attempts":5,"dead_lettered":true}`))
	})

	res, err := c.ReportFailure(context.Background(), KindSubscribers, 3, "550 mailbox unavailable")
	if err != nil {
		t.Fatalf("ReportFailure() error = %v", err)
	}
	if !res.DeadLettered || res.Attempts != 5 {
		t.Fatalf("unexpected response: %+v", res)
	}
	if got.Error != "550 mailbox unavailable" {
		t.Fatalf("reason = %q", got.Error)
	}
}

func TestRecipientRoutes(t *testing.T) {
	t.Parallel()

	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"success":true,"subscribers":[{"id":4,"email":"a@b.gr"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	ctx := context.Background()
	recips, err := c.UndeliveredRecipients(ctx, 9)
	if err != nil || len(recips) != 1 || recips[0].ID != 4 {
		t.Fatalf("UndeliveredRecipients() = %+v, %v", recips, err)
	}
	if _, err := c.ActiveSubscribers(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.AcknowledgeRecipient(ctx, 9, 4); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"GET /api/outbox/announcements/9/recipients",
		"GET /api/outbox/subscribers/active",
		"POST /api/outbox/announcements/9/recipients/4/ack",
	}
	if strings.Join(paths, "\n") != strings.Join(want, "\n") {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("α", 10) // 2 bytes each
	got := truncate(s, 5)
	if !utf8.ValidString(got) || len(got) != 4 {
		t.Fatalf("truncate = %q (%d bytes)", got, len(got))
	}
	if truncate("short", 10) != "short" {
		t.Fatal("short strings must be untouched")
	}
}
