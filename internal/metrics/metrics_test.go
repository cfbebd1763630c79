package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/health", "200"))
	RecordRequest("GET", "/health", 200, 10*time.Millisecond)
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/health", "200"))

	if after-before != 1 {
		t.Errorf("counter delta = %v, want 1", after-before)
	}
}

func TestOutboxCounters(t *testing.T) {
	before := testutil.ToFloat64(outboxListed.WithLabelValues("contacts"))
	RecordOutboxListed("contacts", 3)
	if got := testutil.ToFloat64(outboxListed.WithLabelValues("contacts")) - before; got != 3 {
		t.Errorf("listed delta = %v, want 3", got)
	}

	beforeAck := testutil.ToFloat64(outboxAcks.WithLabelValues("announcements", "not_found"))
	RecordOutboxAck("announcements", "not_found")
	if got := testutil.ToFloat64(outboxAcks.WithLabelValues("announcements", "not_found")) - beforeAck; got != 1 {
		t.Errorf("ack delta = %v, want 1", got)
	}

	beforeDL := testutil.ToFloat64(deadLetters.WithLabelValues("subscribers"))
	RecordDeadLetter("subscribers")
	if got := testutil.ToFloat64(deadLetters.WithLabelValues("subscribers")) - beforeDL; got != 1 {
		t.Errorf("dead letter delta = %v, want 1", got)
	}
}

func TestRelayCounters(t *testing.T) {
	before := testutil.ToFloat64(partialFanouts)
	RecordPartialFanout()
	if got := testutil.ToFloat64(partialFanouts) - before; got != 1 {
		t.Errorf("partial fanout delta = %v, want 1", got)
	}

	RecordRelaySend("contacts", "sent")
	RecordRelaySend("contacts", "failed")
	ObserveSweep(2 * time.Second)
	RecordSubmission("contacts", "created")
	RecordOutboxFailure("contacts")
	RecordRateLimitRejection("/api/contact")
	RecordIdempotencyHit()
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/api/outbox/{kind}/{id}/ack", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	pattern := "/api/outbox/{kind}/{id}/ack"
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", pattern, "200"))

	req := httptest.NewRequest(http.MethodPost, "/api/outbox/contacts/17/ack", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", pattern, "200")) - before; got != 1 {
		t.Errorf("request counter under route pattern delta = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}
