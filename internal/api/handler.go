package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/vlasia/internal/db"
	"github.com/lalithlochan/vlasia/internal/metrics"
	"github.com/lalithlochan/vlasia/internal/outbox"
	"github.com/lalithlochan/vlasia/internal/redis"
	"github.com/lalithlochan/vlasia/internal/sns"
)

// FormRepository is what the public forms and admin routes need from the store.
type FormRepository interface {
	CreateContact(ctx context.Context, c *db.ContactMessage) error
	Subscribe(ctx context.Context, email string) (*db.Subscriber, db.SubscribeOutcome, error)
	Unsubscribe(ctx context.Context, email string) error
	CreateAnnouncement(ctx context.Context, a *db.Announcement) error
	ListAnnouncements(ctx context.Context, limit, offset int) ([]*db.Announcement, error)
	SetAnnouncementPublished(ctx context.Context, id int64, published bool) (*db.Announcement, error)
}

// OutboxRepository is what the relay-facing routes need from the store.
type OutboxRepository interface {
	ListPendingContacts(ctx context.Context, limit int) ([]*db.ContactMessage, error)
	ListPendingWelcomes(ctx context.Context, limit int) ([]*db.Subscriber, error)
	ListActiveSubscribers(ctx context.Context) ([]*db.Subscriber, error)
	ListPendingAnnouncements(ctx context.Context, limit int) ([]*db.Announcement, error)
	ListUndeliveredRecipients(ctx context.Context, announcementID int64) ([]*db.Subscriber, error)
	Acknowledge(ctx context.Context, kind db.Kind, id int64) error
	AcknowledgeRecipient(ctx context.Context, announcementID, subscriberID int64) error
	RecordFailure(ctx context.Context, kind db.Kind, id int64, reason string, maxAttempts int) (*db.FailureResult, error)
	ListDeadLetters(ctx context.Context, kind db.Kind, limit int) ([]*db.DeadLetter, error)
	Requeue(ctx context.Context, kind db.Kind, id int64) error
}

// Repository is the full store. Implemented by db.Repository.
type Repository interface {
	FormRepository
	OutboxRepository
	Health(ctx context.Context) error
}

// WakeQueue tells the relay new work exists. Implemented by sqs.Producer.
type WakeQueue interface {
	Enqueue(ctx context.Context, sig outbox.WakeSignal) (string, error)
}

// Alerter notifies operators of dead-lettered rows. Implemented by
// sns.Publisher and sns.LogPublisher.
type Alerter interface {
	Publish(ctx context.Context, alert sns.Alert) (string, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        Repository
	idempotency *redis.IdempotencyService // nil if Redis not configured
	wake        WakeQueue                 // nil if SQS not configured
	alerter     Alerter
	maxAttempts int
}

// Option configures optional Handler dependencies.
type Option func(*Handler)

func WithIdempotency(s *redis.IdempotencyService) Option {
	return func(h *Handler) { h.idempotency = s }
}

func WithWakeQueue(q WakeQueue) Option {
	return func(h *Handler) { h.wake = q }
}

func WithAlerter(a Alerter) Option {
	return func(h *Handler) { h.alerter = a }
}

// WithMaxAttempts sets how many failed deliveries dead-letter a row.
func WithMaxAttempts(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxAttempts = n
		}
	}
}

// NewHandler creates a new API handler. Alerts go to the log unless an
// Alerter is supplied.
func NewHandler(logger *zap.Logger, repo Repository, opts ...Option) *Handler {
	h := &Handler{
		logger:      logger,
		repo:        repo,
		alerter:     sns.NewLogPublisher(logger),
		maxAttempts: 5,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ContactRequest is the contact form body.
type ContactRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Subject   string `json:"subject"`
	Message   string `json:"message"`
}

type ContactResponse struct {
	Success bool  `json:"success"`
	ID      int64 `json:"id"`
}

// NewsletterRequest is the subscribe and unsubscribe body.
type NewsletterRequest struct {
	Email string `json:"email"`
}

type NewsletterResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
}

// CreateContact handles POST /api/contact.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateContact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req ContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	msg := &db.ContactMessage{
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Email:     strings.TrimSpace(req.Email),
		Subject:   strings.TrimSpace(req.Subject),
		Message:   strings.TrimSpace(req.Message),
	}
	if msg.FirstName == "" || msg.LastName == "" || msg.Email == "" || msg.Subject == "" || msg.Message == "" {
		metrics.RecordSubmission("contact", "invalid")
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"first_name, last_name, email, subject and message are required")
		return
	}
	email, ok := parseEmail(msg.Email)
	if !ok {
		metrics.RecordSubmission("contact", "invalid")
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid email", "email must be a valid address")
		return
	}
	msg.Email = email

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, "contact", idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			metrics.RecordIdempotencyHit()
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Message already received",
				"A message with this idempotency key was already stored as id "+strconv.FormatInt(cached.ResourceID, 10))
			return
		}
	}

	if err := h.repo.CreateContact(ctx, msg); err != nil {
		h.logger.Error("failed to create contact message", zap.Error(err))
		h.releaseIdempotency(ctx, "contact", idempotencyKey)
		metrics.RecordSubmission("contact", "error")
		h.writeStoreError(w, err, "Failed to save message")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			ResourceID: msg.ID,
			StatusCode: http.StatusCreated,
			CreatedAt:  time.Now().Unix(),
		}
		if err := h.idempotency.Store(ctx, "contact", idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	metrics.RecordSubmission("contact", "created")
	h.signal(ctx, outbox.KindContacts, msg.ID)
	h.writeJSON(w, http.StatusCreated, ContactResponse{Success: true, ID: msg.ID})
}

// Subscribe handles POST /api/newsletter/subscribe.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	email, ok := h.decodeEmail(w, r)
	if !ok {
		return
	}

	sub, outcome, err := h.repo.Subscribe(r.Context(), email)
	if err != nil {
		h.logger.Error("failed to subscribe", zap.Error(err))
		metrics.RecordSubmission("subscribe", "error")
		h.writeStoreError(w, err, "Failed to subscribe")
		return
	}
	metrics.RecordSubmission("subscribe", string(outcome))

	switch outcome {
	case db.AlreadySubscribed:
		h.writeJSON(w, http.StatusConflict, NewsletterResponse{Success: false, Status: string(outcome)})
		return
	case db.Reactivated:
		if !sub.WelcomeEmailSent {
			h.signal(r.Context(), outbox.KindSubscribers, sub.ID)
		}
		h.writeJSON(w, http.StatusOK, NewsletterResponse{Success: true, Status: string(outcome)})
	default:
		h.signal(r.Context(), outbox.KindSubscribers, sub.ID)
		h.writeJSON(w, http.StatusCreated, NewsletterResponse{Success: true, Status: string(outcome)})
	}
}

// Unsubscribe handles POST /api/newsletter/unsubscribe.
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	email, ok := h.decodeEmail(w, r)
	if !ok {
		return
	}

	if err := h.repo.Unsubscribe(r.Context(), email); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Subscriber not found", "")
			return
		}
		h.logger.Error("failed to unsubscribe", zap.Error(err))
		h.writeStoreError(w, err, "Failed to unsubscribe")
		return
	}

	metrics.RecordSubmission("unsubscribe", "ok")
	h.writeJSON(w, http.StatusOK, NewsletterResponse{Success: true, Status: "unsubscribed"})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Health(r.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "unhealthy", "Store unavailable", "")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) decodeEmail(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req NewsletterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return "", false
	}
	email, ok := parseEmail(req.Email)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid email", "email must be a valid address")
		return "", false
	}
	return email, true
}

// parseEmail accepts a bare address only, not "Name <addr>".
func parseEmail(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return "", false
	}
	return addr.Address, true
}

// signal enqueues a wake-up for the relay. Failures only cost latency.
func (h *Handler) signal(ctx context.Context, kind outbox.Kind, id int64) {
	if h.wake == nil {
		return
	}
	if _, err := h.wake.Enqueue(ctx, outbox.WakeSignal{Kind: kind, ID: id}); err != nil {
		h.logger.Warn("failed to enqueue wake signal",
			zap.Error(err),
			zap.String("kind", string(kind)),
			zap.Int64("id", id),
		)
	}
}

func (h *Handler) releaseIdempotency(ctx context.Context, scope, key string) {
	if key == "" || h.idempotency == nil {
		return
	}
	if err := h.idempotency.Release(ctx, scope, key); err != nil {
		h.logger.Warn("failed to release idempotency key", zap.Error(err))
	}
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error, title string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", title, "")
	case errors.Is(err, db.ErrStoreUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", title, "")
	default:
		h.writeError(w, http.StatusInternalServerError, "database_error", title, "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
