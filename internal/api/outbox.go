package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/vlasia/internal/db"
	"github.com/lalithlochan/vlasia/internal/metrics"
	"github.com/lalithlochan/vlasia/internal/outbox"
	"github.com/lalithlochan/vlasia/internal/sns"
)

const (
	defaultOutboxLimit = 50
	maxOutboxLimit     = 100
)

// outboxLimit reads ?limit=, defaulting to 50 and clamping to [1,100].
func outboxLimit(r *http.Request) int {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultOutboxLimit
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultOutboxLimit
	}
	if n < 1 {
		return 1
	}
	if n > maxOutboxLimit {
		return maxOutboxLimit
	}
	return n
}

func toContact(c *db.ContactMessage) outbox.Contact {
	return outbox.Contact{
		ID:               c.ID,
		FirstName:        c.FirstName,
		LastName:         c.LastName,
		Email:            c.Email,
		Subject:          c.Subject,
		Message:          c.Message,
		CreatedAt:        c.CreatedAt,
		NotificationSent: c.NotificationSent,
	}
}

func toSubscriber(s *db.Subscriber) outbox.Subscriber {
	return outbox.Subscriber{
		ID:               s.ID,
		Email:            s.Email,
		SubscribedAt:     s.SubscribedAt,
		WelcomeEmailSent: s.WelcomeEmailSent,
	}
}

func toRecipients(subs []*db.Subscriber) []outbox.Recipient {
	out := make([]outbox.Recipient, 0, len(subs))
	for _, s := range subs {
		out = append(out, outbox.Recipient{ID: s.ID, Email: s.Email, SubscribedAt: s.SubscribedAt})
	}
	return out
}

func toAnnouncement(a *db.Announcement) outbox.Announcement {
	return outbox.Announcement{
		ID:               a.ID,
		Title:            a.Title,
		Content:          a.Content,
		Category:         a.Category,
		Priority:         a.Priority,
		CreatedAt:        a.CreatedAt,
		SentToNewsletter: a.SentToNewsletter,
	}
}

// PendingContacts handles GET /api/outbox/contacts
func (h *Handler) PendingContacts(w http.ResponseWriter, r *http.Request) {
	rows, err := h.repo.ListPendingContacts(r.Context(), outboxLimit(r))
	if err != nil {
		h.outboxListError(w, outbox.KindContacts, err)
		return
	}

	out := make([]outbox.Contact, 0, len(rows))
	for _, c := range rows {
		out = append(out, toContact(c))
	}
	metrics.RecordOutboxListed(string(outbox.KindContacts), len(out))
	h.writeJSON(w, http.StatusOK, outbox.ContactsResponse{Success: true, Contacts: out})
}

// PendingWelcomes handles GET /api/outbox/subscribers
func (h *Handler) PendingWelcomes(w http.ResponseWriter, r *http.Request) {
	rows, err := h.repo.ListPendingWelcomes(r.Context(), outboxLimit(r))
	if err != nil {
		h.outboxListError(w, outbox.KindSubscribers, err)
		return
	}

	out := make([]outbox.Subscriber, 0, len(rows))
	for _, s := range rows {
		out = append(out, toSubscriber(s))
	}
	metrics.RecordOutboxListed(string(outbox.KindSubscribers), len(out))
	h.writeJSON(w, http.StatusOK, outbox.SubscribersResponse{Success: true, Subscribers: out})
}

// ActiveSubscribers handles GET /api/outbox/subscribers/active
func (h *Handler) ActiveSubscribers(w http.ResponseWriter, r *http.Request) {
	rows, err := h.repo.ListActiveSubscribers(r.Context())
	if err != nil {
		h.outboxListError(w, outbox.KindSubscribers, err)
		return
	}
	h.writeJSON(w, http.StatusOK, outbox.RecipientsResponse{Success: true, Subscribers: toRecipients(rows)})
}

// PendingAnnouncements handles GET /api/outbox/announcements
func (h *Handler) PendingAnnouncements(w http.ResponseWriter, r *http.Request) {
	rows, err := h.repo.ListPendingAnnouncements(r.Context(), outboxLimit(r))
	if err != nil {
		h.outboxListError(w, outbox.KindAnnouncements, err)
		return
	}

	out := make([]outbox.Announcement, 0, len(rows))
	for _, a := range rows {
		out = append(out, toAnnouncement(a))
	}
	metrics.RecordOutboxListed(string(outbox.KindAnnouncements), len(out))
	h.writeJSON(w, http.StatusOK, outbox.AnnouncementsResponse{Success: true, Announcements: out})
}

// UndeliveredRecipients handles GET /api/outbox/announcements/{id}/recipients
func (h *Handler) UndeliveredRecipients(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	rows, err := h.repo.ListUndeliveredRecipients(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Announcement not found", "")
			return
		}
		h.outboxListError(w, outbox.KindAnnouncements, err)
		return
	}
	h.writeJSON(w, http.StatusOK, outbox.RecipientsResponse{Success: true, Subscribers: toRecipients(rows)})
}

// Acknowledge handles POST /api/outbox/{kind}/{id}/ack
func (h *Handler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := h.kindAndID(w, r)
	if !ok {
		return
	}

	if err := h.repo.Acknowledge(r.Context(), kind, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			metrics.RecordOutboxAck(string(kind), "not_found")
			h.writeError(w, http.StatusNotFound, "not_found", "Outbox row not found", "")
			return
		}
		metrics.RecordOutboxAck(string(kind), "error")
		h.logger.Error("acknowledge failed", zap.Error(err), zap.String("kind", string(kind)), zap.Int64("id", id))
		h.writeStoreError(w, err, "Failed to acknowledge")
		return
	}

	metrics.RecordOutboxAck(string(kind), "ok")
	h.writeJSON(w, http.StatusOK, outbox.AckResponse{Success: true})
}

// AcknowledgeRecipient handles POST /api/outbox/announcements/{id}/recipients/{subscriber_id}/ack
func (h *Handler) AcknowledgeRecipient(w http.ResponseWriter, r *http.Request) {
	annID, ok := h.parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	subID, ok := h.parseID(w, chi.URLParam(r, "subscriber_id"))
	if !ok {
		return
	}

	if err := h.repo.AcknowledgeRecipient(r.Context(), annID, subID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Announcement or subscriber not found", "")
			return
		}
		h.logger.Error("recipient acknowledge failed", zap.Error(err),
			zap.Int64("announcement_id", annID), zap.Int64("subscriber_id", subID))
		h.writeStoreError(w, err, "Failed to acknowledge recipient")
		return
	}
	h.writeJSON(w, http.StatusOK, outbox.AckResponse{Success: true})
}

// ReportFailure handles POST /api/outbox/{kind}/{id}/failure
func (h *Handler) ReportFailure(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := h.kindAndID(w, r)
	if !ok {
		return
	}

	var req outbox.FailureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	reason := strings.TrimSpace(req.Error)
	if reason == "" {
		reason = "unspecified delivery failure"
	}

	res, err := h.repo.RecordFailure(r.Context(), kind, id, reason, h.maxAttempts)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Outbox row not found", "")
			return
		}
		h.logger.Error("failure report failed", zap.Error(err), zap.String("kind", string(kind)), zap.Int64("id", id))
		h.writeStoreError(w, err, "Failed to record failure")
		return
	}

	metrics.RecordOutboxFailure(string(kind))
	if res.NewlyDeadLettered {
		metrics.RecordDeadLetter(string(kind))
		alert := sns.Alert{
			Kind:           string(kind),
			ID:             id,
			Attempts:       res.Attempts,
			LastError:      reason,
			DeadLetteredAt: time.Now().UTC(),
		}
		if _, err := h.alerter.Publish(r.Context(), alert); err != nil {
			h.logger.Error("failed to publish dead-letter alert", zap.Error(err),
				zap.String("kind", string(kind)), zap.Int64("id", id))
		}
	}

	h.writeJSON(w, http.StatusOK, outbox.FailureResponse{
		Success:             true,
		Attempts:            res.Attempts,
		DeadLettered:        res.DeadLettered,
		AlreadyAcknowledged: res.AlreadyAcknowledged,
	})
}

// DeadLetters handles GET /api/outbox/{kind}/dead
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	kind, err := db.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Unknown outbox kind", err.Error())
		return
	}

	items, err := h.repo.ListDeadLetters(r.Context(), kind, outboxLimit(r))
	if err != nil {
		h.logger.Error("failed to list dead letters", zap.Error(err), zap.String("kind", string(kind)))
		h.writeStoreError(w, err, "Failed to list dead letters")
		return
	}
	if items == nil {
		items = []*db.DeadLetter{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "items": items})
}

// Requeue handles POST /api/outbox/{kind}/{id}/requeue
func (h *Handler) Requeue(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := h.kindAndID(w, r)
	if !ok {
		return
	}

	if err := h.repo.Requeue(r.Context(), kind, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Outbox row not found", "")
			return
		}
		h.logger.Error("requeue failed", zap.Error(err), zap.String("kind", string(kind)), zap.Int64("id", id))
		h.writeStoreError(w, err, "Failed to requeue")
		return
	}

	h.signal(r.Context(), outbox.Kind(kind), id)
	h.writeJSON(w, http.StatusOK, outbox.AckResponse{Success: true})
}

func (h *Handler) kindAndID(w http.ResponseWriter, r *http.Request) (db.Kind, int64, bool) {
	kind, err := db.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Unknown outbox kind", err.Error())
		return "", 0, false
	}
	id, ok := h.parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return "", 0, false
	}
	return kind, id, true
}

// outboxListError answers 503 for an unreachable store so the relay treats
// it as "no work this cycle".
func (h *Handler) outboxListError(w http.ResponseWriter, kind outbox.Kind, err error) {
	h.logger.Error("outbox discovery failed", zap.Error(err), zap.String("kind", string(kind)))
	h.writeStoreError(w, err, "Failed to list pending "+string(kind))
}
