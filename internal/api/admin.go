package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/vlasia/internal/db"
	"github.com/lalithlochan/vlasia/internal/outbox"
)

// AnnouncementRequest creates an announcement. Category and priority default
// to general and normal.
type AnnouncementRequest struct {
	Title       string `json:"title"`
	Content     string `json:"content"`
	Category    string `json:"category"`
	Priority    string `json:"priority"`
	IsPublished bool   `json:"is_published"`
}

// CreateAnnouncement handles POST /api/admin/announcements
func (h *Handler) CreateAnnouncement(w http.ResponseWriter, r *http.Request) {
	var req AnnouncementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	a := &db.Announcement{
		Title:       strings.TrimSpace(req.Title),
		Content:     strings.TrimSpace(req.Content),
		Category:    req.Category,
		Priority:    req.Priority,
		IsPublished: req.IsPublished,
	}
	if a.Category == "" {
		a.Category = db.CategoryGeneral
	}
	if a.Priority == "" {
		a.Priority = db.PriorityNormal
	}

	if a.Title == "" || a.Content == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "title and content are required")
		return
	}
	if !db.ValidCategory(a.Category) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid category",
			"category must be one of: general, event, important, news")
		return
	}
	if !db.ValidPriority(a.Priority) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid priority",
			"priority must be one of: low, normal, high, urgent")
		return
	}

	if err := h.repo.CreateAnnouncement(r.Context(), a); err != nil {
		h.logger.Error("failed to create announcement", zap.Error(err))
		h.writeStoreError(w, err, "Failed to create announcement")
		return
	}

	if a.IsPublished {
		h.signal(r.Context(), outbox.KindAnnouncements, a.ID)
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"success":      true,
		"announcement": a,
	})
}

// ListAnnouncements handles GET /api/admin/announcements?limit=20&offset=0
func (h *Handler) ListAnnouncements(w http.ResponseWriter, r *http.Request) {
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	items, err := h.repo.ListAnnouncements(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list announcements", zap.Error(err))
		h.writeStoreError(w, err, "Failed to list announcements")
		return
	}
	if items == nil {
		items = []*db.Announcement{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"announcements": items,
		"limit":         limit,
		"offset":        offset,
		"count":         len(items),
	})
}

// PublishAnnouncement handles POST /api/admin/announcements/{id}/publish
func (h *Handler) PublishAnnouncement(w http.ResponseWriter, r *http.Request) {
	h.setPublished(w, r, true)
}

// UnpublishAnnouncement handles POST /api/admin/announcements/{id}/unpublish
func (h *Handler) UnpublishAnnouncement(w http.ResponseWriter, r *http.Request) {
	h.setPublished(w, r, false)
}

func (h *Handler) setPublished(w http.ResponseWriter, r *http.Request, published bool) {
	id, ok := h.parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	a, err := h.repo.SetAnnouncementPublished(r.Context(), id, published)
	if err != nil {
		h.logger.Error("failed to change announcement publication", zap.Error(err), zap.Int64("id", id))
		h.writeStoreError(w, err, "Failed to update announcement")
		return
	}

	if published && !a.SentToNewsletter {
		h.signal(r.Context(), outbox.KindAnnouncements, a.ID)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"announcement": a,
	})
}

func (h *Handler) parseID(w http.ResponseWriter, s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a positive integer")
		return 0, false
	}
	return id, true
}
