package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/vlasia/internal/metrics"
	"github.com/lalithlochan/vlasia/internal/redis"
)

// RouterConfig carries the secrets and limiter the routes are guarded by.
type RouterConfig struct {
	OutboxSecret string
	AdminAPIKey  string
	// FormLimiter throttles the public forms per client IP. Nil disables it.
	FormLimiter *redis.RateLimiter
}

// NewRouter mounts the public, admin and outbox routes.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(RateLimitMiddleware(cfg.FormLimiter, logger, IPKeyFunc))

			r.Post("/contact", h.CreateContact)
			r.Post("/newsletter/subscribe", h.Subscribe)
			r.Post("/newsletter/unsubscribe", h.Unsubscribe)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(BearerAuth(cfg.AdminAPIKey, logger))

			r.Post("/announcements", h.CreateAnnouncement)
			r.Get("/announcements", h.ListAnnouncements)
			r.Post("/announcements/{id}/publish", h.PublishAnnouncement)
			r.Post("/announcements/{id}/unpublish", h.UnpublishAnnouncement)
		})

		r.Route("/outbox", func(r chi.Router) {
			r.Use(BearerAuth(cfg.OutboxSecret, logger))

			r.Get("/contacts", h.PendingContacts)
			r.Get("/subscribers", h.PendingWelcomes)
			r.Get("/subscribers/active", h.ActiveSubscribers)
			r.Get("/announcements", h.PendingAnnouncements)
			r.Get("/announcements/{id}/recipients", h.UndeliveredRecipients)
			r.Post("/announcements/{id}/recipients/{subscriber_id}/ack", h.AcknowledgeRecipient)

			r.Get("/{kind}/dead", h.DeadLetters)
			r.Post("/{kind}/{id}/ack", h.Acknowledge)
			r.Post("/{kind}/{id}/failure", h.ReportFailure)
			r.Post("/{kind}/{id}/requeue", h.Requeue)
		})
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	return r
}
