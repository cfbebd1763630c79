package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const announcementColumns = `id, title, content, category, priority, is_published,
		       created_at, sent_to_newsletter, attempts, last_error, dead_lettered_at`

// foreign_key_violation
const pgForeignKeyViolation = "23503"

func scanAnnouncement(row pgx.Row) (*Announcement, error) {
	var a Announcement
	err := row.Scan(
		&a.ID, &a.Title, &a.Content, &a.Category, &a.Priority, &a.IsPublished,
		&a.CreatedAt, &a.SentToNewsletter, &a.Attempts, &a.LastError, &a.DeadLetteredAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAnnouncement inserts an announcement with sent_to_newsletter=false.
func (r *Repository) CreateAnnouncement(ctx context.Context, a *Announcement) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO announcements (title, content, category, priority, is_published)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, sent_to_newsletter
	`

	err := r.db.Pool().QueryRow(ctx, query,
		a.Title, a.Content, a.Category, a.Priority, a.IsPublished,
	).Scan(&a.ID, &a.CreatedAt, &a.SentToNewsletter)
	if err != nil {
		r.logger.Error("failed to create announcement", zap.Error(err))
		return storeErr("insert announcement", err)
	}

	r.logger.Info("announcement created",
		zap.Int64("id", a.ID),
		zap.String("category", a.Category),
		zap.Bool("published", a.IsPublished),
	)
	return nil
}

// ListAnnouncements pages through every announcement, newest first.
func (r *Repository) ListAnnouncements(ctx context.Context, limit, offset int) ([]*Announcement, error) {
	return r.listAnnouncements(ctx, "list announcements", `
		SELECT `+announcementColumns+`
		FROM announcements
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
}

// ListPendingAnnouncements returns published announcements not yet sent to
// the newsletter, newest first.
func (r *Repository) ListPendingAnnouncements(ctx context.Context, limit int) ([]*Announcement, error) {
	return r.listAnnouncements(ctx, "list pending announcements", `
		SELECT `+announcementColumns+`
		FROM announcements
		WHERE is_published AND NOT sent_to_newsletter AND dead_lettered_at IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
}

// SetAnnouncementPublished toggles publication. sent_to_newsletter is left alone.
func (r *Repository) SetAnnouncementPublished(ctx context.Context, id int64, published bool) (*Announcement, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	a, err := scanAnnouncement(r.db.Pool().QueryRow(ctx, `
		UPDATE announcements SET is_published = $2
		WHERE id = $1
		RETURNING `+announcementColumns, id, published))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("announcement %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("set announcement published", err)
	}

	r.logger.Info("announcement publication changed",
		zap.Int64("id", id),
		zap.Bool("published", published),
	)
	return a, nil
}

// ListUndeliveredRecipients returns active subscribers without a recorded
// delivery of the announcement. Used by tracked fan-out.
func (r *Repository) ListUndeliveredRecipients(ctx context.Context, announcementID int64) ([]*Subscriber, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	exists, err := r.exists(ctx, KindAnnouncements, announcementID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("announcement %d: %w", announcementID, ErrNotFound)
	}

	return r.listSubscribers(ctx, "list undelivered recipients", `
		SELECT s.id, s.email, s.subscribed_at, s.is_active, s.welcome_email_sent,
		       s.attempts, s.last_error, s.dead_lettered_at
		FROM newsletter_subscribers s
		WHERE s.is_active
		  AND NOT EXISTS (
		      SELECT 1 FROM announcement_deliveries d
		      WHERE d.announcement_id = $1 AND d.subscriber_id = s.id
		  )
		ORDER BY s.subscribed_at, s.id
	`, announcementID)
}

// AcknowledgeRecipient records one successful fan-out send. Repeating it is a no-op.
func (r *Repository) AcknowledgeRecipient(ctx context.Context, announcementID, subscriberID int64) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO announcement_deliveries (announcement_id, subscriber_id)
		VALUES ($1, $2)
		ON CONFLICT (announcement_id, subscriber_id) DO NOTHING
	`, announcementID, subscriberID)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return fmt.Errorf("announcement %d recipient %d: %w", announcementID, subscriberID, ErrNotFound)
	}
	if err != nil {
		return storeErr("acknowledge recipient", err)
	}
	return nil
}

func (r *Repository) listAnnouncements(ctx context.Context, op, query string, args ...any) ([]*Announcement, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("announcement query failed", zap.Error(err), zap.String("op", op))
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []*Announcement
	for rows.Next() {
		a, err := scanAnnouncement(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}
