package db

import (
	"context"

	"go.uber.org/zap"
)

// CreateContact stores a contact form submission with notification_sent=false.
func (r *Repository) CreateContact(ctx context.Context, c *ContactMessage) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO contact_messages (first_name, last_name, email, subject, message)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, notification_sent
	`

	err := r.db.Pool().QueryRow(ctx, query,
		c.FirstName, c.LastName, c.Email, c.Subject, c.Message,
	).Scan(&c.ID, &c.CreatedAt, &c.NotificationSent)
	if err != nil {
		r.logger.Error("failed to create contact message",
			zap.Error(err),
			zap.String("email", c.Email),
		)
		return storeErr("insert contact message", err)
	}

	r.logger.Info("contact message stored",
		zap.Int64("id", c.ID),
		zap.String("subject", c.Subject),
	)
	return nil
}

// ListPendingContacts returns up to limit contacts still awaiting a
// notification, newest first.
func (r *Repository) ListPendingContacts(ctx context.Context, limit int) ([]*ContactMessage, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, first_name, last_name, email, subject, message,
		       created_at, notification_sent, attempts, last_error, dead_lettered_at
		FROM contact_messages
		WHERE NOT notification_sent AND dead_lettered_at IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		r.logger.Error("failed to list pending contacts", zap.Error(err))
		return nil, storeErr("list pending contacts", err)
	}
	defer rows.Close()

	var contacts []*ContactMessage
	for rows.Next() {
		var c ContactMessage
		if err := rows.Scan(
			&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.Subject, &c.Message,
			&c.CreatedAt, &c.NotificationSent, &c.Attempts, &c.LastError, &c.DeadLetteredAt,
		); err != nil {
			return nil, storeErr("scan contact", err)
		}
		contacts = append(contacts, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate contacts", err)
	}

	return contacts, nil
}
