package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const subscriberColumns = `id, email, subscribed_at, is_active, welcome_email_sent,
		       attempts, last_error, dead_lettered_at`

func scanSubscriber(row pgx.Row) (*Subscriber, error) {
	var s Subscriber
	err := row.Scan(
		&s.ID, &s.Email, &s.SubscribedAt, &s.IsActive, &s.WelcomeEmailSent,
		&s.Attempts, &s.LastError, &s.DeadLetteredAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Subscribe adds an address or reactivates an unsubscribed one. Reactivation
// never touches welcome_email_sent, so an address gets one welcome ever.
// Addresses match exactly as stored.
func (r *Repository) Subscribe(ctx context.Context, email string) (*Subscriber, SubscribeOutcome, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, "", storeErr("begin subscribe", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	existing, err := lockSubscriber(ctx, tx, email)
	if errors.Is(err, pgx.ErrNoRows) {
		sub, insertErr := scanSubscriber(tx.QueryRow(ctx, `
			INSERT INTO newsletter_subscribers (email)
			VALUES ($1)
			ON CONFLICT (email) DO NOTHING
			RETURNING `+subscriberColumns, email))
		switch {
		case insertErr == nil:
			return r.commitSubscribe(ctx, tx, sub, Subscribed)
		case !errors.Is(insertErr, pgx.ErrNoRows):
			return nil, "", storeErr("insert subscriber", insertErr)
		}
		// a concurrent subscribe inserted the address first
		existing, err = lockSubscriber(ctx, tx, email)
	}
	if err != nil {
		return nil, "", storeErr("lookup subscriber", err)
	}
	if existing.IsActive {
		return existing, AlreadySubscribed, nil
	}

	sub, err := scanSubscriber(tx.QueryRow(ctx, `
		UPDATE newsletter_subscribers
		SET is_active = true
		WHERE id = $1
		RETURNING `+subscriberColumns, existing.ID))
	if err != nil {
		return nil, "", storeErr("reactivate subscriber", err)
	}
	return r.commitSubscribe(ctx, tx, sub, Reactivated)
}

func lockSubscriber(ctx context.Context, tx pgx.Tx, email string) (*Subscriber, error) {
	return scanSubscriber(tx.QueryRow(ctx, `
		SELECT `+subscriberColumns+`
		FROM newsletter_subscribers
		WHERE email = $1
		FOR UPDATE
	`, email))
}

func (r *Repository) commitSubscribe(ctx context.Context, tx pgx.Tx, sub *Subscriber, outcome SubscribeOutcome) (*Subscriber, SubscribeOutcome, error) {
	if err := tx.Commit(ctx); err != nil {
		return nil, "", storeErr("commit subscribe", err)
	}

	r.logger.Info("newsletter subscription",
		zap.Int64("id", sub.ID),
		zap.String("outcome", string(outcome)),
		zap.Bool("welcome_email_sent", sub.WelcomeEmailSent),
	)
	return sub, outcome, nil
}

// Unsubscribe deactivates an address. The row is kept.
func (r *Repository) Unsubscribe(ctx context.Context, email string) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	result, err := r.db.Pool().Exec(ctx, `
		UPDATE newsletter_subscribers SET is_active = false WHERE email = $1
	`, email)
	if err != nil {
		return storeErr("unsubscribe", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("subscriber %q: %w", email, ErrNotFound)
	}

	r.logger.Info("newsletter unsubscribe", zap.String("email", email))
	return nil
}

// ListPendingWelcomes returns active subscribers that have not received
// their welcome email, newest first.
func (r *Repository) ListPendingWelcomes(ctx context.Context, limit int) ([]*Subscriber, error) {
	return r.listSubscribers(ctx, "list pending welcomes", `
		SELECT `+subscriberColumns+`
		FROM newsletter_subscribers
		WHERE is_active AND NOT welcome_email_sent AND dead_lettered_at IS NULL
		ORDER BY subscribed_at DESC, id DESC
		LIMIT $1
	`, limit)
}

// ListActiveSubscribers returns every active subscriber for announcement fan-out.
func (r *Repository) ListActiveSubscribers(ctx context.Context) ([]*Subscriber, error) {
	return r.listSubscribers(ctx, "list active subscribers", `
		SELECT `+subscriberColumns+`
		FROM newsletter_subscribers
		WHERE is_active
		ORDER BY subscribed_at, id
	`)
}

func (r *Repository) listSubscribers(ctx context.Context, op, query string, args ...any) ([]*Subscriber, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("subscriber query failed", zap.Error(err), zap.String("op", op))
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return subs, nil
}
