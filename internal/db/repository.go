package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for the outbox tables
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Health pings the store under the query timeout.
func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

// Acknowledge flips the completion flag of one row to true. It succeeds when
// the flag is already true and clears any dead-letter state.
func (r *Repository) Acknowledge(ctx context.Context, kind Kind, id int64) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET %s = true, dead_lettered_at = NULL
		WHERE id = $1
	`, kind.table(), kind.flag())

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		r.logger.Error("failed to acknowledge",
			zap.Error(err),
			zap.String("kind", string(kind)),
			zap.Int64("id", id),
		)
		return storeErr("acknowledge", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}

	r.logger.Info("outbox row acknowledged",
		zap.String("kind", string(kind)),
		zap.Int64("id", id),
	)
	return nil
}

// RecordFailure counts one failed delivery attempt. Once attempts reach
// maxAttempts the row is dead-lettered and disappears from discovery.
func (r *Repository) RecordFailure(ctx context.Context, kind Kind, id int64, reason string, maxAttempts int) (*FailureResult, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	// prev holds the row lock and the dead-letter state before this failure
	query := fmt.Sprintf(`
		WITH prev AS (
			SELECT id, dead_lettered_at IS NOT NULL AS was_dead
			FROM %[1]s
			WHERE id = $1 AND NOT %[2]s
			FOR UPDATE
		)
		UPDATE %[1]s AS t
		SET attempts = t.attempts + 1,
		    last_error = $2,
		    dead_lettered_at = CASE
		        WHEN t.dead_lettered_at IS NULL AND t.attempts + 1 >= $3 THEN NOW()
		        ELSE t.dead_lettered_at
		    END
		FROM prev
		WHERE t.id = prev.id
		RETURNING t.attempts, t.dead_lettered_at IS NOT NULL,
		          NOT prev.was_dead AND t.dead_lettered_at IS NOT NULL
	`, kind.table(), kind.flag())

	var res FailureResult
	err := r.db.Pool().QueryRow(ctx, query, id, reason, maxAttempts).Scan(&res.Attempts, &res.DeadLettered, &res.NewlyDeadLettered)
	if errors.Is(err, pgx.ErrNoRows) {
		exists, existsErr := r.exists(ctx, kind, id)
		if existsErr != nil {
			return nil, existsErr
		}
		if !exists {
			return nil, fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
		}
		return &FailureResult{AlreadyAcknowledged: true}, nil
	}
	if err != nil {
		r.logger.Error("failed to record delivery failure",
			zap.Error(err),
			zap.String("kind", string(kind)),
			zap.Int64("id", id),
		)
		return nil, storeErr("record failure", err)
	}

	r.logger.Warn("outbox delivery failure recorded",
		zap.String("kind", string(kind)),
		zap.Int64("id", id),
		zap.Int("attempts", res.Attempts),
		zap.Bool("dead_lettered", res.DeadLettered),
	)
	return &res, nil
}

// ListDeadLetters returns dead-lettered rows of one kind, most recent first.
func (r *Repository) ListDeadLetters(ctx context.Context, kind Kind, limit int) ([]*DeadLetter, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, %s, attempts, last_error, dead_lettered_at
		FROM %s
		WHERE dead_lettered_at IS NOT NULL AND NOT %s
		ORDER BY dead_lettered_at DESC, id DESC
		LIMIT $1
	`, kind.summary(), kind.table(), kind.flag())

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, storeErr("list dead letters", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		dl := &DeadLetter{Kind: kind}
		if err := rows.Scan(&dl.ID, &dl.Summary, &dl.Attempts, &dl.LastError, &dl.DeadLetteredAt); err != nil {
			return nil, storeErr("scan dead letter", err)
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate dead letters", err)
	}
	return out, nil
}

// Requeue resets the attempt counter so the row shows up in discovery again.
func (r *Repository) Requeue(ctx context.Context, kind Kind, id int64) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET attempts = 0, last_error = NULL, dead_lettered_at = NULL
		WHERE id = $1
	`, kind.table())

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return storeErr("requeue", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}

	r.logger.Info("outbox row requeued",
		zap.String("kind", string(kind)),
		zap.Int64("id", id),
	)
	return nil
}

func (r *Repository) exists(ctx context.Context, kind Kind, id int64) (bool, error) {
	var ok bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, kind.table())
	if err := r.db.Pool().QueryRow(ctx, query, id).Scan(&ok); err != nil {
		return false, storeErr("check existence", err)
	}
	return ok, nil
}
