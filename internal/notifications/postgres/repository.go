// Package postgres provides PostgreSQL implementation of the notifications repositories.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/referral-notifier/internal/notifications"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const queueColumns = `
	id, recipient_user_id, event_type, channel, payload, status,
	retry_count, max_retries, scheduled_at, processed_at, completed_at,
	COALESCE(error_message, ''), COALESCE(provider_message_id, ''),
	created_at, updated_at`

// Repository implements notifications.QueueRepository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func scanItem(row pgx.Row) (*notifications.QueueItem, error) {
	var item notifications.QueueItem
	err := row.Scan(
		&item.ID,
		&item.RecipientUserID,
		&item.EventType,
		&item.Channel,
		&item.Payload,
		&item.Status,
		&item.RetryCount,
		&item.MaxRetries,
		&item.ScheduledAt,
		&item.ProcessedAt,
		&item.CompletedAt,
		&item.ErrorMessage,
		&item.ProviderMessageID,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// EnqueueNotification inserts a pending item and fills its generated fields.
func (r *Repository) EnqueueNotification(ctx context.Context, item *notifications.QueueItem) error {
	query := `
		INSERT INTO notification_queue (recipient_user_id, event_type, channel, payload, status, max_retries, scheduled_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6)
		RETURNING id, status, retry_count, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		item.RecipientUserID,
		item.EventType,
		item.Channel,
		item.Payload,
		item.MaxRetries,
		item.ScheduledAt,
	).Scan(&item.ID, &item.Status, &item.RetryCount, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

// GetItem retrieves a queue item by ID.
func (r *Repository) GetItem(ctx context.Context, id string) (*notifications.QueueItem, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, notifications.ErrQueueItemNotFound
	}

	query := `SELECT ` + queueColumns + ` FROM notification_queue WHERE id = $1`
	item, err := scanItem(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrQueueItemNotFound
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// ClaimDue moves up to limit due pending items to processing in a single
// statement. Rows locked by a concurrent claim are skipped, so concurrent
// callers never receive the same item.
func (r *Repository) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*notifications.QueueItem, error) {
	query := `
		UPDATE notification_queue q
		SET status = 'processing', processed_at = $2, updated_at = $2
		WHERE q.id IN (
			SELECT id FROM notification_queue
			WHERE status = 'pending' AND scheduled_at <= $2 AND retry_count < max_retries
			ORDER BY scheduled_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		AND q.status = 'pending'
		RETURNING ` + queueColumns

	rows, err := r.db.Query(ctx, query, limit, now)
	if err != nil {
		return nil, fmt.Errorf("claim due items: %w", err)
	}
	defer rows.Close()

	items := make([]*notifications.QueueItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due items: %w", err)
	}

	return items, nil
}

// MarkAsSent marks a processing item as delivered.
func (r *Repository) MarkAsSent(ctx context.Context, id, providerMessageID string, completedAt time.Time) error {
	query := `
		UPDATE notification_queue
		SET status = 'sent', completed_at = $3, provider_message_id = NULLIF($2, ''),
		    error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	return r.execTransition(ctx, "mark as sent", query, id, providerMessageID, completedAt)
}

// MarkForRetry returns a processing item to pending with a later schedule.
func (r *Repository) MarkForRetry(ctx context.Context, id string, retryCount int, cause error, nextAttempt time.Time) error {
	query := `
		UPDATE notification_queue
		SET status = 'pending', retry_count = $2, error_message = $3, scheduled_at = $4,
		    processed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	return r.execTransition(ctx, "mark for retry", query, id, retryCount, errorText(cause), nextAttempt)
}

// MarkAsFailed marks a processing item as permanently failed.
func (r *Repository) MarkAsFailed(ctx context.Context, id string, retryCount int, cause error, completedAt time.Time) error {
	query := `
		UPDATE notification_queue
		SET status = 'failed', retry_count = $2, error_message = $3, completed_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	return r.execTransition(ctx, "mark as failed", query, id, retryCount, errorText(cause), completedAt)
}

// ReleaseClaim returns a processing item to pending, keeping its retry count and schedule.
func (r *Repository) ReleaseClaim(ctx context.Context, id string) error {
	query := `
		UPDATE notification_queue
		SET status = 'pending', processed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	return r.execTransition(ctx, "release claim", query, id)
}

func (r *Repository) execTransition(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, notifications.ErrQueueItemNotClaimed)
	}
	return nil
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}

// CancelItem moves a pending item to cancelled.
func (r *Repository) CancelItem(ctx context.Context, id string) (*notifications.QueueItem, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, notifications.ErrQueueItemNotFound
	}

	query := `
		UPDATE notification_queue
		SET status = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + queueColumns

	item, err := scanItem(r.db.QueryRow(ctx, query, id))
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cancel queue item: %w", err)
	}

	// Distinguish a missing item from one in another state.
	if _, err := r.GetItem(ctx, id); err != nil {
		return nil, err
	}
	return nil, notifications.ErrQueueItemNotCancellable
}

// RecoverStuckProcessing treats items claimed before claimedBefore as a failed
// attempt. Items with retries left go back to pending, the rest become failed,
// so a row that kills its worker every time cannot be claimed forever.
func (r *Repository) RecoverStuckProcessing(ctx context.Context, claimedBefore time.Time) (int64, error) {
	query := `
		UPDATE notification_queue
		SET retry_count   = retry_count + 1,
		    status        = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
		    completed_at  = CASE WHEN retry_count + 1 >= max_retries THEN NOW() END,
		    processed_at  = CASE WHEN retry_count + 1 >= max_retries THEN processed_at END,
		    error_message = $2,
		    updated_at    = NOW()
		WHERE status = 'processing' AND processed_at < $1
	`
	result, err := r.db.Exec(ctx, query, claimedBefore, notifications.ErrClaimExpired.Error())
	if err != nil {
		return 0, fmt.Errorf("recover stuck items: %w", err)
	}
	return result.RowsAffected(), nil
}

// PurgeTerminal deletes sent, failed and cancelled items completed more than olderThan ago.
func (r *Repository) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM notification_queue
		WHERE status IN ('sent', 'failed', 'cancelled')
		  AND COALESCE(completed_at, updated_at) < $1
	`
	result, err := r.db.Exec(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge terminal items: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetQueueStats counts items by status. A positive window limits the count
// to items created within it.
func (r *Repository) GetQueueStats(ctx context.Context, window time.Duration) (*notifications.QueueStats, error) {
	var since *time.Time
	if window > 0 {
		t := time.Now().Add(-window)
		since = &t
	}

	query := `
		SELECT status, COUNT(*)
		FROM notification_queue
		WHERE $1::timestamptz IS NULL OR created_at >= $1
		GROUP BY status
	`
	rows, err := r.db.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	defer rows.Close()

	stats := &notifications.QueueStats{}
	for rows.Next() {
		var status notifications.QueueStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		switch status {
		case notifications.QueueStatusPending:
			stats.Pending = count
		case notifications.QueueStatusProcessing:
			stats.Processing = count
		case notifications.QueueStatusSent:
			stats.Sent = count
		case notifications.QueueStatusFailed:
			stats.Failed = count
		case notifications.QueueStatusCancelled:
			stats.Cancelled = count
		}
	}

	return stats, rows.Err()
}
