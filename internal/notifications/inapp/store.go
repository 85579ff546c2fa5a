// Package inapp stores in-app notifications and publishes them to live subscribers.
package inapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bissquit/referral-notifier/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Publisher pushes a stored notification to connected clients.
type Publisher interface {
	Publish(ctx context.Context, n *domain.InAppNotification) error
}

// Store implements notifications.InAppStore. The row is the source of truth;
// publishing is best effort and never fails the insert.
type Store struct {
	db        *pgxpool.Pool
	publisher Publisher
}

// NewStore creates a new in-app store. publisher may be nil.
func NewStore(db *pgxpool.Pool, publisher Publisher) *Store {
	return &Store{db: db, publisher: publisher}
}

// Insert stores the notification and fills its ID and CreatedAt.
func (s *Store) Insert(ctx context.Context, n *domain.InAppNotification) error {
	query := `
		INSERT INTO notifications (user_id, title, body, icon, action_url, event_type, reference_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
		RETURNING id, is_read, created_at
	`
	err := s.db.QueryRow(ctx, query,
		n.UserID,
		n.Title,
		n.Body,
		n.Icon,
		n.ActionURL,
		n.EventType,
		n.ReferenceID,
	).Scan(&n.ID, &n.IsRead, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, n); err != nil {
			slog.Warn("failed to publish in-app notification",
				"notification_id", n.ID,
				"user_id", n.UserID,
				"error", err,
			)
		}
	}

	return nil
}

// ListForUser returns the latest notifications of a user, newest first.
func (s *Store) ListForUser(ctx context.Context, userID string, limit int) ([]domain.InAppNotification, error) {
	query := `
		SELECT id, user_id, title, body, icon, COALESCE(action_url, ''), event_type, reference_id, is_read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	result := make([]domain.InAppNotification, 0)
	for rows.Next() {
		var n domain.InAppNotification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &n.Icon, &n.ActionURL,
			&n.EventType, &n.ReferenceID, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		result = append(result, n)
	}

	return result, rows.Err()
}

// RedisPublisher publishes notifications to a per-user Redis channel.
type RedisPublisher struct {
	client redis.UniversalClient
}

// NewRedisPublisher creates a publisher over an existing Redis client.
func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// ChannelName returns the Redis channel of a user's live notifications.
func ChannelName(userID string) string {
	return "notifications:user:" + userID
}

// Publish sends the notification as JSON to the user's channel.
func (p *RedisPublisher) Publish(ctx context.Context, n *domain.InAppNotification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := p.client.Publish(ctx, ChannelName(n.UserID), payload).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
