package postgres

import (
	"context"
	"fmt"

	"github.com/bissquit/referral-notifier/internal/domain"
	"github.com/bissquit/referral-notifier/internal/notifications"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PreferenceStore implements notifications.PreferenceStore using PostgreSQL.
type PreferenceStore struct {
	db *pgxpool.Pool
}

// NewPreferenceStore creates a new PostgreSQL preference store.
func NewPreferenceStore(db *pgxpool.Pool) *PreferenceStore {
	return &PreferenceStore{db: db}
}

// GetPreferences loads the explicit flags stored for a user.
func (s *PreferenceStore) GetPreferences(ctx context.Context, userID string) (notifications.Preferences, error) {
	query := `
		SELECT event_type, channel, enabled
		FROM notification_preferences
		WHERE user_id = $1
	`
	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return notifications.Preferences{}, fmt.Errorf("get preferences: %w", err)
	}
	defer rows.Close()

	prefs := notifications.Preferences{
		UserID:   userID,
		Explicit: make(map[notifications.PreferenceKey]bool),
	}
	for rows.Next() {
		var (
			eventType notifications.EventType
			channel   domain.Channel
			enabled   bool
		)
		if err := rows.Scan(&eventType, &channel, &enabled); err != nil {
			return notifications.Preferences{}, fmt.Errorf("scan preference: %w", err)
		}
		prefs.Explicit[notifications.PreferenceKey{EventType: eventType, Channel: channel}] = enabled
	}
	if err := rows.Err(); err != nil {
		return notifications.Preferences{}, fmt.Errorf("get preferences: %w", err)
	}

	return prefs, nil
}

// SetPreference stores an explicit flag for a user.
func (s *PreferenceStore) SetPreference(ctx context.Context, userID string, eventType notifications.EventType, channel domain.Channel, enabled bool) error {
	query := `
		INSERT INTO notification_preferences (user_id, event_type, channel, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, event_type, channel)
		DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()
	`
	if _, err := s.db.Exec(ctx, query, userID, eventType, channel, enabled); err != nil {
		return fmt.Errorf("set preference: %w", err)
	}
	return nil
}
