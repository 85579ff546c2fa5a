// Package notifications provides the notification queue, fan-out and delivery worker.
package notifications

import (
	"context"
	"time"

	"github.com/bissquit/referral-notifier/internal/domain"
)

// QueueRepository defines data access for the notification queue.
type QueueRepository interface {
	EnqueueNotification(ctx context.Context, item *QueueItem) error
	GetItem(ctx context.Context, id string) (*QueueItem, error)

	// ClaimDue atomically moves up to limit due pending items to processing
	// and returns exactly the claimed items.
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]*QueueItem, error)

	// State transitions below only apply to items in processing state.
	MarkAsSent(ctx context.Context, id, providerMessageID string, completedAt time.Time) error
	MarkForRetry(ctx context.Context, id string, retryCount int, cause error, nextAttempt time.Time) error
	MarkAsFailed(ctx context.Context, id string, retryCount int, cause error, completedAt time.Time) error
	// ReleaseClaim returns a processing item to pending without counting an attempt.
	ReleaseClaim(ctx context.Context, id string) error

	CancelItem(ctx context.Context, id string) (*QueueItem, error)
	// RecoverStuckProcessing counts an abandoned claim as a failed attempt:
	// items go back to pending, or to failed once retries are used up.
	RecoverStuckProcessing(ctx context.Context, claimedBefore time.Time) (int64, error)
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
	GetQueueStats(ctx context.Context, window time.Duration) (*QueueStats, error)
}

// PreferenceStore reads per-user delivery preferences.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID string) (Preferences, error)
}

// PreferenceRepository reads and writes per-user delivery preferences.
type PreferenceRepository interface {
	PreferenceStore
	SetPreference(ctx context.Context, userID string, eventType EventType, channel domain.Channel, enabled bool) error
}

// InAppReader lists stored in-app notifications.
type InAppReader interface {
	ListForUser(ctx context.Context, userID string, limit int) ([]domain.InAppNotification, error)
}

// RecipientResolver resolves broadcast audiences.
type RecipientResolver interface {
	// FindOrganizationReferrers returns users currently employed at the
	// organization with a verified affiliation, excluding excludeUserID.
	FindOrganizationReferrers(ctx context.Context, organizationID, excludeUserID string) ([]domain.RecipientUser, error)
}
