package notifications

import (
	"time"

	"github.com/bissquit/referral-notifier/internal/domain"
)

// QueueStatus represents the status of a queue item.
type QueueStatus string

// Queue statuses.
const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusSent       QueueStatus = "sent"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCancelled  QueueStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusSent || s == QueueStatusFailed || s == QueueStatusCancelled
}

// DefaultMaxRetries is the retry budget of an item enqueued without one.
const DefaultMaxRetries = 3

// QueueItem represents one (recipient, channel) delivery in the queue.
// Payload is the encoded event payload captured at enqueue time.
type QueueItem struct {
	ID                string         `json:"id"`
	RecipientUserID   *string        `json:"recipient_user_id"`
	EventType         EventType      `json:"event_type"`
	Channel           domain.Channel `json:"channel"`
	Payload           []byte         `json:"-"`
	Status            QueueStatus    `json:"status"`
	RetryCount        int            `json:"retry_count"`
	MaxRetries        int            `json:"max_retries"`
	ScheduledAt       time.Time      `json:"scheduled_at"`
	ProcessedAt       *time.Time     `json:"processed_at"`
	CompletedAt       *time.Time     `json:"completed_at"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// QueueStats holds item counts by status.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
}

// Total returns the number of items across all statuses.
func (s *QueueStats) Total() int64 {
	return s.Pending + s.Processing + s.Sent + s.Failed + s.Cancelled
}
