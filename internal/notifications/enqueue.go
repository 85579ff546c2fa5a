package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/referral-notifier/internal/domain"
)

// EnqueueRequest describes a single notification to be queued.
type EnqueueRequest struct {
	RecipientUserID *string
	Channel         domain.Channel
	Payload         Payload
	ScheduledAt     *time.Time // nil means now
	MaxRetries      int        // 0 means the queue default
}

// Queue writes items to the notification queue.
type Queue struct {
	repo       QueueRepository
	maxRetries int
	now        func() time.Time
}

// NewQueue creates a new queue writer. maxRetries <= 0 selects DefaultMaxRetries.
func NewQueue(repo QueueRepository, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Queue{
		repo:       repo,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// Enqueue stores one pending item and returns its id.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if !req.Channel.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, req.Channel)
	}
	if req.Payload == nil {
		return "", fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}

	data, err := EncodePayload(req.Payload)
	if err != nil {
		return "", err
	}

	scheduledAt := q.now()
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}

	item := &QueueItem{
		RecipientUserID: req.RecipientUserID,
		EventType:       req.Payload.Type(),
		Channel:         req.Channel,
		Payload:         data,
		Status:          QueueStatusPending,
		MaxRetries:      maxRetries,
		ScheduledAt:     scheduledAt,
	}
	if err := q.repo.EnqueueNotification(ctx, item); err != nil {
		return "", fmt.Errorf("enqueue notification: %w", err)
	}

	recordEnqueued(item.EventType, item.Channel)
	return item.ID, nil
}
