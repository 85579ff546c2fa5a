package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/referral-notifier/internal/domain"
)

// Service exposes queue operations to the HTTP layer.
type Service struct {
	repo   QueueRepository
	queue  *Queue
	fanOut *FanOut
	worker *Worker
	prefs  PreferenceRepository
	inApp  InAppReader
}

// NewService creates a new notifications service.
func NewService(repo QueueRepository, queue *Queue, fanOut *FanOut, worker *Worker, prefs PreferenceRepository, inApp InAppReader) *Service {
	return &Service{
		repo:   repo,
		queue:  queue,
		fanOut: fanOut,
		worker: worker,
		prefs:  prefs,
		inApp:  inApp,
	}
}

// PreferenceView is the effective state of one preference flag.
type PreferenceView struct {
	EventType EventType      `json:"event_type"`
	Channel   domain.Channel `json:"channel"`
	Enabled   bool           `json:"enabled"`
	Explicit  bool           `json:"explicit"`
}

// Enqueue queues a single notification and returns the stored item.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*QueueItem, error) {
	id, err := s.queue.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.repo.GetItem(ctx, id)
}

// Publish fans an event out to its audience.
func (s *Service) Publish(ctx context.Context, event Event) (*FanOutResult, error) {
	return s.fanOut.Notify(ctx, event)
}

// GetItem returns a queue item by id.
func (s *Service) GetItem(ctx context.Context, id string) (*QueueItem, error) {
	return s.repo.GetItem(ctx, id)
}

// CancelItem cancels a pending queue item.
func (s *Service) CancelItem(ctx context.Context, id string) (*QueueItem, error) {
	return s.repo.CancelItem(ctx, id)
}

// Stats returns item counts created within the last windowDays days.
// windowDays <= 0 counts every item.
func (s *Service) Stats(ctx context.Context, windowDays int) (*QueueStats, error) {
	stats, err := s.repo.GetQueueStats(ctx, days(windowDays))
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return stats, nil
}

// Purge deletes terminal items older than olderThanDays days.
func (s *Service) Purge(ctx context.Context, olderThanDays int) (int64, error) {
	deleted, err := s.repo.PurgeTerminal(ctx, days(olderThanDays))
	if err != nil {
		return 0, fmt.Errorf("purge terminal notifications: %w", err)
	}
	recordMaintenance("purge", deleted)
	return deleted, nil
}

// ProcessNow runs one processing pass synchronously.
func (s *Service) ProcessNow(ctx context.Context) (*RunResult, error) {
	return s.worker.ProcessOnce(ctx)
}

// Preferences returns the effective flags of a user for every event type
// and channel it is delivered on.
func (s *Service) Preferences(ctx context.Context, userID string) ([]PreferenceView, error) {
	prefs, err := s.prefs.GetPreferences(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}

	views := make([]PreferenceView, 0)
	for _, eventType := range EventTypes() {
		for _, ch := range EventChannels[eventType] {
			_, explicit := prefs.Explicit[PreferenceKey{EventType: eventType, Channel: ch}]
			views = append(views, PreferenceView{
				EventType: eventType,
				Channel:   ch,
				Enabled:   prefs.Enabled(eventType, ch),
				Explicit:  explicit,
			})
		}
	}
	return views, nil
}

// SetPreference stores an explicit flag for a user.
func (s *Service) SetPreference(ctx context.Context, userID string, eventType EventType, channel domain.Channel, enabled bool) error {
	if !eventType.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	if !channel.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	if err := s.prefs.SetPreference(ctx, userID, eventType, channel, enabled); err != nil {
		return fmt.Errorf("set preference: %w", err)
	}
	return nil
}

// ListInApp returns the latest in-app notifications of a user.
func (s *Service) ListInApp(ctx context.Context, userID string, limit int) ([]domain.InAppNotification, error) {
	items, err := s.inApp.ListForUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list in-app notifications: %w", err)
	}
	return items, nil
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
