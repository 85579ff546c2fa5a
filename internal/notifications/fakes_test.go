package notifications

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/referral-notifier/internal/domain"
)

// memQueue is an in-memory QueueRepository.
type memQueue struct {
	mu        sync.Mutex
	items     map[string]*QueueItem
	seq       int
	insertErr func(item *QueueItem) error
}

func newMemQueue() *memQueue {
	return &memQueue{items: make(map[string]*QueueItem)}
}

func (m *memQueue) EnqueueNotification(_ context.Context, item *QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.insertErr != nil {
		if err := m.insertErr(item); err != nil {
			return err
		}
	}

	m.seq++
	item.ID = fmt.Sprintf("item-%03d", m.seq)
	item.Status = QueueStatusPending
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt

	stored := *item
	m.items[item.ID] = &stored
	return nil
}

func (m *memQueue) GetItem(_ context.Context, id string) (*QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return nil, ErrQueueItemNotFound
	}
	c := *item
	return &c, nil
}

func (m *memQueue) ClaimDue(_ context.Context, limit int, now time.Time) ([]*QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]*QueueItem, 0)
	for _, item := range m.items {
		if item.Status == QueueStatusPending && !item.ScheduledAt.After(now) && item.RetryCount < item.MaxRetries {
			due = append(due, item)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*QueueItem, 0, len(due))
	for _, item := range due {
		item.Status = QueueStatusProcessing
		processedAt := now
		item.ProcessedAt = &processedAt
		c := *item
		claimed = append(claimed, &c)
	}
	return claimed, nil
}

func (m *memQueue) transition(id string, fn func(item *QueueItem)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok || item.Status != QueueStatusProcessing {
		return ErrQueueItemNotClaimed
	}
	fn(item)
	item.UpdatedAt = time.Now()
	return nil
}

func (m *memQueue) MarkAsSent(_ context.Context, id, providerMessageID string, completedAt time.Time) error {
	return m.transition(id, func(item *QueueItem) {
		item.Status = QueueStatusSent
		item.ProviderMessageID = providerMessageID
		item.CompletedAt = &completedAt
		item.ErrorMessage = ""
	})
}

func (m *memQueue) MarkForRetry(_ context.Context, id string, retryCount int, cause error, nextAttempt time.Time) error {
	return m.transition(id, func(item *QueueItem) {
		item.Status = QueueStatusPending
		item.RetryCount = retryCount
		item.ErrorMessage = cause.Error()
		item.ScheduledAt = nextAttempt
		item.ProcessedAt = nil
	})
}

func (m *memQueue) MarkAsFailed(_ context.Context, id string, retryCount int, cause error, completedAt time.Time) error {
	return m.transition(id, func(item *QueueItem) {
		item.Status = QueueStatusFailed
		item.RetryCount = retryCount
		item.ErrorMessage = cause.Error()
		item.CompletedAt = &completedAt
	})
}

func (m *memQueue) ReleaseClaim(_ context.Context, id string) error {
	return m.transition(id, func(item *QueueItem) {
		item.Status = QueueStatusPending
		item.ProcessedAt = nil
	})
}

func (m *memQueue) CancelItem(_ context.Context, id string) (*QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return nil, ErrQueueItemNotFound
	}
	if item.Status != QueueStatusPending {
		return nil, ErrQueueItemNotCancellable
	}
	now := time.Now()
	item.Status = QueueStatusCancelled
	item.CompletedAt = &now
	c := *item
	return &c, nil
}

func (m *memQueue) RecoverStuckProcessing(_ context.Context, claimedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, item := range m.items {
		if item.Status == QueueStatusProcessing && item.ProcessedAt != nil && item.ProcessedAt.Before(claimedBefore) {
			item.RetryCount++
			item.ErrorMessage = ErrClaimExpired.Error()
			item.UpdatedAt = time.Now()
			if item.RetryCount >= item.MaxRetries {
				item.Status = QueueStatusFailed
				completedAt := item.UpdatedAt
				item.CompletedAt = &completedAt
			} else {
				item.Status = QueueStatusPending
				item.ProcessedAt = nil
			}
			n++
		}
	}
	return n, nil
}

func (m *memQueue) PurgeTerminal(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var n int64
	for id, item := range m.items {
		if item.Status.IsTerminal() && item.CompletedAt != nil && item.CompletedAt.Before(cutoff) {
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

func (m *memQueue) GetQueueStats(_ context.Context, window time.Duration) (*QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &QueueStats{}
	for _, item := range m.items {
		if window > 0 && item.CreatedAt.Before(time.Now().Add(-window)) {
			continue
		}
		switch item.Status {
		case QueueStatusPending:
			stats.Pending++
		case QueueStatusProcessing:
			stats.Processing++
		case QueueStatusSent:
			stats.Sent++
		case QueueStatusFailed:
			stats.Failed++
		case QueueStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

func (m *memQueue) get(id string) QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.items[id]
}

func (m *memQueue) all() []QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]QueueItem, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// memPrefs is an in-memory PreferenceStore.
type memPrefs struct {
	explicit map[string]map[PreferenceKey]bool
	failFor  map[string]bool
}

func (p *memPrefs) GetPreferences(_ context.Context, userID string) (Preferences, error) {
	if p.failFor[userID] {
		return Preferences{}, errors.New("preferences unavailable")
	}
	return Preferences{UserID: userID, Explicit: p.explicit[userID]}, nil
}

func (p *memPrefs) SetPreference(_ context.Context, userID string, eventType EventType, channel domain.Channel, enabled bool) error {
	if p.failFor[userID] {
		return errors.New("preferences unavailable")
	}
	if p.explicit == nil {
		p.explicit = make(map[string]map[PreferenceKey]bool)
	}
	if p.explicit[userID] == nil {
		p.explicit[userID] = make(map[PreferenceKey]bool)
	}
	p.explicit[userID][PreferenceKey{EventType: eventType, Channel: channel}] = enabled
	return nil
}

// stubResolver returns a fixed set of referrers.
type stubResolver struct {
	users []domain.RecipientUser
	err   error
	calls []string
}

func (r *stubResolver) FindOrganizationReferrers(_ context.Context, organizationID, excludeUserID string) ([]domain.RecipientUser, error) {
	r.calls = append(r.calls, organizationID+"/"+excludeUserID)
	if r.err != nil {
		return nil, r.err
	}
	return r.users, nil
}

// scriptedEmail returns queued errors before succeeding.
type scriptedEmail struct {
	mu       sync.Mutex
	failures []error
	sent     []EmailMessage
}

func (s *scriptedEmail) Send(_ context.Context, msg EmailMessage) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return SendResult{}, err
	}
	s.sent = append(s.sent, msg)
	return SendResult{ProviderMessageID: fmt.Sprintf("<msg-%d@test>", len(s.sent))}, nil
}

type okPush struct{}

func (okPush) Send(context.Context, PushMessage) (SendResult, error) {
	return SendResult{ProviderMessageID: "push-1"}, nil
}

// memInApp is an in-memory InAppStore.
type memInApp struct {
	mu   sync.Mutex
	rows []domain.InAppNotification
	err  error
}

func (s *memInApp) Insert(_ context.Context, n *domain.InAppNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	n.ID = fmt.Sprintf("inapp-%d", len(s.rows)+1)
	n.CreatedAt = time.Now()
	s.rows = append(s.rows, *n)
	return nil
}

func (s *memInApp) ListForUser(_ context.Context, userID string, limit int) ([]domain.InAppNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	out := make([]domain.InAppNotification, 0)
	for i := len(s.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if s.rows[i].UserID == userID {
			out = append(out, s.rows[i])
		}
	}
	return out, nil
}

// dispatchFunc adapts a function to ItemDispatcher.
type dispatchFunc func(ctx context.Context, item *QueueItem) (SendResult, error)

func (f dispatchFunc) Dispatch(ctx context.Context, item *QueueItem) (SendResult, error) {
	return f(ctx, item)
}

func strPtr(s string) *string { return &s }
