// Package prefcache caches notification preferences in memory.
package prefcache

import (
	"context"
	"time"

	"github.com/bissquit/referral-notifier/internal/domain"
	"github.com/bissquit/referral-notifier/internal/notifications"
	"github.com/patrickmn/go-cache"
)

// Config contains cache settings.
type Config struct {
	TTL             time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns default cache settings.
func DefaultConfig() Config {
	return Config{
		TTL:             5 * time.Minute,
		CleanupInterval: 10 * time.Minute,
	}
}

// Store wraps a notifications.PreferenceRepository with a TTL cache.
// Errors are not cached. Writes go through and drop the cached entry.
type Store struct {
	next  notifications.PreferenceRepository
	cache *cache.Cache
}

// New creates a caching preference store.
func New(next notifications.PreferenceRepository, config Config) *Store {
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig().CleanupInterval
	}

	return &Store{
		next:  next,
		cache: cache.New(config.TTL, config.CleanupInterval),
	}
}

// GetPreferences returns cached preferences or loads them.
func (s *Store) GetPreferences(ctx context.Context, userID string) (notifications.Preferences, error) {
	if v, ok := s.cache.Get(userID); ok {
		return v.(notifications.Preferences), nil
	}

	prefs, err := s.next.GetPreferences(ctx, userID)
	if err != nil {
		return notifications.Preferences{}, err
	}

	s.cache.SetDefault(userID, prefs)
	return prefs, nil
}

// SetPreference stores a flag and invalidates the user's cached entry.
func (s *Store) SetPreference(ctx context.Context, userID string, eventType notifications.EventType, channel domain.Channel, enabled bool) error {
	defer s.Invalidate(userID)
	return s.next.SetPreference(ctx, userID, eventType, channel, enabled)
}

// Invalidate drops the cached preferences of a user.
func (s *Store) Invalidate(userID string) {
	s.cache.Delete(userID)
}
