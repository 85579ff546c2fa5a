package prefcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bissquit/referral-notifier/internal/domain"
	"github.com/bissquit/referral-notifier/internal/notifications"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	calls int
	prefs notifications.Preferences
	err   error
}

func (s *countingStore) GetPreferences(_ context.Context, userID string) (notifications.Preferences, error) {
	s.calls++
	if s.err != nil {
		return notifications.Preferences{}, s.err
	}
	p := s.prefs
	p.UserID = userID
	return p, nil
}

func (s *countingStore) SetPreference(_ context.Context, _ string, eventType notifications.EventType, channel domain.Channel, enabled bool) error {
	if s.prefs.Explicit == nil {
		s.prefs.Explicit = make(map[notifications.PreferenceKey]bool)
	}
	s.prefs.Explicit[notifications.PreferenceKey{EventType: eventType, Channel: channel}] = enabled
	return nil
}

func TestStore_SetPreferenceInvalidates(t *testing.T) {
	next := &countingStore{}
	store := New(next, DefaultConfig())
	ctx := context.Background()

	prefs, err := store.GetPreferences(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, prefs.Enabled(notifications.EventNewReferralRequest, domain.ChannelEmail))

	require.NoError(t, store.SetPreference(ctx, "user-1", notifications.EventNewReferralRequest, domain.ChannelEmail, true))

	prefs, err = store.GetPreferences(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, prefs.Enabled(notifications.EventNewReferralRequest, domain.ChannelEmail))
	assert.Equal(t, 2, next.calls)
}

func TestStore_CachesPreferences(t *testing.T) {
	next := &countingStore{prefs: notifications.Preferences{
		Explicit: map[notifications.PreferenceKey]bool{
			{EventType: notifications.EventSupportReply, Channel: domain.ChannelEmail}: false,
		},
	}}
	store := New(next, Config{TTL: time.Minute, CleanupInterval: time.Minute})

	for i := 0; i < 3; i++ {
		prefs, err := store.GetPreferences(context.Background(), "user-1")
		require.NoError(t, err)
		assert.False(t, prefs.Enabled(notifications.EventSupportReply, domain.ChannelEmail))
	}
	assert.Equal(t, 1, next.calls)

	_, err := store.GetPreferences(context.Background(), "user-2")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestStore_Invalidate(t *testing.T) {
	next := &countingStore{}
	store := New(next, DefaultConfig())

	_, err := store.GetPreferences(context.Background(), "user-1")
	require.NoError(t, err)

	store.Invalidate("user-1")

	_, err = store.GetPreferences(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestStore_DoesNotCacheErrors(t *testing.T) {
	next := &countingStore{err: errors.New("db down")}
	store := New(next, DefaultConfig())

	_, err := store.GetPreferences(context.Background(), "user-1")
	require.Error(t, err)

	next.err = nil
	_, err = store.GetPreferences(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestStore_Expires(t *testing.T) {
	next := &countingStore{}
	store := New(next, Config{TTL: 10 * time.Millisecond, CleanupInterval: time.Minute})

	_, err := store.GetPreferences(context.Background(), "user-1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = store.GetPreferences(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}
