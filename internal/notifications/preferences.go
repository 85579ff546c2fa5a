package notifications

import "github.com/bissquit/referral-notifier/internal/domain"

// PreferenceKey addresses a single opt-in flag.
type PreferenceKey struct {
	EventType EventType
	Channel   domain.Channel
}

// Preferences holds the explicit flags a user has stored.
// Flags not present fall back to DefaultEnabled.
type Preferences struct {
	UserID   string
	Explicit map[PreferenceKey]bool
}

// Enabled reports whether delivery of eventType over channel is allowed.
func (p Preferences) Enabled(eventType EventType, channel domain.Channel) bool {
	if v, ok := p.Explicit[PreferenceKey{EventType: eventType, Channel: channel}]; ok {
		return v
	}
	return DefaultEnabled(eventType, channel)
}

// DefaultEnabled is the policy applied when no explicit flag exists.
// Transactional events are on for every channel. Broadcast events are
// only on for in-app.
func DefaultEnabled(eventType EventType, channel domain.Channel) bool {
	switch eventType.Category() {
	case CategoryBroadcast:
		return channel == domain.ChannelInApp
	default:
		return true
	}
}
