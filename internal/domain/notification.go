package domain

import "time"

// Channel is a delivery medium for a notification.
type Channel string

// Delivery channels.
const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
)

// Channels lists every supported channel.
var Channels = []Channel{ChannelEmail, ChannelPush, ChannelInApp}

// IsValid checks if the channel is supported.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelPush, ChannelInApp:
		return true
	}
	return false
}

// InAppNotification is a row of the user-facing notification inbox.
type InAppNotification struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Icon        string    `json:"icon"`
	ActionURL   string    `json:"action_url,omitempty"`
	EventType   string    `json:"event_type"`
	ReferenceID *string   `json:"reference_id,omitempty"`
	IsRead      bool      `json:"is_read"`
	CreatedAt   time.Time `json:"created_at"`
}
