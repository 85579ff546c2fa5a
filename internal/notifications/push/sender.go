// Package push provides the push notification transport.
package push

import (
	"context"
	"log/slog"

	"github.com/bissquit/referral-notifier/internal/notifications"
	"github.com/google/uuid"
)

// Config holds push sender configuration.
type Config struct {
	Enabled bool
}

// Sender implements notifications.PushTransport.
// No provider is integrated yet; every send is logged and reported as
// delivered so queue items reach the sent state.
type Sender struct {
	config Config
}

// NewSender creates a new push sender.
func NewSender(config Config) *Sender {
	slog.Info("push sender configured", "enabled", config.Enabled)
	return &Sender{config: config}
}

// Send records the push notification and reports success.
func (s *Sender) Send(_ context.Context, msg notifications.PushMessage) (notifications.SendResult, error) {
	if !s.config.Enabled {
		slog.Debug("push sender disabled, skipping", "user_id", msg.UserID)
		return notifications.SendResult{}, nil
	}

	id := "push-stub-" + uuid.NewString()
	slog.Info("sending push notification (stub)",
		"user_id", msg.UserID,
		"title", msg.Title,
		"provider_message_id", id,
	)

	return notifications.SendResult{ProviderMessageID: id}, nil
}
