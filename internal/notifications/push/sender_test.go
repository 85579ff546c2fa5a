package push

import (
	"context"
	"strings"
	"testing"

	"github.com/bissquit/referral-notifier/internal/notifications"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSender_Send(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		wantID bool
	}{
		{"enabled", Config{Enabled: true}, true},
		{"disabled", Config{Enabled: false}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := NewSender(tt.config)

			result, err := sender.Send(context.Background(), notifications.PushMessage{
				UserID: "user-1",
				Title:  "Referral verified",
				Body:   "Bob confirmed your referral.",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, strings.HasPrefix(result.ProviderMessageID, "push-stub-"))
		})
	}
}
