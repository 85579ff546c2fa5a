//go:build integration

package app_test

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bissquit/referral-notifier/internal/domain"
	"github.com/bissquit/referral-notifier/internal/notifications"
	"github.com/bissquit/referral-notifier/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	userAnn = "11111111-1111-1111-1111-111111111111"
	userBob = "22222222-2222-2222-2222-222222222222"
)

func paymentEvent(userID, email string) map[string]any {
	return map[string]any{
		"event_type": "payment_received",
		"payload": map[string]any{
			"payment_id":  "pay-9",
			"amount":      123450,
			"currency":    "usd",
			"description": "Premium plan",
			"paid_at":     "2026-02-03T10:30:00Z",
		},
		"users": []map[string]any{
			{"user_id": userID, "email": email, "name": "Ann"},
		},
	}
}

func TestAPI_Auth(t *testing.T) {
	resetState(t)
	client := newTestClient(t)

	resp := client.GET("/api/v1/admin/notifications/stats")
	testutil.RequireStatus(t, resp, http.StatusUnauthorized)

	bad := *client
	bad.Token = "not-a-jwt"
	resp = bad.GET("/api/v1/admin/notifications/stats")
	testutil.RequireStatus(t, resp, http.StatusUnauthorized)

	resp = client.As(userAnn, domain.RoleUser).POST("/api/v1/events", paymentEvent(userAnn, "ann@example.com"))
	testutil.RequireStatus(t, resp, http.StatusForbidden)

	resp = client.As("billing", domain.RoleService).GET("/api/v1/admin/notifications/stats")
	testutil.RequireStatus(t, resp, http.StatusForbidden)

	resp = client.As("ops", domain.RoleAdmin).GET("/api/v1/admin/notifications/stats")
	testutil.RequireStatus(t, resp, http.StatusOK)
}

func TestAPI_PublishProcessDeliver(t *testing.T) {
	resetState(t)
	client := newTestClient(t)
	service := client.As("billing", domain.RoleService)
	admin := client.As("ops", domain.RoleAdmin)

	resp := service.POST("/api/v1/events", paymentEvent(userAnn, "ann@example.com"))
	testutil.RequireStatus(t, resp, http.StatusAccepted)
	var fanOut notifications.FanOutResult
	testutil.DecodeData(t, resp, &fanOut)
	assert.Equal(t, 2, fanOut.Enqueued, "payment_received goes to email and in_app")
	require.Len(t, fanOut.ItemIDs, 2)

	resp = admin.POST("/api/v1/admin/notifications/process", nil)
	testutil.RequireStatus(t, resp, http.StatusOK)
	var run notifications.RunResult
	testutil.DecodeData(t, resp, &run)
	assert.Equal(t, 2, run.Processed)
	assert.Equal(t, 2, run.Sent)
	assert.Empty(t, run.Errors)

	for _, id := range fanOut.ItemIDs {
		resp = admin.GET("/api/v1/admin/notifications/" + id)
		testutil.RequireStatus(t, resp, http.StatusOK)
		var item notifications.QueueItem
		testutil.DecodeData(t, resp, &item)
		assert.Equal(t, notifications.QueueStatusSent, item.Status)
		assert.NotNil(t, item.CompletedAt)
	}

	messages, err := mailpit.API.WaitForMessages(1, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "Payment received: 1,234.50 USD", messages[0].Subject)
	assert.Equal(t, "ann@example.com", messages[0].To[0].Address)

	full, err := mailpit.API.Message(messages[0].ID)
	require.NoError(t, err)
	assert.Contains(t, full.Text, "Premium plan")
	assert.True(t, strings.Contains(full.HTML, "https://app.referrals.test/"), "links use the configured base URL")

	resp = client.As(userAnn, domain.RoleUser).GET("/api/v1/me/notifications")
	testutil.RequireStatus(t, resp, http.StatusOK)
	var inbox []domain.InAppNotification
	testutil.DecodeData(t, resp, &inbox)
	require.Len(t, inbox, 1)
	assert.Equal(t, "Payment received", inbox[0].Title)
	assert.Equal(t, string(notifications.EventPaymentReceived), inbox[0].EventType)

	resp = client.As(userBob, domain.RoleUser).GET("/api/v1/me/notifications")
	testutil.RequireStatus(t, resp, http.StatusOK)
	var empty []domain.InAppNotification
	testutil.DecodeData(t, resp, &empty)
	assert.Empty(t, empty)
}

func TestAPI_PreferencesFilterFanOut(t *testing.T) {
	resetState(t)
	service := newTestClient(t).As("support", domain.RoleService)

	resp := service.PUT("/api/v1/users/"+userAnn+"/preferences", map[string]any{
		"event_type": "support_reply",
		"channel":    "email",
		"enabled":    false,
	})
	testutil.RequireStatus(t, resp, http.StatusNoContent)

	resp = service.GET("/api/v1/users/" + userAnn + "/preferences")
	testutil.RequireStatus(t, resp, http.StatusOK)
	var views []notifications.PreferenceView
	testutil.DecodeData(t, resp, &views)
	for _, v := range views {
		if v.EventType == notifications.EventSupportReply && v.Channel == domain.ChannelEmail {
			assert.False(t, v.Enabled)
			assert.True(t, v.Explicit)
		}
	}

	resp = service.POST("/api/v1/events", map[string]any{
		"event_type": "support_reply",
		"payload": map[string]any{
			"ticket_id":      "t-7",
			"ticket_subject": "Cannot upload CV",
			"reply_excerpt":  "We fixed the upload limit.",
		},
		"users": []map[string]any{{"user_id": userAnn, "email": "ann@example.com"}},
	})
	testutil.RequireStatus(t, resp, http.StatusAccepted)
	var fanOut notifications.FanOutResult
	testutil.DecodeData(t, resp, &fanOut)
	assert.Equal(t, 1, fanOut.Enqueued)
	assert.Equal(t, 1, fanOut.Skipped)
}

func TestAPI_EnqueueCancelAndStats(t *testing.T) {
	resetState(t)
	client := newTestClient(t)
	service := client.As("billing", domain.RoleService)
	admin := client.As("ops", domain.RoleAdmin)

	resp := service.POST("/api/v1/notifications", map[string]any{
		"channel":      "email",
		"event_type":   "referral_verified",
		"scheduled_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		"payload": map[string]any{
			"to":            "ann@example.com",
			"request_id":    "req-1",
			"referrer_name": "Bob",
			"company_name":  "Acme",
			"job_title":     "Engineer",
		},
	})
	testutil.RequireStatus(t, resp, http.StatusCreated)
	var item notifications.QueueItem
	testutil.DecodeData(t, resp, &item)
	assert.Equal(t, notifications.QueueStatusPending, item.Status)

	// Not due yet.
	resp = admin.POST("/api/v1/admin/notifications/process", nil)
	testutil.RequireStatus(t, resp, http.StatusOK)
	var run notifications.RunResult
	testutil.DecodeData(t, resp, &run)
	assert.Equal(t, 0, run.Processed)

	resp = admin.POST("/api/v1/admin/notifications/"+item.ID+"/cancel", nil)
	testutil.RequireStatus(t, resp, http.StatusOK)

	resp = admin.POST("/api/v1/admin/notifications/"+item.ID+"/cancel", nil)
	testutil.RequireStatus(t, resp, http.StatusConflict)

	resp = admin.GET("/api/v1/admin/notifications/stats?window_days=1")
	testutil.RequireStatus(t, resp, http.StatusOK)
	var stats struct {
		Cancelled int64 `json:"cancelled"`
		Total     int64 `json:"total"`
	}
	testutil.DecodeData(t, resp, &stats)
	assert.Equal(t, int64(1), stats.Cancelled)
	assert.Equal(t, int64(1), stats.Total)

	resp = admin.POST("/api/v1/admin/notifications/purge", map[string]any{"older_than_days": 0})
	testutil.RequireStatus(t, resp, http.StatusOK)
	var purged map[string]int64
	testutil.DecodeData(t, resp, &purged)
	assert.Equal(t, int64(1), purged["deleted"])
}

func TestAPI_Health(t *testing.T) {
	client := newTestClient(t)

	testutil.RequireStatus(t, client.GET("/healthz"), http.StatusOK)
	testutil.RequireStatus(t, client.GET("/readyz"), http.StatusOK)

	resp := client.GET("/version")
	testutil.RequireStatus(t, resp, http.StatusOK)
	assert.Contains(t, testutil.ReadBody(t, resp), `"version"`)
}
