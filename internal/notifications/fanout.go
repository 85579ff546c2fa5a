package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/referral-notifier/internal/domain"
)

// OrganizationAudience selects the referrers of an organization.
type OrganizationAudience struct {
	OrganizationID string `json:"organization_id" validate:"required"`
	ExcludeUserID  string `json:"exclude_user_id,omitempty"`
}

// Audience describes who an event is delivered to. Any combination of
// fields may be set; users appearing more than once are notified once.
type Audience struct {
	Users        []domain.RecipientUser
	Addresses    []Recipient // non-user addresses, email only
	Organization *OrganizationAudience
}

// Event is a business event to fan out.
type Event struct {
	Payload     Payload
	Audience    Audience
	ScheduledAt *time.Time
}

// FanOutResult reports what a fan-out produced. Counts are per
// (recipient, channel) pair.
type FanOutResult struct {
	Enqueued int      `json:"enqueued"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	ItemIDs  []string `json:"item_ids"`
}

// FanOut turns business events into queue items.
type FanOut struct {
	queue    *Queue
	prefs    PreferenceStore
	resolver RecipientResolver
}

// NewFanOut creates a new fan-out service.
func NewFanOut(queue *Queue, prefs PreferenceStore, resolver RecipientResolver) *FanOut {
	return &FanOut{
		queue:    queue,
		prefs:    prefs,
		resolver: resolver,
	}
}

// Notify enqueues one item per recipient and enabled channel.
// Failures for one recipient are counted and logged; only invalid input or
// a failed audience lookup is returned as an error.
func (f *FanOut) Notify(ctx context.Context, event Event) (*FanOutResult, error) {
	if event.Payload == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	eventType := event.Payload.Type()
	channels, ok := EventChannels[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	users, err := f.resolveUsers(ctx, event.Audience)
	if err != nil {
		return nil, err
	}

	result := &FanOutResult{ItemIDs: []string{}}

	for _, user := range users {
		f.notifyUser(ctx, event, user, channels, result)
	}

	for _, addr := range event.Audience.Addresses {
		f.notifyAddress(ctx, event, addr, channels, result)
	}

	recordFanOut(eventType, result)
	slog.Info("event fanned out",
		"event_type", eventType,
		"reference", event.Payload.Reference(),
		"recipients", len(users)+len(event.Audience.Addresses),
		"enqueued", result.Enqueued,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)

	return result, nil
}

func (f *FanOut) resolveUsers(ctx context.Context, audience Audience) ([]domain.RecipientUser, error) {
	users := make([]domain.RecipientUser, 0, len(audience.Users))
	seen := make(map[string]struct{})

	add := func(u domain.RecipientUser) {
		if u.UserID == "" {
			return
		}
		if _, dup := seen[u.UserID]; dup {
			return
		}
		seen[u.UserID] = struct{}{}
		users = append(users, u)
	}

	for _, u := range audience.Users {
		add(u)
	}

	if org := audience.Organization; org != nil {
		referrers, err := f.resolver.FindOrganizationReferrers(ctx, org.OrganizationID, org.ExcludeUserID)
		if err != nil {
			return nil, fmt.Errorf("resolve organization referrers: %w", err)
		}
		for _, u := range referrers {
			add(u)
		}
	}

	return users, nil
}

func (f *FanOut) notifyUser(ctx context.Context, event Event, user domain.RecipientUser, channels []domain.Channel, result *FanOutResult) {
	eventType := event.Payload.Type()

	prefs, err := f.prefs.GetPreferences(ctx, user.UserID)
	if err != nil {
		slog.Error("failed to load notification preferences",
			"user_id", user.UserID,
			"event_type", eventType,
			"error", err,
		)
		result.Failed += len(channels)
		return
	}

	payload := event.Payload.WithRecipient(Recipient{To: user.Email, Name: user.Name})
	userID := user.UserID

	for _, ch := range channels {
		if !prefs.Enabled(eventType, ch) {
			result.Skipped++
			continue
		}
		if ch == domain.ChannelEmail && user.Email == "" {
			slog.Debug("skipping email for user without address", "user_id", user.UserID)
			result.Skipped++
			continue
		}

		f.enqueue(ctx, EnqueueRequest{
			RecipientUserID: &userID,
			Channel:         ch,
			Payload:         payload,
			ScheduledAt:     event.ScheduledAt,
		}, result)
	}
}

func (f *FanOut) notifyAddress(ctx context.Context, event Event, addr Recipient, channels []domain.Channel, result *FanOutResult) {
	eventType := event.Payload.Type()

	hasEmail := false
	for _, ch := range channels {
		if ch == domain.ChannelEmail {
			hasEmail = true
		}
	}
	if !hasEmail || addr.To == "" || !DefaultEnabled(eventType, domain.ChannelEmail) {
		result.Skipped++
		return
	}

	f.enqueue(ctx, EnqueueRequest{
		Channel:     domain.ChannelEmail,
		Payload:     event.Payload.WithRecipient(addr),
		ScheduledAt: event.ScheduledAt,
	}, result)
}

func (f *FanOut) enqueue(ctx context.Context, req EnqueueRequest, result *FanOutResult) {
	id, err := f.queue.Enqueue(ctx, req)
	if err != nil {
		userID := ""
		if req.RecipientUserID != nil {
			userID = *req.RecipientUserID
		}
		slog.Error("failed to enqueue notification",
			"user_id", userID,
			"channel", req.Channel,
			"event_type", req.Payload.Type(),
			"error", err,
		)
		result.Failed++
		return
	}
	result.Enqueued++
	result.ItemIDs = append(result.ItemIDs, id)
}
