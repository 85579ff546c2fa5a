package notifications

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bissquit/referral-notifier/internal/domain"
)

// EmailMessage is a rendered email ready to be handed to a transport.
type EmailMessage struct {
	To      string
	ToName  string
	Subject string
	HTML    string
	Text    string
}

// PushMessage is a push notification for one user.
type PushMessage struct {
	UserID    string
	Title     string
	Body      string
	ActionURL string
}

// SendResult is returned by transports on success.
type SendResult struct {
	ProviderMessageID string
}

// EmailTransport delivers email.
type EmailTransport interface {
	Send(ctx context.Context, msg EmailMessage) (SendResult, error)
}

// PushTransport delivers push notifications.
type PushTransport interface {
	Send(ctx context.Context, msg PushMessage) (SendResult, error)
}

// InAppStore persists in-app notifications.
type InAppStore interface {
	Insert(ctx context.Context, n *domain.InAppNotification) error
}

// Dispatcher delivers a single queue item over its channel.
type Dispatcher struct {
	renderer *Renderer
	email    EmailTransport
	push     PushTransport
	inApp    InAppStore
}

// NewDispatcher creates a new notification dispatcher.
func NewDispatcher(renderer *Renderer, email EmailTransport, push PushTransport, inApp InAppStore) *Dispatcher {
	return &Dispatcher{
		renderer: renderer,
		email:    email,
		push:     push,
		inApp:    inApp,
	}
}

// Dispatch decodes the item payload and sends it. Returned errors are
// classified by isRetryable.
func (d *Dispatcher) Dispatch(ctx context.Context, item *QueueItem) (SendResult, error) {
	payload, err := DecodePayload(item.EventType, item.Payload)
	if err != nil {
		return SendResult{}, err
	}

	switch item.Channel {
	case domain.ChannelEmail:
		return d.sendEmail(ctx, payload)
	case domain.ChannelPush:
		return d.sendPush(ctx, item, payload)
	case domain.ChannelInApp:
		return d.storeInApp(ctx, item, payload)
	default:
		return SendResult{}, fmt.Errorf("%w: %q", ErrUnknownChannel, item.Channel)
	}
}

func (d *Dispatcher) sendEmail(ctx context.Context, payload Payload) (SendResult, error) {
	to := payload.Target()
	if to.To == "" {
		return SendResult{}, ErrMissingRecipient
	}

	content, err := d.renderer.RenderEmail(payload)
	if err != nil {
		return SendResult{}, err
	}

	result, err := d.email.Send(ctx, EmailMessage{
		To:      to.To,
		ToName:  to.Name,
		Subject: content.Subject,
		HTML:    content.HTMLBody,
		Text:    content.PlainTextBody,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("send email: %w", err)
	}
	return result, nil
}

func (d *Dispatcher) sendPush(ctx context.Context, item *QueueItem, payload Payload) (SendResult, error) {
	content := d.renderer.RenderInApp(payload)

	msg := PushMessage{
		Title:     content.Title,
		Body:      content.Body,
		ActionURL: content.ActionURL,
	}
	if item.RecipientUserID != nil {
		msg.UserID = *item.RecipientUserID
	}

	result, err := d.push.Send(ctx, msg)
	if err != nil {
		return SendResult{}, fmt.Errorf("send push: %w", err)
	}
	return result, nil
}

func (d *Dispatcher) storeInApp(ctx context.Context, item *QueueItem, payload Payload) (SendResult, error) {
	if item.RecipientUserID == nil || *item.RecipientUserID == "" {
		return SendResult{}, ErrMissingRecipientUser
	}

	content := d.renderer.RenderInApp(payload)

	n := &domain.InAppNotification{
		UserID:    *item.RecipientUserID,
		Title:     content.Title,
		Body:      content.Body,
		Icon:      content.Icon,
		ActionURL: content.ActionURL,
		EventType: string(payload.Type()),
	}
	if ref := payload.Reference(); ref != "" {
		n.ReferenceID = &ref
	}

	if err := d.inApp.Insert(ctx, n); err != nil {
		return SendResult{}, fmt.Errorf("insert in-app notification: %w", err)
	}

	slog.Debug("in-app notification stored", "item_id", item.ID, "notification_id", n.ID)
	return SendResult{ProviderMessageID: n.ID}, nil
}
