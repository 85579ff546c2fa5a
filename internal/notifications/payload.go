package notifications

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bissquit/referral-notifier/internal/domain"
)

// EventType identifies the business event a notification is about.
type EventType string

// Event types.
const (
	EventNewReferralRequest EventType = "new_referral_request" // Broadcast to referrers of an organization
	EventReferralVerified   EventType = "referral_verified"    // Requester's referral was confirmed
	EventSupportReply       EventType = "support_reply"        // Support answered a ticket
	EventPaymentReceived    EventType = "payment_received"     // Payment settled
)

// IsValid checks if the event type is known.
func (t EventType) IsValid() bool {
	_, ok := EventChannels[t]
	return ok
}

// Category groups event types sharing a default preference policy.
type Category string

// Categories.
const (
	CategoryTransactional Category = "transactional"
	CategoryBroadcast     Category = "broadcast"
)

// Category returns the preference category of the event type.
func (t EventType) Category() Category {
	if t == EventNewReferralRequest {
		return CategoryBroadcast
	}
	return CategoryTransactional
}

// EventChannels lists the channels each event type is delivered on.
var EventChannels = map[EventType][]domain.Channel{
	EventNewReferralRequest: {domain.ChannelEmail, domain.ChannelInApp, domain.ChannelPush},
	EventReferralVerified:   {domain.ChannelEmail, domain.ChannelInApp, domain.ChannelPush},
	EventSupportReply:       {domain.ChannelEmail, domain.ChannelInApp},
	EventPaymentReceived:    {domain.ChannelEmail, domain.ChannelInApp},
}

// EventTypes returns all known event types in a stable order.
func EventTypes() []EventType {
	return []EventType{
		EventNewReferralRequest,
		EventReferralVerified,
		EventSupportReply,
		EventPaymentReceived,
	}
}

// Recipient is the addressee captured in a payload.
type Recipient struct {
	To   string `json:"to,omitempty"`
	Name string `json:"name,omitempty"`
}

// Target returns the addressee.
func (r Recipient) Target() Recipient {
	return r
}

// Payload is the typed, per-event data a notification is rendered from.
// The set of implementations is closed; see DecodePayload.
type Payload interface {
	Type() EventType
	Target() Recipient
	Reference() string
	WithRecipient(r Recipient) Payload
	isPayload()
}

// NewReferralRequest is sent to potential referrers when someone asks for a referral.
type NewReferralRequest struct {
	Recipient
	RequestID     string `json:"request_id"`
	RequesterName string `json:"requester_name"`
	CompanyName   string `json:"company_name"`
	JobTitle      string `json:"job_title"`
	JobURL        string `json:"job_url,omitempty"`
	Message       string `json:"message,omitempty"`
}

// ReferralVerified is sent to the requester once a referral is confirmed.
type ReferralVerified struct {
	Recipient
	RequestID    string `json:"request_id"`
	ReferrerName string `json:"referrer_name"`
	CompanyName  string `json:"company_name"`
	JobTitle     string `json:"job_title"`
}

// SupportReply is sent to a ticket owner when support answers.
type SupportReply struct {
	Recipient
	TicketID      string `json:"ticket_id"`
	TicketSubject string `json:"ticket_subject"`
	AgentName     string `json:"agent_name,omitempty"`
	ReplyExcerpt  string `json:"reply_excerpt"`
}

// PaymentReceived is sent to the payer when a payment settles.
// Amount is in minor currency units.
type PaymentReceived struct {
	Recipient
	PaymentID   string    `json:"payment_id"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Description string    `json:"description,omitempty"`
	PaidAt      time.Time `json:"paid_at"`
}

func (NewReferralRequest) Type() EventType { return EventNewReferralRequest }
func (ReferralVerified) Type() EventType   { return EventReferralVerified }
func (SupportReply) Type() EventType       { return EventSupportReply }
func (PaymentReceived) Type() EventType    { return EventPaymentReceived }

func (p NewReferralRequest) Reference() string { return p.RequestID }
func (p ReferralVerified) Reference() string   { return p.RequestID }
func (p SupportReply) Reference() string       { return p.TicketID }
func (p PaymentReceived) Reference() string    { return p.PaymentID }

// WithRecipient returns a copy addressed to r.
func (p NewReferralRequest) WithRecipient(r Recipient) Payload { p.Recipient = r; return p }

// WithRecipient returns a copy addressed to r.
func (p ReferralVerified) WithRecipient(r Recipient) Payload { p.Recipient = r; return p }

// WithRecipient returns a copy addressed to r.
func (p SupportReply) WithRecipient(r Recipient) Payload { p.Recipient = r; return p }

// WithRecipient returns a copy addressed to r.
func (p PaymentReceived) WithRecipient(r Recipient) Payload { p.Recipient = r; return p }

func (NewReferralRequest) isPayload() {}
func (ReferralVerified) isPayload()   {}
func (SupportReply) isPayload()       {}
func (PaymentReceived) isPayload()    {}

// EncodePayload serializes a payload for storage.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("encode payload: %w", ErrUnknownEventType)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Type(), err)
	}
	return data, nil
}

// DecodePayload parses a stored payload according to its event type.
func DecodePayload(eventType EventType, data []byte) (Payload, error) {
	switch eventType {
	case EventNewReferralRequest:
		return decodeAs[NewReferralRequest](eventType, data)
	case EventReferralVerified:
		return decodeAs[ReferralVerified](eventType, data)
	case EventSupportReply:
		return decodeAs[SupportReply](eventType, data)
	case EventPaymentReceived:
		return decodeAs[PaymentReceived](eventType, data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
}

func decodeAs[T Payload](eventType EventType, data []byte) (Payload, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrInvalidPayload, eventType, err)
	}
	return p, nil
}
