package notifications

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io/fs"
	"reflect"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/bissquit/referral-notifier/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// EmailContent is the rendered form of an email notification.
type EmailContent struct {
	Subject       string
	HTMLBody      string
	PlainTextBody string
}

// InAppContent is the rendered form of an in-app or push notification.
type InAppContent struct {
	Title     string
	Body      string
	Icon      string
	ActionURL string
}

// Content holds rendered content for one channel. Exactly one field is set.
type Content struct {
	Email *EmailContent
	InApp *InAppContent
}

type emailTemplates struct {
	text *texttemplate.Template
	html *htmltemplate.Template
}

// Renderer renders notifications from templates.
type Renderer struct {
	baseURL string
	email   map[EventType]emailTemplates
}

// NewRenderer creates a new renderer and loads all email templates.
// baseURL is prepended to action links.
func NewRenderer(baseURL string) (*Renderer, error) {
	r := &Renderer{
		baseURL: strings.TrimRight(baseURL, "/"),
		email:   make(map[EventType]emailTemplates),
	}

	funcs := r.funcMap()

	for eventType := range EventChannels {
		textName := fmt.Sprintf("templates/email_%s.txt.tmpl", eventType)
		htmlName := fmt.Sprintf("templates/email_%s.html.tmpl", eventType)

		if _, err := fs.Stat(templatesFS, textName); err != nil {
			continue
		}

		textTmpl, err := texttemplate.New(string(eventType)).
			Option("missingkey=error").
			Funcs(texttemplate.FuncMap(funcs)).
			ParseFS(templatesFS, textName)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", textName, err)
		}

		htmlTmpl, err := htmltemplate.New(string(eventType)).
			Option("missingkey=error").
			Funcs(htmltemplate.FuncMap(funcs)).
			ParseFS(templatesFS, htmlName)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", htmlName, err)
		}

		r.email[eventType] = emailTemplates{text: textTmpl, html: htmlTmpl}
	}

	return r, nil
}

// Render renders a payload for the given channel.
func (r *Renderer) Render(channel domain.Channel, payload Payload) (Content, error) {
	switch channel {
	case domain.ChannelEmail:
		email, err := r.RenderEmail(payload)
		if err != nil {
			return Content{}, err
		}
		return Content{Email: &email}, nil
	case domain.ChannelInApp, domain.ChannelPush:
		inApp := r.RenderInApp(payload)
		return Content{InApp: &inApp}, nil
	default:
		return Content{}, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
}

// RenderEmail renders subject, HTML and plain text bodies for the payload.
func (r *Renderer) RenderEmail(payload Payload) (EmailContent, error) {
	if payload == nil {
		return EmailContent{}, ErrInvalidPayload
	}

	tmpl, ok := r.email[payload.Type()]
	if !ok {
		return EmailContent{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, payload.Type())
	}

	subject, err := execute(tmpl.text, "subject", payload)
	if err != nil {
		return EmailContent{}, err
	}
	text, err := execute(tmpl.text, "text", payload)
	if err != nil {
		return EmailContent{}, err
	}

	var buf bytes.Buffer
	if err := tmpl.html.ExecuteTemplate(&buf, "html", payload); err != nil {
		return EmailContent{}, fmt.Errorf("%w: %s html: %v", ErrTemplateRender, payload.Type(), err)
	}

	return EmailContent{
		Subject:       strings.Join(strings.Fields(subject), " "),
		HTMLBody:      strings.TrimSpace(buf.String()),
		PlainTextBody: text,
	}, nil
}

func execute(tmpl *texttemplate.Template, name string, payload Payload) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name, payload); err != nil {
		return "", fmt.Errorf("%w: %s %s: %v", ErrTemplateRender, payload.Type(), name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// RenderInApp maps the payload to in-app content. Unmapped event types get
// a generic notification.
func (r *Renderer) RenderInApp(payload Payload) InAppContent {
	generic := InAppContent{
		Title:     "New notification",
		Body:      "You have a new notification.",
		Icon:      "bell",
		ActionURL: r.link("/notifications"),
	}
	if payload == nil {
		return generic
	}

	m, ok := inAppMappings[payload.Type()]
	if !ok {
		return generic
	}

	content := InAppContent{
		Title: m.title,
		Body:  m.body(payload),
		Icon:  m.icon,
	}
	if content.Body == "" {
		content.Body = generic.Body
	}
	if ref := payload.Reference(); ref != "" {
		content.ActionURL = r.link(m.path, ref)
	} else {
		content.ActionURL = generic.ActionURL
	}
	return content
}

func (r *Renderer) link(parts ...string) string {
	return r.baseURL + strings.Join(parts, "")
}

type inAppMapping struct {
	title string
	icon  string
	path  string
	body  func(Payload) string
}

var inAppMappings = map[EventType]inAppMapping{
	EventNewReferralRequest: {
		title: "New referral request",
		icon:  "user-plus",
		path:  "/referrals/",
		body: bodyOf(func(p NewReferralRequest) string {
			return fmt.Sprintf("%s is asking for a referral for %s at %s.", p.RequesterName, p.JobTitle, p.CompanyName)
		}),
	},
	EventReferralVerified: {
		title: "Referral verified",
		icon:  "check-circle",
		path:  "/referrals/",
		body: bodyOf(func(p ReferralVerified) string {
			return fmt.Sprintf("%s confirmed your referral for %s at %s.", p.ReferrerName, p.JobTitle, p.CompanyName)
		}),
	},
	EventSupportReply: {
		title: "Support replied",
		icon:  "message-circle",
		path:  "/support/tickets/",
		body: bodyOf(func(p SupportReply) string {
			return fmt.Sprintf("New reply on %q: %s", p.TicketSubject, p.ReplyExcerpt)
		}),
	},
	EventPaymentReceived: {
		title: "Payment received",
		icon:  "credit-card",
		path:  "/payments/",
		body: bodyOf(func(p PaymentReceived) string {
			return fmt.Sprintf("We received your payment of %s.", formatMoney(p.Amount, p.Currency))
		}),
	},
}

func bodyOf[T Payload](f func(T) string) func(Payload) string {
	return func(p Payload) string {
		v, ok := p.(T)
		if !ok {
			return ""
		}
		return f(v)
	}
}

// Template functions

func (r *Renderer) funcMap() map[string]any {
	return map[string]any{
		"title":       titleCase,
		"upper":       strings.ToUpper,
		"formatMoney": formatMoney,
		"formatTime":  formatTime,
		"required":    required,
		"link":        r.link,
	}
}

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(s)
}

var moneyPrinter = message.NewPrinter(language.English)

// formatMoney formats minor units, e.g. 12550 USD -> "125.50 USD".
func formatMoney(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	major := moneyPrinter.Sprintf("%d", amount/100)
	return fmt.Sprintf("%s%s.%02d %s", sign, major, amount%100, strings.ToUpper(currency))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("Jan 2, 2006 15:04 UTC")
}

var errRequiredValue = errors.New("required value is empty")

func required(name string, v any) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("%s: %w", name, errRequiredValue)
	}
	if rv := reflect.ValueOf(v); rv.IsZero() {
		return nil, fmt.Errorf("%s: %w", name, errRequiredValue)
	}
	return v, nil
}
