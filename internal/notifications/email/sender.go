// Package email provides email notification sending via SMTP.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bissquit/referral-notifier/internal/notifications"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"
)

// Config holds email sender configuration.
type Config struct {
	Enabled      bool
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
	// RateLimit is the maximum number of messages per second. Zero disables limiting.
	RateLimit float64
	Burst     int
	// MaxConnections caps simultaneous SMTP connections across all callers.
	MaxConnections int
}

const (
	defaultMaxConnections = 4
	implicitTLSPort       = 465
)

// Sender implements notifications.EmailTransport via SMTP.
type Sender struct {
	config   Config
	from     *mail.Address
	idDomain string
	limiter  *rate.Limiter
	tls      *tls.Config
	// conns holds one slot per open SMTP connection.
	conns   chan struct{}
	deliver func(ctx context.Context, m *gomail.Message) error
}

// NewSender creates a new email sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.SMTPHost == "" {
			return nil, errors.New("email sender: SMTP host is required when enabled")
		}
		if config.FromAddress == "" {
			return nil, errors.New("email sender: from address is required when enabled")
		}
	}

	// Set defaults
	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = defaultMaxConnections
	}

	s := &Sender{
		config: config,
		conns:  make(chan struct{}, config.MaxConnections),
		tls: &tls.Config{
			ServerName: config.SMTPHost,
			MinVersion: tls.VersionTLS12,
		},
	}
	s.deliver = s.dialAndSend

	if config.FromAddress != "" {
		from, err := mail.ParseAddress(config.FromAddress)
		if err != nil {
			return nil, fmt.Errorf("email sender: invalid from address: %w", err)
		}
		s.from = from
		if at := strings.LastIndex(from.Address, "@"); at != -1 {
			s.idDomain = from.Address[at+1:]
		}
	}
	if s.idDomain == "" {
		s.idDomain = "localhost"
	}

	if config.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst)
	}

	slog.Info("email sender configured",
		"enabled", config.Enabled,
		"smtp_host", config.SMTPHost,
		"smtp_port", config.SMTPPort,
		"from_address", config.FromAddress,
		"rate_limit", config.RateLimit,
		"max_connections", config.MaxConnections,
	)

	return s, nil
}

// Send delivers one message and returns its Message-ID as provider id.
// Errors are wrapped so the worker can tell permanent from transient failures.
func (s *Sender) Send(ctx context.Context, msg notifications.EmailMessage) (notifications.SendResult, error) {
	if !s.config.Enabled {
		slog.Warn("email sender disabled, skipping send", "subject", msg.Subject)
		return notifications.SendResult{}, nil
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return notifications.SendResult{}, notifications.NewRetryableError(fmt.Errorf("rate limit wait: %w", err))
		}
	}

	select {
	case s.conns <- struct{}{}:
	case <-ctx.Done():
		return notifications.SendResult{}, notifications.NewRetryableError(fmt.Errorf("wait for smtp connection: %w", ctx.Err()))
	}
	// The slot is held until deliver returns, so a slow server never holds
	// more than MaxConnections connections.
	defer func() { <-s.conns }()

	messageID := s.newMessageID()
	m := s.buildMessage(messageID, msg)

	if err := s.deliver(ctx, m); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return notifications.SendResult{}, notifications.NewRetryableError(fmt.Errorf("smtp send: %w: %v", ctxErr, err))
		}
		return notifications.SendResult{}, classify(err)
	}

	return notifications.SendResult{ProviderMessageID: messageID}, nil
}

// dialAndSend delivers m over a fresh connection that is torn down once ctx
// is done. gomail.Dialer sets no I/O deadline after connecting, so gomail only
// encodes and writes the message here.
func (s *Sender) dialAndSend(ctx context.Context, m *gomail.Message) error {
	addr := net.JoinHostPort(s.config.SMTPHost, strconv.Itoa(s.config.SMTPPort))

	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer raw.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = raw.SetDeadline(time.Now())
	})
	defer stop()

	conn := raw
	if s.config.SMTPPort == implicitTLSPort {
		conn = tls.Client(raw, s.tls)
	}

	c, err := smtp.NewClient(conn, s.config.SMTPHost)
	if err != nil {
		return err
	}
	defer c.Close()

	if s.config.SMTPPort != implicitTLSPort {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(s.tls); err != nil {
				return err
			}
		}
	}

	if s.config.SMTPUser != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", s.config.SMTPUser, s.config.SMTPPassword, s.config.SMTPHost)
			if err := c.Auth(auth); err != nil {
				return err
			}
		}
	}

	err = gomail.Send(gomail.SendFunc(func(from string, to []string, msg io.WriterTo) error {
		if err := c.Mail(from); err != nil {
			return err
		}
		for _, rcpt := range to {
			if err := c.Rcpt(rcpt); err != nil {
				return err
			}
		}
		w, err := c.Data()
		if err != nil {
			return err
		}
		if _, err := msg.WriteTo(w); err != nil {
			_ = w.Close()
			return err
		}
		return w.Close()
	}), m)
	if err != nil {
		return err
	}

	return c.Quit()
}

func (s *Sender) newMessageID() string {
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), s.idDomain)
}

// buildMessage constructs a multipart/alternative message when HTML is present.
func (s *Sender) buildMessage(messageID string, msg notifications.EmailMessage) *gomail.Message {
	m := gomail.NewMessage()

	if s.from != nil {
		m.SetAddressHeader("From", s.from.Address, s.from.Name)
	}
	if msg.ToName != "" {
		m.SetAddressHeader("To", msg.To, msg.ToName)
	} else {
		m.SetHeader("To", msg.To)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)

	m.SetBody("text/plain", msg.Text)
	if msg.HTML != "" {
		m.AddAlternative("text/html", msg.HTML)
	}

	return m
}

// smtpCode finds a reply code at the start of a message or after ": ".
var smtpCode = regexp.MustCompile(`(?:^|: )([45]\d\d)[ -]`)

// classify marks SMTP 5xx replies as permanent, except 552 (mailbox full).
// Everything else is transient.
func classify(err error) error {
	if IsRetryable(err) {
		return notifications.NewRetryableError(err)
	}
	return notifications.NewNonRetryableError(err)
}

// IsRetryable determines if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Network errors are retryable
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	code := replyCode(err)
	if code >= 500 && code < 600 {
		// 552 - Mailbox full is sometimes retryable
		return code == 552
	}

	return true
}

func replyCode(err error) int {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code
	}

	match := smtpCode.FindStringSubmatch(err.Error())
	if match == nil {
		return 0
	}
	code, _ := strconv.Atoi(match[1])
	return code
}
