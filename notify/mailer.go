package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/mailgun/mailgun-go/v3"
	"github.com/sirupsen/logrus"
)

// Email is a fully rendered message ready for delivery.
type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers rendered emails. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, email Email) error
}

// MailgunSender delivers mail through the Mailgun HTTP API.
type MailgunSender struct {
	mg   *mailgun.MailgunImpl
	from string
}

// NewMailgunSender builds a sender for the given Mailgun domain. The from
// address is wrapped with the portal's display name.
func NewMailgunSender(domain, apiKey, from string) *MailgunSender {
	return &MailgunSender{
		mg:   mailgun.NewMailgun(domain, apiKey),
		from: fmt.Sprintf("NAMC Northern California <%s>", from),
	}
}

func (s *MailgunSender) Send(ctx context.Context, email Email) error {
	message := s.mg.NewMessage(s.from, email.Subject, email.Text, email.To)
	if email.HTML != "" {
		message.SetHtml(email.HTML)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, _, err := s.mg.Send(ctx, message); err != nil {
		return fmt.Errorf("notify: send %q to %s: %w", email.Subject, email.To, err)
	}
	return nil
}

// LogSender stands in when Mailgun credentials are absent. It records what
// would have been sent and reports success so outbox rows still drain.
type LogSender struct {
	logger *logrus.Logger
}

func NewLogSender(logger *logrus.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, email Email) error {
	s.logger.WithFields(logrus.Fields{
		"to":      email.To,
		"subject": email.Subject,
	}).Info("mail delivery skipped, no mailgun credentials")
	return nil
}
