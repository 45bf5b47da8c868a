package notify

import (
	"fmt"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/logger"
)

// RecipientFunc maps a subscriber key to a deliverable address. Account
// identity lives outside this service, so the mapping is injected.
type RecipientFunc func(subscriberKey string) (email, name string, err error)

// Service delivers billing notifications. With a SendGrid key configured it
// sends real email; without one it logs the notification, which is the mode
// unit tests and local development run in.
type Service struct {
	fromEmail   string
	fromName    string
	sendGridKey string
	useSendGrid bool
	recipient   RecipientFunc
	log         logger.Logger
}

var _ domain.Notifier = (*Service)(nil)

// NewService creates the notification service. recipient may be nil, which
// forces console mode regardless of the API key.
func NewService(fromEmail, fromName, sendGridAPIKey string, recipient RecipientFunc, log logger.Logger) *Service {
	useSendGrid := sendGridAPIKey != "" && recipient != nil
	if useSendGrid {
		log.Info("✅ Notification service initialized with SendGrid")
	} else {
		log.Warn("⚠️  Notification service in console-only mode (set SENDGRID_API_KEY for production)")
	}
	return &Service{
		fromEmail:   fromEmail,
		fromName:    fromName,
		sendGridKey: sendGridAPIKey,
		useSendGrid: useSendGrid,
		recipient:   recipient,
		log:         log,
	}
}

// SendPaymentFailed tells a subscriber their charge failed and when premium
// access lapses without recovery.
func (s *Service) SendPaymentFailed(subscriberKey string, graceDeadline time.Time) error {
	subject := "Payment failed for your subscription"
	body := fmt.Sprintf(
		"We could not process your latest payment. Please update your payment method before %s to keep your premium features.",
		graceDeadline.Format(time.RFC1123))
	return s.deliver(subscriberKey, subject, body)
}

// SendSubscriptionExpired tells a subscriber the grace period elapsed.
func (s *Service) SendSubscriptionExpired(subscriberKey string) error {
	subject := "Your subscription has expired"
	body := "Your grace period ended without a successful payment, so premium features have been disabled. Resubscribe any time to get them back."
	return s.deliver(subscriberKey, subject, body)
}

func (s *Service) deliver(subscriberKey, subject, body string) error {
	if !s.useSendGrid {
		s.log.Info("📧 billing notification", "subscriber", subscriberKey, "subject", subject)
		return nil
	}

	toEmail, toName, err := s.recipient(subscriberKey)
	if err != nil {
		return fmt.Errorf("resolving recipient for %s: %w", subscriberKey, err)
	}

	from := mail.NewEmail(s.fromName, s.fromEmail)
	to := mail.NewEmail(toName, toEmail)
	message := mail.NewSingleEmail(from, subject, to, body, "")

	client := sendgrid.NewSendClient(s.sendGridKey)
	response, err := client.Send(message)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid returned error status: %d", response.StatusCode)
	}

	s.log.Info("✅ Billing notification sent", "subscriber", subscriberKey, "status", response.StatusCode)
	return nil
}
