package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	stripesubscription "github.com/stripe/stripe-go/v76/subscription"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/logger"
	"github.com/plumeblog/backend/pkg/subscription"
)

// Config holds Stripe configuration
type Config struct {
	SecretKey     string
	WebhookSecret string
}

// Stripe verifies inbound webhooks and fetches authoritative subscription
// state for reconciliation. It is the only place provider wire formats are
// known; everything downstream works on normalized events.
type Stripe struct {
	config *Config
	log    logger.Logger
}

var _ domain.ProviderClient = (*Stripe)(nil)

// New creates the Stripe adapter and sets the global API key.
func New(config *Config, log logger.Logger) *Stripe {
	stripe.Key = config.SecretKey
	return &Stripe{config: config, log: log}
}

// VerifyAndParse checks the webhook signature and normalizes the payload.
// A nil event with nil error means the type is not one the core consumes;
// the caller should acknowledge and drop it.
func (s *Stripe) VerifyAndParse(payload []byte, signature string) (*subscription.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.config.WebhookSecret)
	if err != nil {
		return nil, domain.NewAuthenticationError(fmt.Errorf("webhook signature verification failed: %w", err))
	}

	s.log.Info("📨 Stripe webhook received", "type", event.Type, "event_id", event.ID)

	base := subscription.Event{
		ID:         event.ID,
		Type:       string(event.Type),
		Sequence:   event.Created,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}

	switch event.Type {
	case "checkout.session.completed":
		return s.parseCheckout(base, event.Data.Raw)
	case "invoice.paid", "invoice.payment_failed":
		return s.parseInvoice(base, event.Data.Raw)
	case "customer.subscription.updated", "customer.subscription.deleted":
		return s.parseSubscription(base, event.Data.Raw)
	case "charge.refunded":
		return s.parseCharge(base, event.Data.Raw)
	default:
		s.log.Warn("⚠️  Unhandled webhook event type", "type", event.Type)
		return nil, nil
	}
}

func (s *Stripe) parseCheckout(base subscription.Event, raw json.RawMessage) (*subscription.Event, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if sess.Customer == nil {
		return nil, domain.NewValidationError("checkout session has no customer")
	}

	base.SubscriberKey = sess.Customer.ID
	if sub := sess.Subscription; sub != nil {
		base.Trial = sub.Status == stripe.SubscriptionStatusTrialing
		if sub.CurrentPeriodEnd > 0 {
			end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			base.PeriodEnd = &end
		}
		base.PlanPriceID = firstPriceID(sub)
	}
	if base.PlanPriceID == "" {
		base.PlanPriceID = sess.Metadata["price_id"]
	}
	return &base, nil
}

func (s *Stripe) parseInvoice(base subscription.Event, raw json.RawMessage) (*subscription.Event, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal invoice: %w", err)
	}
	if inv.Customer == nil {
		return nil, domain.NewValidationError("invoice has no customer")
	}

	base.SubscriberKey = inv.Customer.ID
	base.Currency = string(inv.Currency)
	base.InvoiceRef = inv.ID
	if base.Type == subscription.EventInvoicePaid {
		base.AmountCents = inv.AmountPaid
	} else {
		base.AmountCents = inv.AmountDue
	}
	if inv.PeriodStart > 0 {
		start := time.Unix(inv.PeriodStart, 0).UTC()
		base.PeriodStart = &start
	}
	if inv.PeriodEnd > 0 {
		end := time.Unix(inv.PeriodEnd, 0).UTC()
		base.PeriodEnd = &end
	}
	if inv.Lines != nil && len(inv.Lines.Data) > 0 && inv.Lines.Data[0].Price != nil {
		base.PlanPriceID = inv.Lines.Data[0].Price.ID
	}
	return &base, nil
}

func (s *Stripe) parseSubscription(base subscription.Event, raw json.RawMessage) (*subscription.Event, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if sub.Customer == nil {
		return nil, domain.NewValidationError("subscription has no customer")
	}

	base.SubscriberKey = sub.Customer.ID
	base.ProviderStatus = string(sub.Status)
	base.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		base.PeriodEnd = &end
	}
	base.PlanPriceID = firstPriceID(&sub)
	return &base, nil
}

func (s *Stripe) parseCharge(base subscription.Event, raw json.RawMessage) (*subscription.Event, error) {
	var ch stripe.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal charge: %w", err)
	}
	if ch.Customer == nil {
		return nil, domain.NewValidationError("charge has no customer")
	}

	base.SubscriberKey = ch.Customer.ID
	base.AmountCents = ch.AmountRefunded
	base.Currency = string(ch.Currency)
	if ch.Invoice != nil {
		base.InvoiceRef = ch.Invoice.ID
	}
	if ch.PaymentIntent != nil {
		base.RefundOf = ch.PaymentIntent.ID
	}
	return &base, nil
}

// FetchSubscription returns the provider's current record for a customer,
// used by the reconciliation sweep. The newest subscription wins when the
// customer has several.
func (s *Stripe) FetchSubscription(ctx context.Context, subscriberKey string) (*domain.ProviderSubscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(subscriberKey),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	iter := stripesubscription.List(params)
	for iter.Next() {
		sub := iter.Subscription()
		return &domain.ProviderSubscription{
			SubscriberKey:     subscriberKey,
			Status:            string(sub.Status),
			PriceID:           firstPriceID(sub),
			CurrentPeriodEnd:  time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
			AsOf:              time.Now().UTC(),
		}, nil
	}
	if err := iter.Err(); err != nil {
		return nil, domain.NewProviderUnreachableError(err)
	}
	return nil, domain.NewNotFoundError("provider subscription")
}

func firstPriceID(sub *stripe.Subscription) string {
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		return sub.Items.Data[0].Price.ID
	}
	return ""
}
