package subscription

import "time"

// Provider event types the state machine understands. The names mirror the
// provider's webhook vocabulary; synthetic events are generated internally by
// the grace-period check and the reconciliation sweep but flow through the
// same transition function.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventInvoicePaid       = "invoice.paid"
	EventInvoiceFailed     = "invoice.payment_failed"
	EventSubscriptionSync  = "customer.subscription.updated"
	EventSubscriptionEnded = "customer.subscription.deleted"
	EventChargeRefunded    = "charge.refunded"
	EventGraceExpired      = "grace.expired"
)

// Event is the normalized inbound billing event. One value per provider
// webhook delivery (or synthetic reconciliation/grace event).
type Event struct {
	ID            string
	Type          string
	SubscriberKey string
	// Sequence is provider-assigned ordering (event creation unix time).
	// Events older than the subscriber's last applied sequence are stale.
	Sequence    int64
	OccurredAt  time.Time
	PlanPriceID string
	// ResolvedPlanID is filled by the pipeline after mapping PlanPriceID to
	// a local plan record; zero means no plan change.
	ResolvedPlanID    uint
	Trial             bool
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
	// ProviderStatus carries the provider's own status word on sync events.
	ProviderStatus string
	AmountCents    int64
	Currency       string
	InvoiceRef     string
	RefundOf       string
	Synthetic      bool
}

// Effect kinds. Effects are declarative: the transition function returns them
// as data and the ingest pipeline executes them, which keeps transitions
// auditable and replayable without a live provider.
const (
	EffectInvalidateEntitlement = "invalidate_entitlement"
	EffectScheduleGraceExpiry   = "schedule_grace_expiry"
	EffectCancelGraceExpiry     = "cancel_grace_expiry"
	EffectNotifyPaymentFailed   = "notify_payment_failed"
	EffectNotifyExpired         = "notify_subscription_expired"
	EffectRecordPayment         = "record_payment"
	EffectRecordHistory         = "record_history"
	EffectRevalidatePins        = "revalidate_pins"
)

// PaymentDetail carries the data for a record_payment effect.
type PaymentDetail struct {
	AmountCents int64
	Currency    string
	Status      string
	InvoiceRef  string
	RefundOf    string
	PeriodStart *time.Time
	PeriodEnd   *time.Time
}

// Effect is one declarative action produced by a transition.
type Effect struct {
	Kind        string
	Action      string
	Deadline    time.Time
	Description string
	Payment     *PaymentDetail
}
