package models

import "time"

// Subscription states. Transitions are driven only by webhook events or the
// reconciliation sweep, never by direct API writes.
const (
	StateTrialing = "trialing"
	StateActive   = "active"
	StatePastDue  = "past_due"
	StateCanceled = "canceled"
	StateExpired  = "expired"
)

// Ledger outcomes for webhook event processing.
const (
	OutcomePending      = "pending"
	OutcomeApplied      = "applied"
	OutcomeIgnoredStale = "ignored_stale"
	OutcomeFailed       = "failed"
)

// Payment statuses. Payments are append-only; refunds create new records.
const (
	PaymentSucceeded = "succeeded"
	PaymentFailed    = "failed"
	PaymentRefunded  = "refunded"
)

// Subscriber holds the local view of a provider subscription for one user.
// The SubscriberKey is the opaque external user key (provider customer ref).
type Subscriber struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	SubscriberKey     string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"subscriber_key"`
	State             string     `gorm:"type:varchar(32);not null;default:'trialing';index" json:"state"`
	PlanID            uint       `gorm:"not null;default:0;index" json:"plan_id"`
	CurrentPeriodEnd  *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `gorm:"default:false" json:"cancel_at_period_end"`
	LastEventSequence int64      `gorm:"not null;default:0" json:"last_event_sequence"`
	GraceExpiresAt    *time.Time `gorm:"type:timestamp;default:null" json:"grace_expires_at,omitempty"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SubscriptionPlan is immutable once referenced by an active subscription.
// Price changes create new plan rows rather than mutating existing ones.
type SubscriptionPlan struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	ProviderPriceID string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"provider_price_id"`
	Name            string    `gorm:"type:varchar(100);not null" json:"name"`
	PriceCents      int64     `gorm:"not null" json:"price_cents"`
	Currency        string    `gorm:"type:varchar(8);not null;default:'usd'" json:"currency"`
	BillingInterval string    `gorm:"type:varchar(16);not null;default:'month'" json:"billing_interval"`
	CanPin          bool      `gorm:"default:false" json:"can_pin"`
	PinQuota        int       `gorm:"not null;default:0" json:"pin_quota"`
	PriorityWeight  int       `gorm:"not null;default:0" json:"priority_weight"`
	Active          bool      `gorm:"default:true;index" json:"active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// WebhookEventRecord is the idempotency ledger: one row per provider event ID.
// A given event ID is recorded at most once with a terminal outcome.
type WebhookEventRecord struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	EventID       string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"event_id"`
	EventType     string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	SubscriberKey string     `gorm:"type:varchar(191);not null;index" json:"subscriber_key"`
	PayloadDigest string     `gorm:"type:varchar(64);not null" json:"payload_digest"`
	PayloadJSON   string     `gorm:"type:longtext" json:"payload_json"`
	Sequence      int64      `gorm:"not null;default:0" json:"sequence"`
	Outcome       string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"outcome"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt *time.Time `gorm:"type:timestamp;default:null;index" json:"next_attempt_at,omitempty"`
	LastError     string     `gorm:"type:text" json:"last_error"`
	ReceivedAt    time.Time  `gorm:"autoCreateTime;index" json:"received_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Terminal reports whether the record reached an outcome that must not be
// reprocessed on redelivery.
func (r *WebhookEventRecord) Terminal() bool {
	return r.Outcome == OutcomeApplied || r.Outcome == OutcomeIgnoredStale
}

// Payment is an append-only transaction record linked to a subscriber and
// billing period.
type Payment struct {
	ID            string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	SubscriberKey string     `gorm:"type:varchar(191);not null;index" json:"subscriber_key"`
	AmountCents   int64      `gorm:"not null" json:"amount_cents"`
	Currency      string     `gorm:"type:varchar(8);not null;default:'usd'" json:"currency"`
	Status        string     `gorm:"type:varchar(20);not null;index" json:"status"`
	InvoiceRef    string     `gorm:"type:varchar(191);index" json:"invoice_ref"`
	RefundOf      string     `gorm:"type:varchar(36);default:''" json:"refund_of,omitempty"`
	PeriodStart   *time.Time `gorm:"type:timestamp;default:null" json:"period_start,omitempty"`
	PeriodEnd     *time.Time `gorm:"type:timestamp;default:null" json:"period_end,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}

// PinnedPost records a subscriber pinning one of their posts. Demotion flips
// Active; the row is never deleted by billing events, so entitlement recovery
// restores the pin without a re-pin action.
type PinnedPost struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	PostID         string    `gorm:"type:varchar(191);not null;index" json:"post_id"`
	SubscriberKey  string    `gorm:"type:varchar(191);not null;index" json:"subscriber_key"`
	WeightSnapshot int       `gorm:"not null;default:0" json:"weight_snapshot"`
	Active         bool      `gorm:"default:true;index" json:"active"`
	PinnedAt       time.Time `gorm:"autoCreateTime" json:"pinned_at"`
}

// SubscriptionHistory is an append-only audit trail of lifecycle and pin
// actions for a subscriber.
type SubscriptionHistory struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	SubscriberKey string    `gorm:"type:varchar(191);not null;index" json:"subscriber_key"`
	Action        string    `gorm:"type:varchar(50);not null" json:"action"`
	Description   string    `gorm:"type:text" json:"description"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// DeadLetterEvent holds an event that exhausted its retry budget. Never
// silently dropped; replayable manually or by an operator endpoint.
type DeadLetterEvent struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	EventID      string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"event_id"`
	EventType    string     `gorm:"type:varchar(100);not null" json:"event_type"`
	PayloadJSON  string     `gorm:"type:longtext" json:"payload_json"`
	Attempts     int        `gorm:"not null" json:"attempts"`
	FirstFailure time.Time  `gorm:"type:timestamp" json:"first_failure"`
	LastFailure  time.Time  `gorm:"type:timestamp" json:"last_failure"`
	ReplayedAt   *time.Time `gorm:"type:timestamp;default:null" json:"replayed_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
}
