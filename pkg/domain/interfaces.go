package domain

import (
	"context"
	"time"

	"github.com/plumeblog/backend/pkg/models"
)

// LedgerStore is the event deduplication ledger. RecordIfNew is atomic:
// exactly one caller observes isNew=true for a given event ID; every later or
// concurrent caller observes the prior record instead.
type LedgerStore interface {
	RecordIfNew(ctx context.Context, rec *models.WebhookEventRecord) (isNew bool, prior *models.WebhookEventRecord, err error)
	SetOutcome(ctx context.Context, eventID, outcome, lastError string, nextAttempt *time.Time) error
	Get(ctx context.Context, eventID string) (*models.WebhookEventRecord, error)
	DueForRetry(ctx context.Context, now time.Time, limit int) ([]models.WebhookEventRecord, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// SubscriberStore persists the subscription state machine's current state.
type SubscriberStore interface {
	GetByKey(ctx context.Context, subscriberKey string) (*models.Subscriber, error)
	Save(ctx context.Context, sub *models.Subscriber) error
	ListByStates(ctx context.Context, states ...string) ([]models.Subscriber, error)
	ListGraceExpired(ctx context.Context, now time.Time) ([]models.Subscriber, error)
}

// PlanStore resolves immutable subscription plans.
type PlanStore interface {
	GetByID(ctx context.Context, id uint) (*models.SubscriptionPlan, error)
	GetByProviderPriceID(ctx context.Context, priceID string) (*models.SubscriptionPlan, error)
	ListActive(ctx context.Context) ([]models.SubscriptionPlan, error)
	CreatePlan(ctx context.Context, plan *models.SubscriptionPlan) error
}

// PaymentStore is append-only: refunds create new rows, nothing mutates.
// Append is idempotent on the payment ID so reprocessed events cannot
// double-record money movements.
type PaymentStore interface {
	Append(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	ListBySubscriber(ctx context.Context, subscriberKey string, limit int) ([]models.Payment, error)
	Analytics(ctx context.Context, since time.Time) (*models.PaymentAnalytics, error)
	PruneTerminated(ctx context.Context, olderThan time.Time) (int64, error)
}

// PinStore persists pinned posts. Demotion flips Active, never deletes.
type PinStore interface {
	CreatePin(ctx context.Context, pin *models.PinnedPost) error
	GetByPost(ctx context.Context, subscriberKey, postID string) (*models.PinnedPost, error)
	ListPins(ctx context.Context, subscriberKey string, activeOnly bool) ([]models.PinnedPost, error)
	SetActive(ctx context.Context, id uint, active bool) error
	DeletePin(ctx context.Context, id uint) error
}

// HistoryStore appends subscription lifecycle audit rows.
type HistoryStore interface {
	AppendHistory(ctx context.Context, h *models.SubscriptionHistory) error
	ListHistory(ctx context.Context, subscriberKey string, limit int) ([]models.SubscriptionHistory, error)
}

// DeadLetterStore holds events that exhausted their retry budget.
type DeadLetterStore interface {
	AddDeadLetter(ctx context.Context, d *models.DeadLetterEvent) error
	GetDeadLetter(ctx context.Context, eventID string) (*models.DeadLetterEvent, error)
	MarkReplayed(ctx context.Context, eventID string, at time.Time) error
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEvent, error)
}

// CacheRepository defines caching operations
type CacheRepository interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// ProviderSubscription is the provider's authoritative view of one
// subscription, fetched during reconciliation.
type ProviderSubscription struct {
	SubscriberKey     string
	Status            string
	PriceID           string
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
	AsOf              time.Time
}

// ProviderClient is the core's only outbound dependency on the payment
// provider beyond passive webhook receipt.
type ProviderClient interface {
	FetchSubscription(ctx context.Context, subscriberKey string) (*ProviderSubscription, error)
}

// Notifier delivers billing notifications emitted as state machine side
// effects.
type Notifier interface {
	SendPaymentFailed(subscriberKey string, graceDeadline time.Time) error
	SendSubscriptionExpired(subscriberKey string) error
}

// EntitlementResolver derives the premium capability set for a subscriber.
// Every code path granting premium capability must go through Resolve.
type EntitlementResolver interface {
	Resolve(ctx context.Context, subscriberKey string) (*models.EntitlementSnapshot, error)
	Invalidate(ctx context.Context, subscriberKey string) error
}
