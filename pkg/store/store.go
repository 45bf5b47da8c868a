package store

import (
	"context"
	"errors"
	"time"

	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/models"
	"gorm.io/gorm"
)

// Store implements the domain persistence contracts on GORM. One value is
// shared by every service; all methods are safe for concurrent use.
type Store struct {
	db *gorm.DB
}

var (
	_ domain.LedgerStore     = (*Store)(nil)
	_ domain.SubscriberStore = (*Store)(nil)
	_ domain.PlanStore       = (*Store)(nil)
	_ domain.PaymentStore    = (*Store)(nil)
	_ domain.PinStore        = (*Store)(nil)
	_ domain.HistoryStore    = (*Store)(nil)
	_ domain.DeadLetterStore = (*Store)(nil)

	_ domain.LedgerStore     = (*Memory)(nil)
	_ domain.SubscriberStore = (*Memory)(nil)
	_ domain.PlanStore       = (*Memory)(nil)
	_ domain.PaymentStore    = (*Memory)(nil)
	_ domain.PinStore        = (*Memory)(nil)
	_ domain.HistoryStore    = (*Memory)(nil)
	_ domain.DeadLetterStore = (*Memory)(nil)
)

// New creates a Store on an open GORM handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func transient(err error) error {
	if err == nil {
		return nil
	}
	return domain.NewTransientStorageError(err)
}

// --- LedgerStore ---

// RecordIfNew inserts the ledger row for an event ID, relying on the unique
// index for atomicity: exactly one inserter wins, every other caller gets the
// existing record back.
func (s *Store) RecordIfNew(ctx context.Context, rec *models.WebhookEventRecord) (bool, *models.WebhookEventRecord, error) {
	err := s.db.WithContext(ctx).Create(rec).Error
	if err == nil {
		return true, nil, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, nil, transient(err)
	}

	var prior models.WebhookEventRecord
	if err := s.db.WithContext(ctx).Where("event_id = ?", rec.EventID).First(&prior).Error; err != nil {
		return false, nil, transient(err)
	}
	return false, &prior, nil
}

// SetOutcome commits the processing outcome for a ledger row. Only a failed
// outcome consumes an attempt; settling an event terminally leaves the
// counter at the number of failures it took to get there.
func (s *Store) SetOutcome(ctx context.Context, eventID, outcome, lastError string, nextAttempt *time.Time) error {
	updates := map[string]interface{}{
		"outcome":         outcome,
		"last_error":      lastError,
		"next_attempt_at": nextAttempt,
	}
	if outcome == models.OutcomeFailed {
		updates["attempts"] = gorm.Expr("attempts + 1")
	}
	err := s.db.WithContext(ctx).
		Model(&models.WebhookEventRecord{}).
		Where("event_id = ?", eventID).
		Updates(updates).Error
	return transient(err)
}

// Get returns the ledger record for an event ID.
func (s *Store) Get(ctx context.Context, eventID string) (*models.WebhookEventRecord, error) {
	var rec models.WebhookEventRecord
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NewNotFoundError("webhook event")
	}
	if err != nil {
		return nil, transient(err)
	}
	return &rec, nil
}

// DueForRetry lists failed events whose backoff deadline has passed.
func (s *Store) DueForRetry(ctx context.Context, now time.Time, limit int) ([]models.WebhookEventRecord, error) {
	var recs []models.WebhookEventRecord
	err := s.db.WithContext(ctx).
		Where("outcome = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?", models.OutcomeFailed, now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, transient(err)
	}
	return recs, nil
}

// Prune removes ledger entries older than the retention cutoff. The caller
// guarantees the cutoff exceeds the provider's redelivery window.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("received_at < ? AND outcome IN ?", olderThan, []string{models.OutcomeApplied, models.OutcomeIgnoredStale}).
		Delete(&models.WebhookEventRecord{})
	if res.Error != nil {
		return 0, transient(res.Error)
	}
	return res.RowsAffected, nil
}

// --- SubscriberStore ---

func (s *Store) GetByKey(ctx context.Context, subscriberKey string) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := s.db.WithContext(ctx).Where("subscriber_key = ?", subscriberKey).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NewNotFoundError("subscriber")
	}
	if err != nil {
		return nil, transient(err)
	}
	return &sub, nil
}

func (s *Store) Save(ctx context.Context, sub *models.Subscriber) error {
	return transient(s.db.WithContext(ctx).Save(sub).Error)
}

func (s *Store) ListByStates(ctx context.Context, states ...string) ([]models.Subscriber, error) {
	var subs []models.Subscriber
	err := s.db.WithContext(ctx).Where("state IN ?", states).Find(&subs).Error
	if err != nil {
		return nil, transient(err)
	}
	return subs, nil
}

func (s *Store) ListGraceExpired(ctx context.Context, now time.Time) ([]models.Subscriber, error) {
	var subs []models.Subscriber
	err := s.db.WithContext(ctx).
		Where("state = ? AND grace_expires_at IS NOT NULL AND grace_expires_at <= ?", models.StatePastDue, now).
		Find(&subs).Error
	if err != nil {
		return nil, transient(err)
	}
	return subs, nil
}

// --- PlanStore ---

func (s *Store) GetByID(ctx context.Context, id uint) (*models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	err := s.db.WithContext(ctx).First(&plan, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NewNotFoundError("subscription plan")
	}
	if err != nil {
		return nil, transient(err)
	}
	return &plan, nil
}

func (s *Store) GetByProviderPriceID(ctx context.Context, priceID string) (*models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	err := s.db.WithContext(ctx).Where("provider_price_id = ?", priceID).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NewNotFoundError("subscription plan")
	}
	if err != nil {
		return nil, transient(err)
	}
	return &plan, nil
}

func (s *Store) ListActive(ctx context.Context) ([]models.SubscriptionPlan, error) {
	var plans []models.SubscriptionPlan
	err := s.db.WithContext(ctx).Where("active = ?", true).Order("price_cents ASC").Find(&plans).Error
	if err != nil {
		return nil, transient(err)
	}
	return plans, nil
}

func (s *Store) CreatePlan(ctx context.Context, plan *models.SubscriptionPlan) error {
	return transient(s.db.WithContext(ctx).Create(plan).Error)
}

// --- PaymentStore ---

// Append inserts one payment row. Inserting the same payment ID twice is a
// no-op, which lets event reprocessing stay idempotent.
func (s *Store) Append(ctx context.Context, p *models.Payment) error {
	err := s.db.WithContext(ctx).Create(p).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return transient(err)
}

func (s *Store) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	var pay models.Payment
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&pay).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NewNotFoundError("payment")
	}
	if err != nil {
		return nil, transient(err)
	}
	return &pay, nil
}

func (s *Store) ListBySubscriber(ctx context.Context, subscriberKey string, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.WithContext(ctx).
		Where("subscriber_key = ?", subscriberKey).
		Order("created_at DESC").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, transient(err)
	}
	return payments, nil
}

func (s *Store) Analytics(ctx context.Context, since time.Time) (*models.PaymentAnalytics, error) {
	a := &models.PaymentAnalytics{PeriodFrom: since, PeriodTo: time.Now()}

	db := s.db.WithContext(ctx).Model(&models.Payment{})
	if err := db.Count(&a.TotalPayments).Error; err != nil {
		return nil, transient(err)
	}

	succeeded := s.db.WithContext(ctx).Model(&models.Payment{}).Where("status = ?", models.PaymentSucceeded)
	if err := succeeded.Count(&a.SucceededPayments).Error; err != nil {
		return nil, transient(err)
	}

	var totals struct {
		Total int64
		Avg   float64
	}
	err := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("status = ?", models.PaymentSucceeded).
		Select("COALESCE(SUM(amount_cents),0) as total, COALESCE(AVG(amount_cents),0) as avg").
		Scan(&totals).Error
	if err != nil {
		return nil, transient(err)
	}
	a.TotalRevenueCents = totals.Total
	a.AveragePaymentCents = int64(totals.Avg)

	var monthly struct {
		Total int64
		Count int64
	}
	err = s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("status = ? AND created_at >= ?", models.PaymentSucceeded, since).
		Select("COALESCE(SUM(amount_cents),0) as total, COUNT(*) as count").
		Scan(&monthly).Error
	if err != nil {
		return nil, transient(err)
	}
	a.MonthlyRevenue = monthly.Total
	a.MonthlyPayments = monthly.Count

	if a.TotalPayments > 0 {
		a.SuccessRate = float64(a.SucceededPayments) / float64(a.TotalPayments) * 100
	}
	return a, nil
}

// PruneTerminated removes old failed payment rows. Succeeded and refunded
// records are kept indefinitely.
func (s *Store) PruneTerminated(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ? AND status = ?", olderThan, models.PaymentFailed).
		Delete(&models.Payment{})
	if res.Error != nil {
		return 0, transient(res.Error)
	}
	return res.RowsAffected, nil
}

// --- PinStore ---

func (s *Store) CreatePin(ctx context.Context, pin *models.PinnedPost) error {
	return transient(s.db.WithContext(ctx).Create(pin).Error)
}

func (s *Store) GetByPost(ctx context.Context, subscriberKey, postID string) (*models.PinnedPost, error) {
	var pin models.PinnedPost
	err := s.db.WithContext(ctx).
		Where("subscriber_key = ? AND post_id = ?", subscriberKey, postID).
		First(&pin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NewNotFoundError("pinned post")
	}
	if err != nil {
		return nil, transient(err)
	}
	return &pin, nil
}

func (s *Store) ListPins(ctx context.Context, subscriberKey string, activeOnly bool) ([]models.PinnedPost, error) {
	var pins []models.PinnedPost
	q := s.db.WithContext(ctx).Where("subscriber_key = ?", subscriberKey)
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	err := q.Order("pinned_at ASC").Find(&pins).Error
	if err != nil {
		return nil, transient(err)
	}
	return pins, nil
}

func (s *Store) SetActive(ctx context.Context, id uint, active bool) error {
	err := s.db.WithContext(ctx).
		Model(&models.PinnedPost{}).
		Where("id = ?", id).
		Update("active", active).Error
	return transient(err)
}

func (s *Store) DeletePin(ctx context.Context, id uint) error {
	return transient(s.db.WithContext(ctx).Delete(&models.PinnedPost{}, id).Error)
}

// --- HistoryStore ---

func (s *Store) AppendHistory(ctx context.Context, h *models.SubscriptionHistory) error {
	return transient(s.db.WithContext(ctx).Create(h).Error)
}

func (s *Store) ListHistory(ctx context.Context, subscriberKey string, limit int) ([]models.SubscriptionHistory, error) {
	var rows []models.SubscriptionHistory
	err := s.db.WithContext(ctx).
		Where("subscriber_key = ?", subscriberKey).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, transient(err)
	}
	return rows, nil
}

// --- DeadLetterStore ---

func (s *Store) AddDeadLetter(ctx context.Context, d *models.DeadLetterEvent) error {
	err := s.db.WithContext(ctx).Create(d).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Already dead-lettered; keep the first record.
		return nil
	}
	return transient(err)
}

func (s *Store) GetDeadLetter(ctx context.Context, eventID string) (*models.DeadLetterEvent, error) {
	var d models.DeadLetterEvent
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NewNotFoundError("dead letter event")
	}
	if err != nil {
		return nil, transient(err)
	}
	return &d, nil
}

func (s *Store) MarkReplayed(ctx context.Context, eventID string, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&models.DeadLetterEvent{}).
		Where("event_id = ?", eventID).
		Update("replayed_at", at).Error
	return transient(err)
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEvent, error) {
	var rows []models.DeadLetterEvent
	err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, transient(err)
	}
	return rows, nil
}
