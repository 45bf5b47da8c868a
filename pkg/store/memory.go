package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/models"
)

// Memory is an in-memory implementation of the persistence contracts, used by
// unit tests across the codebase. Semantics match Store, including the
// atomicity of RecordIfNew.
type Memory struct {
	mu          sync.Mutex
	ledger      map[string]*models.WebhookEventRecord
	subscribers map[string]*models.Subscriber
	plans       map[uint]*models.SubscriptionPlan
	payments    []models.Payment
	pins        map[uint]*models.PinnedPost
	history     []models.SubscriptionHistory
	deadLetters map[string]*models.DeadLetterEvent
	nextID      uint

	// FailWrites makes every mutating call return a transient storage
	// error, for exercising retry paths.
	FailWrites bool

	// FailReads makes subscriber and plan lookups return a transient
	// storage error, for exercising degraded read paths.
	FailReads bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		ledger:      make(map[string]*models.WebhookEventRecord),
		subscribers: make(map[string]*models.Subscriber),
		plans:       make(map[uint]*models.SubscriptionPlan),
		pins:        make(map[uint]*models.PinnedPost),
		deadLetters: make(map[string]*models.DeadLetterEvent),
	}
}

func (m *Memory) failing() error {
	if m.FailWrites {
		return domain.NewTransientStorageError(errUnavailable)
	}
	return nil
}

type unavailableError struct{}

func (unavailableError) Error() string { return "storage unavailable" }

var errUnavailable = unavailableError{}

func (m *Memory) id() uint {
	m.nextID++
	return m.nextID
}

// --- LedgerStore ---

func (m *Memory) RecordIfNew(ctx context.Context, rec *models.WebhookEventRecord) (bool, *models.WebhookEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return false, nil, err
	}
	if prior, ok := m.ledger[rec.EventID]; ok {
		cp := *prior
		return false, &cp, nil
	}
	stored := *rec
	stored.ID = m.id()
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = time.Now()
	}
	m.ledger[rec.EventID] = &stored
	return true, nil, nil
}

func (m *Memory) SetOutcome(ctx context.Context, eventID, outcome, lastError string, nextAttempt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return err
	}
	rec, ok := m.ledger[eventID]
	if !ok {
		return domain.NewNotFoundError("webhook event")
	}
	rec.Outcome = outcome
	rec.LastError = lastError
	rec.NextAttemptAt = nextAttempt
	if outcome == models.OutcomeFailed {
		rec.Attempts++
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, eventID string) (*models.WebhookEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.ledger[eventID]
	if !ok {
		return nil, domain.NewNotFoundError("webhook event")
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) DueForRetry(ctx context.Context, now time.Time, limit int) ([]models.WebhookEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.WebhookEventRecord
	for _, rec := range m.ledger {
		if rec.Outcome == models.OutcomeFailed && rec.NextAttemptAt != nil && !rec.NextAttemptAt.After(now) {
			due = append(due, *rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(*due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.ledger {
		if rec.ReceivedAt.Before(olderThan) && rec.Terminal() {
			delete(m.ledger, id)
			n++
		}
	}
	return n, nil
}

// --- SubscriberStore ---

func (m *Memory) GetByKey(ctx context.Context, subscriberKey string) (*models.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailReads {
		return nil, domain.NewTransientStorageError(errUnavailable)
	}
	sub, ok := m.subscribers[subscriberKey]
	if !ok {
		return nil, domain.NewNotFoundError("subscriber")
	}
	cp := *sub
	return &cp, nil
}

func (m *Memory) Save(ctx context.Context, sub *models.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return err
	}
	cp := *sub
	if cp.ID == 0 {
		cp.ID = m.id()
	}
	m.subscribers[sub.SubscriberKey] = &cp
	return nil
}

func (m *Memory) ListByStates(ctx context.Context, states ...string) ([]models.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var subs []models.Subscriber
	for _, sub := range m.subscribers {
		for _, st := range states {
			if sub.State == st {
				subs = append(subs, *sub)
				break
			}
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].SubscriberKey < subs[j].SubscriberKey })
	return subs, nil
}

func (m *Memory) ListGraceExpired(ctx context.Context, now time.Time) ([]models.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var subs []models.Subscriber
	for _, sub := range m.subscribers {
		if sub.State == models.StatePastDue && sub.GraceExpiresAt != nil && !sub.GraceExpiresAt.After(now) {
			subs = append(subs, *sub)
		}
	}
	return subs, nil
}

// --- PlanStore ---

func (m *Memory) GetByID(ctx context.Context, id uint) (*models.SubscriptionPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailReads {
		return nil, domain.NewTransientStorageError(errUnavailable)
	}
	plan, ok := m.plans[id]
	if !ok {
		return nil, domain.NewNotFoundError("subscription plan")
	}
	cp := *plan
	return &cp, nil
}

func (m *Memory) GetByProviderPriceID(ctx context.Context, priceID string) (*models.SubscriptionPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, plan := range m.plans {
		if plan.ProviderPriceID == priceID {
			cp := *plan
			return &cp, nil
		}
	}
	return nil, domain.NewNotFoundError("subscription plan")
}

func (m *Memory) ListActive(ctx context.Context) ([]models.SubscriptionPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var plans []models.SubscriptionPlan
	for _, plan := range m.plans {
		if plan.Active {
			plans = append(plans, *plan)
		}
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].PriceCents < plans[j].PriceCents })
	return plans, nil
}

func (m *Memory) CreatePlan(ctx context.Context, plan *models.SubscriptionPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return err
	}
	cp := *plan
	if cp.ID == 0 {
		cp.ID = m.id()
	}
	m.plans[cp.ID] = &cp
	plan.ID = cp.ID
	return nil
}

// --- PaymentStore ---

func (m *Memory) Append(ctx context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return err
	}
	for _, existing := range m.payments {
		if existing.ID == p.ID {
			return nil
		}
	}
	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.payments = append(m.payments, cp)
	return nil
}

func (m *Memory) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.payments {
		if m.payments[i].ID == id {
			cp := m.payments[i]
			return &cp, nil
		}
	}
	return nil, domain.NewNotFoundError("payment")
}

func (m *Memory) ListBySubscriber(ctx context.Context, subscriberKey string, limit int) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var payments []models.Payment
	for i := len(m.payments) - 1; i >= 0 && len(payments) < limit; i-- {
		if m.payments[i].SubscriberKey == subscriberKey {
			payments = append(payments, m.payments[i])
		}
	}
	return payments, nil
}

func (m *Memory) Analytics(ctx context.Context, since time.Time) (*models.PaymentAnalytics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := &models.PaymentAnalytics{PeriodFrom: since, PeriodTo: time.Now()}
	var sum int64
	for _, p := range m.payments {
		a.TotalPayments++
		if p.Status == models.PaymentSucceeded {
			a.SucceededPayments++
			sum += p.AmountCents
			if !p.CreatedAt.Before(since) {
				a.MonthlyPayments++
				a.MonthlyRevenue += p.AmountCents
			}
		}
	}
	a.TotalRevenueCents = sum
	if a.SucceededPayments > 0 {
		a.AveragePaymentCents = sum / a.SucceededPayments
	}
	if a.TotalPayments > 0 {
		a.SuccessRate = float64(a.SucceededPayments) / float64(a.TotalPayments) * 100
	}
	return a, nil
}

func (m *Memory) PruneTerminated(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.payments[:0]
	var n int64
	for _, p := range m.payments {
		if p.Status == models.PaymentFailed && p.CreatedAt.Before(olderThan) {
			n++
			continue
		}
		kept = append(kept, p)
	}
	m.payments = kept
	return n, nil
}

// --- PinStore ---

func (m *Memory) CreatePin(ctx context.Context, pin *models.PinnedPost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return err
	}
	cp := *pin
	if cp.ID == 0 {
		cp.ID = m.id()
	}
	if cp.PinnedAt.IsZero() {
		cp.PinnedAt = time.Now()
	}
	m.pins[cp.ID] = &cp
	pin.ID = cp.ID
	pin.PinnedAt = cp.PinnedAt
	return nil
}

func (m *Memory) GetByPost(ctx context.Context, subscriberKey, postID string) (*models.PinnedPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pin := range m.pins {
		if pin.SubscriberKey == subscriberKey && pin.PostID == postID {
			cp := *pin
			return &cp, nil
		}
	}
	return nil, domain.NewNotFoundError("pinned post")
}

func (m *Memory) ListPins(ctx context.Context, subscriberKey string, activeOnly bool) ([]models.PinnedPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pins []models.PinnedPost
	for _, pin := range m.pins {
		if pin.SubscriberKey != subscriberKey {
			continue
		}
		if activeOnly && !pin.Active {
			continue
		}
		pins = append(pins, *pin)
	}
	sort.Slice(pins, func(i, j int) bool { return pins[i].PinnedAt.Before(pins[j].PinnedAt) })
	return pins, nil
}

func (m *Memory) SetActive(ctx context.Context, id uint, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return err
	}
	pin, ok := m.pins[id]
	if !ok {
		return domain.NewNotFoundError("pinned post")
	}
	pin.Active = active
	return nil
}

func (m *Memory) DeletePin(ctx context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pins, id)
	return nil
}

// --- HistoryStore ---

func (m *Memory) AppendHistory(ctx context.Context, h *models.SubscriptionHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return err
	}
	cp := *h
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.history = append(m.history, cp)
	return nil
}

func (m *Memory) ListHistory(ctx context.Context, subscriberKey string, limit int) ([]models.SubscriptionHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []models.SubscriptionHistory
	for i := len(m.history) - 1; i >= 0 && len(rows) < limit; i-- {
		if m.history[i].SubscriberKey == subscriberKey {
			rows = append(rows, m.history[i])
		}
	}
	return rows, nil
}

// --- DeadLetterStore ---

func (m *Memory) AddDeadLetter(ctx context.Context, d *models.DeadLetterEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return err
	}
	if _, ok := m.deadLetters[d.EventID]; ok {
		return nil
	}
	cp := *d
	cp.ID = m.id()
	m.deadLetters[d.EventID] = &cp
	return nil
}

func (m *Memory) GetDeadLetter(ctx context.Context, eventID string) (*models.DeadLetterEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deadLetters[eventID]
	if !ok {
		return nil, domain.NewNotFoundError("dead letter event")
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) MarkReplayed(ctx context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deadLetters[eventID]
	if !ok {
		return domain.NewNotFoundError("dead letter event")
	}
	d.ReplayedAt = &at
	return nil
}

func (m *Memory) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []models.DeadLetterEvent
	for _, d := range m.deadLetters {
		rows = append(rows, *d)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}
