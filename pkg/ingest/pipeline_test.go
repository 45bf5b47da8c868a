package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumeblog/backend/pkg/logger"
	"github.com/plumeblog/backend/pkg/metrics"
	"github.com/plumeblog/backend/pkg/models"
	"github.com/plumeblog/backend/pkg/store"
	"github.com/plumeblog/backend/pkg/subscription"
)

var testMetrics = metrics.New()

type fakeResolver struct {
	invalidated []string
	fail        bool
}

func (f *fakeResolver) Resolve(ctx context.Context, key string) (*models.EntitlementSnapshot, error) {
	return &models.EntitlementSnapshot{SubscriberKey: key}, nil
}

func (f *fakeResolver) Invalidate(ctx context.Context, key string) error {
	if f.fail {
		return errors.New("redis unavailable")
	}
	f.invalidated = append(f.invalidated, key)
	return nil
}

type fakeNotifier struct {
	paymentFailed []string
	expired       []string
}

func (f *fakeNotifier) SendPaymentFailed(key string, deadline time.Time) error {
	f.paymentFailed = append(f.paymentFailed, key)
	return nil
}

func (f *fakeNotifier) SendSubscriptionExpired(key string) error {
	f.expired = append(f.expired, key)
	return nil
}

type fakePins struct {
	revalidated []string
}

func (f *fakePins) Revalidate(ctx context.Context, key string) (int, error) {
	f.revalidated = append(f.revalidated, key)
	return 0, nil
}

type fixture struct {
	svc      *Service
	mem      *store.Memory
	resolver *fakeResolver
	notifier *fakeNotifier
	pins     *fakePins
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	mem := store.NewMemory()
	resolver := &fakeResolver{}
	notifier := &fakeNotifier{}
	pins := &fakePins{}
	svc := NewService(
		mem, mem, mem, mem, mem, mem,
		resolver, notifier, pins,
		subscription.NewMachine(72*time.Hour),
		testMetrics,
		logger.New("error", "text"),
		Config{BackoffBase: 30 * time.Second, BackoffFactor: 2, MaxAttempts: maxAttempts},
	)
	return &fixture{svc: svc, mem: mem, resolver: resolver, notifier: notifier, pins: pins}
}

func checkoutEvent(id string, seq int64) subscription.Event {
	return subscription.Event{
		ID:            id,
		Type:          subscription.EventCheckoutCompleted,
		SubscriberKey: "sub_1",
		Sequence:      seq,
		OccurredAt:    time.Now(),
	}
}

func paidEvent(id string, seq int64) subscription.Event {
	return subscription.Event{
		ID:            id,
		Type:          subscription.EventInvoicePaid,
		SubscriberKey: "sub_1",
		Sequence:      seq,
		OccurredAt:    time.Now(),
		AmountCents:   900,
		Currency:      "usd",
		InvoiceRef:    "in_" + id,
	}
}

func TestProcessCheckoutCreatesSubscriber(t *testing.T) {
	f := newFixture(t, 6)
	ctx := context.Background()

	receipt, err := f.svc.Process(ctx, checkoutEvent("evt_1", 100), []byte(`{"id":"evt_1"}`))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, receipt.Outcome)
	assert.False(t, receipt.Duplicate)

	sub, err := f.mem.GetByKey(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, sub.State)
	assert.Equal(t, int64(100), sub.LastEventSequence)

	rec, err := f.mem.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, rec.Outcome)

	assert.Contains(t, f.resolver.invalidated, "sub_1")

	hist, err := f.mem.ListHistory(ctx, "sub_1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
}

func TestProcessDuplicateIsAbsorbed(t *testing.T) {
	f := newFixture(t, 6)
	ctx := context.Background()

	first, err := f.svc.Process(ctx, paidEvent("evt_1", 100), []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, models.OutcomeApplied, first.Outcome)

	payments, err := f.mem.ListBySubscriber(ctx, "sub_1", 10)
	require.NoError(t, err)
	require.Len(t, payments, 1)

	second, err := f.svc.Process(ctx, paidEvent("evt_1", 100), []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, models.OutcomeApplied, second.Outcome)

	payments, err = f.mem.ListBySubscriber(ctx, "sub_1", 10)
	require.NoError(t, err)
	assert.Len(t, payments, 1, "redelivery must not double-record the payment")
}

func TestProcessInFlightReportsRetryable(t *testing.T) {
	f := newFixture(t, 6)
	ctx := context.Background()

	// Simulate a concurrent worker holding the event mid-processing.
	_, _, err := f.mem.RecordIfNew(ctx, &models.WebhookEventRecord{
		EventID: "evt_1",
		Outcome: models.OutcomePending,
	})
	require.NoError(t, err)

	receipt, err := f.svc.Process(ctx, checkoutEvent("evt_1", 100), []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, receipt.InFlight)
}

func TestProcessStaleEventIgnored(t *testing.T) {
	f := newFixture(t, 6)
	ctx := context.Background()

	_, err := f.svc.Process(ctx, checkoutEvent("evt_1", 100), []byte(`{}`))
	require.NoError(t, err)

	receipt, err := f.svc.Process(ctx, paidEvent("evt_0", 50), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeIgnoredStale, receipt.Outcome)

	rec, err := f.mem.Get(ctx, "evt_0")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeIgnoredStale, rec.Outcome)

	// No payment from the stale invoice.
	payments, err := f.mem.ListBySubscriber(ctx, "sub_1", 10)
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestProcessFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t, 6)
	ctx := context.Background()
	f.resolver.fail = true

	before := time.Now()
	_, err := f.svc.Process(ctx, checkoutEvent("evt_1", 100), []byte(`{}`))
	require.Error(t, err)

	rec, err := f.mem.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailed, rec.Outcome)
	require.NotNil(t, rec.NextAttemptAt)
	assert.True(t, rec.NextAttemptAt.After(before.Add(29*time.Second)), "first retry uses the base backoff")
	assert.NotEmpty(t, rec.LastError)
}

func TestRedeliveredFailedEventReprocessesImmediately(t *testing.T) {
	f := newFixture(t, 6)
	ctx := context.Background()

	f.resolver.fail = true
	_, err := f.svc.Process(ctx, checkoutEvent("evt_1", 100), []byte(`{}`))
	require.Error(t, err)

	// Backend recovered; the provider redelivers before the retry pump
	// gets there.
	f.resolver.fail = false
	receipt, err := f.svc.Process(ctx, checkoutEvent("evt_1", 100), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, receipt.Outcome)

	sub, err := f.mem.GetByKey(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, sub.State)
}

func TestRetryAfterEffectFailureStillInvalidates(t *testing.T) {
	f := newFixture(t, 6)
	ctx := context.Background()

	f.resolver.fail = true
	_, err := f.svc.Process(ctx, checkoutEvent("evt_1", 100), []byte(`{}`))
	require.Error(t, err)

	// The view committed before the cache write failed. The retry replays a
	// checkout the machine now absorbs as a no-op, but the cached snapshot
	// must still be dropped.
	f.resolver.fail = false
	rec, err := f.mem.Get(ctx, "evt_1")
	require.NoError(t, err)
	require.NoError(t, f.svc.Reapply(ctx, rec))

	assert.Contains(t, f.resolver.invalidated, "sub_1")

	rec, err = f.mem.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, rec.Outcome)
}

func TestAttemptsCountFailuresOnly(t *testing.T) {
	f := newFixture(t, 6)
	ctx := context.Background()

	f.resolver.fail = true
	_, err := f.svc.Process(ctx, checkoutEvent("evt_1", 100), []byte(`{}`))
	require.Error(t, err)

	rec, err := f.mem.Get(ctx, "evt_1")
	require.NoError(t, err)
	require.Equal(t, 1, rec.Attempts)

	f.resolver.fail = false
	_, err = f.svc.Process(ctx, checkoutEvent("evt_1", 100), []byte(`{}`))
	require.NoError(t, err)

	rec, err = f.mem.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, rec.Outcome)
	assert.Equal(t, 1, rec.Attempts, "settling terminally does not consume an attempt")
}

func TestExhaustedAttemptsParkInDeadLetter(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.resolver.fail = true

	_, err := f.svc.Process(ctx, checkoutEvent("evt_1", 100), []byte(`{}`))
	require.Error(t, err)

	rec, err := f.mem.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailed, rec.Outcome)
	assert.Nil(t, rec.NextAttemptAt, "parked events leave the retry rotation")

	dl, err := f.mem.GetDeadLetter(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.EventCheckoutCompleted, dl.EventType)
	assert.Equal(t, 1, dl.Attempts)
}

func TestReapplyIsIdempotent(t *testing.T) {
	f := newFixture(t, 6)
	ctx := context.Background()

	_, err := f.svc.Process(ctx, paidEvent("evt_1", 100), []byte(`{}`))
	require.NoError(t, err)

	rec, err := f.mem.Get(ctx, "evt_1")
	require.NoError(t, err)

	require.NoError(t, f.svc.Reapply(ctx, rec))

	payments, err := f.mem.ListBySubscriber(ctx, "sub_1", 10)
	require.NoError(t, err)
	assert.Len(t, payments, 1)

	sub, err := f.mem.GetByKey(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), sub.LastEventSequence)
}

func TestPastDueFlowNotifiesAndRevalidates(t *testing.T) {
	f := newFixture(t, 6)
	ctx := context.Background()

	_, err := f.svc.Process(ctx, checkoutEvent("evt_1", 100), []byte(`{}`))
	require.NoError(t, err)

	failed := subscription.Event{
		ID:            "evt_2",
		Type:          subscription.EventInvoiceFailed,
		SubscriberKey: "sub_1",
		Sequence:      200,
		OccurredAt:    time.Now(),
		AmountCents:   900,
		Currency:      "usd",
	}
	_, err = f.svc.Process(ctx, failed, []byte(`{}`))
	require.NoError(t, err)

	sub, err := f.mem.GetByKey(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatePastDue, sub.State)
	require.NotNil(t, sub.GraceExpiresAt)

	assert.Contains(t, f.notifier.paymentFailed, "sub_1")
	assert.Contains(t, f.pins.revalidated, "sub_1")
}

func TestPlanResolutionFromProviderPrice(t *testing.T) {
	f := newFixture(t, 6)
	ctx := context.Background()

	plan := &models.SubscriptionPlan{Name: "Pro", ProviderPriceID: "price_pro", CanPin: true, PinQuota: 3}
	require.NoError(t, f.mem.CreatePlan(ctx, plan))

	ev := checkoutEvent("evt_1", 100)
	ev.PlanPriceID = "price_pro"
	_, err := f.svc.Process(ctx, ev, []byte(`{}`))
	require.NoError(t, err)

	sub, err := f.mem.GetByKey(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, plan.ID, sub.PlanID)
}
