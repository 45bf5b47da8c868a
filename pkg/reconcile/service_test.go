package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/ingest"
	"github.com/plumeblog/backend/pkg/logger"
	"github.com/plumeblog/backend/pkg/metrics"
	"github.com/plumeblog/backend/pkg/models"
	"github.com/plumeblog/backend/pkg/store"
	"github.com/plumeblog/backend/pkg/subscription"
)

var testMetrics = metrics.New()

type fakeProvider struct {
	subs map[string]*domain.ProviderSubscription
	errs map[string]error
}

func (f *fakeProvider) FetchSubscription(ctx context.Context, key string) (*domain.ProviderSubscription, error) {
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if sub, ok := f.subs[key]; ok {
		return sub, nil
	}
	return nil, domain.NewNotFoundError("provider subscription")
}

type noopResolver struct{}

func (noopResolver) Resolve(ctx context.Context, key string) (*models.EntitlementSnapshot, error) {
	return &models.EntitlementSnapshot{SubscriberKey: key}, nil
}
func (noopResolver) Invalidate(context.Context, string) error { return nil }

type noopNotifier struct{}

func (noopNotifier) SendPaymentFailed(string, time.Time) error { return nil }
func (noopNotifier) SendSubscriptionExpired(string) error      { return nil }

type noopPins struct{}

func (noopPins) Revalidate(context.Context, string) (int, error) { return 0, nil }

type fixture struct {
	svc      *Service
	mem      *store.Memory
	provider *fakeProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	log := logger.New("error", "text")
	pipeline := ingest.NewService(
		mem, mem, mem, mem, mem, mem,
		noopResolver{}, noopNotifier{}, noopPins{},
		subscription.NewMachine(72*time.Hour),
		testMetrics, log,
		ingest.Config{BackoffBase: 30 * time.Second, BackoffFactor: 2, MaxAttempts: 6},
	)
	provider := &fakeProvider{
		subs: map[string]*domain.ProviderSubscription{},
		errs: map[string]error{},
	}
	svc := NewService(mem, provider, pipeline, testMetrics, log, 4)
	return &fixture{svc: svc, mem: mem, provider: provider}
}

func seed(t *testing.T, mem *store.Memory, key, state string, seq int64) {
	t.Helper()
	require.NoError(t, mem.Save(context.Background(), &models.Subscriber{
		SubscriberKey:     key,
		State:             state,
		LastEventSequence: seq,
	}))
}

func remote(status string, asOf time.Time) *domain.ProviderSubscription {
	return &domain.ProviderSubscription{
		Status: status,
		AsOf:   asOf,
	}
}

func TestSweepNoDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed(t, f.mem, "cus_1", models.StateActive, 100)
	f.provider.subs["cus_1"] = remote("active", time.Now())

	drifted, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, drifted)

	sub, err := f.mem.GetByKey(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, sub.State)
}

func TestSweepCorrectsDriftedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A missed cancellation webhook left the local record active.
	seed(t, f.mem, "cus_1", models.StateActive, 100)
	f.provider.subs["cus_1"] = remote("canceled", time.Now())

	drifted, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drifted)

	sub, err := f.mem.GetByKey(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCanceled, sub.State)
}

func TestSweepTreatsMissingRemoteAsCanceled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed(t, f.mem, "cus_gone", models.StateActive, 100)

	drifted, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drifted)

	sub, err := f.mem.GetByKey(ctx, "cus_gone")
	require.NoError(t, err)
	assert.Equal(t, models.StateCanceled, sub.State)
}

func TestSweepIsolatesPerSubscriberFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed(t, f.mem, "cus_bad", models.StateActive, 100)
	seed(t, f.mem, "cus_good", models.StateActive, 100)
	f.provider.errs["cus_bad"] = domain.NewProviderUnreachableError(errors.New("timeout"))
	f.provider.subs["cus_good"] = remote("past_due", time.Now())

	drifted, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drifted, "the reachable subscriber still reconciles")

	sub, err := f.mem.GetByKey(ctx, "cus_good")
	require.NoError(t, err)
	assert.Equal(t, models.StatePastDue, sub.State)

	bad, err := f.mem.GetByKey(ctx, "cus_bad")
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, bad.State, "unreachable subscriber left untouched")
}

func TestSweepRerunDedupesAgainstLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed(t, f.mem, "cus_1", models.StateActive, 100)
	asOf := time.Now().Truncate(time.Second)
	f.provider.subs["cus_1"] = remote("canceled", asOf)

	drifted, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, drifted)

	// Simulate a crash between applying the event and recording sweep
	// completion: the subscriber looks active again, and the rerun observes
	// the provider at the same instant. The deterministic event ID makes
	// the ledger absorb the duplicate without reapplying effects.
	sub, err := f.mem.GetByKey(ctx, "cus_1")
	require.NoError(t, err)
	sub.State = models.StateActive
	require.NoError(t, f.mem.Save(ctx, sub))

	hist, err := f.mem.ListHistory(ctx, "cus_1", 50)
	require.NoError(t, err)
	before := len(hist)

	_, err = f.svc.Sweep(ctx)
	require.NoError(t, err)

	hist, err = f.mem.ListHistory(ctx, "cus_1", 50)
	require.NoError(t, err)
	assert.Equal(t, before, len(hist), "duplicate synthetic event appends no history")
}

func TestCheckGraceExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	deadline := time.Now().Add(-time.Minute)
	require.NoError(t, f.mem.Save(ctx, &models.Subscriber{
		SubscriberKey:     "cus_1",
		State:             models.StatePastDue,
		LastEventSequence: 100,
		GraceExpiresAt:    &deadline,
	}))

	expired, err := f.svc.CheckGraceExpiry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	sub, err := f.mem.GetByKey(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, sub.State)
	assert.Nil(t, sub.GraceExpiresAt)
}

func TestCheckGraceExpirySkipsFutureDeadlines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	deadline := time.Now().Add(time.Hour)
	require.NoError(t, f.mem.Save(ctx, &models.Subscriber{
		SubscriberKey:     "cus_1",
		State:             models.StatePastDue,
		LastEventSequence: 100,
		GraceExpiresAt:    &deadline,
	}))

	expired, err := f.svc.CheckGraceExpiry(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)

	sub, err := f.mem.GetByKey(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatePastDue, sub.State)
}

func TestCheckGraceExpiryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	deadline := time.Now().Add(-time.Minute)
	require.NoError(t, f.mem.Save(ctx, &models.Subscriber{
		SubscriberKey:     "cus_1",
		State:             models.StatePastDue,
		LastEventSequence: 100,
		GraceExpiresAt:    &deadline,
	}))

	_, err := f.svc.CheckGraceExpiry(ctx)
	require.NoError(t, err)

	expired, err := f.svc.CheckGraceExpiry(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired, "expired subscribers leave the grace scan")
}
