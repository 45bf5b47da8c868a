package pins

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/logger"
	"github.com/plumeblog/backend/pkg/metrics"
	"github.com/plumeblog/backend/pkg/models"
	"github.com/plumeblog/backend/pkg/store"
)

var testMetrics = metrics.New()

type stubResolver struct {
	snaps map[string]*models.EntitlementSnapshot
}

func (s *stubResolver) Resolve(ctx context.Context, key string) (*models.EntitlementSnapshot, error) {
	if snap, ok := s.snaps[key]; ok {
		return snap, nil
	}
	return &models.EntitlementSnapshot{SubscriberKey: key}, nil
}

func (s *stubResolver) Invalidate(ctx context.Context, key string) error { return nil }

func newService(t *testing.T) (*Service, *store.Memory, *stubResolver) {
	t.Helper()
	mem := store.NewMemory()
	resolver := &stubResolver{snaps: map[string]*models.EntitlementSnapshot{
		"sub_premium": {SubscriberKey: "sub_premium", CanPin: true, PinQuota: 2, PriorityWeight: 10},
	}}
	return NewService(mem, mem, resolver, testMetrics, logger.New("error", "text")), mem, resolver
}

func TestRequestPinRequiresEntitlement(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.RequestPin(context.Background(), "sub_free", "post_1")
	require.Error(t, err)
	assert.True(t, domain.IsEntitlementAbsent(err))
}

func TestRequestPinEnforcesQuota(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.RequestPin(ctx, "sub_premium", "post_1")
	require.NoError(t, err)
	_, err = svc.RequestPin(ctx, "sub_premium", "post_2")
	require.NoError(t, err)

	_, err = svc.RequestPin(ctx, "sub_premium", "post_3")
	require.Error(t, err)
	assert.True(t, domain.IsQuotaExceeded(err))
}

func TestRequestPinIsIdempotent(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	first, err := svc.RequestPin(ctx, "sub_premium", "post_1")
	require.NoError(t, err)

	again, err := svc.RequestPin(ctx, "sub_premium", "post_1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	active, err := svc.ListActive(ctx, "sub_premium")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestUnpinRemovesPin(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.RequestPin(ctx, "sub_premium", "post_1")
	require.NoError(t, err)

	require.NoError(t, svc.Unpin(ctx, "sub_premium", "post_1"))

	active, err := svc.ListActive(ctx, "sub_premium")
	require.NoError(t, err)
	assert.Empty(t, active)

	err = svc.Unpin(ctx, "sub_premium", "post_1")
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
}

func TestRevalidateDemotesAllWhenEntitlementLost(t *testing.T) {
	svc, mem, resolver := newService(t)
	ctx := context.Background()

	_, err := svc.RequestPin(ctx, "sub_premium", "post_1")
	require.NoError(t, err)
	_, err = svc.RequestPin(ctx, "sub_premium", "post_2")
	require.NoError(t, err)

	resolver.snaps["sub_premium"] = &models.EntitlementSnapshot{SubscriberKey: "sub_premium"}

	demoted, err := svc.Revalidate(ctx, "sub_premium")
	require.NoError(t, err)
	assert.Equal(t, 2, demoted)

	active, err := mem.ListPins(ctx, "sub_premium", true)
	require.NoError(t, err)
	assert.Empty(t, active)

	// Demotion keeps the rows so recovery can restore them.
	all, err := mem.ListPins(ctx, "sub_premium", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRevalidateDemotesOverflowOnQuotaShrink(t *testing.T) {
	svc, mem, resolver := newService(t)
	ctx := context.Background()

	_, err := svc.RequestPin(ctx, "sub_premium", "post_1")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = svc.RequestPin(ctx, "sub_premium", "post_2")
	require.NoError(t, err)

	resolver.snaps["sub_premium"].PinQuota = 1

	demoted, err := svc.Revalidate(ctx, "sub_premium")
	require.NoError(t, err)
	assert.Equal(t, 1, demoted)

	active, err := mem.ListPins(ctx, "sub_premium", true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "post_1", active[0].PostID, "earliest pin survives the shrink")
}

func TestRevalidateRestoresPinsOnRecovery(t *testing.T) {
	svc, mem, resolver := newService(t)
	ctx := context.Background()

	_, err := svc.RequestPin(ctx, "sub_premium", "post_1")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = svc.RequestPin(ctx, "sub_premium", "post_2")
	require.NoError(t, err)

	resolver.snaps["sub_premium"] = &models.EntitlementSnapshot{SubscriberKey: "sub_premium"}
	demoted, err := svc.Revalidate(ctx, "sub_premium")
	require.NoError(t, err)
	require.Equal(t, 2, demoted)

	// Entitlement comes back; the subscriber gets their pins without
	// re-pinning anything.
	resolver.snaps["sub_premium"] = &models.EntitlementSnapshot{SubscriberKey: "sub_premium", CanPin: true, PinQuota: 2, PriorityWeight: 10}
	demoted, err = svc.Revalidate(ctx, "sub_premium")
	require.NoError(t, err)
	assert.Zero(t, demoted)

	active, err := svc.ListActive(ctx, "sub_premium")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "post_1", active[0].PostID)
	assert.Equal(t, "post_2", active[1].PostID)

	all, err := mem.ListPins(ctx, "sub_premium", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRevalidateRestoresEarliestFirstWithinQuota(t *testing.T) {
	svc, _, resolver := newService(t)
	ctx := context.Background()

	_, err := svc.RequestPin(ctx, "sub_premium", "post_1")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = svc.RequestPin(ctx, "sub_premium", "post_2")
	require.NoError(t, err)

	resolver.snaps["sub_premium"] = &models.EntitlementSnapshot{SubscriberKey: "sub_premium"}
	_, err = svc.Revalidate(ctx, "sub_premium")
	require.NoError(t, err)

	// Recovery lands on a smaller plan; only the earliest pin fits.
	resolver.snaps["sub_premium"] = &models.EntitlementSnapshot{SubscriberKey: "sub_premium", CanPin: true, PinQuota: 1, PriorityWeight: 5}
	_, err = svc.Revalidate(ctx, "sub_premium")
	require.NoError(t, err)

	active, err := svc.ListActive(ctx, "sub_premium")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "post_1", active[0].PostID)
}

func TestRevalidateNoopWhenWithinQuota(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.RequestPin(ctx, "sub_premium", "post_1")
	require.NoError(t, err)

	demoted, err := svc.Revalidate(ctx, "sub_premium")
	require.NoError(t, err)
	assert.Zero(t, demoted)
}
