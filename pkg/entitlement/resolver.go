package entitlement

import (
	"context"
	"encoding/json"
	"time"

	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/logger"
	"github.com/plumeblog/backend/pkg/metrics"
	"github.com/plumeblog/backend/pkg/models"
)

const cachePrefix = "entitlement:"

// lastKnownTTL keeps a long-lived copy of each snapshot next to the
// short-TTL one, so reads can degrade to last-known-good when the
// state store is unavailable.
const lastKnownTTL = 24 * time.Hour

// Service derives a subscriber's premium capability set from subscription
// state and plan. Snapshots are cached with a short TTL and invalidated
// synchronously on every state transition.
type Service struct {
	subscribers domain.SubscriberStore
	plans       domain.PlanStore
	cache       domain.CacheRepository
	metrics     *metrics.Metrics
	log         logger.Logger
	ttl         time.Duration
}

// NewService creates a resolver with the given snapshot TTL.
func NewService(subscribers domain.SubscriberStore, plans domain.PlanStore, cacheRepo domain.CacheRepository, m *metrics.Metrics, log logger.Logger, ttl time.Duration) *Service {
	return &Service{
		subscribers: subscribers,
		plans:       plans,
		cache:       cacheRepo,
		metrics:     m,
		log:         log,
		ttl:         ttl,
	}
}

var _ domain.EntitlementResolver = (*Service)(nil)

// Resolve returns the current entitlement snapshot for a subscriber. The
// read path never errors on transient backend trouble: it degrades to the
// last-known-good snapshot with Stale=true, or to the free snapshot when
// nothing is known about the subscriber.
func (s *Service) Resolve(ctx context.Context, subscriberKey string) (*models.EntitlementSnapshot, error) {
	if snap := s.fromCache(ctx, cachePrefix+subscriberKey); snap != nil {
		s.metrics.EntitlementCacheHits.Inc()
		return snap, nil
	}
	s.metrics.EntitlementCacheMisses.Inc()

	snap, err := s.compute(ctx, subscriberKey)
	if err != nil {
		if domain.IsNotFound(err) {
			// Unknown subscriber: free snapshot, cacheable.
			snap = s.freeSnapshot(subscriberKey)
		} else {
			// Storage trouble: serve last-known-good rather than failing
			// the read path.
			if stale := s.lastKnown(ctx, subscriberKey); stale != nil {
				stale.Stale = true
				return stale, nil
			}
			free := s.freeSnapshot(subscriberKey)
			free.Stale = true
			return free, nil
		}
	}

	s.put(ctx, subscriberKey, snap)
	return snap, nil
}

// Invalidate drops the cached snapshot for a subscriber. Called
// synchronously by the ingest pipeline before a transition's side effects
// are considered complete.
func (s *Service) Invalidate(ctx context.Context, subscriberKey string) error {
	return s.cache.Delete(ctx, cachePrefix+subscriberKey)
}

func (s *Service) compute(ctx context.Context, subscriberKey string) (*models.EntitlementSnapshot, error) {
	sub, err := s.subscribers.GetByKey(ctx, subscriberKey)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	snap := &models.EntitlementSnapshot{
		SubscriberKey: subscriberKey,
		ComputedAt:    now,
		ValidUntil:    now.Add(s.ttl),
	}

	// Premium capability exists only in trialing and active states.
	if sub.State != models.StateTrialing && sub.State != models.StateActive {
		return snap, nil
	}

	plan, err := s.plans.GetByID(ctx, sub.PlanID)
	if err != nil {
		if domain.IsNotFound(err) {
			// State says premium but the plan is gone; grant nothing.
			return snap, nil
		}
		return nil, err
	}

	snap.CanPin = plan.CanPin
	snap.PinQuota = plan.PinQuota
	snap.PriorityWeight = plan.PriorityWeight
	return snap, nil
}

func (s *Service) freeSnapshot(subscriberKey string) *models.EntitlementSnapshot {
	now := time.Now()
	return &models.EntitlementSnapshot{
		SubscriberKey: subscriberKey,
		ComputedAt:    now,
		ValidUntil:    now.Add(s.ttl),
	}
}

func (s *Service) fromCache(ctx context.Context, key string) *models.EntitlementSnapshot {
	snap := s.decode(ctx, key)
	if snap == nil || time.Now().After(snap.ValidUntil) {
		return nil
	}
	return snap
}

// lastKnown reads the long-lived copy. It deliberately ignores ValidUntil;
// a stale answer beats no answer when storage is down.
func (s *Service) lastKnown(ctx context.Context, subscriberKey string) *models.EntitlementSnapshot {
	return s.decode(ctx, lastKnownKey(subscriberKey))
}

func (s *Service) decode(ctx context.Context, key string) *models.EntitlementSnapshot {
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil
	}
	var snap models.EntitlementSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil
	}
	return &snap
}

func (s *Service) put(ctx context.Context, subscriberKey string, snap *models.EntitlementSnapshot) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cachePrefix+subscriberKey, raw, s.ttl); err != nil {
		s.log.Warn("entitlement cache write failed", "subscriber", subscriberKey, "error", err)
	}
	// Best effort; the long copy only serves degraded reads.
	_ = s.cache.Set(ctx, lastKnownKey(subscriberKey), raw, lastKnownTTL)
}

func lastKnownKey(subscriberKey string) string {
	return cachePrefix + "last:" + subscriberKey
}
