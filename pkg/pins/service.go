package pins

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/logger"
	"github.com/plumeblog/backend/pkg/metrics"
	"github.com/plumeblog/backend/pkg/models"
)

// Service manages pinned posts. Pinning is entitlement-gated and
// quota-bounded; losing entitlement demotes pins to organic posts without
// deleting them, so recovery within the grace period restores them.
type Service struct {
	pins     domain.PinStore
	history  domain.HistoryStore
	resolver domain.EntitlementResolver
	metrics  *metrics.Metrics
	log      logger.Logger
}

// NewService creates the pin service.
func NewService(pins domain.PinStore, history domain.HistoryStore, resolver domain.EntitlementResolver, m *metrics.Metrics, log logger.Logger) *Service {
	return &Service{pins: pins, history: history, resolver: resolver, metrics: m, log: log}
}

// recordHistory keeps the audit trail. An audit write failure must not undo
// a pin operation that already took effect, so it only logs.
func (s *Service) recordHistory(ctx context.Context, subscriberKey, action, description string) {
	err := s.history.AppendHistory(ctx, &models.SubscriptionHistory{
		SubscriberKey: subscriberKey,
		Action:        action,
		Description:   description,
	})
	if err != nil {
		s.log.Error("failed to append pin history", "subscriber", subscriberKey, "action", action, "error", err)
	}
}

// RequestPin pins a post for a subscriber. Pinning an already pinned post is
// idempotent. A demoted pin for the same post is reactivated instead of
// duplicated.
func (s *Service) RequestPin(ctx context.Context, subscriberKey, postID string) (*models.PinnedPost, error) {
	snap, err := s.resolver.Resolve(ctx, subscriberKey)
	if err != nil {
		return nil, err
	}
	if !snap.CanPin {
		return nil, domain.NewEntitlementAbsentError("subscription does not allow pinning posts")
	}

	existing, err := s.pins.GetByPost(ctx, subscriberKey, postID)
	if err != nil && !domain.IsNotFound(err) {
		return nil, err
	}
	if existing != nil && existing.Active {
		return existing, nil
	}

	active, err := s.pins.ListPins(ctx, subscriberKey, true)
	if err != nil {
		return nil, err
	}
	if len(active) >= snap.PinQuota {
		return nil, domain.NewQuotaExceededError(snap.PinQuota)
	}

	if existing != nil {
		if err := s.pins.SetActive(ctx, existing.ID, true); err != nil {
			return nil, err
		}
		existing.Active = true
		s.metrics.RecordPinOperation("pin")
		s.recordHistory(ctx, subscriberKey, "pinned", fmt.Sprintf("post %s re-pinned", postID))
		return existing, nil
	}

	pin := &models.PinnedPost{
		PostID:         postID,
		SubscriberKey:  subscriberKey,
		WeightSnapshot: snap.PriorityWeight,
		Active:         true,
		PinnedAt:       time.Now().UTC(),
	}
	if err := s.pins.CreatePin(ctx, pin); err != nil {
		return nil, err
	}
	s.metrics.RecordPinOperation("pin")
	s.recordHistory(ctx, subscriberKey, "pinned", fmt.Sprintf("post %s pinned", postID))
	s.log.Info("post pinned", "subscriber", subscriberKey, "post_id", postID)
	return pin, nil
}

// Unpin removes a pin entirely. Removing a post that is not pinned is a
// not-found error; the handler maps it to 404.
func (s *Service) Unpin(ctx context.Context, subscriberKey, postID string) error {
	pin, err := s.pins.GetByPost(ctx, subscriberKey, postID)
	if err != nil {
		return err
	}
	if err := s.pins.DeletePin(ctx, pin.ID); err != nil {
		return err
	}
	s.metrics.RecordPinOperation("unpin")
	s.recordHistory(ctx, subscriberKey, "unpinned", fmt.Sprintf("post %s unpinned", postID))
	s.log.Info("post unpinned", "subscriber", subscriberKey, "post_id", postID)
	return nil
}

// ListActive returns the subscriber's active pins ordered by pin time.
func (s *Service) ListActive(ctx context.Context, subscriberKey string) ([]models.PinnedPost, error) {
	pins, err := s.pins.ListPins(ctx, subscriberKey, true)
	if err != nil {
		return nil, err
	}
	sort.Slice(pins, func(i, j int) bool { return pins[i].PinnedAt.Before(pins[j].PinnedAt) })
	return pins, nil
}

// Revalidate reconciles the subscriber's pin rows with their current
// entitlement. Pins beyond what the entitlement covers are demoted, newest
// first, and demoted pins are reactivated, earliest first, when the
// entitlement covers them again. A demotion is never a deletion, so a lapse
// and recovery round-trips without the subscriber re-pinning anything.
// Returns how many pins were demoted.
func (s *Service) Revalidate(ctx context.Context, subscriberKey string) (int, error) {
	snap, err := s.resolver.Resolve(ctx, subscriberKey)
	if err != nil {
		return 0, err
	}

	all, err := s.pins.ListPins(ctx, subscriberKey, false)
	if err != nil {
		return 0, err
	}
	if len(all) == 0 {
		return 0, nil
	}

	keep := 0
	if snap.CanPin {
		keep = snap.PinQuota
	}
	if keep > len(all) {
		keep = len(all)
	}

	// The earliest pins hold their slots; everything past the quota demotes.
	sort.Slice(all, func(i, j int) bool { return all[i].PinnedAt.Before(all[j].PinnedAt) })

	demoted, restored := 0, 0
	for i, pin := range all {
		switch {
		case i < keep && !pin.Active:
			if err := s.pins.SetActive(ctx, pin.ID, true); err != nil {
				return demoted, err
			}
			restored++
			s.metrics.RecordPinOperation("restore")
		case i >= keep && pin.Active:
			if err := s.pins.SetActive(ctx, pin.ID, false); err != nil {
				return demoted, err
			}
			demoted++
			s.metrics.RecordPinOperation("demote")
		}
	}
	if demoted > 0 {
		s.recordHistory(ctx, subscriberKey, "pins_demoted", fmt.Sprintf("%d pins demoted", demoted))
		s.log.Info("pins demoted", "subscriber", subscriberKey, "count", demoted)
	}
	if restored > 0 {
		s.recordHistory(ctx, subscriberKey, "pins_restored", fmt.Sprintf("%d pins restored", restored))
		s.log.Info("pins restored", "subscriber", subscriberKey, "count", restored)
	}
	return demoted, nil
}
