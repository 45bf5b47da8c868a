package ranking

import (
	"context"
	"sort"
	"time"

	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/logger"
	"github.com/plumeblog/backend/pkg/metrics"
	"github.com/plumeblog/backend/pkg/models"
)

// Service orders a feed page: pinned posts first, organic posts after.
// Pin validity is rechecked against current entitlement on every ranking
// pass, so a subscriber whose premium lapsed between events never keeps a
// promoted slot. The exclusion is per read only; the pin row stays active,
// so the slot comes back by itself when the entitlement recovers.
type Service struct {
	pins     domain.PinStore
	resolver domain.EntitlementResolver
	metrics  *metrics.Metrics
	log      logger.Logger
}

// NewService creates the ranking service.
func NewService(pins domain.PinStore, resolver domain.EntitlementResolver, m *metrics.Metrics, log logger.Logger) *Service {
	return &Service{pins: pins, resolver: resolver, metrics: m, log: log}
}

type pinnedEntry struct {
	post   models.FeedPost
	weight int
	at     time.Time
}

// Rank partitions and orders one page of posts. The pinned partition sorts
// by the weight snapshot taken at pin time descending, pin time ascending on
// ties; the organic partition sorts by publication time descending.
func (s *Service) Rank(ctx context.Context, req *models.RankFeedRequest) (*models.RankedFeedResponse, error) {
	var pinned []pinnedEntry
	var organic []models.FeedPost

	// One resolver call per distinct author on the page.
	snaps := make(map[string]*models.EntitlementSnapshot)

	for _, post := range req.Posts {
		pin, err := s.activePin(ctx, post)
		if err != nil {
			return nil, err
		}
		if pin == nil {
			organic = append(organic, post)
			continue
		}

		snap, ok := snaps[post.SubscriberKey]
		if !ok {
			snap, err = s.resolver.Resolve(ctx, post.SubscriberKey)
			if err != nil {
				return nil, err
			}
			snaps[post.SubscriberKey] = snap
		}

		if !snap.CanPin {
			// Entitlement lapsed since the pin was created. Serve the post
			// organically without touching the pin row; only revalidation
			// demotes, so a recovered subscriber gets the slot straight back.
			s.metrics.RecordPinOperation("exclude")
			organic = append(organic, post)
			continue
		}

		pinned = append(pinned, pinnedEntry{post: post, weight: pin.WeightSnapshot, at: pin.PinnedAt})
	}

	sort.SliceStable(pinned, func(i, j int) bool {
		if pinned[i].weight != pinned[j].weight {
			return pinned[i].weight > pinned[j].weight
		}
		return pinned[i].at.Before(pinned[j].at)
	})
	sort.SliceStable(organic, func(i, j int) bool {
		return organic[i].PublishedAt.After(organic[j].PublishedAt)
	})

	out := make([]models.FeedPost, 0, len(req.Posts))
	for _, e := range pinned {
		out = append(out, e.post)
	}
	out = append(out, organic...)

	return &models.RankedFeedResponse{Posts: out, PinnedCount: len(pinned)}, nil
}

func (s *Service) activePin(ctx context.Context, post models.FeedPost) (*models.PinnedPost, error) {
	if post.SubscriberKey == "" {
		return nil, nil
	}
	pin, err := s.pins.GetByPost(ctx, post.SubscriberKey, post.PostID)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if !pin.Active {
		return nil, nil
	}
	return pin, nil
}
