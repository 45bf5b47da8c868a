package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/ingest"
	"github.com/plumeblog/backend/pkg/logger"
	"github.com/plumeblog/backend/pkg/metrics"
	"github.com/plumeblog/backend/pkg/models"
	"github.com/plumeblog/backend/pkg/subscription"
)

// Service is the safety net under webhook delivery: it periodically compares
// local subscription state against the provider and pushes corrections
// through the same ingest pipeline real webhooks use, so reconciliation gets
// the ledger, ordering and effect semantics for free. It also fires the
// grace-period expirations whose deadline passed.
type Service struct {
	subscribers domain.SubscriberStore
	provider    domain.ProviderClient
	pipeline    *ingest.Service
	metrics     *metrics.Metrics
	log         logger.Logger
	concurrency int
}

// NewService creates the reconciliation service.
func NewService(subscribers domain.SubscriberStore, provider domain.ProviderClient, pipeline *ingest.Service, m *metrics.Metrics, log logger.Logger, concurrency int) *Service {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Service{
		subscribers: subscribers,
		provider:    provider,
		pipeline:    pipeline,
		metrics:     m,
		log:         log,
		concurrency: concurrency,
	}
}

// Sweep fetches the provider's record for every non-terminal subscriber and
// synthesizes a sync event for each one that drifted. A subscriber that
// fails to reconcile does not abort the sweep; the next run retries it.
func (s *Service) Sweep(ctx context.Context) (drifted int, err error) {
	subs, err := s.subscribers.ListByStates(ctx,
		models.StateTrialing, models.StateActive, models.StatePastDue)
	if err != nil {
		return 0, err
	}

	s.log.Info("reconciliation sweep started", "subscribers", len(subs))

	var corrected atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i := range subs {
		sub := subs[i]
		g.Go(func() error {
			moved, err := s.reconcileOne(gctx, &sub)
			if err != nil {
				// Fault isolation: log and move on.
				s.log.Warn("subscriber reconciliation failed", "subscriber", sub.SubscriberKey, "error", err)
				return nil
			}
			if moved {
				corrected.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	drifted = int(corrected.Load())

	s.metrics.ReconcileSweepsTotal.Inc()
	s.log.Info("reconciliation sweep finished", "subscribers", len(subs), "drifted", drifted)
	return drifted, nil
}

func (s *Service) reconcileOne(ctx context.Context, sub *models.Subscriber) (bool, error) {
	remote, err := s.provider.FetchSubscription(ctx, sub.SubscriberKey)
	if err != nil {
		if domain.IsNotFound(err) {
			// Locally live but unknown to the provider. Treat as deleted.
			remote = &domain.ProviderSubscription{
				SubscriberKey: sub.SubscriberKey,
				Status:        "canceled",
				AsOf:          time.Now().UTC(),
			}
		} else {
			return false, err
		}
	}

	if !s.drifted(sub, remote) {
		return false, nil
	}

	s.metrics.ReconcileDriftTotal.Inc()
	s.log.Warn("subscription drift detected",
		"subscriber", sub.SubscriberKey,
		"local_state", sub.State,
		"provider_status", remote.Status)

	ev := subscription.Event{
		// Deterministic ID keyed on the observation time: a crashed sweep
		// rerun dedupes against the ledger instead of double-applying.
		ID:                fmt.Sprintf("recon_%s_%d", sub.SubscriberKey, remote.AsOf.Unix()),
		Type:              subscription.EventSubscriptionSync,
		SubscriberKey:     sub.SubscriberKey,
		Sequence:          remote.AsOf.Unix(),
		OccurredAt:        remote.AsOf,
		PlanPriceID:       remote.PriceID,
		ProviderStatus:    remote.Status,
		CancelAtPeriodEnd: remote.CancelAtPeriodEnd,
		Synthetic:         true,
	}
	if !remote.CurrentPeriodEnd.IsZero() {
		end := remote.CurrentPeriodEnd
		ev.PeriodEnd = &end
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return false, err
	}
	if _, err := s.pipeline.Process(ctx, ev, raw); err != nil {
		return false, err
	}
	return true, nil
}

// drifted reports whether the provider's record disagrees with local state
// in a way a sync event would correct.
func (s *Service) drifted(sub *models.Subscriber, remote *domain.ProviderSubscription) bool {
	target := subscription.StateFromProviderStatus(remote.Status)
	if target != "" && target != sub.State {
		return true
	}
	if remote.CancelAtPeriodEnd != sub.CancelAtPeriodEnd {
		return true
	}
	if !remote.CurrentPeriodEnd.IsZero() {
		if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(remote.CurrentPeriodEnd) {
			return true
		}
	}
	return false
}

// CheckGraceExpiry expires past_due subscriptions whose grace deadline
// passed, as synthetic events through the pipeline.
func (s *Service) CheckGraceExpiry(ctx context.Context) (int, error) {
	subs, err := s.subscribers.ListGraceExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range subs {
		sub := subs[i]
		deadline := sub.GraceExpiresAt
		if deadline == nil {
			continue
		}
		ev := subscription.Event{
			ID:            fmt.Sprintf("grace_%s_%d", sub.SubscriberKey, deadline.Unix()),
			Type:          subscription.EventGraceExpired,
			SubscriberKey: sub.SubscriberKey,
			Sequence:      deadline.Unix(),
			OccurredAt:    *deadline,
			Synthetic:     true,
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			return expired, err
		}
		if _, err := s.pipeline.Process(ctx, ev, raw); err != nil {
			s.log.Warn("grace expiry failed", "subscriber", sub.SubscriberKey, "error", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		s.log.Info("grace periods expired", "count", expired)
	}
	return expired, nil
}
