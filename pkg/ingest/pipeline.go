package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/logger"
	"github.com/plumeblog/backend/pkg/metrics"
	"github.com/plumeblog/backend/pkg/models"
	"github.com/plumeblog/backend/pkg/subscription"
)

// PinRevalidator demotes pins whose owner lost entitlement. Wired to the pin
// service; an interface here keeps the dependency one-directional.
type PinRevalidator interface {
	Revalidate(ctx context.Context, subscriberKey string) (int, error)
}

// Receipt is what the webhook handler needs to pick a response status: the
// provider gets 2xx only once the event reached a terminal classification.
type Receipt struct {
	EventID   string
	Outcome   string
	Duplicate bool
	// InFlight means another worker holds the event between ledger record
	// and terminal outcome. The caller should ask the provider to retry.
	InFlight bool
}

// Service is the webhook ingest pipeline: dedup against the ledger,
// per-subscriber serialization, pure transition, effect execution, terminal
// classification. Crash-safe by construction: every step is idempotent, so a
// redelivered or reprocessed event converges to the same state.
type Service struct {
	ledger      domain.LedgerStore
	subscribers domain.SubscriberStore
	plans       domain.PlanStore
	payments    domain.PaymentStore
	history     domain.HistoryStore
	deadLetters domain.DeadLetterStore
	resolver    domain.EntitlementResolver
	notifier    domain.Notifier
	pins        PinRevalidator
	machine     *subscription.Machine
	metrics     *metrics.Metrics
	log         logger.Logger
	locks       *keyedLocks

	backoffBase   time.Duration
	backoffFactor int
	maxAttempts   int
}

// Config carries the retry knobs the pipeline needs when classifying a
// processing failure.
type Config struct {
	BackoffBase   time.Duration
	BackoffFactor int
	MaxAttempts   int
}

// NewService wires the ingest pipeline.
func NewService(
	ledger domain.LedgerStore,
	subscribers domain.SubscriberStore,
	plans domain.PlanStore,
	payments domain.PaymentStore,
	history domain.HistoryStore,
	deadLetters domain.DeadLetterStore,
	resolver domain.EntitlementResolver,
	notifier domain.Notifier,
	pins PinRevalidator,
	machine *subscription.Machine,
	m *metrics.Metrics,
	log logger.Logger,
	cfg Config,
) *Service {
	return &Service{
		ledger:        ledger,
		subscribers:   subscribers,
		plans:         plans,
		payments:      payments,
		history:       history,
		deadLetters:   deadLetters,
		resolver:      resolver,
		notifier:      notifier,
		pins:          pins,
		machine:       machine,
		metrics:       m,
		log:           log,
		locks:         newKeyedLocks(),
		backoffBase:   cfg.BackoffBase,
		backoffFactor: cfg.BackoffFactor,
		maxAttempts:   cfg.MaxAttempts,
	}
}

// Process ingests one normalized event. rawPayload is the verbatim provider
// body, used only for the dedup digest; the ledger stores the normalized
// event so reprocessing does not need the provider's parser again.
func (s *Service) Process(ctx context.Context, ev subscription.Event, rawPayload []byte) (*Receipt, error) {
	normalized, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding event %s: %w", ev.ID, err)
	}
	digest := sha256.Sum256(rawPayload)

	rec := &models.WebhookEventRecord{
		EventID:       ev.ID,
		EventType:     ev.Type,
		SubscriberKey: ev.SubscriberKey,
		PayloadDigest: hex.EncodeToString(digest[:]),
		PayloadJSON:   string(normalized),
		Sequence:      ev.Sequence,
		Outcome:       models.OutcomePending,
	}

	isNew, prior, err := s.ledger.RecordIfNew(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !isNew {
		if prior.Terminal() {
			// Redelivery of a settled event: same answer, no side effects.
			s.log.Info("duplicate webhook event", "event_id", ev.ID, "outcome", prior.Outcome)
			return &Receipt{EventID: ev.ID, Outcome: prior.Outcome, Duplicate: true}, nil
		}
		if prior.Outcome == models.OutcomePending {
			return &Receipt{EventID: ev.ID, InFlight: true}, nil
		}
		// A previously failed event redelivered by the provider: retry it
		// now instead of waiting for the retry pump.
		rec = prior
	}

	outcome, err := s.apply(ctx, ev)
	if err != nil {
		return nil, s.recordFailure(ctx, rec, ev, err)
	}
	return &Receipt{EventID: ev.ID, Outcome: outcome}, nil
}

// Reapply reprocesses a ledger record, decoding the stored normalized event.
// Used by the retry pump and dead-letter replay.
func (s *Service) Reapply(ctx context.Context, rec *models.WebhookEventRecord) error {
	var ev subscription.Event
	if err := json.Unmarshal([]byte(rec.PayloadJSON), &ev); err != nil {
		// Undecodable payloads cannot ever succeed; park them.
		return s.park(ctx, rec, fmt.Errorf("decoding stored event %s: %w", rec.EventID, err))
	}
	if _, err := s.apply(ctx, ev); err != nil {
		return s.recordFailure(ctx, rec, ev, err)
	}
	return nil
}

// apply runs the transition under the subscriber lock and executes effects,
// returning the terminal outcome it committed to the ledger. Everything
// inside is idempotent: reapplying a settled event is absorbed by the
// machine, payment appends dedupe on their deterministic ID, and entitlement
// invalidation is naturally repeatable.
func (s *Service) apply(ctx context.Context, ev subscription.Event) (string, error) {
	start := time.Now()
	unlock := s.locks.Lock(ev.SubscriberKey)
	defer unlock()

	view, existing, err := s.loadView(ctx, ev.SubscriberKey)
	if err != nil {
		return "", err
	}

	if ev.PlanPriceID != "" {
		plan, err := s.plans.GetByProviderPriceID(ctx, ev.PlanPriceID)
		switch {
		case err == nil:
			ev.ResolvedPlanID = plan.ID
		case domain.IsNotFound(err):
			// Unknown price: apply the transition anyway, the plan link
			// just stays where it was.
			s.log.Warn("unknown provider price", "price_id", ev.PlanPriceID, "event_id", ev.ID)
		default:
			return "", err
		}
	}

	result := s.machine.Transition(view, ev)

	if result.Outcome == models.OutcomeIgnoredStale {
		if err := s.ledger.SetOutcome(ctx, ev.ID, models.OutcomeIgnoredStale, "", nil); err != nil {
			return "", err
		}
		s.metrics.RecordWebhookEvent(ev.Type, models.OutcomeIgnoredStale)
		s.log.Info("stale event ignored", "event_id", ev.ID, "sequence", ev.Sequence, "last_applied", view.LastEventSequence)
		return models.OutcomeIgnoredStale, nil
	}

	if err := s.saveView(ctx, existing, result.Next); err != nil {
		return "", err
	}
	// Invalidation happens here, not as an effect, so that a retried event
	// the machine absorbs as a no-op still drops the cached snapshot. The
	// view is already committed; serving a stale snapshot past this point
	// would break the synchronous-invalidation guarantee.
	if err := s.resolver.Invalidate(ctx, ev.SubscriberKey); err != nil {
		return "", err
	}
	if err := s.execute(ctx, ev, result); err != nil {
		return "", err
	}
	if err := s.ledger.SetOutcome(ctx, ev.ID, models.OutcomeApplied, "", nil); err != nil {
		return "", err
	}

	s.metrics.RecordWebhookEvent(ev.Type, models.OutcomeApplied)
	s.metrics.WebhookProcessingDur.WithLabelValues(ev.Type).Observe(time.Since(start).Seconds())
	if result.Changed {
		s.metrics.RecordTransition(view.State, result.Next.State)
		s.log.Info("subscription transition",
			"subscriber", ev.SubscriberKey,
			"from", view.State,
			"to", result.Next.State,
			"event", ev.Type,
			"event_id", ev.ID)
	}
	return models.OutcomeApplied, nil
}

func (s *Service) loadView(ctx context.Context, subscriberKey string) (subscription.View, *models.Subscriber, error) {
	sub, err := s.subscribers.GetByKey(ctx, subscriberKey)
	if err != nil {
		if domain.IsNotFound(err) {
			return subscription.View{SubscriberKey: subscriberKey}, nil, nil
		}
		return subscription.View{}, nil, err
	}
	return subscription.View{
		Exists:            true,
		SubscriberKey:     sub.SubscriberKey,
		State:             sub.State,
		PlanID:            sub.PlanID,
		LastEventSequence: sub.LastEventSequence,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		GraceExpiresAt:    sub.GraceExpiresAt,
	}, sub, nil
}

func (s *Service) saveView(ctx context.Context, existing *models.Subscriber, next subscription.View) error {
	sub := existing
	if sub == nil {
		sub = &models.Subscriber{SubscriberKey: next.SubscriberKey}
	}
	sub.State = next.State
	sub.PlanID = next.PlanID
	sub.LastEventSequence = next.LastEventSequence
	sub.CurrentPeriodEnd = next.CurrentPeriodEnd
	sub.CancelAtPeriodEnd = next.CancelAtPeriodEnd
	sub.GraceExpiresAt = next.GraceExpiresAt
	return s.subscribers.Save(ctx, sub)
}

// execute runs the declarative effects. Storage effects are fatal so a
// failed event retries as a whole; notification and pin demotion failures
// only log, they must not wedge billing state.
func (s *Service) execute(ctx context.Context, ev subscription.Event, result subscription.Result) error {
	for _, effect := range result.Effects {
		switch effect.Kind {
		case subscription.EffectRecordPayment:
			p := effect.Payment
			pay := &models.Payment{
				// Deterministic ID: reprocessing the same event cannot
				// record the same payment twice.
				ID:            uuid.NewSHA1(uuid.NameSpaceOID, []byte(ev.ID+":"+p.Status)).String(),
				SubscriberKey: ev.SubscriberKey,
				AmountCents:   p.AmountCents,
				Currency:      p.Currency,
				Status:        p.Status,
				InvoiceRef:    p.InvoiceRef,
				RefundOf:      p.RefundOf,
				PeriodStart:   p.PeriodStart,
				PeriodEnd:     p.PeriodEnd,
			}
			if err := s.payments.Append(ctx, pay); err != nil {
				return err
			}

		case subscription.EffectRecordHistory:
			h := &models.SubscriptionHistory{
				SubscriberKey: ev.SubscriberKey,
				Action:        effect.Action,
				Description:   effect.Description,
			}
			if err := s.history.AppendHistory(ctx, h); err != nil {
				return err
			}

		case subscription.EffectInvalidateEntitlement:
			// Already done: apply invalidates the cache for every applied
			// event right after the view commits.

		case subscription.EffectNotifyPaymentFailed:
			if err := s.notifier.SendPaymentFailed(ev.SubscriberKey, effect.Deadline); err != nil {
				s.log.Warn("payment failed notification not sent", "subscriber", ev.SubscriberKey, "error", err)
			}

		case subscription.EffectNotifyExpired:
			if err := s.notifier.SendSubscriptionExpired(ev.SubscriberKey); err != nil {
				s.log.Warn("expiry notification not sent", "subscriber", ev.SubscriberKey, "error", err)
			}

		case subscription.EffectRevalidatePins:
			demoted, err := s.pins.Revalidate(ctx, ev.SubscriberKey)
			if err != nil {
				// Ranking demotes lazily anyway; the periodic job will
				// catch up.
				s.log.Warn("pin revalidation failed", "subscriber", ev.SubscriberKey, "error", err)
			} else if demoted > 0 {
				s.log.Info("pins demoted", "subscriber", ev.SubscriberKey, "count", demoted)
			}

		case subscription.EffectScheduleGraceExpiry, subscription.EffectCancelGraceExpiry:
			// The deadline lives on the subscriber row; the grace check job
			// scans for it. Nothing to do here.
		}
	}
	return nil
}

// recordFailure classifies a processing error: schedule a retry with
// exponential backoff, or park the event in the dead-letter queue once the
// attempt budget is spent. The original error is always returned so the
// webhook handler answers non-2xx.
func (s *Service) recordFailure(ctx context.Context, rec *models.WebhookEventRecord, ev subscription.Event, cause error) error {
	attempt := rec.Attempts + 1
	if attempt >= s.maxAttempts {
		return s.park(ctx, rec, cause)
	}

	next := time.Now().Add(s.backoff(attempt))
	if err := s.ledger.SetOutcome(ctx, rec.EventID, models.OutcomeFailed, cause.Error(), &next); err != nil {
		s.log.Error("failed recording event failure", "event_id", rec.EventID, "error", err)
	}
	s.metrics.RecordWebhookEvent(ev.Type, models.OutcomeFailed)
	s.log.Warn("event processing failed, retry scheduled",
		"event_id", rec.EventID,
		"attempt", attempt,
		"next_attempt", next,
		"error", cause)
	return cause
}

// park moves an event to the dead-letter queue. Its ledger row stays failed
// with no next attempt, so the retry pump skips it.
func (s *Service) park(ctx context.Context, rec *models.WebhookEventRecord, cause error) error {
	if err := s.ledger.SetOutcome(ctx, rec.EventID, models.OutcomeFailed, cause.Error(), nil); err != nil {
		s.log.Error("failed recording terminal failure", "event_id", rec.EventID, "error", err)
	}
	firstFailure := rec.ReceivedAt
	if firstFailure.IsZero() {
		firstFailure = time.Now()
	}
	dl := &models.DeadLetterEvent{
		EventID:      rec.EventID,
		EventType:    rec.EventType,
		PayloadJSON:  rec.PayloadJSON,
		Attempts:     rec.Attempts + 1,
		FirstFailure: firstFailure,
		LastFailure:  time.Now(),
	}
	if err := s.deadLetters.AddDeadLetter(ctx, dl); err != nil {
		s.log.Error("failed parking event in dead letter queue", "event_id", rec.EventID, "error", err)
	} else {
		s.metrics.DeadLetterDepth.Inc()
		s.log.Error("event parked in dead letter queue", "event_id", rec.EventID, "attempts", dl.Attempts, "error", cause)
	}
	return cause
}

func (s *Service) backoff(attempt int) time.Duration {
	factor := math.Pow(float64(s.backoffFactor), float64(attempt-1))
	return time.Duration(float64(s.backoffBase) * factor)
}
