package subscription

import (
	"fmt"
	"time"

	"github.com/plumeblog/backend/pkg/models"
)

// View is the snapshot of a subscriber the transition function operates on.
// The machine never touches storage; the pipeline loads the view under the
// per-subscriber lock and persists the result.
type View struct {
	Exists            bool
	SubscriberKey     string
	State             string
	PlanID            uint
	LastEventSequence int64
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
	GraceExpiresAt    *time.Time
}

// Result is the outcome of applying one event to a view.
type Result struct {
	// Outcome is the ledger classification: applied or ignored_stale.
	// Invalid transitions are absorbed as applied no-ops, never rejected.
	Outcome string
	Next    View
	Effects []Effect
	// Changed reports whether the lifecycle state moved.
	Changed bool
}

// Machine holds the tunable constants of the transition function. It is
// stateless; Transition is a pure function of (view, event).
type Machine struct {
	// GracePeriod is how long a subscription stays past_due after a failed
	// charge before expiring without recovery.
	GracePeriod time.Duration
}

// NewMachine creates a state machine with the given grace period.
func NewMachine(gracePeriod time.Duration) *Machine {
	return &Machine{GracePeriod: gracePeriod}
}

// Transition applies one event to the current view and returns the next view
// plus declarative side effects. It never errors on unexpected event/state
// combinations: out-of-sequence events classify as ignored_stale and invalid
// transitions absorb as no-ops, which is the defense against at-least-once,
// possibly-reordered delivery.
func (m *Machine) Transition(v View, ev Event) Result {
	// Ordering policy: anything older than the last applied sequence for
	// this subscriber is stale. Equal sequences still apply; distinct
	// events can share a provider timestamp.
	if v.Exists && ev.Sequence < v.LastEventSequence {
		return Result{Outcome: models.OutcomeIgnoredStale, Next: v}
	}

	next := v
	next.Exists = true
	next.SubscriberKey = ev.SubscriberKey
	if ev.Sequence > next.LastEventSequence {
		next.LastEventSequence = ev.Sequence
	}

	var effects []Effect
	changed := false

	switch ev.Type {
	case EventCheckoutCompleted:
		// Resubscription from canceled/expired is a fresh lifecycle, not a
		// resumption. A checkout for an already-live subscriber absorbs.
		if v.Exists && (v.State == models.StateTrialing || v.State == models.StateActive || v.State == models.StatePastDue) {
			effects = history(effects, "checkout_ignored", "checkout received for live subscription")
			break
		}
		if ev.Trial {
			next.State = models.StateTrialing
		} else {
			next.State = models.StateActive
		}
		next.GraceExpiresAt = nil
		next.CancelAtPeriodEnd = false
		next.CurrentPeriodEnd = ev.PeriodEnd
		changed = true
		effects = append(effects, Effect{Kind: EffectInvalidateEntitlement})
		effects = history(effects, "created", fmt.Sprintf("subscription started in state %s", next.State))

	case EventInvoicePaid:
		effects = append(effects, Effect{Kind: EffectRecordPayment, Payment: &PaymentDetail{
			AmountCents: ev.AmountCents,
			Currency:    ev.Currency,
			Status:      models.PaymentSucceeded,
			InvoiceRef:  ev.InvoiceRef,
			PeriodStart: ev.PeriodStart,
			PeriodEnd:   ev.PeriodEnd,
		}})
		if ev.PeriodEnd != nil {
			next.CurrentPeriodEnd = ev.PeriodEnd
		}
		switch v.State {
		case models.StateTrialing:
			// First successful payment ends the trial.
			next.State = models.StateActive
			changed = true
			effects = append(effects, Effect{Kind: EffectInvalidateEntitlement})
			effects = history(effects, "activated", "trial converted on first successful payment")
		case models.StatePastDue:
			// Recovery within the grace period.
			next.State = models.StateActive
			next.GraceExpiresAt = nil
			changed = true
			effects = append(effects,
				Effect{Kind: EffectCancelGraceExpiry},
				Effect{Kind: EffectInvalidateEntitlement},
				Effect{Kind: EffectRevalidatePins})
			effects = history(effects, "recovered", "charge succeeded during grace period")
		case models.StateActive:
			// Renewal: period rolls forward, state unchanged.
			effects = history(effects, "renewed", "billing period renewed")
		default:
			// Payment for a dead or unknown subscription: money moved, so
			// the record is kept, but no transition is synthesized.
			effects = history(effects, "payment_absorbed", "payment received outside a live lifecycle")
		}

	case EventInvoiceFailed:
		effects = append(effects, Effect{Kind: EffectRecordPayment, Payment: &PaymentDetail{
			AmountCents: ev.AmountCents,
			Currency:    ev.Currency,
			Status:      models.PaymentFailed,
			InvoiceRef:  ev.InvoiceRef,
			PeriodStart: ev.PeriodStart,
			PeriodEnd:   ev.PeriodEnd,
		}})
		if v.State == models.StateActive {
			next.State = models.StatePastDue
			deadline := ev.OccurredAt.Add(m.GracePeriod)
			next.GraceExpiresAt = &deadline
			changed = true
			effects = append(effects,
				Effect{Kind: EffectScheduleGraceExpiry, Deadline: deadline},
				Effect{Kind: EffectNotifyPaymentFailed, Deadline: deadline},
				Effect{Kind: EffectInvalidateEntitlement},
				Effect{Kind: EffectRevalidatePins})
			effects = history(effects, "past_due", "charge failed, grace period started")
		} else {
			effects = history(effects, "charge_failed_absorbed", "failed charge outside active state")
		}

	case EventSubscriptionSync:
		target := StateFromProviderStatus(ev.ProviderStatus)
		if ev.PeriodEnd != nil {
			next.CurrentPeriodEnd = ev.PeriodEnd
		}
		next.CancelAtPeriodEnd = ev.CancelAtPeriodEnd
		if target == "" || target == v.State {
			effects = history(effects, "synced", "provider record synced, no state change")
			break
		}
		changed = true
		next.State = target
		effects = append(effects, Effect{Kind: EffectInvalidateEntitlement})
		switch target {
		case models.StatePastDue:
			deadline := ev.OccurredAt.Add(m.GracePeriod)
			next.GraceExpiresAt = &deadline
			effects = append(effects,
				Effect{Kind: EffectScheduleGraceExpiry, Deadline: deadline},
				Effect{Kind: EffectRevalidatePins})
		case models.StateActive, models.StateTrialing:
			next.GraceExpiresAt = nil
			effects = append(effects,
				Effect{Kind: EffectCancelGraceExpiry},
				Effect{Kind: EffectRevalidatePins})
		case models.StateCanceled, models.StateExpired:
			next.GraceExpiresAt = nil
			effects = append(effects, Effect{Kind: EffectRevalidatePins})
		}
		effects = history(effects, target, fmt.Sprintf("state moved %s -> %s via provider sync", v.State, target))

	case EventSubscriptionEnded:
		if v.State == models.StateActive || v.State == models.StatePastDue || v.State == models.StateTrialing {
			next.State = models.StateCanceled
			next.GraceExpiresAt = nil
			changed = true
			effects = append(effects,
				Effect{Kind: EffectCancelGraceExpiry},
				Effect{Kind: EffectInvalidateEntitlement},
				Effect{Kind: EffectRevalidatePins})
			effects = history(effects, "canceled", "subscription canceled")
		} else {
			// Cancellation of an already-dead subscription is idempotently
			// absorbed, not rejected.
			effects = history(effects, "cancel_absorbed", "cancellation for non-live subscription")
		}

	case EventChargeRefunded:
		effects = append(effects, Effect{Kind: EffectRecordPayment, Payment: &PaymentDetail{
			AmountCents: ev.AmountCents,
			Currency:    ev.Currency,
			Status:      models.PaymentRefunded,
			InvoiceRef:  ev.InvoiceRef,
			RefundOf:    ev.RefundOf,
		}})
		effects = history(effects, "refunded", "charge refunded")

	case EventGraceExpired:
		if v.State == models.StatePastDue && v.GraceExpiresAt != nil && !ev.OccurredAt.Before(*v.GraceExpiresAt) {
			next.State = models.StateExpired
			next.GraceExpiresAt = nil
			changed = true
			effects = append(effects,
				Effect{Kind: EffectNotifyExpired},
				Effect{Kind: EffectInvalidateEntitlement},
				Effect{Kind: EffectRevalidatePins})
			effects = history(effects, "expired", "grace period elapsed without recovery")
		} else {
			effects = history(effects, "grace_absorbed", "grace expiry superseded by a newer event")
		}

	default:
		effects = history(effects, "unhandled", fmt.Sprintf("unhandled event type %s", ev.Type))
	}

	if ev.ResolvedPlanID != 0 {
		next.PlanID = ev.ResolvedPlanID
	}

	return Result{Outcome: models.OutcomeApplied, Next: next, Effects: effects, Changed: changed}
}

func history(effects []Effect, action, description string) []Effect {
	return append(effects, Effect{Kind: EffectRecordHistory, Action: action, Description: description})
}

// StateFromProviderStatus maps the provider's status vocabulary onto the
// local state enum. Unknown statuses return "" and are absorbed.
func StateFromProviderStatus(status string) string {
	switch status {
	case "active":
		return models.StateActive
	case "trialing":
		return models.StateTrialing
	case "past_due":
		return models.StatePastDue
	case "canceled":
		return models.StateCanceled
	case "unpaid", "incomplete_expired":
		return models.StateExpired
	default:
		return ""
	}
}
