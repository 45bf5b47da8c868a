package testdata

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"

	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/models"
)

// GeneratorConfig controls how much seed data gets created and how it is
// distributed across subscription states.
type GeneratorConfig struct {
	Subscribers  int
	PaymentsPer  int     // payments generated per subscriber
	ActiveShare  float64 // 0.0-1.0
	TrialShare   float64
	PastDueShare float64
	FailureChance float64 // probability a generated payment failed
	PinChance     float64 // probability a premium subscriber has pins
}

// DefaultConfig mirrors the shape of a small production install: mostly
// active subscribers with a tail of trials and delinquents.
func DefaultConfig() GeneratorConfig {
	return GeneratorConfig{
		Subscribers:   50,
		PaymentsPer:   6,
		ActiveShare:   0.6,
		TrialShare:    0.15,
		PastDueShare:  0.1,
		FailureChance: 0.15,
		PinChance:     0.4,
	}
}

// SeedPlans creates the standard plan catalog.
func SeedPlans(ctx context.Context, plans domain.PlanStore) ([]models.SubscriptionPlan, error) {
	catalog := []models.SubscriptionPlan{
		{ProviderPriceID: "price_free", Name: "Free", PriceCents: 0, Currency: "usd", BillingInterval: "month", Active: true},
		{ProviderPriceID: "price_pro_monthly", Name: "Pro", PriceCents: 900, Currency: "usd", BillingInterval: "month", CanPin: true, PinQuota: 3, PriorityWeight: 10, Active: true},
		{ProviderPriceID: "price_pro_yearly", Name: "Pro Annual", PriceCents: 9000, Currency: "usd", BillingInterval: "year", CanPin: true, PinQuota: 3, PriorityWeight: 10, Active: true},
		{ProviderPriceID: "price_premium_monthly", Name: "Premium", PriceCents: 1900, Currency: "usd", BillingInterval: "month", CanPin: true, PinQuota: 10, PriorityWeight: 25, Active: true},
	}

	for i := range catalog {
		if err := plans.CreatePlan(ctx, &catalog[i]); err != nil {
			return nil, fmt.Errorf("seeding plan %s: %w", catalog[i].ProviderPriceID, err)
		}
	}
	return catalog, nil
}

// GenerateSubscriber produces one subscriber in the given state with
// plausible period boundaries.
func GenerateSubscriber(state string, planID uint) *models.Subscriber {
	now := time.Now().UTC()
	sub := &models.Subscriber{
		SubscriberKey:     fmt.Sprintf("cus_%s", gofakeit.LetterN(14)),
		State:             state,
		PlanID:            planID,
		LastEventSequence: now.Add(-time.Duration(rand.Intn(720)) * time.Hour).Unix(),
	}

	switch state {
	case models.StateTrialing:
		end := now.Add(time.Duration(1+rand.Intn(14)) * 24 * time.Hour)
		sub.CurrentPeriodEnd = &end
	case models.StateActive:
		end := now.Add(time.Duration(1+rand.Intn(30)) * 24 * time.Hour)
		sub.CurrentPeriodEnd = &end
		sub.CancelAtPeriodEnd = rand.Float64() < 0.1
	case models.StatePastDue:
		end := now.Add(-time.Duration(rand.Intn(48)) * time.Hour)
		grace := end.Add(72 * time.Hour)
		sub.CurrentPeriodEnd = &end
		sub.GraceExpiresAt = &grace
	case models.StateCanceled, models.StateExpired:
		end := now.Add(-time.Duration(1+rand.Intn(60)) * 24 * time.Hour)
		sub.CurrentPeriodEnd = &end
	}

	return sub
}

// GeneratePayments produces a payment trail for one subscriber, newest last.
func GeneratePayments(sub *models.Subscriber, plan *models.SubscriptionPlan, count int, failureChance float64) []models.Payment {
	payments := make([]models.Payment, 0, count)
	at := time.Now().UTC().AddDate(0, -count, 0)

	for i := 0; i < count; i++ {
		status := models.PaymentSucceeded
		if rand.Float64() < failureChance {
			status = models.PaymentFailed
		}

		start := at
		end := at.AddDate(0, 1, 0)
		payments = append(payments, models.Payment{
			ID:            uuid.NewString(),
			SubscriberKey: sub.SubscriberKey,
			AmountCents:   plan.PriceCents,
			Currency:      plan.Currency,
			Status:        status,
			InvoiceRef:    fmt.Sprintf("in_%s", gofakeit.LetterN(14)),
			PeriodStart:   &start,
			PeriodEnd:     &end,
		})
		at = end
	}

	return payments
}

// Seed fills the stores with a full data set: plans, subscribers across all
// states, payment history and active pins for premium subscribers.
func Seed(ctx context.Context, cfg GeneratorConfig, subscribers domain.SubscriberStore, plans domain.PlanStore, payments domain.PaymentStore, pins domain.PinStore) error {
	catalog, err := SeedPlans(ctx, plans)
	if err != nil {
		return err
	}

	premium := make([]models.SubscriptionPlan, 0, len(catalog))
	for _, p := range catalog {
		if p.CanPin {
			premium = append(premium, p)
		}
	}

	for i := 0; i < cfg.Subscribers; i++ {
		state := pickState(cfg)
		plan := catalog[0]
		if state == models.StateActive || state == models.StateTrialing || state == models.StatePastDue {
			plan = premium[rand.Intn(len(premium))]
		}

		sub := GenerateSubscriber(state, plan.ID)
		if err := subscribers.Save(ctx, sub); err != nil {
			return fmt.Errorf("seeding subscriber %s: %w", sub.SubscriberKey, err)
		}

		for _, p := range GeneratePayments(sub, &plan, cfg.PaymentsPer, cfg.FailureChance) {
			payment := p
			if err := payments.Append(ctx, &payment); err != nil {
				return fmt.Errorf("seeding payments for %s: %w", sub.SubscriberKey, err)
			}
		}

		if plan.CanPin && (state == models.StateActive || state == models.StateTrialing) && rand.Float64() < cfg.PinChance {
			for n := 0; n < 1+rand.Intn(plan.PinQuota); n++ {
				pin := &models.PinnedPost{
					PostID:         fmt.Sprintf("post_%s", gofakeit.LetterN(10)),
					SubscriberKey:  sub.SubscriberKey,
					WeightSnapshot: plan.PriorityWeight,
					Active:         true,
				}
				if err := pins.CreatePin(ctx, pin); err != nil {
					return fmt.Errorf("seeding pins for %s: %w", sub.SubscriberKey, err)
				}
			}
		}
	}

	return nil
}

func pickState(cfg GeneratorConfig) string {
	r := rand.Float64()
	switch {
	case r < cfg.ActiveShare:
		return models.StateActive
	case r < cfg.ActiveShare+cfg.TrialShare:
		return models.StateTrialing
	case r < cfg.ActiveShare+cfg.TrialShare+cfg.PastDueShare:
		return models.StatePastDue
	case r < cfg.ActiveShare+cfg.TrialShare+cfg.PastDueShare+0.075:
		return models.StateCanceled
	default:
		return models.StateExpired
	}
}
