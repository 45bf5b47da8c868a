package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/plumeblog/backend/config"
	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/logger"
	"github.com/plumeblog/backend/pkg/payments"
	"github.com/plumeblog/backend/pkg/reconcile"
	"github.com/plumeblog/backend/pkg/retry"
)

// CronManager manages scheduled jobs
type CronManager struct {
	cron      *cron.Cron
	cfg       *config.Config
	retry     *retry.Service
	reconcile *reconcile.Service
	payments  *payments.Service
	ledger    domain.LedgerStore
	log       logger.Logger
}

// NewCronManager creates a new cron manager
func NewCronManager(cfg *config.Config, retrySvc *retry.Service, reconcileSvc *reconcile.Service, paymentSvc *payments.Service, ledger domain.LedgerStore, log logger.Logger) *CronManager {
	return &CronManager{
		cron:      cron.New(),
		cfg:       cfg,
		retry:     retrySvc,
		reconcile: reconcileSvc,
		payments:  paymentSvc,
		ledger:    ledger,
		log:       log,
	}
}

// SetupJobs configures all scheduled jobs
func (cm *CronManager) SetupJobs() error {
	cm.log.Info("Setting up cron jobs...")

	// Every minute: pump due retries back through the pipeline.
	_, err := cm.cron.AddFunc("* * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		settled, err := cm.retry.Pump(ctx)
		if err != nil {
			cm.log.Error("❌ Retry pump failed", "error", err)
			return
		}
		if settled > 0 {
			cm.log.Info("✅ Retry pump settled events", "count", settled)
		}
	})
	if err != nil {
		return err
	}

	// Every 10 minutes: expire past_due subscriptions whose grace deadline
	// passed. A missed run is harmless, the next one picks them up.
	_, err = cm.cron.AddFunc("*/10 * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		expired, err := cm.reconcile.CheckGraceExpiry(ctx)
		if err != nil {
			cm.log.Error("❌ Grace expiry check failed", "error", err)
			return
		}
		if expired > 0 {
			cm.log.Info("⏰ Grace periods expired", "count", expired)
		}
	})
	if err != nil {
		return err
	}

	// Periodic reconciliation sweep against the billing provider.
	_, err = cm.cron.AddFunc(fmt.Sprintf("@every %s", cm.cfg.SweepInterval), func() {
		cm.log.Info("🕐 Running reconciliation sweep...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		drifted, err := cm.reconcile.Sweep(ctx)
		if err != nil {
			cm.log.Error("❌ Reconciliation sweep failed", "error", err)
			return
		}
		cm.log.Info("✅ Reconciliation sweep completed", "drifted", drifted)
	})
	if err != nil {
		return err
	}

	// Daily at 3 AM: prune ledger rows older than the retention window.
	_, err = cm.cron.AddFunc("0 3 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		pruned, err := cm.ledger.Prune(ctx, time.Now().UTC().Add(-cm.cfg.LedgerRetention))
		if err != nil {
			cm.log.Error("❌ Ledger prune failed", "error", err)
			return
		}
		cm.log.Info("🧹 Ledger pruned", "rows", pruned)
	})
	if err != nil {
		return err
	}

	// Daily at 4 AM: prune stale failed payment attempts.
	_, err = cm.cron.AddFunc("0 4 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		pruned, err := cm.payments.Prune(ctx)
		if err != nil {
			cm.log.Error("❌ Payment prune failed", "error", err)
			return
		}
		cm.log.Info("🧹 Failed payments pruned", "rows", pruned)
	})
	if err != nil {
		return err
	}

	cm.log.Info("✅ Cron jobs configured successfully",
		"retry_pump", "every minute",
		"grace_expiry", "every 10 minutes",
		"reconcile_sweep", cm.cfg.SweepInterval.String(),
		"ledger_prune", "daily at 3 AM",
		"payment_prune", "daily at 4 AM")

	return nil
}

// Start starts the cron scheduler
func (cm *CronManager) Start() {
	cm.log.Info("🚀 Starting cron scheduler...")
	cm.cron.Start()
}

// Stop stops the cron scheduler
func (cm *CronManager) Stop() {
	cm.log.Info("🛑 Stopping cron scheduler...")
	cm.cron.Stop()
}
