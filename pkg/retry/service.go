package retry

import (
	"context"
	"time"

	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/ingest"
	"github.com/plumeblog/backend/pkg/logger"
	"github.com/plumeblog/backend/pkg/metrics"
	"github.com/plumeblog/backend/pkg/models"
)

// Service drives reprocessing of failed webhook events. The ledger is the
// queue: failed rows carry their next attempt time, the pump picks up what
// is due, and the ingest pipeline classifies each attempt. Events that
// exhausted their budget sit in the dead-letter store until an operator
// replays them.
type Service struct {
	ledger      domain.LedgerStore
	deadLetters domain.DeadLetterStore
	pipeline    *ingest.Service
	metrics     *metrics.Metrics
	log         logger.Logger
	batchSize   int
}

// NewService creates the retry service.
func NewService(ledger domain.LedgerStore, deadLetters domain.DeadLetterStore, pipeline *ingest.Service, m *metrics.Metrics, log logger.Logger, batchSize int) *Service {
	return &Service{
		ledger:      ledger,
		deadLetters: deadLetters,
		pipeline:    pipeline,
		metrics:     m,
		log:         log,
		batchSize:   batchSize,
	}
}

// Pump reprocesses one batch of due events and reports how many settled
// terminally. Individual failures reschedule themselves through the
// pipeline; the pump only stops on context cancellation.
func (s *Service) Pump(ctx context.Context) (int, error) {
	due, err := s.ledger.DueForRetry(ctx, time.Now(), s.batchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	s.log.Info("retry pump picked up events", "count", len(due))

	settled := 0
	for i := range due {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		rec := due[i]
		s.metrics.RetryAttemptsTotal.Inc()
		if err := s.pipeline.Reapply(ctx, &rec); err != nil {
			s.log.Warn("retry attempt failed", "event_id", rec.EventID, "error", err)
			continue
		}
		settled++
	}
	return settled, nil
}

// ReplayDeadLetter reprocesses a parked event on operator request. Success
// marks the row replayed; failure leaves it parked and surfaces the error.
func (s *Service) ReplayDeadLetter(ctx context.Context, eventID string) error {
	dl, err := s.deadLetters.GetDeadLetter(ctx, eventID)
	if err != nil {
		return err
	}
	if dl.ReplayedAt != nil {
		return domain.NewConflictError("event already replayed")
	}

	rec, err := s.ledger.Get(ctx, eventID)
	if err != nil {
		return err
	}

	if err := s.pipeline.Reapply(ctx, rec); err != nil {
		return err
	}

	if err := s.deadLetters.MarkReplayed(ctx, eventID, time.Now()); err != nil {
		return err
	}
	s.metrics.DeadLetterDepth.Dec()
	s.log.Info("dead letter replayed", "event_id", eventID)
	return nil
}

// ListDeadLetters returns parked events for the operator surface.
func (s *Service) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEvent, error) {
	return s.deadLetters.ListDeadLetters(ctx, limit)
}
