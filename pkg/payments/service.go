package payments

import (
	"context"
	"time"

	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/logger"
	"github.com/plumeblog/backend/pkg/models"
)

const defaultListLimit = 50

// Service exposes the append-only payment history. Rows are written by the
// ingest pipeline as transition effects; this service only reads and prunes.
type Service struct {
	payments  domain.PaymentStore
	log       logger.Logger
	retention time.Duration
}

// NewService creates the payment query service. retention bounds how long
// failed payment attempts are kept.
func NewService(payments domain.PaymentStore, log logger.Logger, retention time.Duration) *Service {
	return &Service{payments: payments, log: log, retention: retention}
}

// List returns a subscriber's payment history, newest first.
func (s *Service) List(ctx context.Context, subscriberKey string, limit int) (*models.PaymentListResponse, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultListLimit
	}
	rows, err := s.payments.ListBySubscriber(ctx, subscriberKey, limit)
	if err != nil {
		return nil, err
	}
	return &models.PaymentListResponse{
		Count:    len(rows),
		Payments: rows,
	}, nil
}

// Get returns one payment by ID.
func (s *Service) Get(ctx context.Context, id string) (*models.Payment, error) {
	return s.payments.GetPayment(ctx, id)
}

// Analytics aggregates revenue over the trailing window.
func (s *Service) Analytics(ctx context.Context, window time.Duration) (*models.PaymentAnalytics, error) {
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	return s.payments.Analytics(ctx, time.Now().Add(-window))
}

// Prune drops failed payment attempts past retention. Succeeded and
// refunded rows are financial records and are never pruned.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	removed, err := s.payments.PruneTerminated(ctx, time.Now().Add(-s.retention))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Info("payment history pruned", "rows", removed)
	}
	return removed, nil
}
