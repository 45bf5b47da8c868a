package models

import "time"

// EntitlementSnapshot is the derived, cached view of a subscriber's premium
// capabilities. Always reconstructible from state + plan; never a source of
// truth on its own.
type EntitlementSnapshot struct {
	SubscriberKey  string    `json:"subscriber_key"`
	CanPin         bool      `json:"can_pin"`
	PinQuota       int       `json:"pin_quota"`
	PriorityWeight int       `json:"priority_weight"`
	ComputedAt     time.Time `json:"computed_at"`
	ValidUntil     time.Time `json:"valid_until"`
	Stale          bool      `json:"stale,omitempty"`
}

// FeedPost is the slice of post metadata the ranking engine needs. The feed
// subsystem owns the posts themselves.
type FeedPost struct {
	PostID        string    `json:"post_id" validate:"required"`
	SubscriberKey string    `json:"subscriber_key"`
	PublishedAt   time.Time `json:"published_at"`
}

// RankFeedRequest is the payload for the feed ranking endpoint.
type RankFeedRequest struct {
	Posts []FeedPost `json:"posts" validate:"required,dive"`
}

// RankedFeedResponse is the ordered feed: pinned partition first.
type RankedFeedResponse struct {
	Posts       []FeedPost `json:"posts"`
	PinnedCount int        `json:"pinned_count"`
}

// PinRequest asks to pin a post for a subscriber.
type PinRequest struct {
	SubscriberKey string `json:"subscriber_key" validate:"required"`
	PostID        string `json:"post_id" validate:"required"`
}

// PaymentListResponse wraps a subscriber's payment history.
type PaymentListResponse struct {
	Count    int       `json:"count"`
	Payments []Payment `json:"payments"`
}

// PaymentAnalytics aggregates payment statistics for the admin surface.
type PaymentAnalytics struct {
	TotalPayments       int64     `json:"total_payments"`
	SucceededPayments   int64     `json:"succeeded_payments"`
	SuccessRate         float64   `json:"success_rate"`
	TotalRevenueCents   int64     `json:"total_revenue_cents"`
	MonthlyRevenue      int64     `json:"monthly_revenue_cents"`
	MonthlyPayments     int64     `json:"monthly_payments"`
	AveragePaymentCents int64     `json:"average_payment_cents"`
	PeriodFrom          time.Time `json:"period_from"`
	PeriodTo            time.Time `json:"period_to"`
}

// ErrorResponse is the generic error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse is the generic success envelope.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
