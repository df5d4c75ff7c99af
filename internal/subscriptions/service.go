// Package subscriptions tracks plan, billing state and message usage per user
// and enforces the free plan limits.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aun-builder/internal/cache"
	"aun-builder/internal/logging"
	"aun-builder/pkg/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Free plan limits
const (
	FreeAppLimit     = 3
	FreeMessageLimit = 5
)

var (
	ErrAppLimitReached     = errors.New("Free plan limit reached. You can only create 3 apps. Please upgrade to Pro for unlimited apps.")
	ErrMessageLimitReached = errors.New("Free plan message limit reached. Please upgrade to Pro for unlimited messages.")
	ErrNoSubscription      = errors.New("subscription not found")
)

// Summary is the subscription view returned to clients
type Summary struct {
	UserID               string     `json:"userId,omitempty"`
	SubscriptionType     string     `json:"subscriptionType"`
	SubscriptionStatus   string     `json:"subscriptionStatus"`
	MessageCount         int        `json:"messageCount"`
	AppCount             int64      `json:"appCount"`
	StripeCustomerID     string     `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string     `json:"stripeSubscriptionId,omitempty"`
	SubscriptionStart    *time.Time `json:"subscriptionStartDate,omitempty"`
	SubscriptionEnd      *time.Time `json:"subscriptionEndDate,omitempty"`
}

// DefaultSummary is what anonymous callers and users without a record see
func DefaultSummary() Summary {
	return Summary{
		SubscriptionType:   models.PlanFree,
		SubscriptionStatus: models.StatusActive,
	}
}

// IsFree reports whether the summary is on the free plan
func (s *Summary) IsFree() bool {
	return s.SubscriptionType == "" || s.SubscriptionType == models.PlanFree
}

// Service reads and updates user subscriptions
type Service struct {
	db    *gorm.DB
	cache *cache.RedisCache
	ttl   time.Duration
	now   func() time.Time
}

// NewService creates the service. redisCache may be nil.
func NewService(db *gorm.DB, redisCache *cache.RedisCache) *Service {
	ttl := 5 * time.Minute
	if redisCache != nil {
		ttl = redisCache.SubscriptionTTL()
	}
	return &Service{db: db, cache: redisCache, ttl: ttl, now: time.Now}
}

// Summary returns the user's subscription with their app count
func (s *Service) Summary(ctx context.Context, userID string) (*Summary, error) {
	if s.cache == nil {
		return s.loadSummary(ctx, userID)
	}

	var out Summary
	err := s.cache.GetOrSetJSON(ctx, cache.SubscriptionKey(userID), s.ttl, &out, func() (interface{}, error) {
		return s.loadSummary(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Service) loadSummary(ctx context.Context, userID string) (*Summary, error) {
	summary := DefaultSummary()
	summary.UserID = userID

	var sub models.UserSubscription
	err := s.db.WithContext(ctx).First(&sub, "user_id = ?", userID).Error
	switch {
	case err == nil:
		summary.SubscriptionType = sub.SubscriptionType
		summary.SubscriptionStatus = sub.SubscriptionStatus
		summary.MessageCount = sub.MessageCount
		summary.StripeCustomerID = sub.StripeCustomerID
		summary.StripeSubscriptionID = sub.StripeSubscriptionID
		summary.SubscriptionStart = sub.SubscriptionStart
		summary.SubscriptionEnd = sub.SubscriptionEnd
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(&models.AppUser{}).
		Where("user_id = ?", userID).
		Count(&summary.AppCount).Error; err != nil {
		return nil, fmt.Errorf("failed to count apps: %w", err)
	}

	return &summary, nil
}

// Get returns the stored subscription or ErrNoSubscription
func (s *Service) Get(ctx context.Context, userID string) (*models.UserSubscription, error) {
	var sub models.UserSubscription
	err := s.db.WithContext(ctx).First(&sub, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return &sub, nil
}

// Invalidate drops the cached summary for userID
func (s *Service) Invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.SubscriptionKey(userID)); err != nil {
		logging.L().Warn("failed to invalidate subscription cache", zap.String("user_id", userID), zap.Error(err))
	}
}

// TrackMessage counts one sent message, creating a free record on first use
func (s *Service) TrackMessage(ctx context.Context, userID string) error {
	now := s.now().UTC()
	err := s.db.WithContext(ctx).Exec(`
		INSERT INTO user_subscriptions (user_id, subscription_type, subscription_status, message_count, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (user_id)
		DO UPDATE SET message_count = user_subscriptions.message_count + 1, updated_at = ?
	`, userID, models.PlanFree, models.StatusActive, now, now, now).Error
	if err != nil {
		return fmt.Errorf("failed to track message: %w", err)
	}
	s.Invalidate(ctx, userID)
	return nil
}

// ReserveMessage counts one message if the user may still send one and
// returns ErrMessageLimitReached otherwise. The limit check is part of the
// upsert, so concurrent sends cannot pass the free limit.
func (s *Service) ReserveMessage(ctx context.Context, userID string) (*Summary, error) {
	now := s.now().UTC()
	res := s.db.WithContext(ctx).Exec(`
		INSERT INTO user_subscriptions (user_id, subscription_type, subscription_status, message_count, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (user_id)
		DO UPDATE SET message_count = user_subscriptions.message_count + 1, updated_at = ?
		WHERE user_subscriptions.subscription_type NOT IN (?, '') OR user_subscriptions.message_count < ?
	`, userID, models.PlanFree, models.StatusActive, now, now, now, models.PlanFree, FreeMessageLimit)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to track message: %w", res.Error)
	}
	s.Invalidate(ctx, userID)

	summary, err := s.Summary(ctx, userID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return summary, ErrMessageLimitReached
	}
	return summary, nil
}

// ReleaseMessage returns a reserved message whose run never started
func (s *Service) ReleaseMessage(ctx context.Context, userID string) error {
	err := s.db.WithContext(ctx).Exec(`
		UPDATE user_subscriptions SET message_count = message_count - 1, updated_at = ?
		WHERE user_id = ? AND message_count > 0
	`, s.now().UTC(), userID).Error
	if err != nil {
		return fmt.Errorf("failed to release message: %w", err)
	}
	s.Invalidate(ctx, userID)
	return nil
}

// MessageCount returns the number of tracked messages, 0 without a record
func (s *Service) MessageCount(ctx context.Context, userID string) (int, error) {
	sub, err := s.Get(ctx, userID)
	if errors.Is(err, ErrNoSubscription) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return sub.MessageCount, nil
}

// CanSendMessage returns ErrMessageLimitReached once a free user has used
// their messages. The summary is returned either way.
func (s *Service) CanSendMessage(ctx context.Context, userID string) (*Summary, error) {
	summary, err := s.Summary(ctx, userID)
	if err != nil {
		return nil, err
	}
	if summary.IsFree() && summary.MessageCount >= FreeMessageLimit {
		return summary, ErrMessageLimitReached
	}
	return summary, nil
}

// CanCreateApp returns ErrAppLimitReached once a free user owns FreeAppLimit apps
func (s *Service) CanCreateApp(ctx context.Context, userID string) (*Summary, error) {
	summary, err := s.Summary(ctx, userID)
	if err != nil {
		return nil, err
	}
	if summary.IsFree() && summary.AppCount >= FreeAppLimit {
		return summary, ErrAppLimitReached
	}
	return summary, nil
}

// EnsureCustomer stores the Stripe customer id. A new record starts as a
// pending free subscription until the checkout webhook arrives.
func (s *Service) EnsureCustomer(ctx context.Context, userID, customerID string) error {
	sub := models.UserSubscription{
		UserID:             userID,
		SubscriptionType:   models.PlanFree,
		SubscriptionStatus: models.StatusPending,
		StripeCustomerID:   customerID,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"stripe_customer_id", "updated_at"}),
	}).Create(&sub).Error
	if err != nil {
		return fmt.Errorf("failed to store stripe customer: %w", err)
	}
	s.Invalidate(ctx, userID)
	return nil
}

// ActivateFromCheckout applies a completed checkout
func (s *Service) ActivateFromCheckout(ctx context.Context, userID, subscriptionID, plan string) error {
	if plan != models.PlanYearly {
		plan = models.PlanMonthly
	}
	now := s.now().UTC()
	sub := models.UserSubscription{
		UserID:               userID,
		SubscriptionType:     plan,
		SubscriptionStatus:   models.StatusActive,
		StripeSubscriptionID: subscriptionID,
		SubscriptionStart:    &now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"subscription_type", "subscription_status", "stripe_subscription_id",
			"subscription_start_date", "updated_at",
		}),
	}).Create(&sub).Error
	if err != nil {
		return fmt.Errorf("failed to activate subscription: %w", err)
	}
	s.Invalidate(ctx, userID)
	return nil
}

// CancelSubscription marks the subscription cancelled and reverts it to free
func (s *Service) CancelSubscription(ctx context.Context, userID string) error {
	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&models.UserSubscription{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"subscription_status":   models.StatusCancelled,
			"subscription_type":     models.PlanFree,
			"subscription_end_date": now,
			"updated_at":            now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to cancel subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		logging.L().Warn("cancel for unknown subscription", zap.String("user_id", userID))
	}
	s.Invalidate(ctx, userID)
	return nil
}

// UpdateStatus sets the status of the record holding subscriptionID
func (s *Service) UpdateStatus(ctx context.Context, subscriptionID, status string) error {
	var userIDs []string
	if err := s.db.WithContext(ctx).Model(&models.UserSubscription{}).
		Where("stripe_subscription_id = ?", subscriptionID).
		Pluck("user_id", &userIDs).Error; err != nil {
		return fmt.Errorf("failed to find subscription: %w", err)
	}
	if len(userIDs) == 0 {
		return ErrNoSubscription
	}

	if err := s.db.WithContext(ctx).Model(&models.UserSubscription{}).
		Where("stripe_subscription_id = ?", subscriptionID).
		Updates(map[string]interface{}{
			"subscription_status": status,
			"updated_at":          s.now().UTC(),
		}).Error; err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}

	for _, id := range userIDs {
		s.Invalidate(ctx, id)
	}
	return nil
}

// ReconcileExpired returns cancelled subscriptions whose end date has passed
// to an active free plan with a fresh message allowance.
func (s *Service) ReconcileExpired(ctx context.Context) (int, error) {
	now := s.now().UTC()

	var userIDs []string
	if err := s.db.WithContext(ctx).Model(&models.UserSubscription{}).
		Where("subscription_status = ? AND subscription_end_date IS NOT NULL AND subscription_end_date <= ?", models.StatusCancelled, now).
		Pluck("user_id", &userIDs).Error; err != nil {
		return 0, fmt.Errorf("failed to find expired subscriptions: %w", err)
	}
	if len(userIDs) == 0 {
		return 0, nil
	}

	if err := s.db.WithContext(ctx).Model(&models.UserSubscription{}).
		Where("user_id IN ?", userIDs).
		Updates(map[string]interface{}{
			"subscription_type":   models.PlanFree,
			"subscription_status": models.StatusActive,
			"message_count":       0,
			"updated_at":          now,
		}).Error; err != nil {
		return 0, fmt.Errorf("failed to reset expired subscriptions: %w", err)
	}

	for _, id := range userIDs {
		s.Invalidate(ctx, id)
	}
	logging.L().Info("reconciled expired subscriptions", zap.Int("count", len(userIDs)))
	return len(userIDs), nil
}
