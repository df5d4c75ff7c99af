package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"aun-builder/internal/logging"
	"aun-builder/internal/metrics"
	"aun-builder/internal/subscriptions"
	"aun-builder/pkg/models"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

// ConstructEvent verifies the Stripe-Signature header and parses the event.
// Events sent with a different API version are accepted; only the fields
// read below are used.
func (s *StripeService) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, signature, s.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

// HandleEvent applies a verified Stripe event to the stored subscriptions
func (s *StripeService) HandleEvent(ctx context.Context, event stripe.Event) (err error) {
	log := logging.L().With(zap.String("event_id", event.ID), zap.String("event_type", string(event.Type)))
	defer func() { metrics.Get().RecordWebhookEvent(string(event.Type), err == nil) }()

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("failed to parse checkout session: %w", err)
		}
		userID := sess.Metadata["userId"]
		if userID == "" {
			log.Warn("checkout session without userId metadata")
			return nil
		}
		var subscriptionID string
		if sess.Subscription != nil {
			subscriptionID = sess.Subscription.ID
		}
		return s.subs.ActivateFromCheckout(ctx, userID, subscriptionID, sess.Metadata["plan"])

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("failed to parse subscription: %w", err)
		}
		userID := sub.Metadata["userId"]
		if userID == "" {
			log.Warn("deleted subscription without userId metadata", zap.String("subscription_id", sub.ID))
			return nil
		}
		return s.subs.CancelSubscription(ctx, userID)

	case "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("failed to parse subscription: %w", err)
		}
		return s.updateStatus(ctx, sub.ID, MapStripeStatus(sub.Status))

	case "invoice.payment_succeeded":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("failed to parse invoice: %w", err)
		}
		log.Info("payment succeeded", zap.String("invoice_id", inv.ID))
		return nil

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("failed to parse invoice: %w", err)
		}
		if inv.Subscription == nil || inv.Subscription.ID == "" {
			log.Warn("failed invoice without subscription", zap.String("invoice_id", inv.ID))
			return nil
		}
		return s.updateStatus(ctx, inv.Subscription.ID, models.StatusPastDue)

	default:
		log.Info("Unhandled event type")
		return nil
	}
}

// updateStatus ignores subscriptions that were never stored locally
func (s *StripeService) updateStatus(ctx context.Context, subscriptionID, status string) error {
	err := s.subs.UpdateStatus(ctx, subscriptionID, status)
	if errors.Is(err, subscriptions.ErrNoSubscription) {
		logging.L().Warn("status update for unknown subscription", zap.String("subscription_id", subscriptionID))
		return nil
	}
	return err
}
