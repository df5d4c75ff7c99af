package payments

import (
	"aun-builder/pkg/models"

	"github.com/stripe/stripe-go/v76"
)

// PlanConfig maps paid plans to Stripe price ids
type PlanConfig struct {
	MonthlyPriceID string
	YearlyPriceID  string
}

// NormalizePlan returns the paid plan for a checkout request. Anything other
// than yearly is billed monthly.
func NormalizePlan(plan string) string {
	if plan == models.PlanYearly {
		return models.PlanYearly
	}
	return models.PlanMonthly
}

// PriceID returns the Stripe price for plan
func (c PlanConfig) PriceID(plan string) string {
	if NormalizePlan(plan) == models.PlanYearly {
		return c.YearlyPriceID
	}
	return c.MonthlyPriceID
}

// MapStripeStatus maps a Stripe subscription status to a stored status
func MapStripeStatus(status stripe.SubscriptionStatus) string {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return models.StatusActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return models.StatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return models.StatusCancelled
	default:
		return models.StatusPending
	}
}
