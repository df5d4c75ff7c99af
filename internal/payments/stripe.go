// Package payments runs Stripe checkout, the billing portal and the webhook
// that keeps user subscriptions in sync.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"aun-builder/internal/logging"
	"aun-builder/internal/metrics"
	"aun-builder/internal/subscriptions"

	"github.com/stripe/stripe-go/v76"
	portalsession "github.com/stripe/stripe-go/v76/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/customer"
	"go.uber.org/zap"
)

var (
	ErrNotConfigured    = errors.New("stripe is not configured")
	ErrCustomerNotFound = errors.New("customer not found")
	ErrInvalidPriceID   = errors.New("invalid price ID")
	ErrSessionMismatch  = errors.New("checkout session belongs to another user")
)

// StripeAPI is the subset of the Stripe API the service calls
type StripeAPI interface {
	NewCustomer(params *stripe.CustomerParams) (*stripe.Customer, error)
	NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	GetCheckoutSession(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	NewPortalSession(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

// stripeAPI calls the Stripe package functions using the global key
type stripeAPI struct{}

func (stripeAPI) NewCustomer(params *stripe.CustomerParams) (*stripe.Customer, error) {
	return customer.New(params)
}

func (stripeAPI) NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return checkoutsession.New(params)
}

func (stripeAPI) GetCheckoutSession(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return checkoutsession.Get(id, params)
}

func (stripeAPI) NewPortalSession(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	return portalsession.New(params)
}

// Config configures the Stripe service
type Config struct {
	SecretKey     string
	WebhookSecret string
	Plans         PlanConfig
	BaseURL       string
}

// CheckoutSessionResult is returned to the client to redirect into Checkout
type CheckoutSessionResult struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// CheckoutStatus is the verified state of a checkout session
type CheckoutStatus struct {
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
	Plan          string `json:"plan"`
}

// StripeService runs checkout and applies Stripe events to subscriptions
type StripeService struct {
	cfg  Config
	api  StripeAPI
	subs *subscriptions.Service
}

// NewStripeService sets the global Stripe key and creates the service
func NewStripeService(cfg Config, subs *subscriptions.Service) *StripeService {
	stripe.Key = cfg.SecretKey
	return NewStripeServiceWithAPI(cfg, subs, stripeAPI{})
}

// NewStripeServiceWithAPI creates the service over api
func NewStripeServiceWithAPI(cfg Config, subs *subscriptions.Service, api StripeAPI) *StripeService {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &StripeService{cfg: cfg, api: api, subs: subs}
}

// IsConfigured returns true if Stripe is properly configured
func (s *StripeService) IsConfigured() bool {
	return s.cfg.SecretKey != "" && s.cfg.SecretKey != "sk_test_xxx"
}

// CreateCheckoutSession starts a subscription checkout for userID. The
// user's Stripe customer is reused when one is stored.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, userID, email, plan string) (*CheckoutSessionResult, error) {
	if !s.IsConfigured() {
		return nil, ErrNotConfigured
	}
	plan = NormalizePlan(plan)
	priceID := s.cfg.Plans.PriceID(plan)
	if priceID == "" {
		return nil, ErrInvalidPriceID
	}

	customerID, err := s.customerFor(ctx, userID, email)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{"userId": userID, "plan": plan}
	params := &stripe.CheckoutSessionParams{
		Customer:           stripe.String(customerID),
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(s.cfg.BaseURL + "/payment-success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(s.cfg.BaseURL + "/"),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	params.Metadata = metadata
	params.Context = ctx

	sess, err := s.api.NewCheckoutSession(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	if err := s.subs.EnsureCustomer(ctx, userID, customerID); err != nil {
		return nil, err
	}

	metrics.Get().RecordCheckout(plan)
	logging.L().Info("checkout session created",
		zap.String("user_id", userID),
		zap.String("plan", plan),
		zap.String("session_id", sess.ID),
	)

	return &CheckoutSessionResult{SessionID: sess.ID, URL: sess.URL}, nil
}

func (s *StripeService) customerFor(ctx context.Context, userID, email string) (string, error) {
	sub, err := s.subs.Get(ctx, userID)
	if err != nil && !errors.Is(err, subscriptions.ErrNoSubscription) {
		return "", err
	}
	if sub != nil && sub.StripeCustomerID != "" {
		return sub.StripeCustomerID, nil
	}

	params := &stripe.CustomerParams{}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata("userId", userID)
	params.Context = ctx

	c, err := s.api.NewCustomer(params)
	if err != nil {
		return "", fmt.Errorf("failed to create customer: %w", err)
	}
	return c.ID, nil
}

// CreateBillingPortalSession returns a billing portal URL for userID
func (s *StripeService) CreateBillingPortalSession(ctx context.Context, userID string) (string, error) {
	if !s.IsConfigured() {
		return "", ErrNotConfigured
	}

	sub, err := s.subs.Get(ctx, userID)
	if errors.Is(err, subscriptions.ErrNoSubscription) || (err == nil && sub.StripeCustomerID == "") {
		return "", ErrCustomerNotFound
	}
	if err != nil {
		return "", err
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(sub.StripeCustomerID),
		ReturnURL: stripe.String(s.cfg.BaseURL + "/"),
	}
	params.Context = ctx

	sess, err := s.api.NewPortalSession(params)
	if err != nil {
		return "", fmt.Errorf("failed to create billing portal session: %w", err)
	}
	return sess.URL, nil
}

// VerifyCheckoutSession reports the state of a session started by userID
func (s *StripeService) VerifyCheckoutSession(ctx context.Context, userID, sessionID string) (*CheckoutStatus, error) {
	if !s.IsConfigured() {
		return nil, ErrNotConfigured
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := s.api.GetCheckoutSession(sessionID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to get checkout session: %w", err)
	}
	if sess.Metadata["userId"] != userID {
		return nil, ErrSessionMismatch
	}

	return &CheckoutStatus{
		Status:        string(sess.Status),
		PaymentStatus: string(sess.PaymentStatus),
		Plan:          sess.Metadata["plan"],
	}, nil
}
