// Package checkout resolves an authenticated identity to exactly one Stripe
// customer per organization and produces redirectable checkout and billing
// portal references.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ataboard/ataboard/internal/billingcp/cpmetrics"
	"github.com/ataboard/ataboard/internal/billingcp/registry"
	"github.com/ataboard/ataboard/internal/identity"
	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	stripecustomer "github.com/stripe/stripe-go/v82/customer"
)

// TokenVerifier authenticates a bearer token against the identity provider.
// The edge path runs stateless: it never consults the session store.
type TokenVerifier interface {
	UserFromToken(ctx context.Context, accessToken string) (*identity.Identity, error)
}

// Resolver implements the checkout flow. Stripe calls are injectable for
// tests.
type Resolver struct {
	store    *registry.BillingStore
	verifier TokenVerifier
	siteURL  string

	createCustomer        func(*stripe.CustomerParams) (*stripe.Customer, error)
	deleteCustomer        func(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
	createCheckoutSession func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	createPortalSession   func(*stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

// NewResolver creates a Resolver. siteURL is the marketing site root used
// for checkout redirect targets; stripeAPIKey configures the Stripe client.
func NewResolver(store *registry.BillingStore, verifier TokenVerifier, siteURL, stripeAPIKey string) *Resolver {
	if key := strings.TrimSpace(stripeAPIKey); key != "" {
		stripe.Key = key
	}
	return &Resolver{
		store:                 store,
		verifier:              verifier,
		siteURL:               strings.TrimRight(strings.TrimSpace(siteURL), "/"),
		createCustomer:        stripecustomer.New,
		deleteCustomer:        stripecustomer.Del,
		createCheckoutSession: stripesession.New,
		createPortalSession:   portalsession.New,
	}
}

// CreateCheckout authenticates the bearer token, resolves the caller's
// organization, ensures a single Stripe customer for it, and returns a
// checkout session URL. Failures are typed; nothing is persisted beyond the
// customer-id write, and no step is retried here.
func (r *Resolver) CreateCheckout(ctx context.Context, accessToken, planSlug string) (url string, err error) {
	start := time.Now()
	defer func() {
		cpmetrics.CheckoutDuration.Observe(time.Since(start).Seconds())
		cpmetrics.CheckoutRequestsTotal.WithLabelValues(checkoutOutcome(err)).Inc()
	}()

	planSlug = strings.TrimSpace(planSlug)
	if planSlug == "" {
		return "", fmt.Errorf("%w: planSlug is required", ErrValidation)
	}

	caller, err := r.verifier.UserFromToken(ctx, accessToken)
	if err != nil {
		return "", MapIdentityError(err)
	}

	orgID, err := r.store.OrganizationIDForProfile(caller.ID)
	if err != nil {
		if errors.Is(err, registry.ErrNoOrganization) {
			return "", ErrProfileIncomplete
		}
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	plan, err := r.store.PlanBySlug(planSlug)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if plan == nil || strings.TrimSpace(plan.StripePriceID) == "" {
		return "", fmt.Errorf("%w: %q", ErrPlanNotPurchasable, planSlug)
	}

	customerID, err := r.ensureCustomer(caller, orgID)
	if err != nil {
		return "", err
	}

	params := &stripe.CheckoutSessionParams{
		Mode:                     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:                 stripe.String(customerID),
		PaymentMethodTypes:       stripe.StringSlice([]string{"card"}),
		BillingAddressCollection: stripe.String(string(stripe.CheckoutSessionBillingAddressCollectionRequired)),
		AllowPromotionCodes:      stripe.Bool(true),
		SuccessURL:               stripe.String(r.siteURL + "/conta?success=true"),
		CancelURL:                stripe.String(r.siteURL + "/precos?canceled=true"),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(plan.StripePriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"organization_id": orgID,
		},
	}
	sess, err := r.createCheckoutSession(params)
	if err != nil {
		return "", fmt.Errorf("%w: create checkout session: %v", ErrProviderUnavailable, err)
	}
	if sess == nil || strings.TrimSpace(sess.URL) == "" {
		return "", fmt.Errorf("%w: empty checkout URL", ErrProviderUnavailable)
	}

	log.Info().
		Str("organization_id", orgID).
		Str("plan_slug", planSlug).
		Str("customer_id", customerID).
		Msg("checkout session created")
	return strings.TrimSpace(sess.URL), nil
}

// CreateBillingPortal returns a billing portal URL for the caller's existing
// Stripe customer. Having no customer yet is terminal — there is nothing to
// manage.
func (r *Resolver) CreateBillingPortal(ctx context.Context, accessToken string) (string, error) {
	caller, err := r.verifier.UserFromToken(ctx, accessToken)
	if err != nil {
		return "", MapIdentityError(err)
	}

	orgID, err := r.store.OrganizationIDForProfile(caller.ID)
	if err != nil {
		if errors.Is(err, registry.ErrNoOrganization) {
			return "", ErrProfileIncomplete
		}
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	sub, err := r.store.Subscription(orgID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if sub == nil || strings.TrimSpace(sub.StripeCustomerID) == "" {
		return "", ErrNoCustomer
	}

	sess, err := r.createPortalSession(&stripe.BillingPortalSessionParams{
		Customer:  stripe.String(sub.StripeCustomerID),
		ReturnURL: stripe.String(r.siteURL + "/conta"),
	})
	if err != nil {
		return "", fmt.Errorf("%w: create billing portal session: %v", ErrProviderUnavailable, err)
	}
	if sess == nil || strings.TrimSpace(sess.URL) == "" {
		return "", fmt.Errorf("%w: empty portal URL", ErrProviderUnavailable)
	}
	return strings.TrimSpace(sess.URL), nil
}

// ensureCustomer reuses the organization's persisted Stripe customer or
// creates one. The persisted id always wins: if a concurrent checkout got
// there first, the customer created here is abandoned and the winner's id is
// used for the session.
func (r *Resolver) ensureCustomer(caller *identity.Identity, orgID string) (string, error) {
	sub, err := r.store.Subscription(orgID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if sub != nil && strings.TrimSpace(sub.StripeCustomerID) != "" {
		return sub.StripeCustomerID, nil
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(caller.Email),
	}
	params.AddMetadata("identity_id", caller.ID)
	params.AddMetadata("organization_id", orgID)

	cust, err := r.createCustomer(params)
	if err != nil {
		return "", fmt.Errorf("%w: create customer: %v", ErrProviderUnavailable, err)
	}
	cpmetrics.StripeCustomersCreated.Inc()

	winner, err := r.store.EnsureStripeCustomer(orgID, cust.ID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if winner != cust.ID {
		log.Info().
			Str("organization_id", orgID).
			Str("winner", winner).
			Str("abandoned", cust.ID).
			Msg("concurrent checkout created the customer first; reusing persisted id")
		// Best effort: remove the losing duplicate so the organization ends
		// up with exactly one processor customer.
		if _, derr := r.deleteCustomer(cust.ID, nil); derr != nil {
			log.Warn().Err(derr).Str("customer_id", cust.ID).Msg("failed to delete duplicate customer")
		}
	}
	return winner, nil
}

func checkoutOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrProfileIncomplete), errors.Is(err, ErrPlanNotPurchasable):
		return "rejected"
	default:
		return "error"
	}
}

// MapIdentityError folds identity-provider failures into the resolver's
// taxonomy: provider outages stay retryable, anything else is a rejected
// token.
func MapIdentityError(err error) error {
	switch {
	case errors.Is(err, identity.ErrProviderUnavailable):
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	default:
		return ErrUnauthorized
	}
}
