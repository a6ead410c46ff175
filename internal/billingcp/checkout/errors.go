package checkout

import "errors"

// Error taxonomy for the billing edge path. Unauthorized and
// ProfileIncomplete are terminal and must not be retried; ProviderUnavailable
// is safe to retry with caller-driven backoff — this package never retries
// internally.
var (
	ErrUnauthorized       = errors.New("missing or invalid credentials")
	ErrProfileIncomplete  = errors.New("user is not associated with an organization")
	ErrPlanNotPurchasable = errors.New("plan not found or not purchasable")
	ErrProviderUnavailable = errors.New("billing provider unavailable")
	ErrValidation         = errors.New("invalid request")
	ErrNoCustomer         = errors.New("organization has no billing account to manage")
)
