package registry

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// SubscriptionStatus is the billing lifecycle state of an organization, as
// reported by the payment processor.
type SubscriptionStatus string

const (
	StatusTrialing SubscriptionStatus = "trialing"
	StatusActive   SubscriptionStatus = "active"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusOther    SubscriptionStatus = "other"
)

// NormalizeStatus folds processor-reported statuses into the four states the
// product surfaces. Unknown statuses fail closed into "other".
func NormalizeStatus(status string) SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "trialing":
		return StatusTrialing
	case "active":
		return StatusActive
	case "canceled":
		return StatusCanceled
	default:
		return StatusOther
	}
}

// Organization is the tenant boundary. All billing and usage data is scoped
// to one.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Profile links an identity-provider user to its organization. A profile
// without an organization is a data-integrity problem for billing flows.
type Profile struct {
	ID             string    `json:"id"` // identity provider user id
	OrganizationID string    `json:"organization_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Plan is a purchasable subscription plan. Limit columns are NULL for
// unlimited; values at or above the legacy sentinel magnitude are treated as
// unlimited by the entitlement layer.
type Plan struct {
	ID                 string `json:"id"`
	Slug               string `json:"slug"`
	Name               string `json:"name"`
	PriceMonthlyCents  int64  `json:"price_monthly_cents"`
	MaxAtas            *int64 `json:"max_atas"`
	MaxReportsPerMonth *int64 `json:"max_reports_per_month"`
	MaxUsers           *int64 `json:"max_users"`
	StripePriceID      string `json:"stripe_price_id"`
}

// Subscription is an organization's billing record. At most one per
// organization, and at most one Stripe customer per organization — enforced
// by the primary key plus the conflict-returns-existing upsert in the store.
type Subscription struct {
	OrganizationID       string     `json:"organization_id"`
	PlanID               string     `json:"plan_id"`
	Status               string     `json:"status"`
	StripeCustomerID     string     `json:"stripe_customer_id"`
	TrialEndsAt          *time.Time `json:"trial_ends_at,omitempty"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end,omitempty"`
	ReportsUsedThisMonth int64      `json:"reports_used_this_month"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// GenerateOrganizationID returns a new organization ID ("org_" + ULID).
func GenerateOrganizationID() string {
	return "org_" + ulid.Make().String()
}

// GeneratePlanID returns a new plan ID ("plan_" + ULID).
func GeneratePlanID() string {
	return "plan_" + ulid.Make().String()
}

// GenerateAtaID returns a new ata ID ("ata_" + ULID).
func GenerateAtaID() string {
	return "ata_" + ulid.Make().String()
}
