// Package entitlement joins an organization's subscription with live usage
// counters into a UI-ready snapshot.
package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ataboard/ataboard/internal/billingcp/cpmetrics"
	"github.com/ataboard/ataboard/internal/billingcp/registry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// unboundedSentinel is the legacy magnitude plan rows use for "no limit".
// It must never reach a consumer as a number.
const unboundedSentinel = 999999

// ErrNoSubscription reports an organization with no subscription record.
var ErrNoSubscription = errors.New("organization has no subscription")

// Limit is a plan limit: a finite non-negative value, or unbounded. The
// zero value is a bounded zero. It marshals as the number, or null when
// unbounded.
type Limit struct {
	value     int64
	unbounded bool
}

// Bounded returns a finite limit.
func Bounded(v int64) Limit { return Limit{value: v} }

// Unbounded is the explicit no-limit marker.
var Unbounded = Limit{unbounded: true}

// IsUnbounded reports whether the limit is the no-limit marker.
func (l Limit) IsUnbounded() bool { return l.unbounded }

// Value returns the finite limit value; only meaningful when bounded.
func (l Limit) Value() int64 { return l.value }

// MarshalJSON renders the number, or null for unbounded.
func (l Limit) MarshalJSON() ([]byte, error) {
	if l.unbounded {
		return []byte("null"), nil
	}
	return json.Marshal(l.value)
}

// normalizeLimit maps a nullable plan column to a Limit. NULL and any value
// at or above the legacy sentinel magnitude mean unbounded.
func normalizeLimit(v *int64) Limit {
	if v == nil || *v >= unboundedSentinel {
		return Unbounded
	}
	return Bounded(*v)
}

// PlanSnapshot is the normalized plan view.
type PlanSnapshot struct {
	Name               string `json:"name"`
	Slug               string `json:"slug"`
	PriceMonthlyCents  int64  `json:"price_monthly_cents"`
	MaxAtas            Limit  `json:"max_atas"`
	MaxReportsPerMonth Limit  `json:"max_reports_per_month"`
	MaxUsers           Limit  `json:"max_users"`
}

// Usage holds the organization's live counters. Counted is false when the
// count reads failed and the zeros are placeholders, not observations.
type Usage struct {
	AtasCount  int64 `json:"atas_count"`
	UsersCount int64 `json:"users_count"`
	Counted    bool  `json:"counted"`
}

// Entitlement is the aggregated, UI-ready snapshot.
type Entitlement struct {
	Plan                 *PlanSnapshot               `json:"plan,omitempty"`
	Status               registry.SubscriptionStatus `json:"status"`
	TrialEndsAt          *time.Time                  `json:"trial_ends_at,omitempty"`
	CurrentPeriodEnd     *time.Time                  `json:"current_period_end,omitempty"`
	ReportsUsedThisMonth int64                       `json:"reports_used_this_month"`
	StripeCustomerID     string                      `json:"stripe_customer_id,omitempty"`
	Usage                Usage                       `json:"usage"`
}

// Store is the slice of the billing store the aggregator reads.
type Store interface {
	SubscriptionWithPlan(organizationID string) (*registry.Subscription, *registry.Plan, error)
	CountAtas(organizationID string) (int64, error)
	CountOrganizationUsers(organizationID string) (int64, error)
}

// Aggregator resolves entitlement snapshots.
type Aggregator struct {
	store Store
}

// NewAggregator creates an Aggregator over the billing store.
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store}
}

// Aggregate issues the subscription read and the two usage counts
// concurrently. A failed count degrades to default usage instead of failing
// the snapshot; a failed subscription read fails the whole call.
func (a *Aggregator) Aggregate(ctx context.Context, organizationID string) (*Entitlement, error) {
	var (
		sub     *registry.Subscription
		plan    *registry.Plan
		atas    int64
		users   int64
		atasOK  bool
		usersOK bool
	)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sub, plan, err = a.store.SubscriptionWithPlan(organizationID)
		if err != nil {
			return fmt.Errorf("read subscription: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		n, err := a.store.CountAtas(organizationID)
		if err != nil {
			log.Warn().Err(err).Str("organization_id", organizationID).Msg("ata count failed; defaulting usage")
			return nil
		}
		atas, atasOK = n, true
		return nil
	})
	g.Go(func() error {
		n, err := a.store.CountOrganizationUsers(organizationID)
		if err != nil {
			log.Warn().Err(err).Str("organization_id", organizationID).Msg("user count failed; defaulting usage")
			return nil
		}
		users, usersOK = n, true
		return nil
	})
	if err := g.Wait(); err != nil {
		cpmetrics.EntitlementAggregations.WithLabelValues("error").Inc()
		return nil, err
	}
	if sub == nil {
		cpmetrics.EntitlementAggregations.WithLabelValues("absent").Inc()
		return nil, ErrNoSubscription
	}

	ent := &Entitlement{
		Status:               registry.NormalizeStatus(sub.Status),
		TrialEndsAt:          sub.TrialEndsAt,
		CurrentPeriodEnd:     sub.CurrentPeriodEnd,
		ReportsUsedThisMonth: sub.ReportsUsedThisMonth,
		StripeCustomerID:     sub.StripeCustomerID,
	}
	if plan != nil {
		ent.Plan = &PlanSnapshot{
			Name:               plan.Name,
			Slug:               plan.Slug,
			PriceMonthlyCents:  plan.PriceMonthlyCents,
			MaxAtas:            normalizeLimit(plan.MaxAtas),
			MaxReportsPerMonth: normalizeLimit(plan.MaxReportsPerMonth),
			MaxUsers:           normalizeLimit(plan.MaxUsers),
		}
	}
	if atasOK && usersOK {
		ent.Usage = Usage{AtasCount: atas, UsersCount: users, Counted: true}
		cpmetrics.EntitlementAggregations.WithLabelValues("ok").Inc()
	} else {
		ent.Usage = Usage{}
		cpmetrics.EntitlementAggregations.WithLabelValues("degraded").Inc()
	}
	return ent, nil
}
