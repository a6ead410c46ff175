package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ataboard/ataboard/internal/billingcp/registry"
)

type fakeStore struct {
	sub      *registry.Subscription
	plan     *registry.Plan
	subErr   error
	atas     int64
	atasErr  error
	users    int64
	usersErr error
}

func (f *fakeStore) SubscriptionWithPlan(string) (*registry.Subscription, *registry.Plan, error) {
	return f.sub, f.plan, f.subErr
}

func (f *fakeStore) CountAtas(string) (int64, error) { return f.atas, f.atasErr }

func (f *fakeStore) CountOrganizationUsers(string) (int64, error) { return f.users, f.usersErr }

func intPtr(v int64) *int64 { return &v }

func testSubscription() *registry.Subscription {
	return &registry.Subscription{
		OrganizationID:       "org_1",
		PlanID:               "plan_1",
		Status:               "active",
		StripeCustomerID:     "cus_123",
		ReportsUsedThisMonth: 4,
	}
}

func TestAggregateFullSnapshot(t *testing.T) {
	trialEnd := time.Now().Add(7 * 24 * time.Hour).UTC().Truncate(time.Second)
	store := &fakeStore{
		sub: testSubscription(),
		plan: &registry.Plan{
			ID:                 "plan_1",
			Slug:               "professional",
			Name:               "Professional",
			PriceMonthlyCents:  9900,
			MaxAtas:            intPtr(50),
			MaxReportsPerMonth: intPtr(20),
			MaxUsers:           intPtr(10),
		},
		atas:  12,
		users: 3,
	}
	store.sub.TrialEndsAt = &trialEnd

	ent, err := NewAggregator(store).Aggregate(context.Background(), "org_1")
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if ent.Status != registry.StatusActive {
		t.Errorf("status = %q, want active", ent.Status)
	}
	if ent.Plan == nil || ent.Plan.Slug != "professional" {
		t.Fatalf("plan = %+v, want professional", ent.Plan)
	}
	if ent.Plan.MaxAtas.IsUnbounded() || ent.Plan.MaxAtas.Value() != 50 {
		t.Errorf("max atas = %+v, want bounded 50", ent.Plan.MaxAtas)
	}
	if !ent.Usage.Counted || ent.Usage.AtasCount != 12 || ent.Usage.UsersCount != 3 {
		t.Errorf("usage = %+v, want counted 12/3", ent.Usage)
	}
	if ent.TrialEndsAt == nil || !ent.TrialEndsAt.Equal(trialEnd) {
		t.Errorf("trial end = %v, want %v", ent.TrialEndsAt, trialEnd)
	}
	if ent.ReportsUsedThisMonth != 4 {
		t.Errorf("reports used = %d, want 4", ent.ReportsUsedThisMonth)
	}
}

func TestAggregateNormalizesSentinelLimits(t *testing.T) {
	store := &fakeStore{
		sub: testSubscription(),
		plan: &registry.Plan{
			ID:                 "plan_1",
			Slug:               "enterprise",
			Name:               "Enterprise",
			MaxAtas:            intPtr(999999),
			MaxReportsPerMonth: intPtr(1000000),
			MaxUsers:           nil,
		},
	}

	ent, err := NewAggregator(store).Aggregate(context.Background(), "org_1")
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	for name, l := range map[string]Limit{
		"max_atas":              ent.Plan.MaxAtas,
		"max_reports_per_month": ent.Plan.MaxReportsPerMonth,
		"max_users":             ent.Plan.MaxUsers,
	} {
		if !l.IsUnbounded() {
			t.Errorf("%s = %+v, want unbounded", name, l)
		}
	}
}

func TestAggregateDegradesWhenCountsFail(t *testing.T) {
	store := &fakeStore{
		sub:     testSubscription(),
		atas:    12,
		users:   3,
		atasErr: errors.New("disk broke"),
	}

	ent, err := NewAggregator(store).Aggregate(context.Background(), "org_1")
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if ent.Usage.Counted {
		t.Error("usage marked counted despite failed read")
	}
	if ent.Usage.AtasCount != 0 || ent.Usage.UsersCount != 0 {
		t.Errorf("usage = %+v, want zeroed placeholders", ent.Usage)
	}
	if ent.Status != registry.StatusActive {
		t.Errorf("status = %q, degradation must not touch subscription fields", ent.Status)
	}
}

func TestAggregateNoSubscription(t *testing.T) {
	ent, err := NewAggregator(&fakeStore{}).Aggregate(context.Background(), "org_1")
	if !errors.Is(err, ErrNoSubscription) {
		t.Fatalf("err = %v, want ErrNoSubscription", err)
	}
	if ent != nil {
		t.Errorf("entitlement = %+v, want nil", ent)
	}
}

func TestAggregateSubscriptionReadFails(t *testing.T) {
	store := &fakeStore{subErr: errors.New("db locked")}
	if _, err := NewAggregator(store).Aggregate(context.Background(), "org_1"); err == nil {
		t.Fatal("expected error when subscription read fails")
	}
}

func TestAggregateStatusNormalization(t *testing.T) {
	store := &fakeStore{sub: testSubscription()}
	store.sub.Status = "past_due"

	ent, err := NewAggregator(store).Aggregate(context.Background(), "org_1")
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if ent.Status != registry.StatusOther {
		t.Errorf("status = %q, want other", ent.Status)
	}
}

func TestLimitJSON(t *testing.T) {
	out, err := json.Marshal(struct {
		Bounded   Limit `json:"bounded"`
		Unbounded Limit `json:"unbounded"`
	}{Bounded: Bounded(25), Unbounded: Unbounded})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"bounded":25,"unbounded":null}`
	if string(out) != want {
		t.Errorf("json = %s, want %s", out, want)
	}
}
