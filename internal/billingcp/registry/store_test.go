package registry

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BillingStore {
	t.Helper()
	store, err := NewBillingStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBillingStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedOrg(t *testing.T, store *BillingStore) *Organization {
	t.Helper()
	org, err := store.CreateOrganization("Prefeitura Teste")
	if err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	return org
}

func int64Ptr(v int64) *int64 { return &v }

func TestGenerateOrganizationID(t *testing.T) {
	id := GenerateOrganizationID()
	if !strings.HasPrefix(id, "org_") {
		t.Errorf("expected prefix org_, got %q", id)
	}

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateOrganizationID()
		if seen[id] {
			t.Fatalf("duplicate organization ID: %s", id)
		}
		seen[id] = true
	}
}

func TestOrganizationIDForProfile(t *testing.T) {
	store := newTestStore(t)
	org := seedOrg(t, store)

	if err := store.CreateProfile("u1", org.ID); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}

	got, err := store.OrganizationIDForProfile("u1")
	if err != nil {
		t.Fatalf("OrganizationIDForProfile: %v", err)
	}
	if got != org.ID {
		t.Errorf("organization = %q, want %q", got, org.ID)
	}
}

func TestOrganizationIDForProfile_Missing(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.OrganizationIDForProfile("nobody"); !errors.Is(err, ErrNoOrganization) {
		t.Fatalf("err = %v, want ErrNoOrganization", err)
	}

	// A profile row with an empty organization is the same integrity problem.
	if err := store.CreateProfile("u2", ""); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	if _, err := store.OrganizationIDForProfile("u2"); !errors.Is(err, ErrNoOrganization) {
		t.Fatalf("err = %v, want ErrNoOrganization", err)
	}
}

func TestPlanBySlug(t *testing.T) {
	store := newTestStore(t)

	plan := &Plan{
		Slug:              "professional",
		Name:              "Professional",
		PriceMonthlyCents: 19900,
		MaxAtas:           int64Ptr(50),
		MaxUsers:          int64Ptr(10),
		StripePriceID:     "price_pro123",
	}
	if err := store.CreatePlan(plan); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}

	got, err := store.PlanBySlug("professional")
	if err != nil {
		t.Fatalf("PlanBySlug: %v", err)
	}
	if got == nil {
		t.Fatal("PlanBySlug returned nil")
	}
	if got.StripePriceID != "price_pro123" {
		t.Errorf("StripePriceID = %q", got.StripePriceID)
	}
	if got.MaxAtas == nil || *got.MaxAtas != 50 {
		t.Errorf("MaxAtas = %v, want 50", got.MaxAtas)
	}
	if got.MaxReportsPerMonth != nil {
		t.Errorf("MaxReportsPerMonth = %v, want nil", got.MaxReportsPerMonth)
	}

	missing, err := store.PlanBySlug("enterprise-ultra")
	if err != nil {
		t.Fatalf("PlanBySlug missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown slug, got %+v", missing)
	}
}

func TestSubscriptionWithPlan(t *testing.T) {
	store := newTestStore(t)
	org := seedOrg(t, store)

	plan := &Plan{Slug: "starter", Name: "Starter", StripePriceID: "price_st1"}
	if err := store.CreatePlan(plan); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	trialEnd := time.Now().Add(14 * 24 * time.Hour).UTC().Truncate(time.Second)
	sub := &Subscription{
		OrganizationID: org.ID,
		PlanID:         plan.ID,
		Status:         "trialing",
		TrialEndsAt:    &trialEnd,
	}
	if err := store.CreateSubscription(sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	gotSub, gotPlan, err := store.SubscriptionWithPlan(org.ID)
	if err != nil {
		t.Fatalf("SubscriptionWithPlan: %v", err)
	}
	if gotSub == nil || gotPlan == nil {
		t.Fatalf("got (%v, %v), want both non-nil", gotSub, gotPlan)
	}
	if gotPlan.Slug != "starter" {
		t.Errorf("plan slug = %q", gotPlan.Slug)
	}
	if gotSub.TrialEndsAt == nil || !gotSub.TrialEndsAt.Equal(trialEnd) {
		t.Errorf("TrialEndsAt = %v, want %v", gotSub.TrialEndsAt, trialEnd)
	}
}

func TestSubscription_Absent(t *testing.T) {
	store := newTestStore(t)
	sub, err := store.Subscription("org_none")
	if err != nil {
		t.Fatalf("Subscription: %v", err)
	}
	if sub != nil {
		t.Errorf("expected nil subscription, got %+v", sub)
	}
}

func TestEnsureStripeCustomer_FirstWrite(t *testing.T) {
	store := newTestStore(t)
	org := seedOrg(t, store)

	got, err := store.EnsureStripeCustomer(org.ID, "cus_new1")
	if err != nil {
		t.Fatalf("EnsureStripeCustomer: %v", err)
	}
	if got != "cus_new1" {
		t.Errorf("winner = %q, want cus_new1", got)
	}

	sub, err := store.Subscription(org.ID)
	if err != nil {
		t.Fatalf("Subscription: %v", err)
	}
	if sub == nil || sub.StripeCustomerID != "cus_new1" {
		t.Errorf("persisted customer = %+v", sub)
	}
}

func TestEnsureStripeCustomer_ExistingWins(t *testing.T) {
	store := newTestStore(t)
	org := seedOrg(t, store)

	if err := store.CreateSubscription(&Subscription{
		OrganizationID:   org.ID,
		Status:           "active",
		StripeCustomerID: "cus_existing",
	}); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	got, err := store.EnsureStripeCustomer(org.ID, "cus_duplicate")
	if err != nil {
		t.Fatalf("EnsureStripeCustomer: %v", err)
	}
	if got != "cus_existing" {
		t.Errorf("winner = %q, want cus_existing", got)
	}
}

func TestEnsureStripeCustomer_FillsEmptySlot(t *testing.T) {
	store := newTestStore(t)
	org := seedOrg(t, store)

	// Subscription row exists (e.g. seeded trial) but no customer yet.
	if err := store.CreateSubscription(&Subscription{OrganizationID: org.ID}); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	got, err := store.EnsureStripeCustomer(org.ID, "cus_late")
	if err != nil {
		t.Fatalf("EnsureStripeCustomer: %v", err)
	}
	if got != "cus_late" {
		t.Errorf("winner = %q, want cus_late", got)
	}
}

func TestEnsureStripeCustomer_Concurrent(t *testing.T) {
	store := newTestStore(t)
	org := seedOrg(t, store)

	const attempts = 8
	winners := make([]string, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := store.EnsureStripeCustomer(org.ID, "cus_attempt_"+string(rune('a'+i)))
			if err != nil {
				t.Errorf("EnsureStripeCustomer: %v", err)
				return
			}
			winners[i] = got
		}(i)
	}
	wg.Wait()

	first := winners[0]
	for i, w := range winners {
		if w != first {
			t.Errorf("attempt %d observed %q, attempt 0 observed %q — more than one customer won", i, w, first)
		}
	}
}

func TestUpdateSubscriptionStatus(t *testing.T) {
	store := newTestStore(t)
	org := seedOrg(t, store)

	if err := store.CreateSubscription(&Subscription{
		OrganizationID:   org.ID,
		Status:           "trialing",
		StripeCustomerID: "cus_1",
	}); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	if err := store.UpdateSubscriptionStatus("cus_1", "active", &periodEnd); err != nil {
		t.Fatalf("UpdateSubscriptionStatus: %v", err)
	}

	sub, err := store.SubscriptionByStripeCustomer("cus_1")
	if err != nil {
		t.Fatalf("SubscriptionByStripeCustomer: %v", err)
	}
	if sub == nil || sub.Status != "active" {
		t.Errorf("subscription = %+v, want status active", sub)
	}
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(periodEnd) {
		t.Errorf("CurrentPeriodEnd = %v, want %v", sub.CurrentPeriodEnd, periodEnd)
	}

	if err := store.UpdateSubscriptionStatus("cus_unknown", "active", nil); err == nil {
		t.Error("expected error for unknown customer")
	}
}

func TestUsageCounts(t *testing.T) {
	store := newTestStore(t)
	org := seedOrg(t, store)
	other := seedOrg(t, store)

	for i := 0; i < 3; i++ {
		if _, err := store.AddAta(org.ID, "Sessão ordinária"); err != nil {
			t.Fatalf("AddAta: %v", err)
		}
	}
	if _, err := store.AddAta(other.ID, "Outra org"); err != nil {
		t.Fatalf("AddAta: %v", err)
	}
	if err := store.AddOrganizationUser(org.ID, "u1", "owner"); err != nil {
		t.Fatalf("AddOrganizationUser: %v", err)
	}
	if err := store.AddOrganizationUser(org.ID, "u2", ""); err != nil {
		t.Fatalf("AddOrganizationUser: %v", err)
	}

	atas, err := store.CountAtas(org.ID)
	if err != nil {
		t.Fatalf("CountAtas: %v", err)
	}
	if atas != 3 {
		t.Errorf("CountAtas = %d, want 3", atas)
	}

	users, err := store.CountOrganizationUsers(org.ID)
	if err != nil {
		t.Fatalf("CountOrganizationUsers: %v", err)
	}
	if users != 2 {
		t.Errorf("CountOrganizationUsers = %d, want 2", users)
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		in   string
		want SubscriptionStatus
	}{
		{"trialing", StatusTrialing},
		{"  ACTIVE ", StatusActive},
		{"canceled", StatusCanceled},
		{"past_due", StatusOther},
		{"", StatusOther},
		{"whatever", StatusOther},
	}
	for _, tt := range tests {
		if got := NormalizeStatus(tt.in); got != tt.want {
			t.Errorf("NormalizeStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
