// Package registry is the billing store: organizations, profiles, plans,
// subscriptions, and the organization-scoped records usage is counted over.
// Backed by SQLite.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoOrganization reports a profile with no organization. Terminal for any
// billing flow; callers must not retry it.
var ErrNoOrganization = errors.New("profile has no organization")

// BillingStore provides organization-scoped billing data backed by SQLite.
type BillingStore struct {
	db *sql.DB
}

// NewBillingStore opens (or creates) the billing database in dir.
func NewBillingStore(dir string) (*BillingStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create billing store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "billing.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open billing db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &BillingStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BillingStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS organizations (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS profiles (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS subscription_plans (
		id                    TEXT PRIMARY KEY,
		slug                  TEXT NOT NULL UNIQUE,
		name                  TEXT NOT NULL DEFAULT '',
		price_monthly_cents   INTEGER NOT NULL DEFAULT 0,
		max_atas              INTEGER,
		max_reports_per_month INTEGER,
		max_users             INTEGER,
		stripe_price_id       TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS organization_subscriptions (
		organization_id         TEXT PRIMARY KEY,
		plan_id                 TEXT NOT NULL DEFAULT '',
		status                  TEXT NOT NULL DEFAULT 'trialing',
		stripe_customer_id      TEXT NOT NULL DEFAULT '',
		trial_ends_at           INTEGER,
		current_period_end      INTEGER,
		reports_used_this_month INTEGER NOT NULL DEFAULT 0,
		created_at              INTEGER NOT NULL,
		updated_at              INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_org_subs_stripe_customer_id
		ON organization_subscriptions(stripe_customer_id);
	CREATE TABLE IF NOT EXISTS atas (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		title           TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_atas_organization_id ON atas(organization_id);
	CREATE TABLE IF NOT EXISTS organization_users (
		organization_id TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		role            TEXT NOT NULL DEFAULT 'member',
		created_at      INTEGER NOT NULL,
		PRIMARY KEY (organization_id, user_id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init billing schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *BillingStore) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *BillingStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OrganizationIDForProfile maps an identity to its organization. Returns
// ErrNoOrganization when the profile is missing or has no organization set.
func (s *BillingStore) OrganizationIDForProfile(profileID string) (string, error) {
	var orgID string
	err := s.db.QueryRow(
		`SELECT organization_id FROM profiles WHERE id = ?`, profileID,
	).Scan(&orgID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNoOrganization
		}
		return "", fmt.Errorf("lookup profile %q: %w", profileID, err)
	}
	if orgID == "" {
		return "", ErrNoOrganization
	}
	return orgID, nil
}

// CreateOrganization inserts a new organization and returns it.
func (s *BillingStore) CreateOrganization(name string) (*Organization, error) {
	org := &Organization{
		ID:        GenerateOrganizationID(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO organizations (id, name, created_at) VALUES (?, ?, ?)`,
		org.ID, org.Name, org.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("create organization: %w", err)
	}
	return org, nil
}

// CreateProfile links an identity-provider user to an organization.
func (s *BillingStore) CreateProfile(profileID, organizationID string) error {
	_, err := s.db.Exec(
		`INSERT INTO profiles (id, organization_id, created_at) VALUES (?, ?, ?)`,
		profileID, organizationID, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}

// CreatePlan inserts a subscription plan. Generates an ID when absent.
func (s *BillingStore) CreatePlan(p *Plan) error {
	if p == nil {
		return fmt.Errorf("plan is nil")
	}
	if p.ID == "" {
		p.ID = GeneratePlanID()
	}
	_, err := s.db.Exec(`
		INSERT INTO subscription_plans (
			id, slug, name, price_monthly_cents,
			max_atas, max_reports_per_month, max_users, stripe_price_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Slug, p.Name, p.PriceMonthlyCents,
		nullableInt64(p.MaxAtas), nullableInt64(p.MaxReportsPerMonth), nullableInt64(p.MaxUsers),
		p.StripePriceID,
	)
	if err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	return nil
}

// PlanBySlug retrieves a plan by its slug, or nil when unknown.
func (s *BillingStore) PlanBySlug(slug string) (*Plan, error) {
	row := s.db.QueryRow(`SELECT
		id, slug, name, price_monthly_cents,
		max_atas, max_reports_per_month, max_users, stripe_price_id
		FROM subscription_plans WHERE slug = ?`, slug)
	return scanPlan(row)
}

// CreateSubscription inserts a subscription row for an organization.
func (s *BillingStore) CreateSubscription(sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	if sub.Status == "" {
		sub.Status = string(StatusTrialing)
	}

	_, err := s.db.Exec(`
		INSERT INTO organization_subscriptions (
			organization_id, plan_id, status, stripe_customer_id,
			trial_ends_at, current_period_end, reports_used_this_month,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.OrganizationID, sub.PlanID, sub.Status, sub.StripeCustomerID,
		nullableTimeUnix(sub.TrialEndsAt), nullableTimeUnix(sub.CurrentPeriodEnd),
		sub.ReportsUsedThisMonth, sub.CreatedAt.Unix(), sub.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// Subscription retrieves an organization's subscription, or nil when absent.
func (s *BillingStore) Subscription(organizationID string) (*Subscription, error) {
	row := s.db.QueryRow(`SELECT
		organization_id, plan_id, status, stripe_customer_id,
		trial_ends_at, current_period_end, reports_used_this_month,
		created_at, updated_at
		FROM organization_subscriptions WHERE organization_id = ?`, organizationID)
	return scanSubscription(row)
}

// SubscriptionWithPlan retrieves an organization's subscription joined with
// its plan. The plan is nil when the subscription references no known plan.
func (s *BillingStore) SubscriptionWithPlan(organizationID string) (*Subscription, *Plan, error) {
	sub, err := s.Subscription(organizationID)
	if err != nil || sub == nil {
		return sub, nil, err
	}
	if sub.PlanID == "" {
		return sub, nil, nil
	}
	row := s.db.QueryRow(`SELECT
		id, slug, name, price_monthly_cents,
		max_atas, max_reports_per_month, max_users, stripe_price_id
		FROM subscription_plans WHERE id = ?`, sub.PlanID)
	plan, err := scanPlan(row)
	if err != nil {
		return sub, nil, err
	}
	return sub, plan, nil
}

// EnsureStripeCustomer records candidateID as the organization's payment
// customer unless one is already set, and returns the id that won. The
// single upsert statement makes concurrent first-time checkout attempts
// converge on exactly one customer: the loser observes the winner's id in
// the RETURNING clause instead of persisting its own.
func (s *BillingStore) EnsureStripeCustomer(organizationID, candidateID string) (string, error) {
	now := time.Now().UTC().Unix()
	var winner string
	err := s.db.QueryRow(`
		INSERT INTO organization_subscriptions (
			organization_id, stripe_customer_id, reports_used_this_month,
			created_at, updated_at
		) VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(organization_id) DO UPDATE SET
			stripe_customer_id = CASE
				WHEN organization_subscriptions.stripe_customer_id = ''
				THEN excluded.stripe_customer_id
				ELSE organization_subscriptions.stripe_customer_id
			END,
			updated_at = excluded.updated_at
		RETURNING stripe_customer_id`,
		organizationID, candidateID, now, now,
	).Scan(&winner)
	if err != nil {
		return "", fmt.Errorf("ensure stripe customer for %q: %w", organizationID, err)
	}
	return winner, nil
}

// SubscriptionByStripeCustomer retrieves the subscription holding the given
// payment customer id, or nil when unknown.
func (s *BillingStore) SubscriptionByStripeCustomer(customerID string) (*Subscription, error) {
	row := s.db.QueryRow(`SELECT
		organization_id, plan_id, status, stripe_customer_id,
		trial_ends_at, current_period_end, reports_used_this_month,
		created_at, updated_at
		FROM organization_subscriptions WHERE stripe_customer_id = ?`, customerID)
	return scanSubscription(row)
}

// UpdateSubscriptionStatus applies a processor-reported status change keyed
// by the payment customer id (webhook write path).
func (s *BillingStore) UpdateSubscriptionStatus(customerID, status string, periodEnd *time.Time) error {
	res, err := s.db.Exec(`
		UPDATE organization_subscriptions SET
			status = ?, current_period_end = ?, updated_at = ?
		WHERE stripe_customer_id = ?`,
		status, nullableTimeUnix(periodEnd), time.Now().UTC().Unix(), customerID,
	)
	if err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("no subscription for customer %q", customerID)
	}
	return nil
}

// SetSubscriptionPlan points an organization's subscription at a plan.
func (s *BillingStore) SetSubscriptionPlan(organizationID, planID string) error {
	res, err := s.db.Exec(`
		UPDATE organization_subscriptions SET plan_id = ?, updated_at = ?
		WHERE organization_id = ?`,
		planID, time.Now().UTC().Unix(), organizationID,
	)
	if err != nil {
		return fmt.Errorf("set subscription plan: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("no subscription for organization %q", organizationID)
	}
	return nil
}

// AddAta inserts an organization-scoped ata record.
func (s *BillingStore) AddAta(organizationID, title string) (string, error) {
	id := GenerateAtaID()
	_, err := s.db.Exec(
		`INSERT INTO atas (id, organization_id, title, created_at) VALUES (?, ?, ?, ?)`,
		id, organizationID, title, time.Now().UTC().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("add ata: %w", err)
	}
	return id, nil
}

// AddOrganizationUser links a user to an organization.
func (s *BillingStore) AddOrganizationUser(organizationID, userID, role string) error {
	if role == "" {
		role = "member"
	}
	_, err := s.db.Exec(
		`INSERT INTO organization_users (organization_id, user_id, role, created_at) VALUES (?, ?, ?, ?)`,
		organizationID, userID, role, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("add organization user: %w", err)
	}
	return nil
}

// CountAtas counts the organization's ata records.
func (s *BillingStore) CountAtas(organizationID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM atas WHERE organization_id = ?`, organizationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count atas: %w", err)
	}
	return n, nil
}

// CountOrganizationUsers counts the organization's members.
func (s *BillingStore) CountOrganizationUsers(organizationID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM organization_users WHERE organization_id = ?`, organizationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count organization users: %w", err)
	}
	return n, nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(s scanner) (*Plan, error) {
	var p Plan
	var maxAtas, maxReports, maxUsers sql.NullInt64
	err := s.Scan(
		&p.ID, &p.Slug, &p.Name, &p.PriceMonthlyCents,
		&maxAtas, &maxReports, &maxUsers, &p.StripePriceID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	p.MaxAtas = nullInt64Ptr(maxAtas)
	p.MaxReportsPerMonth = nullInt64Ptr(maxReports)
	p.MaxUsers = nullInt64Ptr(maxUsers)
	return &p, nil
}

func scanSubscription(s scanner) (*Subscription, error) {
	var sub Subscription
	var trialEndsAt, periodEnd sql.NullInt64
	var createdAt, updatedAt int64
	err := s.Scan(
		&sub.OrganizationID, &sub.PlanID, &sub.Status, &sub.StripeCustomerID,
		&trialEndsAt, &periodEnd, &sub.ReportsUsedThisMonth,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.TrialEndsAt = nullUnixTime(trialEndsAt)
	sub.CurrentPeriodEnd = nullUnixTime(periodEnd)
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullUnixTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
