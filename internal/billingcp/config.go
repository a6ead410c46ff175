// Package billingcp is the AtaBoard billing control plane: HTTP surface for
// checkout, billing portal, entitlement reads and Stripe webhooks.
package billingcp

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// CPConfig holds all configuration for the control plane.
type CPConfig struct {
	DataDir             string
	BindAddress         string
	Port                int
	SiteURL             string // public marketing/app site, used for Stripe redirect URLs
	IdentityURL         string // identity provider base URL
	IdentityServiceKey  string // identity provider API key
	StripeAPIKey        string
	StripeWebhookSecret string
	PublicMetrics       bool
}

// ControlPlaneDir returns the directory for the control plane's own data
// (billing registry DB, etc).
func (c *CPConfig) ControlPlaneDir() string {
	return filepath.Join(c.DataDir, "control-plane")
}

// LoadConfig loads control plane configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*CPConfig, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("CP_PORT", 8443)
	if err != nil {
		return nil, err
	}

	cfg := &CPConfig{
		DataDir:             envOrDefault("CP_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("CP_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		SiteURL:             strings.TrimRight(strings.TrimSpace(os.Getenv("CP_SITE_URL")), "/"),
		IdentityURL:         strings.TrimSpace(os.Getenv("IDENTITY_URL")),
		IdentityServiceKey:  strings.TrimSpace(os.Getenv("IDENTITY_SERVICE_KEY")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		PublicMetrics:       envOrDefaultBool("CP_PUBLIC_METRICS", false),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate control plane config: %w", err)
	}
	return cfg, nil
}

func (c *CPConfig) validate() error {
	var missing []string
	if c.SiteURL == "" {
		missing = append(missing, "CP_SITE_URL")
	}
	if c.IdentityURL == "" {
		missing = append(missing, "IDENTITY_URL")
	}
	if c.IdentityServiceKey == "" {
		missing = append(missing, "IDENTITY_SERVICE_KEY")
	}
	if c.StripeAPIKey == "" {
		missing = append(missing, "STRIPE_API_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("CP_PORT must be between 1 and 65535, got %d", c.Port)
	}

	for _, u := range []struct{ name, value string }{
		{"CP_SITE_URL", c.SiteURL},
		{"IDENTITY_URL", c.IdentityURL},
	} {
		parsed, err := url.Parse(u.value)
		if err != nil {
			return fmt.Errorf("%s must be a valid URL: %w", u.name, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("%s must use http or https scheme", u.name)
		}
		if parsed.Host == "" {
			return fmt.Errorf("%s must include a host", u.name)
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
