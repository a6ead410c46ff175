package billingcp

import (
	"net/http"
	"time"

	"github.com/ataboard/ataboard/internal/billingcp/checkout"
	"github.com/ataboard/ataboard/internal/billingcp/entitlement"
	"github.com/ataboard/ataboard/internal/billingcp/registry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config     *CPConfig
	Store      *registry.BillingStore
	Resolver   *checkout.Resolver
	Aggregator *entitlement.Aggregator
	Verifier   checkout.TokenVerifier
	Webhook    http.Handler
	Version    string
}

type versionResponse struct {
	Version string `json:"version"`
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	// Liveness / readiness probes, unauthenticated.
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if err := deps.Store.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, versionResponse{Version: deps.Version})
	})

	// Metrics stay private unless explicitly opened up.
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}

	apiLimiter := NewRateLimiter(120, time.Minute)
	billing := func(h http.Handler) http.Handler {
		return CORS(apiLimiter.Middleware(h))
	}

	mux.Handle("/api/checkout", billing(HandleCreateCheckout(deps.Resolver)))
	mux.Handle("/api/billing-portal", billing(HandleBillingPortal(deps.Resolver)))
	mux.Handle("/api/entitlements", billing(HandleEntitlements(EntitlementDeps{
		Verifier:   deps.Verifier,
		Store:      deps.Store,
		Aggregator: deps.Aggregator,
	})))

	// Stripe webhook (signature-authenticated, no CORS — Stripe is not a browser)
	webhookLimiter := NewRateLimiter(240, time.Minute)
	mux.Handle("/api/stripe/webhook", webhookLimiter.Middleware(deps.Webhook))
}
