package billingcp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ataboard/ataboard/internal/billingcp/checkout"
	"github.com/ataboard/ataboard/internal/billingcp/entitlement"
	"github.com/ataboard/ataboard/internal/billingcp/registry"
	"github.com/rs/zerolog/log"
)

const apiRequestBodyLimit = 64 * 1024

type errorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Status: status})
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// writeResolverError maps resolver and aggregator failures onto HTTP
// statuses. Unknown errors stay 500 and keep their detail out of the body.
func writeResolverError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, checkout.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "invalid or missing access token")
	case errors.Is(err, checkout.ErrValidation):
		writeError(w, http.StatusBadRequest, "invalid request")
	case errors.Is(err, checkout.ErrProfileIncomplete):
		writeError(w, http.StatusBadRequest, "profile has no organization")
	case errors.Is(err, checkout.ErrNoCustomer):
		writeError(w, http.StatusBadRequest, "no billing customer for organization")
	case errors.Is(err, checkout.ErrPlanNotPurchasable):
		writeError(w, http.StatusNotFound, "plan not available for purchase")
	case errors.Is(err, entitlement.ErrNoSubscription):
		writeError(w, http.StatusNotFound, "no subscription for organization")
	case errors.Is(err, checkout.ErrProviderUnavailable):
		writeError(w, http.StatusBadGateway, "upstream provider unavailable")
	default:
		log.Error().Err(err).Msg("billing API request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type checkoutRequest struct {
	PlanSlug string `json:"planSlug"`
}

type redirectResponse struct {
	URL string `json:"url"`
}

// HandleCreateCheckout starts a Stripe Checkout session for the caller's
// organization and returns the redirect URL.
func HandleCreateCheckout(resolver *checkout.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		var req checkoutRequest
		body := http.MaxBytesReader(w, r.Body, apiRequestBodyLimit)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		url, err := resolver.CreateCheckout(r.Context(), token, req.PlanSlug)
		if err != nil {
			writeResolverError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, redirectResponse{URL: url})
	}
}

// HandleBillingPortal creates a Stripe billing portal session for the
// caller's existing customer.
func HandleBillingPortal(resolver *checkout.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		url, err := resolver.CreateBillingPortal(r.Context(), token)
		if err != nil {
			writeResolverError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, redirectResponse{URL: url})
	}
}

// EntitlementDeps are what the entitlement read needs: token verification,
// the profile-to-organization lookup, and the aggregator itself.
type EntitlementDeps struct {
	Verifier   checkout.TokenVerifier
	Store      *registry.BillingStore
	Aggregator *entitlement.Aggregator
}

// HandleEntitlements resolves the caller's organization and returns its
// aggregated entitlement snapshot.
func HandleEntitlements(deps EntitlementDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		caller, err := deps.Verifier.UserFromToken(r.Context(), token)
		if err != nil {
			writeResolverError(w, checkout.MapIdentityError(err))
			return
		}
		orgID, err := deps.Store.OrganizationIDForProfile(caller.ID)
		if err != nil {
			if errors.Is(err, registry.ErrNoOrganization) {
				writeError(w, http.StatusBadRequest, "profile has no organization")
				return
			}
			writeResolverError(w, err)
			return
		}

		ent, err := deps.Aggregator.Aggregate(r.Context(), orgID)
		if err != nil {
			writeResolverError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ent)
	}
}
