package checkout

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ataboard/ataboard/internal/billingcp/cpmetrics"
	"github.com/ataboard/ataboard/internal/billingcp/registry"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler applies Stripe subscription lifecycle events to the billing
// store. Checkout and entitlement code never writes subscription status —
// this is the only write path for it.
type WebhookHandler struct {
	secret string
	store  *registry.BillingStore
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, store *registry.BillingStore) *WebhookHandler {
	return &WebhookHandler{secret: secret, store: store}
}

type webhookSubscription struct {
	ID               string `json:"id"`
	Customer         string `json:"customer"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
}

type webhookCheckoutSession struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		cpmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeWebhookJSON(w, status, map[string]string{"error": "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeWebhookJSON(w, status, map[string]string{"error": "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeWebhookJSON(w, status, map[string]string{"error": "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeWebhookJSON(w, status, map[string]string{"error": "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeWebhookJSON(w, status, map[string]string{"error": "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	if err := h.handleEvent(&event); err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeWebhookJSON(w, status, map[string]string{"error": "processing failed"})
		return
	}

	writeWebhookJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *WebhookHandler) handleEvent(event *stripelib.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var sess webhookCheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		log.Info().
			Str("session_id", sess.ID).
			Str("customer", sess.Customer).
			Str("organization_id", sess.Metadata["organization_id"]).
			Msg("checkout completed")
		return nil

	case "customer.subscription.updated":
		var sub webhookSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.applySubscription(sub, sub.Status)

	case "customer.subscription.deleted":
		var sub webhookSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.applySubscription(sub, "canceled")

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}

func (h *WebhookHandler) applySubscription(sub webhookSubscription, status string) error {
	customerID := strings.TrimSpace(sub.Customer)
	if customerID == "" {
		return fmt.Errorf("subscription event %q has no customer", sub.ID)
	}

	var periodEnd *time.Time
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		periodEnd = &t
	}

	normalized := registry.NormalizeStatus(status)
	if err := h.store.UpdateSubscriptionStatus(customerID, string(normalized), periodEnd); err != nil {
		return err
	}
	log.Info().
		Str("customer", customerID).
		Str("status", string(normalized)).
		Msg("subscription status updated")
	return nil
}

func writeWebhookJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("checkout: encode webhook response")
	}
}
