package billingcp

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ataboard/ataboard/internal/billingcp/checkout"
	"github.com/ataboard/ataboard/internal/billingcp/entitlement"
	"github.com/ataboard/ataboard/internal/billingcp/registry"
	"github.com/ataboard/ataboard/internal/identity"
	"github.com/ataboard/ataboard/internal/logging"
	"github.com/rs/zerolog/log"
)

// Run starts the billing control plane HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "billing-cp",
	})

	log.Info().Str("version", version).Msg("Starting AtaBoard billing control plane")

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.ControlPlaneDir(), 0o755); err != nil {
		return fmt.Errorf("create control-plane dir: %w", err)
	}

	store, err := registry.NewBillingStore(cfg.ControlPlaneDir())
	if err != nil {
		return fmt.Errorf("open billing store: %w", err)
	}
	defer store.Close()

	idClient := identity.NewClient(cfg.IdentityURL, cfg.IdentityServiceKey, cfg.SiteURL+"/redefinir-senha")

	resolver := checkout.NewResolver(store, idClient, cfg.SiteURL, cfg.StripeAPIKey)

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:     cfg,
		Store:      store,
		Resolver:   resolver,
		Aggregator: entitlement.NewAggregator(store),
		Verifier:   idClient,
		Webhook:    checkout.NewWebhookHandler(cfg.StripeWebhookSecret, store),
		Version:    version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           RequestID(SecurityHeaders(mux)),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		log.Info().Str("addr", addr).Msg("Billing control plane listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Billing control plane stopped")
	return nil
}
