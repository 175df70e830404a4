/*
serve.go - API server command

STARTUP SEQUENCE:
  1. Load configuration
  2. Open the SQLite store (migrations run on open)
  3. Connect the event publisher (RabbitMQ or no-op)
  4. Pick the charge gateway (Omise when keys are set, offline otherwise)
  5. Build the domain services and HTTP handler
  6. Start the refill scheduler
  7. Start the server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close publisher and database
*/
package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danitaetsu/buvle/api"
	"github.com/danitaetsu/buvle/billing"
	"github.com/danitaetsu/buvle/booking"
	"github.com/spf13/cobra"
)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the refill scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			store, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer store.Close()

			pub, err := newPublisher(cfg)
			if err != nil {
				return err
			}
			defer pub.Close()

			prices, err := cfg.PriceTable()
			if err != nil {
				return err
			}

			var (
				gateway  billing.ChargeGateway
				verifier billing.EventVerifier
			)
			if cfg.OmiseEnabled() {
				og, err := billing.NewOmiseGateway(cfg.Billing.OmisePublicKey, cfg.Billing.OmiseSecretKey)
				if err != nil {
					return err
				}
				gateway, verifier = og, og
				log.Println("[Billing] Omise gateway enabled")
			} else {
				log.Println("[Billing] No provider keys, charges are opened offline")
			}

			engine := booking.NewEngine(store, pub)
			reconciler := billing.NewReconciler(store, prices, gateway, pub)
			refiller := billing.NewRefiller(store, pub)

			handler := api.NewHandler(store, engine, reconciler, refiller)
			handler.Verifier = verifier
			handler.WebhookSecret = cfg.Billing.WebhookSecret
			if handler.WebhookSecret == "" {
				log.Println("[Billing] No webhook secret, /api/payments/confirmed is disabled")
			}

			scheduler := api.NewRefillScheduler(refiller)
			scheduler.Enabled = cfg.Refill.Enabled
			scheduler.Day = cfg.Refill.Day
			scheduler.CheckInterval = cfg.Refill.CheckInterval
			scheduler.Start()
			defer scheduler.Stop()

			server := &http.Server{
				Addr:         cfg.Addr(),
				Handler:      api.NewRouter(handler, cfg.Server.AllowedOrigins),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
				IdleTimeout:  cfg.Server.IdleTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Printf("Server starting on http://localhost%s", cfg.Addr())
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-quit:
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			}

			log.Println("Shutting down server...")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}

			log.Println("Server stopped")
			return nil
		},
	}
}
