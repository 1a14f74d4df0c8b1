// Command alcove-appd runs the app backend: tenant configuration plus the
// signed action router, in front of a record-store node.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alcovelabs/alcove/pkg/apps"
	"github.com/alcovelabs/alcove/pkg/config"
	"github.com/alcovelabs/alcove/pkg/envelope"
	"github.com/alcovelabs/alcove/pkg/nodeclient"
	"github.com/alcovelabs/alcove/pkg/store"
)

const shutdownGrace = 15 * time.Second

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "alcove-appd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadApp()
	if err != nil {
		return err
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	identity, err := envelope.LoadServerIdentity(
		cfg.Identity.SigningPublicHex,
		cfg.Identity.SigningPrivatePEM,
		cfg.Identity.EncryptionPublicHex,
		cfg.Identity.EncryptionPrivatePEM,
	)
	if err != nil {
		return err
	}

	backend := nodeclient.NewClient(cfg.DataNodeURL, nodeclient.WithLogger(logger))
	if h := backend.Health(ctx); h.Status != store.HealthOK {
		logger.Warn("data node not healthy at boot", "status", h.Status, "message", h.Message)
	}

	service, err := apps.NewService(identity, backend, apps.WithLogger(logger))
	if err != nil {
		return err
	}

	srv := apps.NewServer(service,
		apps.WithAllowedOrigins(cfg.AllowedOrigins),
		apps.WithServerLogger(logger),
	).NewHTTPServer(fmt.Sprintf(":%d", cfg.Port))

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("app backend listening", "addr", srv.Addr, "data_node", cfg.DataNodeURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	return nil
}
