// Command alcove-wallet runs the credential server: account custody, token
// issuance, and proxy writes against upstream record-store nodes.
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

	"github.com/redis/go-redis/v9"

	"github.com/alcovelabs/alcove/pkg/config"
	"github.com/alcovelabs/alcove/pkg/envelope"
	"github.com/alcovelabs/alcove/pkg/nodeclient"
	"github.com/alcovelabs/alcove/pkg/wallet"
)

const shutdownGrace = 15 * time.Second

// Redis-backed auth budget, per key, when REDIS_URL is set. Matches the
// in-process default.
const (
	authPerMinute = 10
	authBurst     = 10
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "alcove-wallet: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadWallet()
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

	credential := nodeclient.NewClient(cfg.CredentialNodeURL, nodeclient.WithLogger(logger))
	proxy := credential
	if cfg.ProxyNodeURL != cfg.CredentialNodeURL {
		proxy = nodeclient.NewClient(cfg.ProxyNodeURL, nodeclient.WithLogger(logger))
	}

	opts := []wallet.ServiceOption{
		wallet.WithLogger(logger),
		wallet.WithTokenTTL(cfg.JWTExpiration),
		wallet.WithResetTTL(cfg.ResetTokenTTL),
		wallet.WithGoogleVerifier(&wallet.GoogleTokenInfo{}),
	}
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(ropts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		opts = append(opts, wallet.WithLimiter(wallet.NewRedisLimiter(client, authPerMinute, authBurst)))
	}

	service, err := wallet.NewService(identity, credential, proxy, cfg.JWTSecret, opts...)
	if err != nil {
		return err
	}

	srv := wallet.NewServer(service,
		wallet.WithAllowedOrigins(cfg.AllowedOrigins),
		wallet.WithServerLogger(logger),
	).NewHTTPServer(fmt.Sprintf(":%d", cfg.Port))

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("wallet listening",
			"addr", srv.Addr,
			"credential_node", cfg.CredentialNodeURL,
			"proxy_node", cfg.ProxyNodeURL,
		)
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
