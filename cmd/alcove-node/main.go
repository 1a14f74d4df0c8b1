// Command alcove-node runs a record-store node: one storage driver behind
// the transaction pipeline, exposed over HTTP and WebSocket.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/alcovelabs/alcove/pkg/config"
	"github.com/alcovelabs/alcove/pkg/explorer"
	"github.com/alcovelabs/alcove/pkg/httpapi"
	"github.com/alcovelabs/alcove/pkg/node"
	"github.com/alcovelabs/alcove/pkg/observability"
	"github.com/alcovelabs/alcove/pkg/program"
	"github.com/alcovelabs/alcove/pkg/store"
	"github.com/alcovelabs/alcove/pkg/wsapi"
)

const shutdownGrace = 15 * time.Second

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "alcove-node: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadNode()
	if err != nil {
		return err
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	obsCfg := observability.DefaultConfig("alcove-node")
	obsCfg.Enabled = cfg.OTelEnabled
	if cfg.OTelEndpoint != "" {
		obsCfg.Endpoint = cfg.OTelEndpoint
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	driver, err := openDriver(ctx, cfg)
	if err != nil {
		return err
	}

	backend := observability.InstrumentBackend(obs,
		node.New(driver, registry, node.WithLogger(logger)))

	httpSrv := httpapi.NewServer(backend,
		httpapi.WithAllowedOrigins(cfg.AllowedOrigins),
		httpapi.WithLogger(logger),
		httpapi.WithExplorer(explorer.NewBridge(backend, explorer.WithLogger(logger))),
	)
	wsSrv := wsapi.NewServer(backend,
		wsapi.WithAllowedOrigins(cfg.AllowedOrigins),
		wsapi.WithLogger(logger),
	)

	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/ws", wsSrv.Handler())
	mux.Handle("/", httpSrv.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("node listening",
			"addr", srv.Addr,
			"storage", cfg.StorageBackend,
			"programs", len(registry.Keys()),
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
	if err := backend.Cleanup(shutdownCtx); err != nil {
		logger.Error("backend cleanup", "error", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown", "error", err)
	}
	return nil
}

func buildRegistry(cfg *config.Node) (*program.Registry, error) {
	if cfg.SchemaModule == "" {
		return program.New(program.Builtins()), nil
	}
	registry, err := program.LoadModuleFile(cfg.SchemaModule)
	if err != nil {
		return nil, fmt.Errorf("schema module %s: %w", cfg.SchemaModule, err)
	}
	return registry, nil
}

func openDriver(ctx context.Context, cfg *config.Node) (store.Driver, error) {
	switch cfg.StorageBackend {
	case "memory":
		return store.NewMemory(), nil
	case "postgres":
		return openPostgres(ctx, cfg)
	case "sqlite":
		return store.OpenSQLite(ctx, cfg.SQLitePath, cfg.TablePrefix)
	case "redis":
		return store.OpenRedis(cfg.RedisURL, cfg.RedisPrefix)
	case "s3":
		return store.OpenS3(ctx, store.S3Config{
			Bucket: cfg.S3Bucket,
			Region: cfg.AWSRegion,
			Prefix: cfg.S3Prefix,
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.StorageBackend)
	}
}

func openPostgres(ctx context.Context, cfg *config.Node) (store.Driver, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.PoolSize)
	db.SetMaxIdleConns(cfg.PoolSize)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return store.NewPostgres(ctx, db, cfg.TablePrefix)
}
