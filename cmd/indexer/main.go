// Command indexer runs the chain-indexer service: it hydrates every
// persisted indexer from the registry, starts the control loop and the HTTP
// API, and streams finalized blocks to each executor until shutdown.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/R3E-Network/chain-indexer/infrastructure/logging"
	"github.com/R3E-Network/chain-indexer/infrastructure/metrics"
	"github.com/R3E-Network/chain-indexer/internal/authn"
	"github.com/R3E-Network/chain-indexer/internal/control"
	"github.com/R3E-Network/chain-indexer/internal/httpapi"
	"github.com/R3E-Network/chain-indexer/internal/nodeclient"
	"github.com/R3E-Network/chain-indexer/internal/registry"
	"github.com/R3E-Network/chain-indexer/internal/streamer"
	"github.com/R3E-Network/chain-indexer/internal/supervisor"
	"github.com/R3E-Network/chain-indexer/pkg/config"
	"github.com/R3E-Network/chain-indexer/pkg/pgnotify"
	"github.com/R3E-Network/chain-indexer/pkg/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "indexer:", err)
		os.Exit(1)
	}
}

// run exits non-zero only on startup failures (configuration cannot be
// loaded, the database cannot be opened, pinged or bootstrapped, the control
// channel or control loop cannot be started, the listener cannot be bound) or
// when the HTTP server stops with an error; per-indexer failures are logged
// and survived.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New("indexer", cfg.Logging.Level, cfg.Logging.Format)
	log.WithField("version", version.Version).Info("starting chain-indexer")

	metrics.Init("indexer")

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.ConnectionString())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	reg := registry.New(db)
	if err := reg.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap registry: %w", err)
	}

	node := nodeclient.New(nodeclient.Config{
		Endpoint:       cfg.Node.Endpoint,
		RequestsPerSec: cfg.Node.RequestsPerSec,
		MaxRetries:     cfg.Node.MaxRetries,
	}, log)

	sup := supervisor.New(db, reg, node, streamer.Config{
		BatchSize:       cfg.Node.BatchSize,
		IdleWait:        time.Duration(cfg.Node.PollInterval) * time.Millisecond,
		MaxBatchRetries: cfg.Control.MaxBatchRetries,
	}, log)

	if err := sup.HydrateFromRegistry(ctx); err != nil {
		log.WithError(err).Warn("registry hydration incomplete")
	}

	bus, err := pgnotify.NewWithDB(db, cfg.Database.ConnectionString(), log)
	if err != nil {
		return fmt.Errorf("open control channel: %w", err)
	}
	defer bus.Close()

	ctrl, err := control.New(bus, sup, reg, control.Config{
		Channel:          cfg.Control.Channel,
		IdleWait:         time.Duration(cfg.Control.IdleWaitMS) * time.Millisecond,
		HousekeepingCron: cfg.Control.HousekeepingCron,
	}, log)
	if err != nil {
		return fmt.Errorf("start control loop: %w", err)
	}
	go ctrl.Run(ctx)
	defer ctrl.Stop()

	var auth *authn.Authenticator
	if cfg.Auth.JWTSecret != "" {
		auth = authn.New(reg, authn.Config{
			SigningKey:  []byte(cfg.Auth.JWTSecret),
			NonceTTL:    time.Duration(cfg.Auth.NonceTTLSeconds) * time.Second,
			TokenExpiry: time.Duration(cfg.Auth.TokenExpirySeconds) * time.Second,
		})
	} else {
		log.Warn(ctx, "AUTH_JWT_SECRET unset, control endpoints are unauthenticated", nil)
	}

	api := httpapi.New(sup, bus, auth, db, cfg.Control.Channel, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()
	log.WithField("addr", addr).Info("http api listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}

	cancel()
	sup.StopAll()
	log.Info(context.Background(), "all executors retired", nil)
	return nil
}
