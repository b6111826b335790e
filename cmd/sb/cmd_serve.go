package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/daviddao/switchboard/pkg/ingest"
	"github.com/daviddao/switchboard/pkg/pubsub"
	"github.com/daviddao/switchboard/pkg/relay"
	"github.com/daviddao/switchboard/pkg/store"
)

func newServeCmd(a *app) *cobra.Command {
	var addr, dbPath, redisURL string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay (HTTP API and SSE streams)",
		Long: `Run the relay: feeds, idempotent event ingestion, recent history,
live SSE streams, server-side claims and /health.

With RELAY_REDIS_URL set, every replica publishes accepted events to Redis
and forwards the events of all replicas to its own subscribers.

Examples:
  sb serve
  sb serve --addr :8080 --db /var/lib/switchboard/relay.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rc := a.cfg.Relay
			if cmd.Flags().Changed("addr") {
				rc.Addr = addr
			}
			if cmd.Flags().Changed("db") {
				rc.DBPath = dbPath
			}
			if cmd.Flags().Changed("redis") {
				rc.RedisURL = redisURL
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.serve(ctx, rc.Addr, rc.DBPath, rc.RedisURL, rc.SubscriberBuffer)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from RELAY_ADDR or :3000)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (default from RELAY_DB_PATH)")
	cmd.Flags().StringVar(&redisURL, "redis", "", "Redis URL for cross-replica fan-out")
	return cmd
}

func (a *app) serve(ctx context.Context, addr, dbPath, redisURL string, buffer int) error {
	if err := a.startTelemetry(ctx); err != nil {
		return err
	}

	st, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("cannot open database %q: %w", dbPath, err)
	}
	a.onClose(func() { st.Close() })

	hub := pubsub.NewHub(buffer, a.logger)
	a.onClose(hub.Close)

	g, gctx := errgroup.WithContext(ctx)

	var publisher pubsub.Publisher = hub
	if redisURL != "" {
		bridge, err := pubsub.NewRedisBridge(ctx, redisURL, hub, a.logger)
		if err != nil {
			return err
		}
		a.onClose(func() { bridge.Close() })
		publisher = bridge
		g.Go(func() error { return bridge.Run(gctx) })
		select {
		case <-bridge.Ready():
		case <-gctx.Done():
			return g.Wait()
		}
	}

	svc := ingest.New(ingest.Config{Store: st, Publisher: publisher, Logger: a.logger})
	srv := &http.Server{
		Handler: relay.New(relay.Config{
			Service:       svc,
			Subscriber:    hub,
			ClaimLease:    a.cfg.Claim.Lease,
			ClaimLookback: a.cfg.Claim.Lookback,
			Logger:        a.logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // SSE streams stay open
		IdleTimeout:       120 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	a.logger.Info("relay listening", "addr", ln.Addr().String(), "db", dbPath, "redis", redisURL != "")

	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Open SSE streams end when the hub closes their subscriptions.
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	a.logger.Info("relay stopped")
	return err
}
