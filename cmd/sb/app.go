package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/daviddao/switchboard/pkg/client"
	"github.com/daviddao/switchboard/pkg/config"
	"github.com/daviddao/switchboard/pkg/logging"
	"github.com/daviddao/switchboard/pkg/telemetry"
)

// app holds state shared by all subcommands.
type app struct {
	stdout io.Writer
	stderr io.Writer

	// Global flags.
	configPath string
	relayURL   string
	logLevel   string
	jsonOut    bool

	cfg    *config.Config
	logger *slog.Logger

	closers []func()
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "sb",
		Short: "switchboard: feeds, live streams, a git mirror and task claims",
		Long: `sb runs and talks to switchboard, a coordination bus.

Producers post typed events into feeds on the relay. Subscribers follow a
feed live over SSE; the mirror replicates feeds into an append-only git
tree; workers compete for tasks with lease-based claims.

Configuration layers: defaults < YAML file (--config or SWITCHBOARD_CONFIG)
< environment < flags.

Exit codes:
  0  success
  1  error
  2  claim denied`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", envOr("SWITCHBOARD_CONFIG", ""), "YAML config file")
	pf.StringVar(&a.relayURL, "relay", "", "relay base URL (overrides RELAY_URL)")
	pf.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	pf.BoolVar(&a.jsonOut, "json", false, "JSON output")

	root.AddCommand(
		newServeCmd(a),
		newMirrorCmd(a),
		newFeedCmd(a),
		newPostCmd(a),
		newLogCmd(a),
		newTailCmd(a),
		newClaimCmd(a),
		newWorkCmd(a),
		newStatusCmd(a),
	)
	return root
}

// setup loads configuration and builds the logger. Logs go to stderr so
// stdout stays parseable.
func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.relayURL != "" {
		cfg.RelayURL = a.relayURL
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	logger, err := logging.New(a.stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// Close runs deferred cleanups in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// client returns a relay client for the configured relay URL.
func (a *app) client() *client.Client {
	return client.New(a.cfg.RelayURL, nil)
}

// resolveFeed returns the flag value, falling back to FEED_ID.
func (a *app) resolveFeed(flagVal string) (string, error) {
	if flagVal != "" {
		return flagVal, nil
	}
	if a.cfg.Claim.FeedID != "" {
		return a.cfg.Claim.FeedID, nil
	}
	return "", fmt.Errorf("no feed: pass --feed or set FEED_ID")
}

// resolveAgent returns the flag value, falling back to AGENT_ID.
func (a *app) resolveAgent(flagVal string) (string, error) {
	if flagVal != "" {
		return flagVal, nil
	}
	if a.cfg.Claim.AgentID != "" {
		return a.cfg.Claim.AgentID, nil
	}
	return "", fmt.Errorf("no agent ID: pass --agent or set AGENT_ID")
}

// startTelemetry installs the tracer provider for long-running commands.
func (a *app) startTelemetry(ctx context.Context) error {
	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       a.cfg.Telemetry.Endpoint,
		ServiceName:    a.cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	a.onClose(func() {
		if err := shutdown(context.Background()); err != nil {
			a.logger.Warn("telemetry shutdown", "error", err)
		}
	})
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// printJSON writes v to stdout as indented JSON.
func (a *app) printJSON(v any) {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
