package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/switchboard/pkg/client"
	"github.com/daviddao/switchboard/pkg/config"
	"github.com/daviddao/switchboard/pkg/git"
	"github.com/daviddao/switchboard/pkg/mirror"
	"github.com/daviddao/switchboard/pkg/stream"
)

type mirrorFlags struct {
	feeds     []string
	repo      string
	batchSize int
	timeout   time.Duration
	remote    string
	branch    string
	health    string
}

func (f *mirrorFlags) apply(cmd *cobra.Command, mc *config.MirrorConfig) {
	if cmd.Flags().Changed("feed") {
		mc.FeedIDs = f.feeds
	}
	if cmd.Flags().Changed("repo") {
		mc.RepoPath = f.repo
	}
	if cmd.Flags().Changed("batch-size") {
		mc.BatchSize = f.batchSize
	}
	if cmd.Flags().Changed("batch-timeout") {
		mc.BatchTimeout = f.timeout
	}
	if cmd.Flags().Changed("remote") {
		mc.RemoteURL = f.remote
	}
	if cmd.Flags().Changed("branch") {
		mc.RemoteBranch = f.branch
	}
	if cmd.Flags().Changed("health-addr") {
		mc.HealthAddr = f.health
	}
}

func newMirrorCmd(a *app) *cobra.Command {
	var f mirrorFlags
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Replicate feeds into an append-only git working tree",
		Long: `Follow one or more feeds and write every event to
events/{feed_id}/{date}/{event_id}.json, committing in batches.

With MIRROR_REMOTE_URL set, each commit is checked for append-only history
against the remote branch, rebased onto it and pushed. The token in
MIRROR_REMOTE_TOKEN is embedded in the remote URL and never logged.

Examples:
  sb mirror --feed $FEED --repo ./context
  FEED_IDS=a,b CONTEXT_REPO_PATH=/data/context sb mirror`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.apply(cmd, &a.cfg.Mirror)
			if err := a.cfg.ValidateMirror(); err != nil {
				return fmt.Errorf("invalid mirror configuration:\n%w", err)
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.runMirror(ctx)
		},
	}
	fl := cmd.Flags()
	fl.StringSliceVar(&f.feeds, "feed", nil, "feed ID to mirror (repeatable; default from FEED_IDS)")
	fl.StringVar(&f.repo, "repo", "", "working tree path (default from CONTEXT_REPO_PATH)")
	fl.IntVar(&f.batchSize, "batch-size", 0, "events per commit")
	fl.DurationVar(&f.timeout, "batch-timeout", 0, "maximum age of an uncommitted batch")
	fl.StringVar(&f.remote, "remote", "", "remote repository URL (enables push)")
	fl.StringVar(&f.branch, "branch", "", "remote branch")
	fl.StringVar(&f.health, "health-addr", "", "health endpoint listen address")

	cmd.AddCommand(newMirrorInitCmd(a))
	return cmd
}

func (a *app) runMirror(ctx context.Context) error {
	if err := a.startTelemetry(ctx); err != nil {
		return err
	}
	mc := a.cfg.Mirror
	relay := client.New(a.cfg.RelayURL, nil)

	m, err := mirror.New(mirror.Config{
		Dir:          mc.RepoPath,
		FeedIDs:      mc.FeedIDs,
		BatchSize:    mc.BatchSize,
		BatchTimeout: mc.BatchTimeout,
		RemoteURL:    mc.RemoteURL,
		RemoteToken:  mc.RemoteToken,
		RemoteBranch: mc.RemoteBranch,
		HealthAddr:   mc.HealthAddr,
		Heartbeat:    mc.Heartbeat,
		LockStale:    mc.LockStale,
		Subscribe: func(feedID string) mirror.Streamer {
			return stream.New(stream.Config{
				URL:    relay.StreamURL(feedID),
				Logger: a.logger.With("feed_id", feedID),
			})
		},
		Logger: a.logger,
	})
	if err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		return err
	}
	return m.Run(ctx)
}

func newMirrorInitCmd(a *app) *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the mirror working tree layout without streaming",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if repo == "" {
				repo = a.cfg.Mirror.RepoPath
			}
			if repo == "" {
				return fmt.Errorf("no working tree: pass --repo or set CONTEXT_REPO_PATH")
			}
			if err := git.NewRepository(repo).InitRepo(cmd.Context()); err != nil {
				return err
			}
			if err := mirror.EnsureLayout(repo, time.Now()); err != nil {
				return err
			}
			manifest, err := mirror.ReadManifest(repo)
			if err != nil {
				return err
			}
			if a.jsonOut {
				a.printJSON(map[string]any{"repo": repo, "manifest": manifest})
				return nil
			}
			fmt.Fprintf(a.stdout, "initialized %s (manifest v%s, created %s)\n",
				repo, manifest.Version, manifest.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "working tree path (default from CONTEXT_REPO_PATH)")
	return cmd
}
