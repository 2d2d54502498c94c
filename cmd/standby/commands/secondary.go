package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"standby/pkg/client"
	"standby/pkg/exporter"
	"standby/pkg/metrics"
	"standby/pkg/server"
	"standby/pkg/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var secondaryCmd = &cobra.Command{
	Use:   "secondary",
	Short: "Secondary node commands",
}

var secondarySyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync against the primary (with retries)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := SB.NewClient()
		defer c.Close()

		res, err := SB.NewController(c).Sync(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		switch {
		case res.Head.IsZero():
			fmt.Fprintln(out, "Primary has no head yet.")
		case res.UpToDate():
			fmt.Fprintf(out, "Already up to date at %s\n", res.Head)
		default:
			fmt.Fprintf(out, "Advanced %s -> %s\n", shortOrNone(res.Previous), res.Head)
			fmt.Fprintf(out, "Fetched %d segments, %d blobs, %d bytes in %s\n",
				res.Segments, res.Blobs, res.Bytes, res.Duration.Round(1e6))
		}
		return nil
	},
}

var secondaryRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep the secondary in sync until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runSecondary(ctx)
	},
}

func runSecondary(ctx context.Context) error {
	cfg := SB.Config
	logger := SB.Logger

	c := SB.NewClient()
	defer c.Close()

	eg, ctx := errgroup.WithContext(ctx)
	opts := []client.DaemonOpt{client.WithDaemonLogger(logger.Named("daemon"))}

	if cfg.Admin.Enabled() {
		admin := server.NewAdminServer(logger.Named("admin"))
		if err := admin.Listen(cfg.Admin.Addr()); err != nil {
			return err
		}
		opts = append(opts, client.WithHealthReporter(admin))
		eg.Go(func() error { return admin.Serve(ctx) })
	}
	if cfg.Metrics.Enabled() {
		eg.Go(func() error { return metrics.Serve(ctx, cfg.Metrics.Addr(), logger) })
	}

	// SIGHUP 立即触发一轮同步
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	trigger := make(chan struct{}, 1)
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				select {
				case trigger <- struct{}{}:
				default:
				}
			}
		}
	})
	opts = append(opts, client.WithTrigger(trigger))

	daemon := client.NewDaemon(SB.NewController(c), cfg.Client.SyncInterval, opts...)
	logger.Info("secondary started",
		zap.String("primary", cfg.Client.Primary),
		zap.Duration("interval", cfg.Client.SyncInterval),
	)
	eg.Go(func() error { return daemon.Run(ctx) })

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

var exportPath string

var secondaryExportCmd = &cobra.Command{
	Use:   "export <dir>",
	Short: "Restore the local head (or a subtree) into a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		head, err := SB.Repo.Head(ctx)
		if err != nil {
			return err
		}
		if head.IsZero() {
			return errors.New("nothing to export: no head yet")
		}

		exp := exporter.NewExporter(SB.Store)
		root, err := exp.Resolve(ctx, head, exportPath)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(args[0], 0755); err != nil {
			return err
		}

		files := 0
		err = exp.RestoreTree(ctx, root.ID(), args[0], func(string, types.Hash, int64) { files++ })
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d files from %s\n", files, head.Short())
		return nil
	},
}

var secondaryGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove objects unreachable from the local head",
	RunE:  runGC,
}

func init() {
	secondaryExportCmd.Flags().StringVar(&exportPath, "path", "/", "subtree to export")
	secondaryGCCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "only report what would be removed")
	secondaryCmd.AddCommand(secondarySyncCmd, secondaryRunCmd, secondaryExportCmd, secondaryGCCmd)
}

func shortOrNone(h types.Hash) string {
	if h.IsZero() {
		return "(none)"
	}
	return h.Short()
}
